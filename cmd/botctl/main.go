package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "botctl",
	Short: "Operate a running craftpilot bot",
	Long: `botctl talks to a bot's control server: inspect status and world
state, start or stop full runs, trigger single actions and browse run history.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(statusCmd, stateCmd, craftableCmd, runCmd, actionCmd, runsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.botctl.yaml)")
	rootCmd.PersistentFlags().String("server", "127.0.0.1:8090", "bot control server address")
	rootCmd.PersistentFlags().Duration("timeout", 0, "request timeout (default 30s; actions wait longer)")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "print raw JSON")

	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".botctl")
	}
	viper.SetEnvPrefix("BOTCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "read config %s: %v\n", cfgFile, err)
		}
	}
}
