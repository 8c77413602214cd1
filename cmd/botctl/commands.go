package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"craftpilot.ai/internal/control"
)

func client(actionWait bool) *control.Client {
	timeout := viper.GetDuration("timeout")
	if timeout <= 0 && actionWait {
		timeout = 5 * time.Minute
	}
	return control.NewClient(viper.GetString("server"), timeout)
}

// printJSON reports whether the caller asked for raw output and, if so,
// prints v.
func printJSON(v any) bool {
	if !viper.GetBool("json") {
		return false
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
	return true
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection, run and opportunist status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := client(false).Status(cmd.Context())
		if err != nil {
			return err
		}
		if printJSON(st) {
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "connected\t%v\n", st.Connected)
		fmt.Fprintf(w, "connects\t%d\n", st.Connects)
		fmt.Fprintf(w, "restarts\t%d\t%s\n", st.Restarts, st.LastRestart)
		fmt.Fprintf(w, "busy\t%v\n", st.Busy)
		fmt.Fprintf(w, "run\t%s\t%s\tstage=%s attempt=%d\n", st.Run.RunID, st.Run.Status, st.Run.Stage, st.Run.Attempt)
		if st.LastResult != nil {
			fmt.Fprintf(w, "last result\t%s\t%s\t%s %s\n", st.LastResult.RunID, st.LastResult.Status, st.LastResult.Stage, st.LastResult.Reason)
		}
		fmt.Fprintf(w, "opportunist\tticks=%d acted=%d skipped=%d failed=%d\n",
			st.Opportunist.Ticks, st.Opportunist.Acted, st.Opportunist.Skipped, st.Opportunist.Failed)
		return w.Flush()
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show position, vitals and inventory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := client(false).State(cmd.Context())
		if err != nil {
			return err
		}
		if printJSON(ws) {
			return nil
		}
		fmt.Printf("position (%d,%d,%d)  health %d  hunger %d\n", ws.Position.X, ws.Position.Y, ws.Position.Z, ws.Health, ws.Hunger)
		items := make([]string, 0, len(ws.Inventory))
		for id := range ws.Inventory {
			items = append(items, id)
		}
		sort.Strings(items)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, id := range items {
			fmt.Fprintf(w, "  %s\t%d\n", id, ws.Inventory[id])
		}
		return w.Flush()
	},
}

var craftableCmd = &cobra.Command{
	Use:   "craftable",
	Short: "List recipes the current inventory covers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := client(false).Craftable(cmd.Context())
		if err != nil {
			return err
		}
		if printJSON(ids) {
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start or stop a full run",
}

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a full run on the current connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client(false).StartRun(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("run started")
		return nil
	},
}

var runStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Cancel the in-flight run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stopped, err := client(false).StopRun(cmd.Context())
		if err != nil {
			return err
		}
		if stopped {
			fmt.Println("run stopped")
		} else {
			fmt.Println("no run in flight")
		}
		return nil
	},
}

var actionCmd = &cobra.Command{
	Use:       "action (gather|craft|mine) [item]",
	Short:     "Run one manual action",
	Example:   "  botctl action gather --count 3\n  botctl action craft stick --count 2",
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{"gather", "craft", "mine"},
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		req := control.ActionRequest{Count: count}
		if len(args) == 2 {
			req.Item = args[1]
		}
		if err := client(true).Action(cmd.Context(), args[0], req); err != nil {
			return err
		}
		fmt.Printf("%s ok\n", args[0])
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recent runs, or the events of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client(false)
		if len(args) == 1 {
			evs, err := c.RunEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if printJSON(evs) {
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tSTAGE\tATTEMPT\tFAILURE\tERROR")
			for _, ev := range evs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", ev.Time.Format(time.TimeOnly), ev.Kind, ev.Stage, ev.Attempt, ev.Failure, ev.Error)
			}
			return w.Flush()
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := c.Runs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if printJSON(runs) {
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTARTED\tSTATUS\tSTAGE\tREASON\tDURATION")
		for _, r := range runs {
			dur := "-"
			if !r.EndedAt.IsZero() {
				dur = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.RunID, r.StartedAt.Local().Format(time.DateTime), r.Status, r.Stage, r.Reason, dur)
		}
		return w.Flush()
	},
}

func init() {
	runCmd.AddCommand(runStartCmd, runStopCmd)
	actionCmd.Flags().IntP("count", "n", 1, "how many (logs, crafts or cobblestone)")
	runsCmd.Flags().Int("limit", 20, "how many runs to list")
}
