package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"craftpilot.ai/internal/recipes"
)

type Config struct {
	World     WorldConfig     `yaml:"world"`
	Plan      PlanConfig      `yaml:"plan"`
	Timing    TimingConfig    `yaml:"timing"`
	Placement PlacementConfig `yaml:"placement"`
	Control   ControlConfig   `yaml:"control"`

	RecipesDir string `yaml:"recipes_dir"`
	DataDir    string `yaml:"data_dir"`

	// Tags overrides or extends the built-in tag table, per tag.
	Tags              map[string][]string `yaml:"tags,omitempty"`
	UnmappedTagPolicy string              `yaml:"unmapped_tag_policy"`
}

type WorldConfig struct {
	URL              string  `yaml:"url"`
	AgentName        string  `yaml:"agent_name"`
	WorldPreference  string  `yaml:"world_preference,omitempty"`
	ConnectTimeoutMs int     `yaml:"connect_timeout_ms"`
	ActionTimeoutMs  int     `yaml:"action_timeout_ms"`
	ActRatePerSec    float64 `yaml:"act_rate_per_sec"`
	ActBurst         int     `yaml:"act_burst"`
	SearchRadius     int     `yaml:"search_radius"`

	OnConnectCommands []string `yaml:"on_connect_commands"`
}

type PlanConfig struct {
	LogThreshold  int `yaml:"log_threshold"`
	PlanksTarget  int `yaml:"planks_target"`
	SticksTarget  int `yaml:"sticks_target"`
	StoneCap      int `yaml:"stone_cap"`
	IronTarget    int `yaml:"iron_target"`
	MaxRetries    int `yaml:"max_retries"`
	AnnounceEvery int `yaml:"announce_every"`

	HungerFloor int      `yaml:"hunger_floor"`
	Foods       []string `yaml:"foods"`

	Upgrades []string `yaml:"upgrades"`

	// Opportunist: gather when logs drop below this.
	LogFloor int `yaml:"log_floor"`
}

type TimingConfig struct {
	RetryCooldownMs       int `yaml:"retry_cooldown_ms"`
	RestartDelayMs        int `yaml:"restart_delay_ms"`
	OpportunistIntervalMs int `yaml:"opportunist_interval_ms"`
	GatherCooldownMs      int `yaml:"gather_cooldown_ms"`
	// MaxRestarts bounds supervisor restarts; 0 means unlimited.
	MaxRestarts int `yaml:"max_restarts"`
}

type PlacementConfig struct {
	Radius    int `yaml:"radius"`
	Step      int `yaml:"step"`
	Footprint int `yaml:"footprint"`
}

type ControlConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads a YAML config on top of Defaults. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("bot.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("bot.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		World: WorldConfig{
			URL:              "ws://localhost:8080/v1/ws",
			AgentName:        "craftpilot",
			ConnectTimeoutMs: 10000,
			ActionTimeoutMs:  30000,
			ActRatePerSec:    5,
			ActBurst:         4,
			SearchRadius:     32,
			OnConnectCommands: []string{
				"say I'm a mining bot! Watch me work!",
				"weather clear",
				"time set day",
			},
		},
		Plan: PlanConfig{
			LogThreshold:  4,
			PlanksTarget:  12,
			SticksTarget:  4,
			StoneCap:      20,
			IronTarget:    3,
			MaxRetries:    3,
			AnnounceEvery: 5,
			HungerFloor:   10,
			Foods:         []string{"cooked_beef", "bread", "apple", "cooked_porkchop", "baked_potato"},
			Upgrades:      []string{"stone_pickaxe", "stone_axe", "furnace", "iron_pickaxe"},
			LogFloor:      2,
		},
		Timing: TimingConfig{
			RetryCooldownMs:       2000,
			RestartDelayMs:        5000,
			OpportunistIntervalMs: 10000,
			GatherCooldownMs:      30000,
		},
		Placement: PlacementConfig{
			Radius:    6,
			Step:      1,
			Footprint: 3,
		},
		Control:           ControlConfig{Addr: "127.0.0.1:8090"},
		RecipesDir:        "./recipes",
		DataDir:           "./data",
		UnmappedTagPolicy: string(recipes.PolicySkip),
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.World.URL = strings.TrimSpace(c.World.URL)
	c.World.AgentName = strings.TrimSpace(c.World.AgentName)
	if c.World.ActBurst <= 0 {
		c.World.ActBurst = 1
	}
	if c.Placement.Step <= 0 {
		c.Placement.Step = 1
	}
	if c.Placement.Footprint <= 0 {
		c.Placement.Footprint = 3
	}
	if c.Plan.AnnounceEvery < 0 {
		c.Plan.AnnounceEvery = 0
	}
	c.UnmappedTagPolicy = strings.ToLower(strings.TrimSpace(c.UnmappedTagPolicy))
	if c.UnmappedTagPolicy == "" {
		c.UnmappedTagPolicy = string(recipes.PolicySkip)
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if c.World.AgentName == "" {
		return fmt.Errorf("world.agent_name must not be empty")
	}
	if c.World.ConnectTimeoutMs <= 0 || c.World.ActionTimeoutMs <= 0 {
		return fmt.Errorf("world timeouts must be > 0")
	}
	if c.World.ActRatePerSec <= 0 {
		return fmt.Errorf("world.act_rate_per_sec must be > 0")
	}
	if c.World.SearchRadius <= 0 {
		return fmt.Errorf("world.search_radius must be > 0")
	}
	if c.Plan.LogThreshold <= 0 || c.Plan.PlanksTarget <= 0 || c.Plan.SticksTarget <= 0 {
		return fmt.Errorf("plan thresholds must be > 0")
	}
	if c.Plan.StoneCap < 0 || c.Plan.IronTarget < 0 || c.Plan.LogFloor < 0 {
		return fmt.Errorf("plan counts must be >= 0")
	}
	if c.Plan.MaxRetries < 0 {
		return fmt.Errorf("plan.max_retries must be >= 0")
	}
	if c.Timing.RetryCooldownMs < 0 || c.Timing.RestartDelayMs < 0 || c.Timing.GatherCooldownMs < 0 {
		return fmt.Errorf("timing values must be >= 0")
	}
	if c.Timing.OpportunistIntervalMs <= 0 {
		return fmt.Errorf("timing.opportunist_interval_ms must be > 0")
	}
	if c.Timing.MaxRestarts < 0 {
		return fmt.Errorf("timing.max_restarts must be >= 0")
	}
	if c.Placement.Radius < 0 {
		return fmt.Errorf("placement.radius must be >= 0")
	}
	if c.Placement.Footprint%2 == 0 {
		return fmt.Errorf("placement.footprint must be odd")
	}
	if _, err := recipes.ParsePolicy(c.UnmappedTagPolicy); err != nil {
		return err
	}
	for tag, items := range c.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("tags: empty tag name")
		}
		if len(items) == 0 {
			return fmt.Errorf("tags: %s has no items", tag)
		}
	}
	return nil
}

// TagTable merges configured tags over the built-in table.
func (c Config) TagTable() recipes.TagTable {
	out := recipes.DefaultTags()
	for tag, items := range c.Tags {
		out[recipes.NormalizeTag(tag)] = append([]string(nil), items...)
	}
	return out
}

func (c Config) Policy() recipes.UnmappedTagPolicy {
	p, err := recipes.ParsePolicy(c.UnmappedTagPolicy)
	if err != nil {
		return recipes.PolicySkip
	}
	return p
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (w WorldConfig) ConnectTimeout() time.Duration { return ms(w.ConnectTimeoutMs) }
func (w WorldConfig) ActionTimeout() time.Duration  { return ms(w.ActionTimeoutMs) }
func (t TimingConfig) RetryCooldown() time.Duration { return ms(t.RetryCooldownMs) }
func (t TimingConfig) RestartDelay() time.Duration  { return ms(t.RestartDelayMs) }
func (t TimingConfig) OpportunistInterval() time.Duration {
	return ms(t.OpportunistIntervalMs)
}
func (t TimingConfig) GatherCooldown() time.Duration { return ms(t.GatherCooldownMs) }
