package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"craftpilot.ai/internal/recipes"
)

func TestLoad_BotYAML(t *testing.T) {
	cfg, err := Load("../../configs/bot.yaml")
	if err != nil {
		t.Fatalf("load bot.yaml: %v", err)
	}
	if cfg.Plan.PlanksTarget != 12 || cfg.Plan.LogThreshold != 4 {
		t.Fatalf("plan mismatch: %+v", cfg.Plan)
	}
	if len(cfg.World.OnConnectCommands) != 3 {
		t.Fatalf("on_connect_commands=%v", cfg.World.OnConnectCommands)
	}
	if cfg.Timing.RetryCooldown() != 2*time.Second {
		t.Fatalf("retry cooldown=%s", cfg.Timing.RetryCooldown())
	}
	if cfg.Policy() != recipes.PolicySkip {
		t.Fatalf("policy=%s", cfg.Policy())
	}
}

func TestLoad_EmptyPathIsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.World.AgentName != "craftpilot" {
		t.Fatalf("agent name=%q", cfg.World.AgentName)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bot.yaml")
	body := "plan:\n  stone_cap: 8\nunmapped_tag_policy: STRICT\ntags:\n  '#minecraft:planks': [birch_planks]\n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Plan.StoneCap != 8 || cfg.Plan.PlanksTarget != 12 {
		t.Fatalf("plan=%+v", cfg.Plan)
	}
	if cfg.Policy() != recipes.PolicyStrict {
		t.Fatalf("policy=%s", cfg.Policy())
	}
	tags := cfg.TagTable()
	if id, ok := tags.Resolve("planks"); !ok || id != "birch_planks" {
		t.Fatalf("planks resolves to %q", id)
	}
	if id, ok := tags.Resolve("coals"); !ok || id != "coal" {
		t.Fatalf("built-in tag lost: %q", id)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"policy":    func(c *Config) { c.UnmappedTagPolicy = "lenient" },
		"footprint": func(c *Config) { c.Placement.Footprint = 4 },
		"retries":   func(c *Config) { c.Plan.MaxRetries = -1 },
		"agent":     func(c *Config) { c.World.AgentName = " " },
		"empty tag": func(c *Config) { c.Tags = map[string][]string{"planks": nil} },
		"interval":  func(c *Config) { c.Timing.OpportunistIntervalMs = 0 },
	}
	for name, mut := range cases {
		cfg := Defaults()
		mut(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if name == "policy" && !strings.Contains(err.Error(), "lenient") {
			t.Fatalf("policy error should name the value: %v", err)
		}
	}
}
