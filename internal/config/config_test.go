package config

import (
	"strings"
	"testing"
)

func validConfig() FLConfig {
	cfg := Default()
	cfg.Seed = 1
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*FLConfig)
		blocks  int
		wantErr string
	}{
		{"default is valid", func(c *FLConfig) {}, 6, ""},
		{"zero rounds", func(c *FLConfig) { c.GlobalRound = 0 }, 6, "global_round"},
		{"zero steps", func(c *FLConfig) { c.ClientSteps = 0 }, 6, "client_steps"},
		{"zero epochs", func(c *FLConfig) { c.ClientEpoch = 0 }, 6, "client_epoch"},
		{"negative sp1", func(c *FLConfig) { c.SplitPoint1 = -1 }, 6, "split_point_1"},
		{"sp2 beyond blocks", func(c *FLConfig) { c.SplitPoint2 = 7 }, 6, "split_point_2"},
		{"sp1 equals sp2", func(c *FLConfig) { c.SplitPoint1 = 3; c.SplitPoint2 = 3 }, 6, "must be below"},
		{"sp1 above sp2", func(c *FLConfig) { c.SplitPoint1 = 5; c.SplitPoint2 = 3 }, 6, "must be below"},
		{"sp1 zero is valid", func(c *FLConfig) { c.SplitPoint1 = 0 }, 6, ""},
		{"sp2 at blocks is valid", func(c *FLConfig) { c.SplitPoint2 = 6 }, 6, ""},
		{"bad noise mode", func(c *FLConfig) { c.NoiseMode = "laplace" }, 6, "noise_mode"},
		{"gaussian needs scale", func(c *FLConfig) { c.NoiseMode = NoiseGaussian; c.NoiseScale = 0 }, 6, "noise_scale"},
		{"bad attack mode", func(c *FLConfig) { c.AttackMode = "mitm" }, 6, "attack_mode"},
		{"lora without rank", func(c *FLConfig) { c.UseLoRAAtTop = true; c.LoRARank = 0 }, 6, "lora_rank"},
		{"negative clients per round", func(c *FLConfig) { c.ClientsPerRound = -2 }, 6, "clients_per_round"},
		{"zero batch", func(c *FLConfig) { c.BatchSize = 0 }, 6, "batch_size"},
		{"zero lr", func(c *FLConfig) { c.LearningRate = 0 }, 6, "learning_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate(tt.blocks)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseNoiseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    NoiseMode
		wantErr bool
	}{
		{"", NoiseNone, false},
		{"none", NoiseNone, false},
		{"Gaussian", NoiseGaussian, false},
		{" dxp ", NoiseDxp, false},
		{"laplace", "", true},
	}
	for _, tt := range tests {
		got, err := ParseNoiseMode(tt.in)
		if tt.wantErr != (err != nil) {
			t.Fatalf("ParseNoiseMode(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseNoiseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseAttackMode(t *testing.T) {
	tests := []struct {
		in      string
		want    AttackMode
		wantErr bool
	}{
		{"", AttackNone, false},
		{"none", AttackNone, false},
		{"B2TR", AttackB2TR, false},
		{"tr2t", AttackTR2T, false},
		{"bottom", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAttackMode(tt.in)
		if tt.wantErr != (err != nil) {
			t.Fatalf("ParseAttackMode(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseAttackMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
