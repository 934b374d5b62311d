// Package config holds the federated split-learning run configuration.
package config

import (
	"fmt"
	"strings"
)

// NoiseMode selects the boundary perturbation strategy.
type NoiseMode string

const (
	NoiseNone     NoiseMode = "none"
	NoiseGaussian NoiseMode = "gaussian"
	NoiseDxp      NoiseMode = "dxp"
)

// AttackMode selects the boundary at which a forward pass returns early with
// the raw activation, instead of running the full stack.
type AttackMode string

const (
	AttackNone AttackMode = ""
	AttackB2TR AttackMode = "b2tr"
	AttackTR2T AttackMode = "tr2t"
)

// FLConfig is the immutable per-run configuration. It is validated once
// before any round runs and read-only afterwards.
type FLConfig struct {
	GlobalRound int // total federated rounds
	ClientSteps int // local optimizer steps per epoch
	ClientEpoch int // local epochs per round

	SplitPoint1 int // bottom/trunk cut: blocks [0, SplitPoint1) are bottom
	SplitPoint2 int // trunk/top cut: blocks [SplitPoint1, SplitPoint2) are trunk

	NoiseMode  NoiseMode
	NoiseScale float64

	AttackMode           AttackMode
	CollectIntermediates bool

	UseLoRAAtBottom bool
	UseLoRAAtTrunk  bool
	UseLoRAAtTop    bool
	LoRARank        int
	LoRAAlpha       float64

	// TopBottomFromScratch re-initializes the client-side partitions instead
	// of using pretrained values, keeping embedding tables intact.
	TopBottomFromScratch bool

	// TrunkTrainable lets the server apply trunk gradients. When false the
	// trunk gradients are still computed but never stepped.
	TrunkTrainable bool

	ClientsPerRound int // 0 = all clients every round

	BatchSize    int
	LearningRate float64
	Seed         int64
}

// Validate fails fast on any configuration error, before a simulation
// starts. numBlocks is the model's layer count L.
func (c *FLConfig) Validate(numBlocks int) error {
	if c.GlobalRound <= 0 {
		return fmt.Errorf("invalid global_round: %d (must be positive)", c.GlobalRound)
	}
	if c.ClientSteps <= 0 {
		return fmt.Errorf("invalid client_steps: %d (must be positive)", c.ClientSteps)
	}
	if c.ClientEpoch <= 0 {
		return fmt.Errorf("invalid client_epoch: %d (must be positive)", c.ClientEpoch)
	}
	if c.SplitPoint1 < 0 || c.SplitPoint1 > numBlocks {
		return fmt.Errorf("invalid split_point_1: %d (must be in [0,%d])", c.SplitPoint1, numBlocks)
	}
	if c.SplitPoint2 < 0 || c.SplitPoint2 > numBlocks {
		return fmt.Errorf("invalid split_point_2: %d (must be in [0,%d])", c.SplitPoint2, numBlocks)
	}
	if c.SplitPoint1 >= c.SplitPoint2 {
		return fmt.Errorf("split_point_1 (%d) must be below split_point_2 (%d)", c.SplitPoint1, c.SplitPoint2)
	}
	switch c.NoiseMode {
	case NoiseNone, NoiseGaussian, NoiseDxp:
	default:
		return fmt.Errorf("invalid noise_mode: %q", c.NoiseMode)
	}
	if c.NoiseMode != NoiseNone && c.NoiseScale <= 0 {
		return fmt.Errorf("invalid noise_scale: %f (must be positive for noise_mode %q)", c.NoiseScale, c.NoiseMode)
	}
	switch c.AttackMode {
	case AttackNone, AttackB2TR, AttackTR2T:
	default:
		return fmt.Errorf("invalid attack_mode: %q", c.AttackMode)
	}
	if (c.UseLoRAAtBottom || c.UseLoRAAtTrunk || c.UseLoRAAtTop) && c.LoRARank <= 0 {
		return fmt.Errorf("invalid lora_rank: %d (must be positive when LoRA is enabled)", c.LoRARank)
	}
	if c.ClientsPerRound < 0 {
		return fmt.Errorf("invalid clients_per_round: %d (must be non-negative)", c.ClientsPerRound)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("invalid learning_rate: %f (must be positive)", c.LearningRate)
	}
	return nil
}

// ParseNoiseMode normalizes a user-supplied noise mode string.
func ParseNoiseMode(s string) (NoiseMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return NoiseNone, nil
	case "gaussian":
		return NoiseGaussian, nil
	case "dxp":
		return NoiseDxp, nil
	}
	return "", fmt.Errorf("unknown noise mode %q", s)
}

// ParseAttackMode normalizes a user-supplied attack mode string.
func ParseAttackMode(s string) (AttackMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AttackNone, nil
	case "b2tr":
		return AttackB2TR, nil
	case "tr2t":
		return AttackTR2T, nil
	}
	return "", fmt.Errorf("unknown attack mode %q", s)
}

// Default returns a small runnable configuration.
func Default() FLConfig {
	return FLConfig{
		GlobalRound:          3,
		ClientSteps:          10,
		ClientEpoch:          1,
		SplitPoint1:          2,
		SplitPoint2:          4,
		NoiseMode:            NoiseNone,
		CollectIntermediates: true,
		LoRARank:             4,
		LoRAAlpha:            8,
		BatchSize:            2,
		LearningRate:         1e-3,
	}
}
