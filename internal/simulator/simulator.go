// Package simulator drives federated split-learning rounds over one shared
// model: clients take turns occupying the private partitions, train locally,
// and optionally get attacked at the boundaries they expose.
package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/rand"

	"github.com/23skdu/longbow-palisade/internal/attacker"
	"github.com/23skdu/longbow-palisade/internal/config"
	"github.com/23skdu/longbow-palisade/internal/dataset"
	"github.com/23skdu/longbow-palisade/internal/keeper"
	"github.com/23skdu/longbow-palisade/internal/logger"
	"github.com/23skdu/longbow-palisade/internal/metrics"
	"github.com/23skdu/longbow-palisade/internal/optim"
	"github.com/23skdu/longbow-palisade/internal/split"
)

// Strategy decides when the attack hook fires during local training.
type Strategy interface {
	ShouldAttack(round, epoch, step int, lastStep bool) bool
}

// BaseStrategy attacks every Interval steps and/or at the end of each
// client's round.
type BaseStrategy struct {
	Interval   int // attack after every Interval-th local step; 0 disables
	AtRoundEnd bool
}

// ShouldAttack implements Strategy.
func (s BaseStrategy) ShouldAttack(round, epoch, step int, lastStep bool) bool {
	if s.Interval > 0 && step%s.Interval == 0 {
		return true
	}
	return s.AtRoundEnd && lastStep
}

// Exporter pushes captured intermediates somewhere external. Satisfied by
// export.FlightExporter.
type Exporter interface {
	Push(ctx context.Context, clientID string, inter *split.Intermediate) error
}

// Simulator owns one simulation run. Clients run strictly sequentially;
// the keeper swaps their private partitions in and out of the one model.
type Simulator struct {
	runID uuid.UUID
	exec  *split.Executor
	keep  *keeper.Keeper
	data  dataset.Provider
	cfg   config.FLConfig
	log   *logger.Logger
	rng   *rand.Rand

	strategy  Strategy
	attackers map[split.Boundary]attacker.Attacker
	exporter  Exporter

	clientOpt optim.Optimizer
	trunkOpt  optim.Optimizer

	scores map[string]float64 // (client|boundary) -> last ROUGE-L
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithStrategy replaces the attack-trigger policy.
func WithStrategy(st Strategy) Option {
	return func(s *Simulator) { s.strategy = st }
}

// WithAttacker registers an attacker for one boundary.
func WithAttacker(b split.Boundary, a attacker.Attacker) Option {
	return func(s *Simulator) { s.attackers[b] = a }
}

// WithExporter pushes captured intermediates whenever the attack hook fires.
func WithExporter(e Exporter) Option {
	return func(s *Simulator) { s.exporter = e }
}

// WithOptimizers replaces the default SGD optimizers. client covers the
// private partitions, trunk the shared one.
func WithOptimizers(client, trunk optim.Optimizer) Option {
	return func(s *Simulator) {
		s.clientOpt = client
		s.trunkOpt = trunk
	}
}

// New wires a simulator over an executor, keeper and dataset.
func New(exec *split.Executor, keep *keeper.Keeper, data dataset.Provider, opts ...Option) *Simulator {
	cfg := exec.Config()
	s := &Simulator{
		runID:     uuid.New(),
		exec:      exec,
		keep:      keep,
		data:      data,
		cfg:       cfg,
		log:       logger.Log.With("simulator"),
		rng:       rand.New(rand.NewSource(uint64(cfg.Seed) + 3)),
		strategy:  BaseStrategy{AtRoundEnd: true},
		attackers: make(map[split.Boundary]attacker.Attacker),
		scores:    make(map[string]float64),
	}
	clientParams := append(exec.BottomParams(true), exec.TopParams(true)...)
	s.clientOpt = optim.NewSGD(clientParams, cfg.LearningRate)
	s.trunkOpt = optim.NewSGD(exec.TrunkParams(true), cfg.LearningRate)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunID returns the unique id of this simulation run.
func (s *Simulator) RunID() uuid.UUID { return s.runID }

// AttackScores returns the last recorded ROUGE-L score per
// "client|boundary" key.
func (s *Simulator) AttackScores() map[string]float64 {
	out := make(map[string]float64, len(s.scores))
	for k, v := range s.scores {
		out[k] = v
	}
	return out
}

// Run executes all configured rounds. A cancelled context stops the run at
// the next client boundary; per-client failures are recovered and logged
// without touching the client's stored state.
func (s *Simulator) Run(ctx context.Context) error {
	clients := s.data.Clients()
	if len(clients) == 0 {
		return fmt.Errorf("simulator: no clients")
	}
	s.log.Info("starting run",
		"run_id", s.runID.String(),
		"rounds", s.cfg.GlobalRound,
		"clients", len(clients),
		"split_point_1", s.cfg.SplitPoint1,
		"split_point_2", s.cfg.SplitPoint2)

	for round := 1; round <= s.cfg.GlobalRound; round++ {
		subset := s.selectClients(clients)
		for _, clientID := range subset {
			if err := ctx.Err(); err != nil {
				s.log.Warn("run stopped", "round", round, "reason", err.Error())
				return err
			}
			s.runClient(ctx, round, clientID)
		}
		metrics.RoundsTotal.Inc()
		s.log.Info("round complete", "round", round, "participants", len(subset))
	}
	return nil
}

// selectClients picks this round's participants: everyone when
// ClientsPerRound is 0 or covers the population, otherwise a uniform random
// subset without replacement.
func (s *Simulator) selectClients(clients []string) []string {
	n := s.cfg.ClientsPerRound
	if n <= 0 || n >= len(clients) {
		return clients
	}
	shuffled := append([]string(nil), clients...)
	s.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}

// runClient runs one client's local round. Any panic (malformed batches
// surface as tensor shape panics) abandons the round for this client only.
func (s *Simulator) runClient(ctx context.Context, round int, clientID string) {
	if err := s.keep.Activate(clientID); err != nil {
		s.log.Error("activate failed", "client", clientID, "error", err.Error())
		metrics.RecordClientFailure(clientID)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("client round abandoned",
				"round", round, "client", clientID, "panic", fmt.Sprint(r))
			metrics.RecordClientFailure(clientID)
			s.exec.Model().ZeroGrads()
			s.keep.Abandon()
		}
	}()

	if err := s.trainClient(ctx, round, clientID); err != nil {
		s.log.Error("client round failed",
			"round", round, "client", clientID, "error", err.Error())
		metrics.RecordClientFailure(clientID)
		s.exec.Model().ZeroGrads()
		s.keep.Abandon()
		return
	}
	if err := s.keep.Release(); err != nil {
		s.log.Error("release failed", "client", clientID, "error", err.Error())
		s.keep.Abandon()
	}
}

func (s *Simulator) trainClient(ctx context.Context, round int, clientID string) error {
	for epoch := 1; epoch <= s.cfg.ClientEpoch; epoch++ {
		for step := 1; step <= s.cfg.ClientSteps; step++ {
			batch, err := s.data.Batch(clientID, s.cfg.BatchSize)
			if err != nil {
				return fmt.Errorf("batch: %w", err)
			}
			start := time.Now()
			res, err := s.exec.Forward(split.Input{
				IDs:  batch.InputIDs,
				Mask: batch.AttentionMask,
			}, true)
			if err != nil {
				return fmt.Errorf("forward: %w", err)
			}

			lastStep := epoch == s.cfg.ClientEpoch && step == s.cfg.ClientSteps
			if res.Early != nil {
				// Attack-mode run: no logits, no training step.
				s.attack(ctx, clientID, batch, res.Early)
				continue
			}

			loss, gradLogits := s.exec.Model().LossAndGrad(res.Logits, batch.InputIDs, batch.AttentionMask)
			if err := s.exec.Backward(gradLogits); err != nil {
				return fmt.Errorf("backward: %w", err)
			}
			s.clientOpt.Step()
			if s.cfg.TrunkTrainable {
				s.trunkOpt.Step()
			}
			s.exec.Model().ZeroGrads()
			metrics.RecordStep(clientID, loss, time.Since(start))
			s.log.Debug("step",
				"round", round, "client", clientID,
				"epoch", epoch, "step", step, "loss", loss)

			if s.strategy.ShouldAttack(round, epoch, step, lastStep) {
				b2tr, tr2t := s.exec.Intermediates()
				s.attack(ctx, clientID, batch, b2tr, tr2t)
			}
		}
	}
	return nil
}

// attack runs the registered attacker against each fresh intermediate and
// records the reconstruction score against the batch's ground truth.
func (s *Simulator) attack(ctx context.Context, clientID string, batch *dataset.Batch, inters ...*split.Intermediate) {
	for _, inter := range inters {
		if inter == nil || inter.Generation != s.exec.Generation() {
			continue
		}
		if s.exporter != nil {
			if err := s.exporter.Push(ctx, clientID, inter); err != nil {
				s.log.Warn("export failed", "boundary", string(inter.Boundary), "error", err.Error())
			}
		}
		atk, ok := s.attackers[inter.Boundary]
		if !ok {
			continue
		}
		var texts []string
		var err error
		if sa, isSearch := atk.(attacker.SearchAttacker); isSearch {
			texts, err = sa.AttackSearch(ctx, inter, s.exec)
		} else {
			texts, err = atk.Attack(ctx, inter)
		}
		if err != nil {
			s.log.Warn("attack failed", "boundary", string(inter.Boundary), "error", err.Error())
			continue
		}
		score := attacker.MeanRougeL(texts, batch.InputText)
		s.scores[clientID+"|"+string(inter.Boundary)] = score
		metrics.RecordAttack(clientID, string(inter.Boundary), score)
		s.log.Info("attack scored",
			"client", clientID, "boundary", string(inter.Boundary), "rouge_l", score)
	}
}
