package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-palisade/internal/attacker"
	"github.com/23skdu/longbow-palisade/internal/config"
	"github.com/23skdu/longbow-palisade/internal/dataset"
	"github.com/23skdu/longbow-palisade/internal/export"
	"github.com/23skdu/longbow-palisade/internal/keeper"
	"github.com/23skdu/longbow-palisade/internal/logger"
	"github.com/23skdu/longbow-palisade/internal/model"
	"github.com/23skdu/longbow-palisade/internal/simulator"
	"github.com/23skdu/longbow-palisade/internal/split"
)

var (
	rounds      = flag.Int("rounds", 3, "Number of federated rounds")
	clientSteps = flag.Int("client-steps", 10, "Local optimizer steps per epoch")
	clientEpoch = flag.Int("client-epoch", 1, "Local epochs per round")
	sp1         = flag.Int("sp1", 2, "Split point 1: blocks below it form the bottom")
	sp2         = flag.Int("sp2", 4, "Split point 2: blocks below it (and at or above sp1) form the trunk")

	noiseMode  = flag.String("noise-mode", "none", "Boundary noise: none, gaussian, dxp")
	noiseScale = flag.Float64("noise-scale", 0.1, "Noise scale")
	attackMode = flag.String("attack-mode", "", "Stop forward at a boundary: b2tr, tr2t, or empty")
	collect    = flag.Bool("collect", true, "Capture boundary intermediates during training")

	loraBottom  = flag.Bool("lora-bottom", false, "LoRA adapters on bottom blocks")
	loraTrunk   = flag.Bool("lora-trunk", false, "LoRA adapters on trunk blocks")
	loraTop     = flag.Bool("lora-top", false, "LoRA adapters on top blocks")
	loraRank    = flag.Int("lora-rank", 4, "LoRA rank")
	loraAlpha   = flag.Float64("lora-alpha", 8, "LoRA alpha")
	fromScratch = flag.Bool("from-scratch", false, "Re-initialize bottom and top partitions (embeddings kept)")

	trunkTrainable  = flag.Bool("trunk-trainable", true, "Apply trunk gradients")
	numClients      = flag.Int("clients", 3, "Number of simulated clients")
	clientsPerRound = flag.Int("clients-per-round", 0, "Clients sampled per round (0 = all)")
	samples         = flag.Int("samples", 32, "Synthetic samples per client")
	batchSize       = flag.Int("batch-size", 2, "Batch size")
	learningRate    = flag.Float64("lr", 1e-3, "Learning rate")
	seed            = flag.Int64("seed", 42, "Random seed")

	numBlocks = flag.Int("blocks", 6, "Transformer blocks")
	embedDim  = flag.Int("embed-dim", 64, "Embedding dimension")
	numHeads  = flag.Int("heads", 4, "Attention heads")
	ffHidden  = flag.Int("ff", 256, "Feed-forward hidden dimension")
	seqLen    = flag.Int("seq-len", 32, "Sequence length")
	vocabSize = flag.Int("vocab", 256, "Vocabulary size")

	attackInterval = flag.Int("attack-interval", 0, "Attack every N local steps (0 = round end only)")
	flightAddr     = flag.String("flight", "", "Arrow Flight endpoint to push intermediates to (optional)")
	metricsAddr    = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
	logLevel       = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat      = flag.String("log-format", "console", "Log format: console or json")
	logComponents  = flag.String("log-components", "", "Per-component levels, e.g. simulator=debug,palisade=warn")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	for _, kv := range strings.Split(*logComponents, ",") {
		if name, level, ok := strings.Cut(kv, "="); ok {
			logger.SetComponentLevel(name, level)
		}
	}
	log := logger.Log.With("palisade")

	cfg, err := buildConfig()
	if err != nil {
		log.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}

	mdl, err := model.New(model.Config{
		VocabSize: *vocabSize,
		SeqLen:    *seqLen,
		EmbedDim:  *embedDim,
		NumHeads:  *numHeads,
		NumBlocks: *numBlocks,
		FFHidden:  *ffHidden,
		InitRange: 0.02,
		Eps:       1e-5,
	}, cfg.Seed)
	if err != nil {
		log.Error("model construction failed", "error", err.Error())
		os.Exit(1)
	}

	exec, err := split.New(mdl, cfg)
	if err != nil {
		log.Error("split executor construction failed", "error", err.Error())
		os.Exit(1)
	}

	data, err := dataset.NewSynthetic(dataset.SyntheticConfig{
		VocabSize:        *vocabSize,
		SeqLen:           *seqLen,
		NumClients:       *numClients,
		SamplesPerClient: *samples,
		Seed:             cfg.Seed,
	})
	if err != nil {
		log.Error("dataset construction failed", "error", err.Error())
		os.Exit(1)
	}

	opts := []simulator.Option{
		simulator.WithStrategy(simulator.BaseStrategy{
			Interval:   *attackInterval,
			AtRoundEnd: true,
		}),
		simulator.WithAttacker(split.BoundaryB2TR, attacker.NewNearestEmbedding(mdl, data.Decode)),
		simulator.WithAttacker(split.BoundaryTR2T, attacker.NewCutGreedy(mdl, data.Decode)),
	}
	if *flightAddr != "" {
		exporter, err := export.NewFlightExporter(*flightAddr)
		if err != nil {
			log.Error("flight exporter failed", "error", err.Error())
			os.Exit(1)
		}
		defer exporter.Close()
		opts = append(opts, simulator.WithExporter(exporter))
	}

	sim := simulator.New(exec, keeper.New(exec), data, opts...)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info("metrics serving", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Warn("metrics server stopped", "error", err.Error())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sim.Run(ctx); err != nil {
		log.Error("run ended early", "error", err.Error())
		os.Exit(1)
	}
	for key, score := range sim.AttackScores() {
		log.Info("final attack score", "key", key, "rouge_l", score)
	}
	log.Info("run complete", "run_id", sim.RunID().String())
}

func buildConfig() (config.FLConfig, error) {
	nm, err := config.ParseNoiseMode(*noiseMode)
	if err != nil {
		return config.FLConfig{}, err
	}
	am, err := config.ParseAttackMode(*attackMode)
	if err != nil {
		return config.FLConfig{}, err
	}
	cfg := config.FLConfig{
		GlobalRound:          *rounds,
		ClientSteps:          *clientSteps,
		ClientEpoch:          *clientEpoch,
		SplitPoint1:          *sp1,
		SplitPoint2:          *sp2,
		NoiseMode:            nm,
		NoiseScale:           *noiseScale,
		AttackMode:           am,
		CollectIntermediates: *collect,
		UseLoRAAtBottom:      *loraBottom,
		UseLoRAAtTrunk:       *loraTrunk,
		UseLoRAAtTop:         *loraTop,
		LoRARank:             *loraRank,
		LoRAAlpha:            *loraAlpha,
		TopBottomFromScratch: *fromScratch,
		TrunkTrainable:       *trunkTrainable,
		ClientsPerRound:      *clientsPerRound,
		BatchSize:            *batchSize,
		LearningRate:         *learningRate,
		Seed:                 *seed,
	}
	if err := cfg.Validate(*numBlocks); err != nil {
		return config.FLConfig{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
