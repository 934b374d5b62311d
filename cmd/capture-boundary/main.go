// capture-boundary runs a single attack-mode forward pass and writes the
// captured boundary activation to an Arrow IPC file, for offline attacker
// work.
package main

import (
	"flag"
	"os"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-palisade/internal/config"
	"github.com/23skdu/longbow-palisade/internal/dataset"
	"github.com/23skdu/longbow-palisade/internal/export"
	"github.com/23skdu/longbow-palisade/internal/logger"
	"github.com/23skdu/longbow-palisade/internal/model"
	"github.com/23skdu/longbow-palisade/internal/split"
)

var (
	output     = flag.String("output", "boundary.arrow", "Output Arrow IPC file")
	boundary   = flag.String("boundary", "b2tr", "Boundary to capture: b2tr or tr2t")
	sp1        = flag.Int("sp1", 2, "Split point 1")
	sp2        = flag.Int("sp2", 4, "Split point 2")
	numBlocks  = flag.Int("blocks", 6, "Transformer blocks")
	embedDim   = flag.Int("embed-dim", 64, "Embedding dimension")
	numHeads   = flag.Int("heads", 4, "Attention heads")
	ffHidden   = flag.Int("ff", 256, "Feed-forward hidden dimension")
	seqLen     = flag.Int("seq-len", 32, "Sequence length")
	vocabSize  = flag.Int("vocab", 256, "Vocabulary size")
	batchSize = flag.Int("batch-size", 4, "Batch size")
	seed      = flag.Int64("seed", 42, "Random seed")
	logLevel  = flag.String("log-level", "info", "Log level")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")
	log := logger.Log.With("capture-boundary")

	am, err := config.ParseAttackMode(*boundary)
	if err != nil || am == config.AttackNone {
		log.Error("invalid boundary", "boundary", *boundary)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.SplitPoint1 = *sp1
	cfg.SplitPoint2 = *sp2
	cfg.AttackMode = am
	cfg.BatchSize = *batchSize
	cfg.Seed = *seed

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
		NumClients:       1,
		SamplesPerClient: *batchSize,
		Seed:             cfg.Seed,
	})
	if err != nil {
		log.Error("dataset construction failed", "error", err.Error())
		os.Exit(1)
	}
	batch, err := data.Batch(data.Clients()[0], *batchSize)
	if err != nil {
		log.Error("batch failed", "error", err.Error())
		os.Exit(1)
	}

	res, err := exec.Forward(split.Input{IDs: batch.InputIDs, Mask: batch.AttentionMask}, false)
	if err != nil {
		log.Error("forward failed", "error", err.Error())
		os.Exit(1)
	}
	if res.Early == nil {
		log.Error("no boundary capture returned")
		os.Exit(1)
	}

	rec, err := export.BuildRecord(memory.DefaultAllocator, "capture", res.Early)
	if err != nil {
		log.Error("record build failed", "error", err.Error())
		os.Exit(1)
	}
	defer rec.Release()
	if err := export.WriteIPCFile(*output, rec); err != nil {
		log.Error("write failed", "error", err.Error())
		os.Exit(1)
	}
	log.Info("boundary captured",
		"boundary", string(res.Early.Boundary),
		"rows", res.Early.Batch*res.Early.SeqLen,
		"output", *output)
}
