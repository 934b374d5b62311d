// Package dataset provides the batch contract the simulator trains on, plus
// a self-contained synthetic corpus sliced randomly across clients.
package dataset

import (
	"fmt"
	"strings"

	"golang.org/x/exp/rand"
)

// PadToken is the reserved padding id.
const PadToken = 0

// Batch is one training batch. AttentionMask marks real tokens with 1 and
// padding with 0. InputText carries the ground-truth text per sequence for
// reconstruction scoring.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]float64
	InputText     []string
}

// Provider hands out per-client batches and decodes token ids back to text.
type Provider interface {
	Clients() []string
	Batch(clientID string, size int) (*Batch, error)
	Decode(ids []int) string
	VocabSize() int
}

// SyntheticConfig sizes a synthetic corpus.
type SyntheticConfig struct {
	VocabSize        int
	SeqLen           int
	NumClients       int
	SamplesPerClient int
	Seed             int64
}

// Synthetic is an in-process corpus of random word sequences. The full pool
// is shuffled once and sliced into contiguous per-client shards, so clients
// hold disjoint data. Not safe for concurrent use.
type Synthetic struct {
	cfg    SyntheticConfig
	vocab  []string
	shards map[string][][]int
	cursor map[string]int
	order  []string
	rng    *rand.Rand
}

// NewSynthetic builds the corpus deterministically from the seed.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.VocabSize < 2 {
		return nil, fmt.Errorf("dataset: vocab_size %d too small (needs pad plus words)", cfg.VocabSize)
	}
	if cfg.SeqLen < 2 {
		return nil, fmt.Errorf("dataset: seq_len %d too small", cfg.SeqLen)
	}
	if cfg.NumClients <= 0 || cfg.SamplesPerClient <= 0 {
		return nil, fmt.Errorf("dataset: need positive clients (%d) and samples per client (%d)", cfg.NumClients, cfg.SamplesPerClient)
	}
	s := &Synthetic{
		cfg:    cfg,
		vocab:  make([]string, cfg.VocabSize),
		shards: make(map[string][][]int),
		cursor: make(map[string]int),
		rng:    rand.New(rand.NewSource(uint64(cfg.Seed) + 2)),
	}
	s.vocab[PadToken] = "<pad>"
	for i := 1; i < cfg.VocabSize; i++ {
		s.vocab[i] = fmt.Sprintf("w%03d", i)
	}

	total := cfg.NumClients * cfg.SamplesPerClient
	pool := make([][]int, total)
	for i := range pool {
		// Random length in [seq_len/2, seq_len], padded to seq_len.
		n := cfg.SeqLen/2 + s.rng.Intn(cfg.SeqLen-cfg.SeqLen/2+1)
		seq := make([]int, cfg.SeqLen)
		for t := 0; t < n; t++ {
			seq[t] = 1 + s.rng.Intn(cfg.VocabSize-1)
		}
		pool[i] = seq
	}
	s.rng.Shuffle(total, func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	for c := 0; c < cfg.NumClients; c++ {
		id := fmt.Sprintf("client-%d", c)
		s.order = append(s.order, id)
		s.shards[id] = pool[c*cfg.SamplesPerClient : (c+1)*cfg.SamplesPerClient]
	}
	return s, nil
}

// Clients returns the client ids in shard order.
func (s *Synthetic) Clients() []string {
	return append([]string(nil), s.order...)
}

// VocabSize returns the token id space size including padding.
func (s *Synthetic) VocabSize() int { return s.cfg.VocabSize }

// Batch returns the client's next batch, cycling through its shard.
func (s *Synthetic) Batch(clientID string, size int) (*Batch, error) {
	shard, ok := s.shards[clientID]
	if !ok {
		return nil, fmt.Errorf("dataset: unknown client %q", clientID)
	}
	if size <= 0 {
		return nil, fmt.Errorf("dataset: invalid batch size %d", size)
	}
	b := &Batch{
		InputIDs:      make([][]int, size),
		AttentionMask: make([][]float64, size),
		InputText:     make([]string, size),
	}
	for i := 0; i < size; i++ {
		seq := shard[s.cursor[clientID]%len(shard)]
		s.cursor[clientID]++
		b.InputIDs[i] = seq
		mask := make([]float64, len(seq))
		for t, id := range seq {
			if id != PadToken {
				mask[t] = 1
			}
		}
		b.AttentionMask[i] = mask
		b.InputText[i] = s.Decode(seq)
	}
	return b, nil
}

// Decode renders token ids as space-joined words, dropping padding.
func (s *Synthetic) Decode(ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == PadToken || id < 0 || id >= len(s.vocab) {
			continue
		}
		words = append(words, s.vocab[id])
	}
	return strings.Join(words, " ")
}
