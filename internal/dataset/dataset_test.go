package dataset

import (
	"testing"
)

func testCorpus(t *testing.T) *Synthetic {
	t.Helper()
	s, err := NewSynthetic(SyntheticConfig{
		VocabSize:        32,
		SeqLen:           8,
		NumClients:       3,
		SamplesPerClient: 4,
		Seed:             11,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestClientsAndShards(t *testing.T) {
	s := testCorpus(t)
	clients := s.Clients()
	if len(clients) != 3 {
		t.Fatalf("expected 3 clients, got %d", len(clients))
	}
	// Shards are disjoint: no sequence appears under two clients.
	seen := make(map[string]string)
	for _, c := range clients {
		for i := 0; i < 4; i++ {
			b, err := s.Batch(c, 1)
			if err != nil {
				t.Fatal(err)
			}
			key := b.InputText[0]
			if owner, ok := seen[key]; ok && owner != c {
				t.Fatalf("sequence shared between %s and %s", owner, c)
			}
			seen[key] = c
		}
	}
}

func TestBatchShapeAndMask(t *testing.T) {
	s := testCorpus(t)
	b, err := s.Batch("client-0", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.InputIDs) != 2 || len(b.AttentionMask) != 2 || len(b.InputText) != 2 {
		t.Fatal("batch fields must have batch-size length")
	}
	for i, seq := range b.InputIDs {
		if len(seq) != 8 {
			t.Fatalf("sequence %d has length %d, want 8", i, len(seq))
		}
		for ti, id := range seq {
			wantMask := 1.0
			if id == PadToken {
				wantMask = 0
			}
			if b.AttentionMask[i][ti] != wantMask {
				t.Fatalf("mask[%d][%d] = %f for token %d", i, ti, b.AttentionMask[i][ti], id)
			}
		}
	}
}

func TestBatchCycles(t *testing.T) {
	s := testCorpus(t)
	first, _ := s.Batch("client-1", 4)
	again, _ := s.Batch("client-1", 4)
	// After consuming the whole shard the cursor wraps.
	for i := range first.InputText {
		if first.InputText[i] != again.InputText[i] {
			t.Fatal("cursor must wrap over the shard")
		}
	}
}

func TestUnknownClient(t *testing.T) {
	s := testCorpus(t)
	if _, err := s.Batch("nobody", 1); err == nil {
		t.Fatal("unknown client must error")
	}
	if _, err := s.Batch("client-0", 0); err == nil {
		t.Fatal("zero batch size must error")
	}
}

func TestDecodeDropsPadding(t *testing.T) {
	s := testCorpus(t)
	got := s.Decode([]int{3, PadToken, 7, PadToken})
	want := s.vocab[3] + " " + s.vocab[7]
	if got != want {
		t.Fatalf("Decode = %q, want %q", got, want)
	}
	if s.Decode([]int{PadToken}) != "" {
		t.Fatal("all-pad decodes to empty")
	}
}

func TestDeterministicCorpus(t *testing.T) {
	a := testCorpus(t)
	b := testCorpus(t)
	ba, _ := a.Batch("client-2", 3)
	bb, _ := b.Batch("client-2", 3)
	for i := range ba.InputText {
		if ba.InputText[i] != bb.InputText[i] {
			t.Fatal("same seed must build the same corpus")
		}
	}
}
