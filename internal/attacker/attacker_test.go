package attacker

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-palisade/internal/config"
	"github.com/23skdu/longbow-palisade/internal/dataset"
	"github.com/23skdu/longbow-palisade/internal/model"
	"github.com/23skdu/longbow-palisade/internal/split"
)

func TestRougeL(t *testing.T) {
	tests := []struct {
		name      string
		cand, ref string
		want      float64
	}{
		{"identical", "w1 w2 w3", "w1 w2 w3", 1},
		{"disjoint", "a b c", "x y z", 0},
		{"empty candidate", "", "a b", 0},
		{"empty reference", "a b", "", 0},
		{"partial overlap", "a b c", "a c d", 2.0 / 3.0},
		{"subsequence", "a c", "a b c d", 2 * (1.0 * 0.5) / 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RougeL(tt.cand, tt.ref)
			require.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestMeanRougeL(t *testing.T) {
	got := MeanRougeL([]string{"a b", "x"}, []string{"a b", "x", "unmatched"})
	// Two perfect matches averaged over three references.
	require.InDelta(t, 2.0/3.0, got, 1e-12)
	require.Equal(t, 0.0, MeanRougeL(nil, nil))
}

// With the cut at the embedding output and no noise, nearest-embedding
// inversion recovers the input exactly.
func TestNearestEmbeddingExactAtEmbeddingCut(t *testing.T) {
	m, err := model.New(model.Config{
		VocabSize: 32,
		SeqLen:    8,
		EmbedDim:  8,
		NumHeads:  2,
		NumBlocks: 4,
		FFHidden:  16,
		InitRange: 0.02,
		Eps:       1e-5,
	}, 21)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.SplitPoint1 = 0
	cfg.SplitPoint2 = 2
	cfg.Seed = 21
	exec, err := split.New(m, cfg)
	require.NoError(t, err)

	data, err := dataset.NewSynthetic(dataset.SyntheticConfig{
		VocabSize:        32,
		SeqLen:           8,
		NumClients:       1,
		SamplesPerClient: 2,
		Seed:             21,
	})
	require.NoError(t, err)
	batch, err := data.Batch("client-0", 2)
	require.NoError(t, err)

	_, err = exec.Forward(split.Input{IDs: batch.InputIDs, Mask: batch.AttentionMask}, true)
	require.NoError(t, err)
	b2tr, _ := exec.Intermediates()
	require.NotNil(t, b2tr)

	atk := NewNearestEmbedding(m, data.Decode)
	texts, err := atk.Attack(context.Background(), b2tr)
	require.NoError(t, err)
	require.Equal(t, batch.InputText, texts)
	require.InDelta(t, 1.0, MeanRougeL(texts, batch.InputText), 1e-12)
}

func TestAttackHonorsContext(t *testing.T) {
	m, err := model.New(model.Config{
		VocabSize: 17, SeqLen: 8, EmbedDim: 8, NumHeads: 2,
		NumBlocks: 2, FFHidden: 16, InitRange: 0.02, Eps: 1e-5,
	}, 1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	atk := NewNearestEmbedding(m, func([]int) string { return "" })
	_, err = atk.Attack(ctx, &split.Intermediate{})
	require.Error(t, err)
}

func TestLCSLength(t *testing.T) {
	tests := []struct {
		a, b []string
		want int
	}{
		{[]string{"a", "b", "c"}, []string{"a", "c"}, 2},
		{[]string{"a"}, []string{"b"}, 0},
		{[]string{"x", "y", "z"}, []string{"x", "y", "z"}, 3},
		{[]string{"a", "b", "a", "b"}, []string{"b", "a", "b", "a"}, 3},
	}
	for _, tt := range tests {
		if got := lcsLength(tt.a, tt.b); got != tt.want {
			t.Errorf("lcs(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestRougeLSymmetryOfF1(t *testing.T) {
	// F1 is symmetric under swapping candidate and reference.
	a, b := "w1 w2 w3 w4", "w2 w4"
	require.InDelta(t, RougeL(a, b), RougeL(b, a), 1e-12)
	require.Greater(t, RougeL(a, b), 0.0)
	require.Less(t, RougeL(a, b), 1.0)
	require.False(t, math.IsNaN(RougeL(a, b)))
}
