package upstream

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, weights ...float64) *Registry {
	t.Helper()
	servers := make([]Server, len(weights))
	for i, w := range weights {
		servers[i] = Server{Address: "192.0.2." + string(rune('1'+i)), Port: 53, Weight: w}
	}
	reg, err := NewRegistry(servers)
	require.NoError(t, err)
	return reg
}

func TestSelect_SingleServer(t *testing.T) {
	reg := testRegistry(t, 1)
	sel := NewSelector(reg)

	for i := 0; i < 100; i++ {
		assert.Equal(t, "192.0.2.1", sel.Select().Address)
	}
}

func TestSelect_WalkBoundaries(t *testing.T) {
	// weights 1, 2, 7 -> cumulative 1, 3, 10
	reg := testRegistry(t, 1, 2, 7)

	tests := []struct {
		draw float64
		want string
	}{
		{0.0, "192.0.2.1"},
		{0.05, "192.0.2.1"},
		{0.1, "192.0.2.1"}, // remainder reaches exactly 0
		{0.11, "192.0.2.2"},
		{0.29, "192.0.2.2"},
		{0.31, "192.0.2.3"},
		{0.999, "192.0.2.3"},
	}

	for _, tt := range tests {
		draw := tt.draw
		sel := NewSelector(reg, WithRandom(func() float64 { return draw }))
		assert.Equal(t, tt.want, sel.Select().Address, "draw %v", tt.draw)
	}
}

func TestSelect_FallsBackToFirstWhenWalkExhausts(t *testing.T) {
	reg := testRegistry(t, 1, 1)

	// A draw outside [0, 1) leaves a positive remainder after the walk
	sel := NewSelector(reg, WithRandom(func() float64 { return 1.5 }))

	assert.Equal(t, "192.0.2.1", sel.Select().Address)
}

func TestSelect_HugeFiniteWeights(t *testing.T) {
	reg := testRegistry(t, 1, 1e307, 1e307)

	sel := NewSelector(reg, WithRandom(func() float64 { return 0.9 }))

	assert.Equal(t, "192.0.2.3", sel.Select().Address)
}

func TestSelect_WeightedDistribution(t *testing.T) {
	weights := []float64{1, 2, 7}
	reg := testRegistry(t, weights...)
	rng := rand.New(rand.NewPCG(42, 1024))
	sel := NewSelector(reg, WithRandom(rng.Float64))

	const draws = 200000
	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		counts[sel.Select().Address]++
	}

	total := reg.TotalWeight()
	for i, s := range reg.Servers() {
		want := weights[i] / total
		got := float64(counts[s.Address]) / draws
		assert.InDelta(t, want, got, 0.01, "server %s", s.Address)
	}
}

func TestSelect_DefaultSourceIsConcurrencySafe(t *testing.T) {
	reg := testRegistry(t, 1, 1, 1)
	sel := NewSelector(reg)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 1000; i++ {
				_ = sel.Select()
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}
