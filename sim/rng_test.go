package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionedRNG_DeterministicDerivation(t *testing.T) {
	rng1 := NewPartitionedRNG(NewSimulationKey(42))
	rng2 := NewPartitionedRNG(NewSimulationKey(42))

	vals1 := make([]float64, 3)
	vals2 := make([]float64, 3)
	for i := 0; i < 3; i++ {
		vals1[i] = rng1.ForStream(StreamWorker(0, 1)).Float64()
	}
	for i := 0; i < 3; i++ {
		vals2[i] = rng2.ForStream(StreamWorker(0, 1)).Float64()
	}
	assert.Equal(t, vals1, vals2)
}

func TestPartitionedRNG_StreamIsolation(t *testing.T) {
	rngA := NewPartitionedRNG(NewSimulationKey(42))
	rngB := NewPartitionedRNG(NewSimulationKey(42))

	// draws from one stream must not disturb another
	for i := 0; i < 10; i++ {
		rngA.ForStream(StreamWorker(0, 0)).Float64()
	}
	a := rngA.ForStream(StreamWorker(0, 1)).Float64()
	b := rngB.ForStream(StreamWorker(0, 1)).Float64()
	assert.Equal(t, b, a)
}

func TestPartitionedRNG_PacketReplay(t *testing.T) {
	rng := NewPartitionedRNG(NewSimulationKey(7))

	first := rng.Derive(StreamPacket(1, 2, 99))
	var seq []float64
	for i := 0; i < 5; i++ {
		seq = append(seq, first.Float64())
	}

	// a fresh derivation replays the identical sequence
	replay := rng.Derive(StreamPacket(1, 2, 99))
	for i := 0; i < 5; i++ {
		assert.Equal(t, seq[i], replay.Float64())
	}
}

func TestPartitionedRNG_DifferentSeedsDiffer(t *testing.T) {
	a := NewPartitionedRNG(NewSimulationKey(1)).ForStream(StreamWorker(0, 0)).Float64()
	b := NewPartitionedRNG(NewSimulationKey(2)).ForStream(StreamWorker(0, 0)).Float64()
	assert.NotEqual(t, a, b)
}
