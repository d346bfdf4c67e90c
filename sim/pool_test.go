package sim

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Slices(t *testing.T) {
	p := NewPool(10)

	tests := []struct {
		threads int
		sizes   []int
	}{
		{1, []int{10}},
		{3, []int{4, 3, 3}},
		{4, []int{3, 3, 2, 2}},
	}
	for _, tt := range tests {
		slices := p.Slices(tt.threads)
		require.Len(t, slices, tt.threads)
		total := 0
		for i, s := range slices {
			assert.Len(t, s, tt.sizes[i])
			total += len(s)
		}
		assert.Equal(t, 10, total)
	}
}

func TestPool_CheckpointRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(55))
	p := NewPool(256)
	for i := range p.Packets {
		p.Packets[i] = Packet{
			Number:    int32(i),
			Where:     int32(rng.Intn(100)),
			Type:      PacketType(rng.Intn(int(TypeEscaped) + 1)),
			Pos:       Vec3{rng.NormFloat64() * 1e14, rng.NormFloat64() * 1e14, rng.NormFloat64() * 1e14},
			Dir:       IsotropicDirection(rng),
			TDecay:    rng.Float64() * 1e7,
			ECmf:      rng.Float64() * 1e40,
			ERf:       rng.Float64() * 1e40,
			NuCmf:     rng.Float64() * 1e19,
			NuRf:      rng.Float64() * 1e19,
			NextTrans: int32(rng.Intn(1e6)),
			StokesQ:   rng.Float64(),
			StokesU:   rng.Float64(),
		}
	}

	path := filepath.Join(t.TempDir(), CheckpointPath(0, 3))
	require.NoError(t, p.WriteCheckpoint(path))

	restored := &Pool{}
	require.NoError(t, restored.ReadCheckpoint(path))

	// the restored array is bit-identical to the in-memory array
	require.Len(t, restored.Packets, len(p.Packets))
	for i := range p.Packets {
		assert.Equal(t, p.Packets[i], restored.Packets[i], "packet %d", i)
	}
}

func TestPool_CheckpointMissingFile(t *testing.T) {
	p := &Pool{}
	require.Error(t, p.ReadCheckpoint(filepath.Join(t.TempDir(), "nope.tmp")))
}

func TestCheckpointPath(t *testing.T) {
	assert.Equal(t, "packets0_4_odd.tmp", CheckpointPath(0, 4))
	assert.Equal(t, "packets2_0_odd.tmp", CheckpointPath(2, 0))
}
