package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// === SimulationKey ===

// SimulationKey uniquely identifies a reproducible run.
// Two runs with the same SimulationKey and identical inputs MUST produce
// bit-for-bit identical estimator output.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// === Stream naming ===

// StreamWorker names the RNG stream owned by a worker thread of a rank.
func StreamWorker(rank, thread int) string {
	return fmt.Sprintf("rank_%d_thread_%d", rank, thread)
}

// StreamPacket names the replay stream for a single packet. Reseeding from
// this name reproduces the packet's full propagation history.
func StreamPacket(rank, thread, packetID int) string {
	return fmt.Sprintf("rank_%d_thread_%d_packet_%d", rank, thread, packetID)
}

// StreamPelletInit names the stream used for pellet placement on a rank.
func StreamPelletInit(rank int) string {
	return fmt.Sprintf("rank_%d_pellets", rank)
}

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG streams per
// (rank, thread) and per packet.
//
// Derivation formula: masterSeed XOR fnv1a64(streamName).
//
// Thread-safety: each worker must only touch the streams it derives for
// itself; the map is populated before workers start or via Derive, which
// constructs a fresh generator without caching.
type PartitionedRNG struct {
	key     SimulationKey
	streams map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:     key,
		streams: make(map[string]*rand.Rand),
	}
}

// ForStream returns a deterministically-seeded RNG for the named stream.
// The same name always returns the same *rand.Rand instance (cached).
// Never returns nil.
func (p *PartitionedRNG) ForStream(name string) *rand.Rand {
	if rng, ok := p.streams[name]; ok {
		return rng
	}
	rng := p.Derive(name)
	p.streams[name] = rng
	return rng
}

// Derive constructs a fresh generator for the named stream without caching.
// Used for per-packet replay, where a new generator must start from the
// beginning of the stream.
func (p *PartitionedRNG) Derive(name string) *rand.Rand {
	return rand.New(rand.NewSource(int64(p.key) ^ fnv1a64(name)))
}

// Key returns the SimulationKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
