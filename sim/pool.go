package sim

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Pool owns the contiguous packet ensemble of one rank. Packets are
// partitioned across worker threads by contiguous slices; each packet is
// owned exclusively by one worker for the duration of its propagation.
type Pool struct {
	Packets []Packet
}

// NewPool allocates a pool of n packets.
func NewPool(n int) *Pool {
	return &Pool{Packets: make([]Packet, n)}
}

// Slices partitions the pool into nThreads contiguous slices. The first
// len(pkts) % nThreads slices get one extra packet.
func (p *Pool) Slices(nThreads int) [][]Packet {
	n := len(p.Packets)
	out := make([][]Packet, 0, nThreads)
	base := n / nThreads
	rem := n % nThreads
	start := 0
	for i := 0; i < nThreads; i++ {
		size := base
		if i < rem {
			size++
		}
		out = append(out, p.Packets[start:start+size])
		start += size
	}
	return out
}

// CheckpointPath composes the packet checkpoint file name for an outer
// iteration and rank.
func CheckpointPath(iteration, rank int) string {
	return fmt.Sprintf("packets%d_%d_odd.tmp", iteration, rank)
}

// WriteCheckpoint writes the exact in-memory packet array in fixed-width
// little-endian records.
func (p *Pool) WriteCheckpoint(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("packet_init: cannot open packets file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, int64(len(p.Packets))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, p.Packets); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	logrus.Infof("wrote %d packets to %s", len(p.Packets), path)
	return nil
}

// ReadCheckpoint restores a packet array written by WriteCheckpoint.
func (p *Pool) ReadCheckpoint(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("packet_init: cannot open packets file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return err
	}
	if n < 0 || n > 1<<31 {
		return fmt.Errorf("packet checkpoint %s: implausible packet count %d", path, n)
	}
	p.Packets = make([]Packet, n)
	if err := binary.Read(r, binary.LittleEndian, p.Packets); err != nil {
		return err
	}
	logrus.Infof("read %d packets from %s", n, path)
	return nil
}
