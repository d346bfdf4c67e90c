package sim

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ejecta-sim/ejecta-sim/sim/decay"
	"github.com/ejecta-sim/ejecta-sim/sim/grid"
)

// cellFractions adapts a model cell to the decay package.
func cellFractions(c *grid.ModelCell) decay.CellFractions {
	return decay.CellFractions{
		FNi56: c.FNi56, FCo56: c.FCo56, FFe52: c.FFe52, FCr48: c.FCr48, FNi57: c.FNi57,
	}
}

// PlacePellets fills pkts with radioactive pellets distributed over the
// propagation grid by inverse-CDF sampling of the cumulative
// mass x energy-per-gram table. Pellets whose decay time falls outside
// [tmin, tmax] are resampled in place; afterwards every pellet energy is
// renormalised by N/(N+N_reset) so the total ejected energy is conserved.
// Returns the radioactive energy that will be freed inside the simulation
// time.
func PlacePellets(pkts []Packet, g *grid.PropGrid, m *grid.Model, tmin, tmax float64, rng *rand.Rand) (float64, error) {
	n := len(pkts)
	ncells := g.NCells()

	// cumulative energy table across propagation cells
	cont := make([]float64, ncells+1)
	norm := 0.0
	for c := 0; c < ncells; c++ {
		cont[c] = norm
		mgi := g.ModelIndex(c)
		if mgi == m.EmptyCellIndex() {
			continue
		}
		cell := &m.Cells[mgi]
		norm += cell.RhoInit * g.CellVolume(c, m.TRef) * decay.CellEnergyPerGram(cellFractions(cell))
	}
	cont[ncells] = norm
	if norm <= 0 {
		return 0, fmt.Errorf("place_pellets: no radioactive material in the model")
	}

	etot := norm
	e0 := etot / float64(n)
	logrus.Infof("place_pellets: etot %g erg, e0 %g erg", etot, e0)

	nReset := 0
	for i := 0; i < n; {
		zrand := rng.Float64() * norm
		c := sort.SearchFloat64s(cont, zrand)
		// SearchFloat64s returns the first entry >= zrand; the containing
		// cell is the one whose lower edge is <= zrand
		if c > 0 && cont[c] > zrand {
			c--
		}
		if c >= ncells {
			return 0, fmt.Errorf("place_pellets: failed to place pellet (cumulative table overrun)")
		}
		mgi := g.ModelIndex(c)
		if mgi == m.EmptyCellIndex() {
			return 0, fmt.Errorf("place_pellets: sampled the void cell %d", c)
		}

		pkt := &pkts[i]
		*pkt = Packet{Number: int32(i), Where: int32(c)}
		placePellet(pkt, g, &m.Cells[mgi], c, m.TRef, rng)
		pkt.ECmf = e0

		if pkt.TDecay < tmax && pkt.TDecay > tmin {
			i++
		} else {
			nReset++
		}
	}

	// renormalise for the resampled fraction
	scale := float64(n) / float64(n+nReset)
	for i := range pkts {
		pkts[i].ECmf *= scale
		pkts[i].Interactions = 0
	}
	freed := etot * scale
	logrus.Infof("place_pellets: radioactive energy freed during simulation time %g erg (%d resampled)",
		freed, nReset)
	return freed, nil
}

// placePellet positions one pellet uniformly inside cell c and samples its
// isotope kind and decay time. Chain selection, the isotope-within-chain
// choice and the decay-time draws all use independent random variates.
func placePellet(pkt *Packet, g *grid.PropGrid, cell *grid.ModelCell, c int, tRef float64, rng *rand.Rand) {
	pkt.Pos = samplePosInCell(g, c, rng)

	f := cellFractions(cell)

	// selection weights: the four two-step chains plus directly
	// synthesised cobalt as a one-step entry
	co := decay.Get(decay.ChainNi56).Daughter
	weights := make([]float64, decay.NChains+1)
	total := 0.0
	for _, ch := range decay.Chains() {
		weights[ch.ID] = f.Fraction(ch.ID) * ch.EnergyPerGram()
		total += weights[ch.ID]
	}
	weights[decay.NChains] = f.FCo56 * co.EDecay() / co.Mass()
	total += weights[decay.NChains]

	zrand := rng.Float64() * total
	sel := 0
	for sel < len(weights)-1 && zrand > weights[sel] {
		zrand -= weights[sel]
		sel++
	}

	if sel == int(decay.NChains) {
		// one-step initial cobalt
		pkt.Type = positronSplit(co, TypePelletCo56, TypePelletCo56Positron, rng)
		pkt.TDecay = -co.MeanLife * math.Log(rng.Float64())
		return
	}

	ch := decay.Get(decay.ChainID(sel))
	// parent or daughter, weighted by decay energy
	if rng.Float64() < ch.Parent.EDecay()/(ch.Parent.EDecay()+ch.Daughter.EDecay()) {
		pkt.Type = positronSplit(ch.Parent, parentGammaType(ch.ID), parentPositronType(ch.ID), rng)
		pkt.TDecay = ch.SampleParentDecayTime(rng)
	} else {
		pkt.Type = positronSplit(ch.Daughter, daughterGammaType(ch.ID), daughterPositronType(ch.ID), rng)
		pkt.TDecay = ch.SampleDaughterDecayTime(rng)
	}
}

// positronSplit selects the gamma or positron pellet kind of a nuclide with
// probability proportional to the channel energies.
func positronSplit(n decay.Nuclide, gammaType, positronType PacketType, rng *rand.Rand) PacketType {
	if n.EPositron <= 0 {
		return gammaType
	}
	if rng.Float64() < n.EGamma/n.EDecay() {
		return gammaType
	}
	return positronType
}

func parentGammaType(id decay.ChainID) PacketType {
	switch id {
	case decay.ChainNi56:
		return TypePelletNi56
	case decay.ChainFe52:
		return TypePelletFe52
	case decay.ChainCr48:
		return TypePelletCr48
	default:
		return TypePelletNi57
	}
}

func parentPositronType(id decay.ChainID) PacketType {
	if id == decay.ChainNi57 {
		return TypePelletNi57Positron
	}
	return parentGammaType(id)
}

func daughterGammaType(id decay.ChainID) PacketType {
	switch id {
	case decay.ChainNi56:
		return TypePelletCo56
	case decay.ChainFe52:
		return TypePelletMn52
	case decay.ChainCr48:
		return TypePelletV48
	default:
		return TypePelletCo57
	}
}

func daughterPositronType(id decay.ChainID) PacketType {
	switch id {
	case decay.ChainNi56:
		return TypePelletCo56Positron
	case decay.ChainFe52:
		return TypePelletMn52Positron
	case decay.ChainCr48:
		return TypePelletV48Positron
	default:
		return TypePelletCo57
	}
}

// samplePosInCell draws a position uniformly inside propagation cell c at
// the grid reference time.
func samplePosInCell(g *grid.PropGrid, c int, rng *rand.Rand) Vec3 {
	if g.Type == grid.GridSpherical {
		rOut := g.RShell[c]
		rIn := 0.0
		if c > 0 {
			rIn = g.RShell[c-1]
		}
		r := math.Cbrt(rIn*rIn*rIn + rng.Float64()*(rOut*rOut*rOut-rIn*rIn*rIn))
		return IsotropicDirection(rng).Scale(r)
	}

	ix := c % g.N
	iy := (c / g.N) % g.N
	iz := c / (g.N * g.N)
	return Vec3{
		g.XMin + (float64(ix)+rng.Float64())*g.Width,
		g.XMin + (float64(iy)+rng.Float64())*g.Width,
		g.XMin + (float64(iz)+rng.Float64())*g.Width,
	}
}
