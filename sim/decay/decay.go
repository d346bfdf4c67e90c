// Package decay models the radioactive decay chains powering the ejecta:
// per-chain mean lives and decay energies, the closed-form two-step Bateman
// deposition rates, and inverse-CDF sampling of pellet decay times.
package decay

import (
	"math"
	"math/rand"
)

const (
	mev = 1.6021772e-6 // MeV in erg
	day = 86400.0
	mh  = 1.67352e-24 // atomic mass unit approximated by the hydrogen mass [g]
)

// Nuclide is one radioactive species of a chain.
type Nuclide struct {
	Z, A      int
	MeanLife  float64 // [s]
	EGamma    float64 // gamma-ray energy per decay [erg]
	EPositron float64 // positron kinetic energy per decay [erg]
}

// Mass returns the nuclide mass [g].
func (n Nuclide) Mass() float64 { return float64(n.A) * mh }

// EDecay returns the total decay energy per decay [erg].
func (n Nuclide) EDecay() float64 { return n.EGamma + n.EPositron }

// ChainID enumerates the supported two-step chains.
type ChainID int

const (
	ChainNi56 ChainID = iota // 56Ni -> 56Co -> 56Fe
	ChainFe52                // 52Fe -> 52Mn -> 52Cr
	ChainCr48                // 48Cr -> 48V  -> 48Ti
	ChainNi57                // 57Ni -> 57Co -> 57Fe
	NChains
)

// Chain is a parent/daughter decay pair.
type Chain struct {
	ID       ChainID
	Name     string
	Parent   Nuclide
	Daughter Nuclide
}

var chains = [NChains]Chain{
	ChainNi56: {
		ID: ChainNi56, Name: "56Ni",
		Parent:   Nuclide{Z: 28, A: 56, MeanLife: 8.80 * day, EGamma: 1.750 * mev},
		Daughter: Nuclide{Z: 27, A: 56, MeanLife: 113.7 * day, EGamma: 3.610 * mev, EPositron: 0.116 * mev},
	},
	ChainFe52: {
		ID: ChainFe52, Name: "52Fe",
		Parent:   Nuclide{Z: 26, A: 52, MeanLife: 0.497429 * day, EGamma: 0.870 * mev},
		Daughter: Nuclide{Z: 25, A: 52, MeanLife: 0.0211395 * day, EGamma: 2.440 * mev, EPositron: 0.244 * mev},
	},
	ChainCr48: {
		ID: ChainCr48, Name: "48Cr",
		Parent:   Nuclide{Z: 24, A: 48, MeanLife: 1.29602 * day, EGamma: 0.420 * mev},
		Daughter: Nuclide{Z: 23, A: 48, MeanLife: 23.0442 * day, EGamma: 2.874 * mev, EPositron: 0.290 * mev},
	},
	ChainNi57: {
		ID: ChainNi57, Name: "57Ni",
		Parent:   Nuclide{Z: 28, A: 57, MeanLife: 2.14 * day, EGamma: 1.920 * mev, EPositron: 0.060 * mev},
		Daughter: Nuclide{Z: 27, A: 57, MeanLife: 392.11 * day, EGamma: 0.122 * mev},
	},
}

// Get returns a chain by ID.
func Get(id ChainID) Chain { return chains[id] }

// Chains returns all supported chains.
func Chains() []Chain { return chains[:] }

// EnergyPerGram returns the total chain decay energy released per gram of
// parent isotope.
func (c Chain) EnergyPerGram() float64 {
	return (c.Parent.EDecay() + c.Daughter.EDecay()) / c.Parent.Mass()
}

// DepositionRate returns the instantaneous gamma-ray and positron energy
// release rates [erg/s per gram of parent isotope present at t=0] at time
// t after explosion, from the closed-form two-step Bateman solution.
func (c Chain) DepositionRate(t float64) (gamma, positron float64) {
	lp := 1 / c.Parent.MeanLife
	ld := 1 / c.Daughter.MeanLife
	n0 := 1 / c.Parent.Mass() // parent nuclei per gram at t=0

	parentRate := n0 * lp * math.Exp(-lp*t)
	daughterRate := n0 * ld * lp / (ld - lp) * (math.Exp(-lp*t) - math.Exp(-ld*t))

	gamma = parentRate*c.Parent.EGamma + daughterRate*c.Daughter.EGamma
	positron = parentRate*c.Parent.EPositron + daughterRate*c.Daughter.EPositron
	return gamma, positron
}

// SampleParentDecayTime draws a decay time for a parent-nuclide pellet by
// inverse CDF: t = -tau ln U.
func (c Chain) SampleParentDecayTime(rng *rand.Rand) float64 {
	return -c.Parent.MeanLife * math.Log(rng.Float64())
}

// SampleDaughterDecayTime draws a decay time for a daughter-nuclide pellet:
// the sum of independent exponential waits through both steps.
func (c Chain) SampleDaughterDecayTime(rng *rand.Rand) float64 {
	return -c.Parent.MeanLife*math.Log(rng.Float64()) - c.Daughter.MeanLife*math.Log(rng.Float64())
}

// CellFractions is the radionuclide composition of one model cell at t=0.
type CellFractions struct {
	FNi56 float64
	FCo56 float64 // initial (directly synthesised) 56Co
	FFe52 float64
	FCr48 float64
	FNi57 float64
}

// Fraction returns the mass fraction of the chain's parent isotope.
func (f CellFractions) Fraction(id ChainID) float64 {
	switch id {
	case ChainNi56:
		return f.FNi56
	case ChainFe52:
		return f.FFe52
	case ChainCr48:
		return f.FCr48
	case ChainNi57:
		return f.FNi57
	}
	return 0
}

// CellEnergyPerGram returns the total radioactive energy per gram of a cell
// with the given composition, the normalisation used for pellet placement.
func CellEnergyPerGram(f CellFractions) float64 {
	e := 0.0
	for _, c := range chains {
		e += f.Fraction(c.ID) * c.EnergyPerGram()
	}
	// directly synthesised cobalt contributes its one-step chain
	co := chains[ChainNi56].Daughter
	e += f.FCo56 * co.EDecay() / co.Mass()
	return e
}

// CellDepositionRate returns the gamma-ray and positron energy deposition
// rates [erg/s/g] of a cell at time t.
func CellDepositionRate(f CellFractions, t float64) (gamma, positron float64) {
	for _, c := range chains {
		g, p := c.DepositionRate(t)
		x := f.Fraction(c.ID)
		gamma += x * g
		positron += x * p
	}
	// one-step contribution of initial 56Co
	co := chains[ChainNi56].Daughter
	ld := 1 / co.MeanLife
	rate := f.FCo56 / co.Mass() * ld * math.Exp(-ld*t)
	gamma += rate * co.EGamma
	positron += rate * co.EPositron
	return gamma, positron
}
