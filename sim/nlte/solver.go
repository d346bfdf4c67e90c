// Package nlte builds and solves the per-element non-LTE rate matrix: all
// explicitly tracked levels of every ion of the element enter one linear
// system (simultaneous multi-ion solve), with the remaining levels of each
// ion collapsed into a superlevel. Particle conservation replaces the row
// of the most-populated level.
package nlte

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/ejecta-sim/ejecta-sim/sim/atomic"
)

const (
	cLight    = 2.99792458e+10
	hPlanck   = 6.6260755e-27
	kBoltz    = 1.38064852e-16
	sahaConst = 2.0706659e-16
	minPop    = 1e-40
)

// Config bounds the solve.
type Config struct {
	// levels tracked explicitly per ion before superlevel collapsing
	MaxLevelsPerIon int
}

// In carries the per-cell environment of one solve. The rate-coefficient
// closures are prepared by the caller so the solver stays agnostic of
// whether they come from lookup tables or direct radiation-field
// integrals.
type In struct {
	Te       float64 // electron temperature [K]
	NNe      float64 // free electron density [cm^-3]
	NElement float64 // element number density [cm^-3]

	JNu          func(nu float64) float64     // radiation field
	PhotoionRate func(e, i, l int) float64    // gamma per level [1/s]
	AlphaSp      func(e, i, l, k int) float64 // recombination [cm^3/s]
	NTIonRate    func(e, i int) float64       // non-thermal ionisation [1/s]
}

// levelIndex maps (ion, level-or-superlevel) onto the flat matrix index.
type levelIndex struct {
	offset   []int // per ion: first flat index
	nTracked []int // per ion: explicitly tracked levels
	super    []int // per ion: superlevel flat index, -1 if none
	total    int
}

func buildIndex(store *atomic.Store, element, maxLevels int) *levelIndex {
	nIons := store.NIons(element)
	li := &levelIndex{
		offset:   make([]int, nIons),
		nTracked: make([]int, nIons),
		super:    make([]int, nIons),
	}
	idx := 0
	for i := 0; i < nIons; i++ {
		nLevels := store.NLevels(element, i)
		tracked := nLevels
		if maxLevels > 0 && tracked > maxLevels {
			tracked = maxLevels
		}
		li.offset[i] = idx
		li.nTracked[i] = tracked
		idx += tracked
		if tracked < nLevels {
			li.super[i] = idx
			idx++
		} else {
			li.super[i] = -1
		}
	}
	li.total = idx
	return li
}

func (li *levelIndex) flat(ion, level int) int {
	if level >= li.nTracked[ion] {
		return li.super[ion]
	}
	return li.offset[ion] + level
}

// superlevelStats returns the summed statistical weight and the
// Boltzmann-weighted mean energy of an ion's superlevel at temperature te,
// plus the Boltzmann weight of each member level within the superlevel.
func superlevelStats(store *atomic.Store, element, ion, firstCollapsed int, te float64) (gSum, epsMean float64, weights []float64) {
	levels := store.Elements[element].Ions[ion].Levels
	eps0 := levels[firstCollapsed].Epsilon
	weights = make([]float64, len(levels)-firstCollapsed)
	var norm, esum float64
	for l := firstCollapsed; l < len(levels); l++ {
		w := levels[l].StatWeight * math.Exp(-(levels[l].Epsilon-eps0)/(kBoltz*te))
		weights[l-firstCollapsed] = w
		gSum += levels[l].StatWeight
		norm += w
		esum += w * levels[l].Epsilon
	}
	for i := range weights {
		weights[i] /= norm
	}
	return gSum, esum / norm, weights
}

// SolveElement solves the NLTE population system of one element in one
// cell. Returns the populations as [ion][tracked levels + superlevel].
// A singular system is reported as an error; the caller keeps the previous
// populations.
func SolveElement(store *atomic.Store, element int, cfg Config, in In) ([][]float64, error) {
	li := buildIndex(store, element, cfg.MaxLevelsPerIon)
	n := li.total
	if n == 0 || in.NElement <= 0 {
		return nil, fmt.Errorf("nlte: nothing to solve for element %d", element)
	}

	m := mat.NewDense(n, n, nil)
	addRate := func(from, to int, rate float64) {
		if rate <= 0 || from == to {
			return
		}
		m.Set(to, from, m.At(to, from)+rate)
		m.Set(from, from, m.At(from, from)-rate)
	}

	// superlevel member weights per ion, for rates into and out of the
	// aggregate
	superWeights := make([][]float64, store.NIons(element))
	for i := range superWeights {
		if li.super[i] >= 0 {
			_, _, superWeights[i] = superlevelStats(store, element, i, li.nTracked[i], in.Te)
		}
	}
	memberWeight := func(ion, level int) float64 {
		if level < li.nTracked[ion] {
			return 1
		}
		return superWeights[ion][level-li.nTracked[ion]]
	}

	// bound-bound: radiative (A, B J) and collisional (q n_e) rates over
	// every line of the element
	for k := range store.Lines {
		line := &store.Lines[k]
		if line.ElementIndex != element {
			continue
		}
		ion := line.IonIndex
		lower, upper := line.Lower, line.Upper
		fl := li.flat(ion, lower)
		fu := li.flat(ion, upper)
		if fl == fu {
			continue // both collapsed into the superlevel
		}
		wl := memberWeight(ion, lower)
		wu := memberWeight(ion, upper)

		gl := store.StatWeight(element, ion, lower)
		gu := store.StatWeight(element, ion, upper)
		j := in.JNu(line.Nu)

		// Einstein relations
		bul := math.Pow(cLight, 2) / (2 * hPlanck * math.Pow(line.Nu, 3)) * line.EinsteinA
		blu := gu / gl * bul

		addRate(fu, fl, wu*(line.EinsteinA+bul*j))
		addRate(fl, fu, wl*blu*j)

		// thermal collisions: the downward rate from the collision
		// strength (or the van Regemorter equivalent through the
		// effective collision strength of an allowed line)
		cul := collisionalDeexcRate(line, gu, in.Te, in.NNe)
		if cul > 0 {
			eps := store.Epsilon(element, ion, upper) - store.Epsilon(element, ion, lower)
			clu := cul * gu / gl * math.Exp(-eps/(kBoltz*in.Te))
			addRate(fu, fl, wu*cul)
			addRate(fl, fu, wl*clu)
		}
	}

	// bound-free: photoionisation, non-thermal ionisation and
	// recombination couple adjacent ions
	nIons := store.NIons(element)
	for i := 0; i < nIons-1; i++ {
		nLevels := store.NLevels(element, i)
		for l := 0; l < nLevels; l++ {
			lv := store.Level(element, i, l)
			if len(lv.PhixsTargets) == 0 {
				continue
			}
			fl := li.flat(i, l)
			wl := memberWeight(i, l)
			gamma := in.PhotoionRate(element, i, l)
			for k, target := range lv.PhixsTargets {
				fu := li.flat(i+1, target.Level)
				addRate(fl, fu, wl*gamma*target.Probability)

				alpha := in.AlphaSp(element, i, l, k) * in.NNe
				wu := memberWeight(i+1, target.Level)
				addRate(fu, fl, wu*alpha)
			}
		}
		// non-thermal ionisation acts on the ion as a whole, routed
		// through the ground states
		if nt := in.NTIonRate(element, i); nt > 0 {
			addRate(li.flat(i, 0), li.flat(i+1, 0), nt)
		}
	}

	// conservation: replace the most-populated row (estimated from an LTE
	// guess) with sum n_i = n_element
	guess := LTEPops(store, element, in.NElement, in.Te, in.NNe)
	rowMax, popMax := 0, -1.0
	for i := 0; i < nIons; i++ {
		for l := 0; l < li.nTracked[i]; l++ {
			if p := guess[i][l]; p > popMax {
				popMax = p
				rowMax = li.flat(i, l)
			}
		}
	}
	for c := 0; c < n; c++ {
		m.Set(rowMax, c, 1)
	}
	b := mat.NewVecDense(n, nil)
	b.SetVec(rowMax, in.NElement)

	var x mat.VecDense
	if err := x.SolveVec(m, b); err != nil {
		return nil, fmt.Errorf("nlte: singular rate matrix for element %d: %w", element, err)
	}

	// unpack, flooring negative round-off populations
	out := make([][]float64, nIons)
	for i := 0; i < nIons; i++ {
		size := li.nTracked[i]
		if li.super[i] >= 0 {
			size++
		}
		out[i] = make([]float64, size)
		for l := 0; l < li.nTracked[i]; l++ {
			p := x.AtVec(li.offset[i] + l)
			if p < minPop {
				p = minPop
			}
			out[i][l] = p
		}
		if li.super[i] >= 0 {
			p := x.AtVec(li.super[i])
			if p < minPop {
				p = minPop
			}
			out[i][li.nTracked[i]] = p
		}
	}
	return out, nil
}

// collisionalDeexcRate returns the downward collisional rate coefficient
// times n_e [1/s] of a line: measured collision strengths use the Ohmic
// formula, allowed lines without one fall back to an effective collision
// strength from the oscillator strength.
func collisionalDeexcRate(line *atomic.Line, gUpper, te, nne float64) float64 {
	const c0 = 8.629e-6
	omega := line.CollStr
	if omega <= 0 {
		if line.Forbidden {
			return 0
		}
		// van Regemorter effective collision strength
		omega = 2.17 * line.OscStrength
		if omega <= 0 {
			return 0
		}
	}
	return c0 / math.Sqrt(te) * omega / gUpper * nne
}

// LTEPops returns Boltzmann-Saha populations of one element as
// [ion][level], normalised to the element number density. Used for the
// first LTE timesteps and as the weighting guess for the conservation row.
func LTEPops(store *atomic.Store, element int, nElement, te, nne float64) [][]float64 {
	nIons := store.NIons(element)

	// partition functions and Saha ion ratios
	partition := make([]float64, nIons)
	for i := 0; i < nIons; i++ {
		levels := store.Elements[element].Ions[i].Levels
		eps0 := levels[0].Epsilon
		for _, lv := range levels {
			partition[i] += lv.StatWeight * math.Exp(-(lv.Epsilon-eps0)/(kBoltz*te))
		}
	}

	// relative ion abundances: ratio(i+1)/ratio(i) from the Saha equation
	ionRel := make([]float64, nIons)
	ionRel[0] = 1
	for i := 0; i < nIons-1; i++ {
		ionpot := store.Elements[element].Ions[i].IonPot
		saha := partition[i+1] / partition[i] *
			math.Exp(-ionpot/(kBoltz*te)) /
			(sahaConst * math.Pow(te, -1.5) * math.Max(nne, 1))
		ionRel[i+1] = ionRel[i] * saha
	}
	total := 0.0
	for _, r := range ionRel {
		total += r
	}

	out := make([][]float64, nIons)
	for i := 0; i < nIons; i++ {
		levels := store.Elements[element].Ions[i].Levels
		nIon := nElement * ionRel[i] / total
		out[i] = make([]float64, len(levels))
		eps0 := levels[0].Epsilon
		for l, lv := range levels {
			p := nIon * lv.StatWeight * math.Exp(-(lv.Epsilon-eps0)/(kBoltz*te)) / partition[i]
			if p < minPop {
				p = minPop
			}
			out[i][l] = p
		}
	}
	return out
}

// IterateTe alternates the population solve with the electron-temperature
// balance until the relative temperature change drops below tol or maxIter
// is reached. balance returns the net heating minus cooling at the given
// temperature and populations; Te moves by bisection on its sign. A cell
// that fails to converge keeps the last iterate; this is logged, not
// fatal.
func IterateTe(te float64, maxIter int, tol float64,
	solvePops func(te float64) error,
	balance func(te float64) float64) float64 {

	lo, hi := te/3, te*3
	cur := te
	for iter := 0; iter < maxIter; iter++ {
		if err := solvePops(cur); err != nil {
			logrus.Warnf("nlte: population solve failed at T_e %g: %v", cur, err)
			return cur
		}
		net := balance(cur)
		var next float64
		if net > 0 {
			lo = cur
			next = 0.5 * (cur + hi)
		} else {
			hi = cur
			next = 0.5 * (lo + cur)
		}
		if math.Abs(next-cur)/cur < tol {
			return next
		}
		cur = next
	}
	logrus.Warnf("nlte: T_e iteration did not converge within %d steps, keeping %g K", maxIter, cur)
	return cur
}
