package sim

import (
	"math"
	"math/rand"
	"sort"

	"github.com/ejecta-sim/ejecta-sim/sim/atomic"
)

// Macro-atom machinery: a line absorption activates the upper level of the
// transition; the activated atom walks internal transitions until it
// de-excites radiatively (line photon), recombines through a continuum
// (bound-free photon) or hands its energy to the thermal pool (k-packet).

// maOutcome is the result of a macro-atom activation.
type maOutcome struct {
	kind       int // maEmitLine | maEmitBf | maKPacket
	lineIndex  int
	contEmType int // continuum emission-type encoding for bf
	nuCmf      float64
}

const (
	maEmitLine = iota
	maEmitBf
	maKPacket
)

const maxMacroAtomJumps = 1000

// macroAtomDoOutcome walks the internal transitions of the activated atom.
func macroAtomDoOutcome(store *atomic.Store, element, ion, level int, te, nne float64, rng *rand.Rand) maOutcome {
	for jump := 0; jump < maxMacroAtomJumps; jump++ {
		lv := store.Level(element, ion, level)
		if len(lv.DownTrans) == 0 {
			// nothing below: thermalise
			return maOutcome{kind: maKPacket}
		}

		// channel weights: radiative de-excitation, collisional
		// de-excitation and internal downward jumps, each weighted by the
		// energy routed through the channel
		epsLevel := lv.Epsilon
		nChannels := len(lv.DownTrans)
		radWeight := make([]float64, nChannels)
		colWeight := make([]float64, nChannels)
		intWeight := make([]float64, nChannels)
		var radSum, colSum, intSum float64

		for k, li := range lv.DownTrans {
			line := &store.Lines[li]
			lower := line.Lower
			epsTrans := epsLevel - store.Epsilon(element, ion, lower)
			if epsTrans <= 0 {
				continue
			}
			gl := store.StatWeight(element, ion, lower)
			gu := lv.StatWeight

			// Sobolev-free radiative weight
			radWeight[k] = line.EinsteinA * epsTrans
			radSum += radWeight[k]

			cul := collisionalRateUp(line, gl, gu, epsTrans, te, nne) * gl / gu * math.Exp(epsTrans/(KB*te))
			// collisionalRateUp returns the upward rate; invert back to
			// the downward rate through detailed balance
			colWeight[k] = cul * epsTrans
			colSum += colWeight[k]

			intWeight[k] = line.EinsteinA * store.Epsilon(element, ion, lower)
			intSum += intWeight[k]
		}

		total := radSum + colSum + intSum
		if total <= 0 {
			return maOutcome{kind: maKPacket}
		}
		z := rng.Float64() * total

		switch {
		case z < radSum:
			k := sampleWeighted(radWeight, z, rng)
			li := lv.DownTrans[k]
			// emission in an optically thick line is reabsorbed by
			// transport rather than suppressed here
			return maOutcome{kind: maEmitLine, lineIndex: li, nuCmf: store.Lines[li].Nu}
		case z < radSum+colSum:
			return maOutcome{kind: maKPacket}
		default:
			k := sampleWeighted(intWeight, z-radSum-colSum, rng)
			level = store.Lines[lv.DownTrans[k]].Lower
		}
	}
	return maOutcome{kind: maKPacket}
}

// sampleWeighted picks an index from non-negative weights using the
// residual of an already-scaled random variate.
func sampleWeighted(weights []float64, z float64, rng *rand.Rand) int {
	for i, w := range weights {
		if z < w {
			return i
		}
		z -= w
	}
	// roundoff: fall back to the last non-zero weight
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return i
		}
	}
	return 0
}

// kPacketChannel is the sampled cooling channel of a k-packet event.
type kPacketChannel struct {
	kind      int // kcFreeFree | kcBoundFree | kcCollExc | kcCollIon
	element   int
	ion       int
	level     int
	target    int
	lineIndex int
}

const (
	kcFreeFree = iota
	kcBoundFree
	kcCollExc
	kcCollIon
)

// sampleCoolingChannel draws a cooling process from the cached cell's
// cooling-term vector by inverse CDF. The bound-free block is sampled
// through the cell history's cumulative channel table; the remaining
// lumped terms are walked per ion.
func sampleCoolingChannel(store *atomic.Store, ch *CellHistory, rng *rand.Rand) kPacketChannel {
	terms, total := ch.CoolingTerms()
	if total <= 0 {
		return kPacketChannel{kind: kcFreeFree}
	}
	z := rng.Float64() * total

	bfCum, bfSlots := ch.BfChannels()
	if n := len(bfCum); n > 0 && z < bfCum[n-1] {
		k := sort.SearchFloat64s(bfCum, z)
		if k >= n {
			k = n - 1
		}
		s := bfSlots[k]
		return kPacketChannel{kind: kcBoundFree, element: s.element, ion: s.ion, level: s.level, target: s.target}
	}
	if n := len(bfCum); n > 0 {
		z -= bfCum[n-1]
	}

	for e := range store.Elements {
		for i := range store.Elements[e].Ions {
			ion := store.Ion(e, i)
			off := ion.CoolingOffset

			if z < terms[off] {
				return kPacketChannel{kind: kcFreeFree, element: e, ion: i}
			}
			z -= terms[off]
			if z < terms[off+1] {
				return kPacketChannel{kind: kcCollExc, element: e, ion: i, lineIndex: sampleExcLine(store, e, i, rng)}
			}
			z -= terms[off+1]
			if z < terms[off+2] {
				return kPacketChannel{kind: kcCollIon, element: e, ion: i}
			}
			z -= terms[off+2]
		}
	}
	return kPacketChannel{kind: kcFreeFree}
}

// sampleExcLine picks a collisional excitation target line of an ion,
// weighted by the Einstein coefficients of its lines.
func sampleExcLine(store *atomic.Store, e, i int, rng *rand.Rand) int {
	ion := store.Ion(e, i)
	var total float64
	for l := range ion.Levels {
		for _, li := range ion.Levels[l].UpTrans {
			total += store.Lines[li].EinsteinA + 1
		}
	}
	if total <= 0 {
		return -1
	}
	z := rng.Float64() * total
	for l := range ion.Levels {
		for _, li := range ion.Levels[l].UpTrans {
			w := store.Lines[li].EinsteinA + 1
			if z < w {
				return li
			}
			z -= w
		}
	}
	return -1
}

// sampleFreeFreeNu draws a free-free emission frequency from the thermal
// bremsstrahlung spectrum exp(-h nu / k T).
func sampleFreeFreeNu(te float64, rng *rand.Rand) float64 {
	return -math.Log(rng.Float64()) * KB * te / H
}

// sampleBfNu draws a bound-free emission frequency just above the edge:
// the recombination spectrum falls off thermally above the threshold.
func sampleBfNu(nuEdge, te float64, rng *rand.Rand) float64 {
	return nuEdge * (1 - KB*te/(H*nuEdge)*math.Log(rng.Float64()))
}
