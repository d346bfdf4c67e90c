package sim

import (
	"math"

	"github.com/ejecta-sim/ejecta-sim/sim/atomic"
	"github.com/ejecta-sim/ejecta-sim/sim/grid"
	"github.com/ejecta-sim/ejecta-sim/sim/nlte"
	"github.com/ejecta-sim/ejecta-sim/sim/ratecoeff"
)

// CellHistory memoises the expensive per-cell derived quantities a worker
// needs during transport: full level populations, the cooling-term vector
// and the cumulative bound-free cooling weights used to sample the bf
// emission channel. It caches no bound-free opacity table; the transport
// sums bound-free opacity afresh on every call. It is thread-local and
// holds exactly one cell; entering a different cell sets every dirty bit
// and values are recomputed on first access.
type CellHistory struct {
	store  *atomic.Store
	model  *grid.Model
	tables *ratecoeff.Tables

	cachedCell int

	popsValid    bool
	coolingValid bool
	bfValid      bool

	// per element: [ion][level] populations
	pops [][][]float64

	// per-ion cooling contributions, indexed by the store's cooling
	// offsets
	coolingTerms []float64
	coolingTotal float64

	// cumulative bound-free emission weights per continuum slot, for
	// inverse-CDF sampling of the bf channel
	bfCumulative []float64
	bfSlots      []bfSlot
}

type bfSlot struct {
	element, ion, level, target int
}

// NewCellHistory creates an empty cache bound to the shared read-only
// structures.
func NewCellHistory(store *atomic.Store, model *grid.Model, tables *ratecoeff.Tables) *CellHistory {
	return &CellHistory{
		store:      store,
		model:      model,
		tables:     tables,
		cachedCell: -1,
	}
}

// Enter switches the cache to model cell mgi, invalidating every cached
// quantity if the cell changed.
func (ch *CellHistory) Enter(mgi int) {
	if mgi == ch.cachedCell {
		return
	}
	ch.cachedCell = mgi
	ch.popsValid = false
	ch.coolingValid = false
	ch.bfValid = false
}

// Cell returns the currently cached model cell index.
func (ch *CellHistory) Cell() int { return ch.cachedCell }

// Invalidate sets every dirty bit so the next access recomputes, e.g.
// after the cell's temperature or populations changed in place.
func (ch *CellHistory) Invalidate() {
	ch.popsValid = false
	ch.coolingValid = false
	ch.bfValid = false
}

// Pops returns the per-level populations of the cached cell, recomputing
// them on first access after a cell change. NLTE populations stored on the
// cell take precedence; otherwise LTE populations at the cell temperature
// are used.
func (ch *CellHistory) Pops() [][][]float64 {
	if ch.popsValid {
		return ch.pops
	}
	cell := &ch.model.Cells[ch.cachedCell]
	nElem := ch.store.NElements()
	if ch.pops == nil {
		ch.pops = make([][][]float64, nElem)
	}
	for e := 0; e < nElem; e++ {
		nDens := ch.elementDensity(e)
		if cell.NLTEPops != nil && cell.NLTEPops[e] != nil {
			ch.pops[e] = unflattenPops(ch.store, e, cell.NLTEPops[e])
		} else {
			te := cell.Te
			if te <= 0 {
				te = 5000
			}
			ch.pops[e] = nlte.LTEPops(ch.store, e, nDens, te, math.Max(cell.NNe, 1))
		}
	}
	ch.popsValid = true
	return ch.pops
}

// elementDensity converts the cell's mass fraction of element e to a
// number density at the cached cell.
func (ch *CellHistory) elementDensity(e int) float64 {
	cell := &ch.model.Cells[ch.cachedCell]
	if cell.Abundances == nil || e >= len(cell.Abundances) {
		return 0
	}
	// RhoInit scaled on read by the caller's time; populations use the
	// reference density and rescale with the homologous factor applied in
	// the opacity calculation
	return cell.RhoInit * cell.Abundances[e] / ch.store.Elements[e].Mass
}

// unflattenPops reshapes a flat per-element NLTE population vector into
// the [ion][level] layout.
func unflattenPops(store *atomic.Store, e int, flat []float64) [][]float64 {
	out := make([][]float64, store.NIons(e))
	idx := 0
	for i := range out {
		n := store.NLevels(e, i)
		out[i] = make([]float64, n)
		for l := 0; l < n && idx < len(flat); l++ {
			out[i][l] = flat[idx]
			idx++
		}
	}
	return out
}

// CoolingTerms returns the per-ion cooling-term vector of the cached cell
// and its total, recomputing lazily. Terms per ion: free-free, lumped
// collisional excitation, lumped collisional ionisation, then one
// bound-free term per (ionising level, target).
func (ch *CellHistory) CoolingTerms() ([]float64, float64) {
	if ch.coolingValid {
		return ch.coolingTerms, ch.coolingTotal
	}
	cell := &ch.model.Cells[ch.cachedCell]
	te := math.Max(cell.Te, 100)
	nne := math.Max(cell.NNe, 0)
	pops := ch.Pops()

	if ch.coolingTerms == nil {
		ch.coolingTerms = make([]float64, ch.store.NCoolingTermsTotal())
	}
	for i := range ch.coolingTerms {
		ch.coolingTerms[i] = 0
	}
	total := 0.0

	for e := range ch.store.Elements {
		for i := range ch.store.Elements[e].Ions {
			ion := ch.store.Ion(e, i)
			off := ion.CoolingOffset
			nIon := 0.0
			for _, p := range pops[e][i] {
				nIon += p
			}

			// free-free: proportional to n_e n_ion Z^2 sqrt(T)
			zEff := float64(ion.Stage - 1)
			ff := 1.426e-27 * math.Sqrt(te) * zEff * zEff * nne * nIon
			ch.coolingTerms[off] = ff

			// lumped collisional excitation cooling over the ion's lines
			exc := 0.0
			for l := range ion.Levels {
				for _, li := range ion.Levels[l].UpTrans {
					line := &ch.store.Lines[li]
					eps := ch.store.Epsilon(e, i, line.Upper) - ch.store.Epsilon(e, i, line.Lower)
					cul := collisionalRateUp(line, ch.store.StatWeight(e, i, line.Lower),
						ch.store.StatWeight(e, i, line.Upper), eps, te, nne)
					exc += cul * pops[e][i][line.Lower] * eps
				}
			}
			ch.coolingTerms[off+1] = exc

			// lumped collisional ionisation cooling
			collion := 0.0
			if i < len(ch.store.Elements[e].Ions)-1 {
				ionpot := ion.IonPot
				collion = 2.7e-8 * math.Sqrt(te) * math.Exp(-ionpot/(kbTe(te))) * nne * nIon * ionpot
			}
			ch.coolingTerms[off+2] = collion

			// bound-free cooling per (ionising level, target) of the
			// recombining upper ion
			slot := 3
			for l := 0; l < ion.IonisingLevels && l < len(ion.Levels); l++ {
				for k := range ion.Levels[l].PhixsTargets {
					target := ion.Levels[l].PhixsTargets[k]
					nUpper := 0.0
					if i+1 < len(pops[e]) && target.Level < len(pops[e][i+1]) {
						nUpper = pops[e][i+1][target.Level]
					}
					bf := ch.tables.BfCooling(e, i, l, k, te) * nne * nUpper
					ch.coolingTerms[off+slot] = bf
					slot++
				}
			}

			for s := 0; s < ion.NCoolingTerms; s++ {
				total += ch.coolingTerms[off+s]
			}
		}
	}
	ch.coolingTotal = total
	ch.coolingValid = true
	return ch.coolingTerms, ch.coolingTotal
}

// BfChannels returns the cumulative bound-free cooling weights and the
// channel descriptors for inverse-CDF sampling of the bf emission channel.
func (ch *CellHistory) BfChannels() ([]float64, []bfSlot) {
	if ch.bfValid {
		return ch.bfCumulative, ch.bfSlots
	}
	terms, _ := ch.CoolingTerms()

	ch.bfCumulative = ch.bfCumulative[:0]
	ch.bfSlots = ch.bfSlots[:0]
	cum := 0.0
	for e := range ch.store.Elements {
		for i := range ch.store.Elements[e].Ions {
			ion := ch.store.Ion(e, i)
			slot := 3
			for l := 0; l < ion.IonisingLevels && l < len(ion.Levels); l++ {
				for k := range ion.Levels[l].PhixsTargets {
					cum += terms[ion.CoolingOffset+slot]
					ch.bfCumulative = append(ch.bfCumulative, cum)
					ch.bfSlots = append(ch.bfSlots, bfSlot{e, i, l, k})
					slot++
				}
			}
		}
	}
	ch.bfValid = true
	return ch.bfCumulative, ch.bfSlots
}

func collisionalRateUp(line *atomic.Line, gl, gu, eps, te, nne float64) float64 {
	const c0 = 8.629e-6
	omega := line.CollStr
	if omega <= 0 {
		if line.Forbidden {
			return 0
		}
		omega = 2.17 * line.OscStrength
		if omega <= 0 {
			return 0
		}
	}
	cul := c0 / math.Sqrt(te) * omega / gu * nne
	return cul * gu / gl * math.Exp(-eps/kbTe(te))
}

func kbTe(te float64) float64 { return KB * te }
