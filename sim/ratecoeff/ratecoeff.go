// Package ratecoeff precomputes and interpolates the bound-free rate
// coefficients: spontaneous recombination via the Milne relation, and
// optional photoionisation and bound-free heating/cooling lookup tables
// under a Planck radiation field. Tables are stored densely by global
// continuum index on a log-uniform electron temperature grid.
package ratecoeff

import (
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/integrate/quad"

	"github.com/ejecta-sim/ejecta-sim/sim/atomic"
)

const (
	cLight    = 2.99792458e+10
	hPlanck   = 6.6260755e-27
	kBoltz    = 1.38064852e-16
	sahaConst = 2.0706659e-16
	twoOverC2 = 2.2253001e-21
)

// Config sets the table geometry and LUT switches.
type Config struct {
	TableSize  int     // temperature grid points
	MinTemp    float64 // [K]
	MaxTemp    float64 // [K]
	QuadPoints int     // quadrature evaluation budget per integral family

	// when set, photoionisation / bf-heating coefficients are integrated
	// from the current radiation field instead of interpolated from the
	// Planck lookup tables
	NoLUTPhotoion  bool
	NoLUTBfHeating bool
}

// Tables holds the precomputed coefficient tables.
type Tables struct {
	cfg   Config
	store *atomic.Store

	logTMin, logTStep float64

	// [continuum slot][temperature index]; slot = -1 - continuum encoding
	alphaSp      [][]float64
	corrPhotoion [][]float64 // nil when NoLUTPhotoion
	bfHeating    [][]float64 // nil when NoLUTBfHeating
	bfCooling    [][]float64
}

// New precomputes all coefficient tables for the store's continua.
func New(store *atomic.Store, cfg Config) *Tables {
	t := &Tables{
		cfg:     cfg,
		store:   store,
		logTMin: math.Log(cfg.MinTemp),
	}
	t.logTStep = (math.Log(cfg.MaxTemp) - t.logTMin) / float64(cfg.TableSize-1)

	n := store.NBfContinua
	t.alphaSp = makeTables(n, cfg.TableSize)
	t.bfCooling = makeTables(n, cfg.TableSize)
	if !cfg.NoLUTPhotoion {
		t.corrPhotoion = makeTables(n, cfg.TableSize)
	}
	if !cfg.NoLUTBfHeating {
		t.bfHeating = makeTables(n, cfg.TableSize)
	}

	nodes := cfg.QuadPoints / 128
	if nodes < 32 {
		nodes = 32
	}
	if nodes > 512 {
		nodes = 512
	}

	for e := range store.Elements {
		for i := range store.Elements[e].Ions {
			ion := &store.Elements[e].Ions[i]
			if i == len(store.Elements[e].Ions)-1 {
				continue // no upward continuum from the top ion
			}
			for l := range ion.Levels {
				lv := &ion.Levels[l]
				if len(lv.PhixsTargets) == 0 {
					continue
				}
				for k := range lv.PhixsTargets {
					slot := -store.ContinuumIndex(e, i, l, k) - 1
					t.fillTables(e, i, l, k, slot, nodes)
				}
			}
		}
	}
	logrus.Infof("ratecoeff: built %d-point tables for %d continua over [%g, %g] K",
		cfg.TableSize, n, cfg.MinTemp, cfg.MaxTemp)
	return t
}

func makeTables(n, size int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, size)
	}
	return out
}

// fillTables computes all coefficients of one continuum over the
// temperature grid.
func (t *Tables) fillTables(e, i, l, k, slot, nodes int) {
	s := t.store
	lv := s.Level(e, i, l)
	nuEdge := lv.PhixsThreshold / hPlanck
	if nuEdge <= 0 {
		return
	}
	nuMax := nuEdge * (1 + s.PhixsNuIncrement*float64(s.NPhixsPoints))

	gLower := lv.StatWeight
	upperLevel := lv.PhixsTargets[k].Level
	gUpper := 1.0
	if upperLevel < s.NLevels(e, i+1) {
		gUpper = s.StatWeight(e, i+1, upperLevel)
	}

	sigma := func(nu float64) float64 { return t.sigmaAt(lv, nuEdge, nu) }

	for ti := 0; ti < t.cfg.TableSize; ti++ {
		temp := math.Exp(t.logTMin + float64(ti)*t.logTStep)
		beta := hPlanck / (kBoltz * temp)

		// Milne relation: the spontaneous recombination coefficient is the
		// Saha-weighted integral of sigma over the Wien tail. The exponent
		// is written relative to the edge for numerical stability.
		sahaWeight := sahaConst * gLower / gUpper * math.Pow(temp, -1.5)
		alphaIntegrand := func(nu float64) float64 {
			return twoOverC2 * sigma(nu) * nu * nu * math.Exp(-beta*(nu-nuEdge))
		}
		t.alphaSp[slot][ti] = 4 * math.Pi * sahaWeight *
			quad.Fixed(alphaIntegrand, nuEdge, nuMax, nodes, nil, 0)

		coolIntegrand := func(nu float64) float64 {
			return alphaIntegrand(nu) * hPlanck * (nu - nuEdge)
		}
		t.bfCooling[slot][ti] = 4 * math.Pi * sahaWeight *
			quad.Fixed(coolIntegrand, nuEdge, nuMax, nodes, nil, 0)

		if t.corrPhotoion != nil {
			photo := func(nu float64) float64 {
				return sigma(nu) * planck(nu, temp) / (hPlanck * nu)
			}
			t.corrPhotoion[slot][ti] = 4 * math.Pi *
				quad.Fixed(photo, nuEdge, nuMax, nodes, nil, 0)
		}
		if t.bfHeating != nil {
			heat := func(nu float64) float64 {
				return sigma(nu) * planck(nu, temp) * (1 - nuEdge/nu)
			}
			t.bfHeating[slot][ti] = 4 * math.Pi *
				quad.Fixed(heat, nuEdge, nuMax, nodes, nil, 0)
		}
	}
}

// sigmaAt interpolates the tabulated cross-section at frequency nu; zero
// below the edge, constant extrapolation of the last point above the table.
func (t *Tables) sigmaAt(lv *atomic.Level, nuEdge, nu float64) float64 {
	if nu < nuEdge {
		return 0
	}
	x := (nu/nuEdge - 1) / t.store.PhixsNuIncrement
	i := int(x)
	if i >= len(lv.PhixsTable)-1 {
		return lv.PhixsTable[len(lv.PhixsTable)-1]
	}
	frac := x - float64(i)
	return lv.PhixsTable[i]*(1-frac) + lv.PhixsTable[i+1]*frac
}

// interp linearly interpolates a coefficient table in log T_e, clamping
// out-of-range temperatures with a warning.
func (t *Tables) interp(table []float64, te float64) float64 {
	x := (math.Log(te) - t.logTMin) / t.logTStep
	if x < 0 {
		logrus.Warnf("ratecoeff: T_e %g below table range, clamping", te)
		return table[0]
	}
	if x >= float64(len(table)-1) {
		if x > float64(len(table)-1) {
			logrus.Warnf("ratecoeff: T_e %g above table range, clamping", te)
		}
		return table[len(table)-1]
	}
	i := int(x)
	frac := x - float64(i)
	return table[i]*(1-frac) + table[i+1]*frac
}

// slot resolves a continuum to its dense table index, or -1 when the level
// has no continuum.
func (t *Tables) slot(e, i, l, k int) int {
	if len(t.store.Level(e, i, l).PhixsTargets) == 0 {
		return -1
	}
	return -t.store.ContinuumIndex(e, i, l, k) - 1
}

// AlphaSp returns the spontaneous recombination coefficient [cm^3/s] of a
// continuum at electron temperature te.
func (t *Tables) AlphaSp(e, i, l, k int, te float64) float64 {
	s := t.slot(e, i, l, k)
	if s < 0 {
		return 0
	}
	return t.interp(t.alphaSp[s], te)
}

// BfCooling returns the bound-free cooling coefficient [erg cm^3/s].
func (t *Tables) BfCooling(e, i, l, k int, te float64) float64 {
	s := t.slot(e, i, l, k)
	if s < 0 {
		return 0
	}
	return t.interp(t.bfCooling[s], te)
}

// CorrPhotoionLUT returns the Planck-field photoionisation coefficient from
// the lookup table; zero when the LUT is disabled.
func (t *Tables) CorrPhotoionLUT(e, i, l, k int, tr float64) float64 {
	s := t.slot(e, i, l, k)
	if t.corrPhotoion == nil || s < 0 {
		return 0
	}
	return t.interp(t.corrPhotoion[s], tr)
}

// BfHeatingLUT returns the Planck-field bound-free heating coefficient;
// zero when the LUT is disabled.
func (t *Tables) BfHeatingLUT(e, i, l, k int, tr float64) float64 {
	s := t.slot(e, i, l, k)
	if t.bfHeating == nil || s < 0 {
		return 0
	}
	return t.interp(t.bfHeating[s], tr)
}

// PhotoionRate integrates the photoionisation rate coefficient of a level
// against an arbitrary radiation field J_nu (the no-LUT path):
// gamma = 4 pi integral sigma(nu) J_nu / (h nu) dnu over the table support.
func (t *Tables) PhotoionRate(e, i, l int, jnu func(nu float64) float64) float64 {
	lv := t.store.Level(e, i, l)
	if len(lv.PhixsTargets) == 0 {
		return 0
	}
	nuEdge := lv.PhixsThreshold / hPlanck
	sum := 0.0
	for p := 0; p < len(lv.PhixsTable)-1; p++ {
		nu0 := nuEdge * (1 + t.store.PhixsNuIncrement*float64(p))
		nu1 := nuEdge * (1 + t.store.PhixsNuIncrement*float64(p+1))
		f0 := lv.PhixsTable[p] * jnu(nu0) / (hPlanck * nu0)
		f1 := lv.PhixsTable[p+1] * jnu(nu1) / (hPlanck * nu1)
		sum += 0.5 * (f0 + f1) * (nu1 - nu0)
	}
	return 4 * math.Pi * sum
}

// BfHeatingRate integrates the bound-free heating coefficient against an
// arbitrary radiation field.
func (t *Tables) BfHeatingRate(e, i, l int, jnu func(nu float64) float64) float64 {
	lv := t.store.Level(e, i, l)
	if len(lv.PhixsTargets) == 0 {
		return 0
	}
	nuEdge := lv.PhixsThreshold / hPlanck
	sum := 0.0
	for p := 0; p < len(lv.PhixsTable)-1; p++ {
		nu0 := nuEdge * (1 + t.store.PhixsNuIncrement*float64(p))
		nu1 := nuEdge * (1 + t.store.PhixsNuIncrement*float64(p+1))
		f0 := lv.PhixsTable[p] * jnu(nu0) * (1 - nuEdge/nu0)
		f1 := lv.PhixsTable[p+1] * jnu(nu1) * (1 - nuEdge/nu1)
		sum += 0.5 * (f0 + f1) * (nu1 - nu0)
	}
	return 4 * math.Pi * sum
}

func planck(nu, t float64) float64 {
	x := hPlanck * nu / (kBoltz * t)
	if x > 700 {
		return 0
	}
	return 2 * hPlanck * nu * nu * nu / (cLight * cLight) / (math.Exp(x) - 1)
}
