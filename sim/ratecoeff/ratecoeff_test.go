package ratecoeff

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ejecta-sim/ejecta-sim/sim/atomic"
)

// testStore builds a hydrogen-like model atom with a single continuum whose
// cross-section falls off as (nu_edge/nu)^3.
func testStore() *atomic.Store {
	const nPoints = 100
	const increment = 0.02
	thresholdErg := 13.6 * 1.6021772e-12

	table := make([]float64, nPoints)
	for i := range table {
		x := 1 + increment*float64(i)
		table[i] = 6.3e-18 / (x * x * x)
	}

	return &atomic.Store{
		NPhixsPoints:     nPoints,
		PhixsNuIncrement: increment,
		NBfContinua:      1,
		Elements: []atomic.Element{{
			Z: 1,
			Ions: []atomic.Ion{
				{
					Stage: 1,
					Levels: []atomic.Level{{
						Epsilon:        0,
						StatWeight:     2,
						PhixsThreshold: thresholdErg,
						PhixsTable:     table,
						PhixsTargets:   []atomic.PhixsTarget{{Level: 0, Probability: 1}},
						ContIndex:      -1,
					}},
					IonisingLevels: 1,
				},
				{
					Stage:  2,
					Levels: []atomic.Level{{StatWeight: 1}},
				},
			},
		}},
	}
}

func testConfig() Config {
	return Config{
		TableSize:  100,
		MinTemp:    1000,
		MaxTemp:    30000,
		QuadPoints: 16384,
	}
}

func TestAlphaSp_HydrogenicMagnitudeAndTrend(t *testing.T) {
	tables := New(testStore(), testConfig())

	// hydrogen ground-state recombination at 1e4 K is a few 1e-13 cm^3/s
	a1e4 := tables.AlphaSp(0, 0, 0, 0, 1e4)
	assert.Greater(t, a1e4, 1e-14)
	assert.Less(t, a1e4, 1e-11)

	// recombination slows with increasing electron temperature
	a3e3 := tables.AlphaSp(0, 0, 0, 0, 3e3)
	a2e4 := tables.AlphaSp(0, 0, 0, 0, 2e4)
	assert.Greater(t, a3e3, a1e4)
	assert.Greater(t, a1e4, a2e4)
}

func TestAlphaSp_MatchesDirectIntegral(t *testing.T) {
	store := testStore()
	tables := New(store, testConfig())
	const te = 8000.0

	lv := store.Level(0, 0, 0)
	nuEdge := lv.PhixsThreshold / hPlanck
	nuMax := nuEdge * (1 + store.PhixsNuIncrement*float64(store.NPhixsPoints))
	beta := hPlanck / (kBoltz * te)
	saha := sahaConst * 2.0 / 1.0 * math.Pow(te, -1.5)

	// reference trapezoid integral at fine resolution
	const steps = 200000
	dnu := (nuMax - nuEdge) / steps
	sum := 0.0
	for i := 0; i < steps; i++ {
		nu := nuEdge + (float64(i)+0.5)*dnu
		sum += twoOverC2 * tables.sigmaAt(lv, nuEdge, nu) * nu * nu * math.Exp(-beta*(nu-nuEdge)) * dnu
	}
	want := 4 * math.Pi * saha * sum

	assert.InEpsilon(t, want, tables.AlphaSp(0, 0, 0, 0, te), 0.02)
}

func TestInterp_ClampsOutOfRange(t *testing.T) {
	tables := New(testStore(), testConfig())

	below := tables.AlphaSp(0, 0, 0, 0, 10)
	atMin := tables.AlphaSp(0, 0, 0, 0, 1000)
	assert.Equal(t, atMin, below)

	above := tables.AlphaSp(0, 0, 0, 0, 1e6)
	atMax := tables.alphaSp[0][testConfig().TableSize-1]
	assert.Equal(t, atMax, above)
}

func TestPhotoionRate_AgreesWithPlanckLUT(t *testing.T) {
	cfg := testConfig()
	cfg.NoLUTPhotoion = false
	store := testStore()
	tables := New(store, cfg)
	const temp = 15000.0

	direct := tables.PhotoionRate(0, 0, 0, func(nu float64) float64 { return planck(nu, temp) })
	lut := tables.CorrPhotoionLUT(0, 0, 0, 0, temp)

	require.Positive(t, lut)
	assert.InEpsilon(t, lut, direct, 0.05)
}

func TestLUTDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.NoLUTPhotoion = true
	cfg.NoLUTBfHeating = true
	tables := New(testStore(), cfg)

	assert.Zero(t, tables.CorrPhotoionLUT(0, 0, 0, 0, 1e4))
	assert.Zero(t, tables.BfHeatingLUT(0, 0, 0, 0, 1e4))
}

func TestBfCooling_PositiveAndBelowTotalRecombEnergy(t *testing.T) {
	tables := New(testStore(), testConfig())
	const te = 1e4

	cool := tables.BfCooling(0, 0, 0, 0, te)
	alpha := tables.AlphaSp(0, 0, 0, 0, te)
	require.Positive(t, cool)
	// mean emitted excess energy per recombination is of order kT
	assert.InDelta(t, 1.0, cool/(alpha*kBoltz*te), 1.0)
}
