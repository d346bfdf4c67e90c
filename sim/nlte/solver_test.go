package nlte

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ejecta-sim/ejecta-sim/sim/atomic"
)

// twoIonStore builds a hydrogen-like element: ion stage 1 with three
// levels and one continuum, ion stage 2 with a bare ground state.
func twoIonStore() *atomic.Store {
	const evErg = 1.6021772e-12
	sigma := make([]float64, 10)
	for i := range sigma {
		sigma[i] = 6e-18
	}
	s := &atomic.Store{
		NPhixsPoints:     10,
		PhixsNuIncrement: 0.1,
		NBfContinua:      1,
		Elements: []atomic.Element{{
			Z: 1,
			Ions: []atomic.Ion{
				{
					Stage:  1,
					IonPot: 13.6 * evErg,
					Levels: []atomic.Level{
						{Epsilon: 0, StatWeight: 2, Metastable: true,
							PhixsThreshold: 13.6 * evErg, PhixsTable: sigma,
							PhixsTargets: []atomic.PhixsTarget{{Level: 0, Probability: 1}},
							ContIndex:    -1},
						{Epsilon: 10.2 * evErg, StatWeight: 8},
						{Epsilon: 12.1 * evErg, StatWeight: 18},
					},
					IonisingLevels: 1,
				},
				{
					Stage:  2,
					Levels: []atomic.Level{{Epsilon: 13.6 * evErg, StatWeight: 1}},
				},
			},
		}},
	}
	s.Lines = []atomic.Line{
		{ElementIndex: 0, IonIndex: 0, Lower: 0, Upper: 2, Nu: 12.1 * evErg / 6.6260755e-27, EinsteinA: 6e8, OscStrength: 0.08},
		{ElementIndex: 0, IonIndex: 0, Lower: 0, Upper: 1, Nu: 10.2 * evErg / 6.6260755e-27, EinsteinA: 5e8, OscStrength: 0.42},
		{ElementIndex: 0, IonIndex: 0, Lower: 1, Upper: 2, Nu: 1.9 * evErg / 6.6260755e-27, EinsteinA: 4e7, OscStrength: 0.64},
	}
	// back references
	s.Elements[0].Ions[0].Levels[0].UpTrans = []int{0, 1}
	s.Elements[0].Ions[0].Levels[1].DownTrans = []int{1}
	s.Elements[0].Ions[0].Levels[1].UpTrans = []int{2}
	s.Elements[0].Ions[0].Levels[2].DownTrans = []int{0, 2}
	return s
}

func noField(nu float64) float64 { return 0 }

func defaultIn(te, nne, nElem float64) In {
	return In{
		Te: te, NNe: nne, NElement: nElem,
		JNu:          noField,
		PhotoionRate: func(e, i, l int) float64 { return 0 },
		AlphaSp:      func(e, i, l, k int) float64 { return 2e-13 },
		NTIonRate:    func(e, i int) float64 { return 0 },
	}
}

func TestSolveElement_ConservesElementDensity(t *testing.T) {
	s := twoIonStore()
	const nElem = 1e8
	in := defaultIn(8000, 1e7, nElem)
	in.PhotoionRate = func(e, i, l int) float64 { return 1e-4 }

	pops, err := SolveElement(s, 0, Config{}, in)
	require.NoError(t, err)

	total := 0.0
	for _, ion := range pops {
		for _, p := range ion {
			total += p
		}
	}
	assert.InEpsilon(t, nElem, total, 1e-6)
}

func TestSolveElement_NoIonisationMeansNeutral(t *testing.T) {
	s := twoIonStore()
	in := defaultIn(8000, 1e7, 1e8)
	// no photoionisation, no non-thermal: recombination drives everything
	// into the neutral stage
	pops, err := SolveElement(s, 0, Config{}, in)
	require.NoError(t, err)

	nNeutral := pops[0][0] + pops[0][1] + pops[0][2]
	nIonised := pops[1][0]
	assert.Greater(t, nNeutral/1e8, 0.999)
	assert.Less(t, nIonised/nNeutral, 1e-3)
}

func TestSolveElement_StrongPhotoionisationShiftsBalance(t *testing.T) {
	s := twoIonStore()
	in := defaultIn(8000, 1e7, 1e8)

	in.PhotoionRate = func(e, i, l int) float64 { return 1e-6 }
	weak, err := SolveElement(s, 0, Config{}, in)
	require.NoError(t, err)

	in.PhotoionRate = func(e, i, l int) float64 { return 1e-2 }
	strong, err := SolveElement(s, 0, Config{}, in)
	require.NoError(t, err)

	assert.Greater(t, strong[1][0], weak[1][0])
}

func TestSolveElement_NonThermalIonisation(t *testing.T) {
	s := twoIonStore()
	in := defaultIn(8000, 1e7, 1e8)
	base, err := SolveElement(s, 0, Config{}, in)
	require.NoError(t, err)

	in.NTIonRate = func(e, i int) float64 { return 1e-3 }
	nt, err := SolveElement(s, 0, Config{}, in)
	require.NoError(t, err)

	assert.Greater(t, nt[1][0], base[1][0])
}

func TestSolveElement_SuperlevelCollapsing(t *testing.T) {
	s := twoIonStore()
	in := defaultIn(8000, 1e9, 1e8)
	in.PhotoionRate = func(e, i, l int) float64 { return 1e-5 }

	// track a single level per ion: levels 1 and 2 collapse into a
	// superlevel
	pops, err := SolveElement(s, 0, Config{MaxLevelsPerIon: 1}, in)
	require.NoError(t, err)

	require.Len(t, pops[0], 2) // ground + superlevel
	assert.Positive(t, pops[0][1])

	total := pops[0][0] + pops[0][1] + pops[1][0]
	assert.InEpsilon(t, 1e8, total, 1e-6)
}

func TestSuperlevelStats(t *testing.T) {
	s := twoIonStore()
	g, eps, weights := superlevelStats(s, 0, 0, 1, 8000)

	// statistical weight is the plain sum of the members
	assert.Equal(t, 8.0+18.0, g)
	// the mean energy lies between the member energies
	assert.Greater(t, eps, s.Epsilon(0, 0, 1))
	assert.Less(t, eps, s.Epsilon(0, 0, 2))
	// Boltzmann weights normalised
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestLTEPops_BoltzmannRatios(t *testing.T) {
	s := twoIonStore()
	const te = 10000.0
	pops := LTEPops(s, 0, 1e8, te, 1e8)

	// Boltzmann ratio between excited and ground level of the neutral ion
	kB := 1.38064852e-16
	eps := s.Epsilon(0, 0, 1) - s.Epsilon(0, 0, 0)
	want := s.StatWeight(0, 0, 1) / s.StatWeight(0, 0, 0) * math.Exp(-eps/(kB*te))
	assert.InEpsilon(t, want, pops[0][1]/pops[0][0], 1e-9)

	// total conserves the element density
	total := 0.0
	for _, ion := range pops {
		for _, p := range ion {
			total += p
		}
	}
	assert.InEpsilon(t, 1e8, total, 1e-6)
}

func TestIterateTe_FindsBalance(t *testing.T) {
	// net heating positive below 9000 K, negative above: the balance
	// point is 9000 K
	got := IterateTe(6000, 50, 1e-4,
		func(te float64) error { return nil },
		func(te float64) float64 { return 9000 - te })
	assert.InEpsilon(t, 9000, got, 0.02)
}
