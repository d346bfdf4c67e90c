package sim

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ejecta-sim/ejecta-sim/sim/decay"
	"github.com/ejecta-sim/ejecta-sim/sim/grid"
)

// twoCellModel builds a spherical two-shell model: all nickel in the inner
// shell, nothing radioactive in the outer one.
func twoCellModel() (*grid.Model, *grid.PropGrid) {
	m := &grid.Model{
		Dim:       1,
		TRef:      86400,
		VMax:      1e9,
		ShellVOut: []float64{5e8, 1e9},
		Cells: []grid.ModelCell{
			{RhoInit: 1, FNi56: 1},
			{RhoInit: 1},
			{},
		},
	}
	g := grid.BuildPropGrid(m, 0)
	return m, g
}

func TestPlacePellets_AllLandInRadioactiveCell(t *testing.T) {
	m, g := twoCellModel()
	const n = 10000
	pkts := make([]Packet, n)
	rng := rand.New(rand.NewSource(42))

	tmin := 2.0 * DAY
	tmax := 80.0 * DAY
	freed, err := PlacePellets(pkts, g, m, tmin, tmax, rng)
	require.NoError(t, err)
	require.Positive(t, freed)

	tauNi := decay.Get(decay.ChainNi56).Parent.MeanLife
	nNickel := 0
	var decaySum float64
	for i := range pkts {
		assert.Equal(t, int32(0), pkts[i].Where, "pellet %d escaped the nickel cell", i)
		assert.Greater(t, pkts[i].TDecay, tmin)
		assert.Less(t, pkts[i].TDecay, tmax)
		assert.Positive(t, pkts[i].ECmf)
		if pkts[i].Type == TypePelletNi56 {
			nNickel++
			decaySum += pkts[i].TDecay
		}
	}
	require.Greater(t, nNickel, n/4)

	// nickel decay times inside [tmin, tmax] follow a truncated
	// exponential; its mean is computable from tau
	mean := decaySum / float64(nNickel)
	want := truncatedExpMean(tauNi, tmin, tmax)
	assert.InEpsilon(t, want, mean, 0.05)
}

// truncatedExpMean is the mean of an exponential with scale tau truncated
// to [a, b].
func truncatedExpMean(tau, a, b float64) float64 {
	ea := math.Exp(-a / tau)
	eb := math.Exp(-b / tau)
	return ((a+tau)*ea - (b+tau)*eb) / (ea - eb)
}

func TestPlacePellets_EnergyRenormalisation(t *testing.T) {
	m, g := twoCellModel()
	const n = 5000
	pkts := make([]Packet, n)
	rng := rand.New(rand.NewSource(7))

	// a narrow window forces many resamples; the renormalised total must
	// still equal the freed energy
	freed, err := PlacePellets(pkts, g, m, 5*DAY, 20*DAY, rng)
	require.NoError(t, err)

	total := 0.0
	for i := range pkts {
		total += pkts[i].ECmf
	}
	assert.InEpsilon(t, freed, total, 1e-9)
}

func TestPlacePellets_NoRadioactivityFails(t *testing.T) {
	m := &grid.Model{
		Dim:       1,
		TRef:      86400,
		VMax:      1e9,
		ShellVOut: []float64{1e9},
		Cells:     []grid.ModelCell{{RhoInit: 1}, {}},
	}
	g := grid.BuildPropGrid(m, 0)
	pkts := make([]Packet, 10)
	_, err := PlacePellets(pkts, g, m, DAY, 10*DAY, rand.New(rand.NewSource(1)))
	require.Error(t, err)
}
