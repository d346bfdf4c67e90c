package radfield

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		BinCount: 64,
		NuLower:  cLight / 40000e-8,
		NuUpper:  cLight / 1085e-8,
		TRMin:    500,
		TRMax:    250000,
	}
}

func TestBinIndex(t *testing.T) {
	f := New(testConfig(), 1)

	assert.Equal(t, -1, f.BinIndex(f.nuEdges[0]*0.5))
	assert.Equal(t, 0, f.BinIndex(f.nuEdges[0]*1.0001))
	assert.Equal(t, f.NBins()-1, f.BinIndex(f.nuEdges[len(f.nuEdges)-1]*2))

	// every edge maps into the bin it opens
	for b := 0; b < f.NBins()-1; b++ {
		mid := math.Sqrt(f.nuEdges[b] * f.nuEdges[b+1])
		assert.Equal(t, b, f.BinIndex(mid), "bin %d", b)
	}
}

// TestFitCell_RecoversPlanckField injects a pure Planck radiation field at
// 10000 K into a single cell and checks the reconstruction returns T_R
// within 1% of 10000 K and W within 1% of 1.
func TestFitCell_RecoversPlanckField(t *testing.T) {
	const tPlanck = 10000.0
	const volume = 1e30
	const dt = 1e5

	f := New(testConfig(), 1)

	// deposit the analytic band estimators directly: for each bin the
	// contribution sum for a Planck field J_nu = B_nu(T) is
	// 4 pi V dt * integral of B over the bin
	for b := 0; b < f.NBins(); b++ {
		nuLo, nuHi := f.binRange(b)
		j := planckBandIntegral(tPlanck, nuLo, nuHi)
		nuBar := planckBandMeanNu(tPlanck, nuLo, nuHi)
		norm := 4 * math.Pi * volume * dt
		f.Cells[0].Bins[b].J = j * norm
		f.Cells[0].Bins[b].NuJ = j * norm * nuBar
		f.Cells[0].Bins[b].Count = 1000
		f.Cells[0].JTotal += j * norm
		f.Cells[0].NuJTotal += j * norm * nuBar
	}

	f.FitCell(0, volume, dt)

	for b := 0; b < f.NBins()-1; b++ {
		tr, w := f.BinTRW(0, b)
		assert.InEpsilon(t, tPlanck, tr, 0.01, "bin %d T_R", b)
		assert.InEpsilon(t, 1.0, w, 0.01, "bin %d W", b)
	}

	// reconstructed J_nu matches the Planck intensity mid-band
	nu := math.Sqrt(f.nuEdges[10] * f.nuEdges[11])
	assert.InEpsilon(t, planck(nu, tPlanck), f.JNu(0, nu), 0.02)
}

func TestFitCell_SparseBinsFallBackToGlobal(t *testing.T) {
	f := New(testConfig(), 1)
	const volume, dt = 1e30, 1e5

	// a handful of contributions in one bin only
	nu := math.Sqrt(f.nuEdges[5] * f.nuEdges[6])
	for i := 0; i < 3; i++ {
		f.AddContribution(0, nu, 1e20)
	}
	f.FitCell(0, volume, dt)

	c := &f.Cells[0]
	// under-sampled bins carry the full-spectrum fallback
	tr, w := f.BinTRW(0, 5)
	assert.Equal(t, c.TRFull, tr)
	assert.Equal(t, c.WFull, w)
}

func TestFitCell_ClampsTR(t *testing.T) {
	cfg := testConfig()
	f := New(cfg, 1)
	const volume, dt = 1e30, 1e5

	// absurdly blue mean frequency forces the clamp
	nuHot := f.nuEdges[len(f.nuEdges)-1] * 8
	for i := 0; i < 100; i++ {
		f.AddContribution(0, nuHot, 1e20)
	}
	f.FitCell(0, volume, dt)

	tr, _ := f.BinTRW(0, f.NBins()-1)
	assert.LessOrEqual(t, tr, cfg.TRMax)
	assert.GreaterOrEqual(t, tr, cfg.TRMin)
}

func TestReduceFrom_IsAdditive(t *testing.T) {
	f := New(testConfig(), 2)
	s1 := New(testConfig(), 2)
	s2 := New(testConfig(), 2)

	nu := math.Sqrt(f.nuEdges[3] * f.nuEdges[4])
	s1.AddContribution(0, nu, 2e20)
	s2.AddContribution(0, nu, 3e20)
	s2.AddContribution(1, nu, 1e20)

	f.ReduceFrom(s1)
	f.ReduceFrom(s2)

	require.Equal(t, 5e20, f.Cells[0].JTotal)
	assert.Equal(t, 1e20, f.Cells[1].JTotal)
	b := f.BinIndex(nu)
	assert.Equal(t, 2, f.Cells[0].Bins[b].Count)
}

func TestSelectDetailedLines(t *testing.T) {
	f := New(testConfig(), 1)
	f.SelectDetailedLines([]int{42, 99})

	f.AddLineContribution(0, 42, 1.5)
	f.AddLineContribution(0, 7, 9.9) // not selected: dropped

	assert.Equal(t, 1.5, f.JBlu[0][0])
	assert.Zero(t, f.JBlu[0][1])
}
