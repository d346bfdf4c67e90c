// Package radfield reconstructs the per-cell radiation field from Monte
// Carlo estimators: the frequency range is partitioned into log-uniform
// bins (plus one super bin above) and each bin is fitted by a diluted
// Planck function (T_R, W) matching the bin's mean intensity and mean
// frequency.
package radfield

import (
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/integrate/quad"
)

const (
	cLight  = 2.99792458e+10
	hPlanck = 6.6260755e-27
	kBoltz  = 1.38064852e-16
	steBo   = 5.670400e-5
)

// mean photon frequency of a full Planck spectrum: <nu> = 3.832.. kT/h
const planckMeanNuFactor = 3.832229

// minimum contributions before a bin is fitted on its own
const minBinContribCount = 10

// Config sets the bin geometry and fit clamps.
type Config struct {
	BinCount int     // regular bins; one super bin is added above
	NuLower  float64 // bottom edge of the lowest bin [Hz]
	NuUpper  float64 // top edge of the highest regular bin [Hz]
	TRMin    float64 // [K]
	TRMax    float64 // [K]
}

// BinEstimator accumulates path contributions in one frequency bin.
type BinEstimator struct {
	J     float64 // sum of e_rf * dl [erg cm]
	NuJ   float64 // sum of e_rf * nu_cmf * dl
	Count int
}

// CellField is the radiation field state of one model cell.
type CellField struct {
	JTotal   float64 // full-spectrum estimator
	NuJTotal float64
	Bins     []BinEstimator

	// fitted parameters per bin (index BinCount is the super bin)
	TR []float64
	W  []float64

	// global fallback fit
	TRFull float64
	WFull  float64
}

// Field is the radiation-field model over all model cells.
type Field struct {
	cfg     Config
	nuEdges []float64 // BinCount+1 edges; the super bin is open above
	Cells   []CellField

	// optional detailed line estimators: J_b,lu per selected line
	detailedLines map[int]int // line index -> slot
	JBlu          [][]float64 // [cell][slot]
}

// New creates a Field for nCells model cells.
func New(cfg Config, nCells int) *Field {
	f := &Field{cfg: cfg}
	f.nuEdges = make([]float64, cfg.BinCount+1)
	dlog := (math.Log(cfg.NuUpper) - math.Log(cfg.NuLower)) / float64(cfg.BinCount)
	for i := range f.nuEdges {
		f.nuEdges[i] = cfg.NuLower * math.Exp(float64(i)*dlog)
	}
	f.Cells = make([]CellField, nCells)
	for i := range f.Cells {
		f.Cells[i].Bins = make([]BinEstimator, cfg.BinCount+1)
		f.Cells[i].TR = make([]float64, cfg.BinCount+1)
		f.Cells[i].W = make([]float64, cfg.BinCount+1)
	}
	return f
}

// SelectDetailedLines enables J_b,lu estimators for the given sorted-line
// indices.
func (f *Field) SelectDetailedLines(lineIndices []int) {
	f.detailedLines = make(map[int]int, len(lineIndices))
	for slot, li := range lineIndices {
		f.detailedLines[li] = slot
	}
	f.JBlu = make([][]float64, len(f.Cells))
	for i := range f.JBlu {
		f.JBlu[i] = make([]float64, len(lineIndices))
	}
}

// BinIndex returns the bin of a comoving frequency: the super bin above
// the top edge, -1 below the bottom edge.
func (f *Field) BinIndex(nu float64) int {
	if nu < f.nuEdges[0] {
		return -1
	}
	if nu >= f.nuEdges[f.cfg.BinCount] {
		return f.cfg.BinCount // super bin
	}
	b := int(math.Log(nu/f.nuEdges[0]) / (math.Log(f.nuEdges[1]) - math.Log(f.nuEdges[0])))
	if b >= f.cfg.BinCount {
		b = f.cfg.BinCount - 1
	}
	return b
}

// NBins returns the number of bins including the super bin.
func (f *Field) NBins() int { return f.cfg.BinCount + 1 }

// AddContribution tallies a path-length estimator contribution of
// e_rf * dl at comoving frequency nuCmf into cell mgi. Safe only from the
// owning thread of a shadow Field; shared Fields are written at the
// reduction barrier.
func (f *Field) AddContribution(mgi int, nuCmf, eDl float64) {
	c := &f.Cells[mgi]
	c.JTotal += eDl
	c.NuJTotal += eDl * nuCmf
	if b := f.BinIndex(nuCmf); b >= 0 {
		c.Bins[b].J += eDl
		c.Bins[b].NuJ += eDl * nuCmf
		c.Bins[b].Count++
	}
}

// AddLineContribution tallies a detailed line estimator, when enabled.
func (f *Field) AddLineContribution(mgi, lineIndex int, contrib float64) {
	if f.detailedLines == nil {
		return
	}
	if slot, ok := f.detailedLines[lineIndex]; ok {
		f.JBlu[mgi][slot] += contrib
	}
}

// ReduceFrom adds a shadow field's estimators into f. Reduction order is
// the caller's responsibility (thread-id order for bit reproducibility).
func (f *Field) ReduceFrom(shadow *Field) {
	for i := range f.Cells {
		dst, src := &f.Cells[i], &shadow.Cells[i]
		dst.JTotal += src.JTotal
		dst.NuJTotal += src.NuJTotal
		for b := range dst.Bins {
			dst.Bins[b].J += src.Bins[b].J
			dst.Bins[b].NuJ += src.Bins[b].NuJ
			dst.Bins[b].Count += src.Bins[b].Count
		}
	}
	for i := range f.JBlu {
		for k := range f.JBlu[i] {
			f.JBlu[i][k] += shadow.JBlu[i][k]
		}
	}
}

// Reset zeroes all estimators for the next timestep.
func (f *Field) Reset() {
	for i := range f.Cells {
		c := &f.Cells[i]
		c.JTotal = 0
		c.NuJTotal = 0
		for b := range c.Bins {
			c.Bins[b] = BinEstimator{}
		}
	}
	for i := range f.JBlu {
		for k := range f.JBlu[i] {
			f.JBlu[i][k] = 0
		}
	}
}

// FitCell converts the accumulated estimators of cell mgi into per-bin
// (T_R, W): the contributions are normalised by 4 pi V dt, the radiation
// temperature solves the mean-frequency relation and W matches the band
// intensity. Bins with too few samples fall back to the full-spectrum fit.
func (f *Field) FitCell(mgi int, volume, dt float64) {
	c := &f.Cells[mgi]
	norm := 1 / (4 * math.Pi * volume * dt)

	// full-spectrum fallback fit
	if c.JTotal > 0 {
		nuBar := c.NuJTotal / c.JTotal
		c.TRFull = clamp(hPlanck*nuBar/(planckMeanNuFactor*kBoltz), f.cfg.TRMin, f.cfg.TRMax)
		jFull := c.JTotal * norm
		c.WFull = jFull * math.Pi / (steBo * math.Pow(c.TRFull, 4))
	} else {
		c.TRFull = f.cfg.TRMin
		c.WFull = 0
	}

	for b := 0; b <= f.cfg.BinCount; b++ {
		est := &c.Bins[b]
		if est.Count < minBinContribCount || est.J <= 0 {
			c.TR[b] = c.TRFull
			c.W[b] = c.WFull
			continue
		}
		nuLo, nuHi := f.binRange(b)
		nuBar := est.NuJ / est.J

		tr := solveBinTR(nuLo, nuHi, nuBar, f.cfg.TRMin, f.cfg.TRMax)
		jBand := est.J * norm
		bBand := planckBandIntegral(tr, nuLo, nuHi)
		w := 0.0
		if bBand > 0 {
			w = jBand / bBand
		}
		c.TR[b] = tr
		c.W[b] = w
	}
}

// binRange returns the frequency range of bin b; the super bin extends one
// decade above the top edge for fitting purposes.
func (f *Field) binRange(b int) (float64, float64) {
	if b >= f.cfg.BinCount {
		return f.nuEdges[f.cfg.BinCount], 10 * f.nuEdges[f.cfg.BinCount]
	}
	return f.nuEdges[b], f.nuEdges[b+1]
}

// JNu evaluates the reconstructed mean intensity at comoving frequency nu
// in cell mgi from the fitted diluted Planck form.
func (f *Field) JNu(mgi int, nu float64) float64 {
	c := &f.Cells[mgi]
	b := f.BinIndex(nu)
	var tr, w float64
	if b < 0 {
		tr, w = c.TRFull, c.WFull
	} else {
		tr, w = c.TR[b], c.W[b]
	}
	if tr <= 0 || w <= 0 {
		return 0
	}
	return w * planck(nu, tr)
}

// BinTRW returns the fitted (T_R, W) of a bin.
func (f *Field) BinTRW(mgi, b int) (float64, float64) {
	c := &f.Cells[mgi]
	return c.TR[b], c.W[b]
}

// planck is the Planck intensity B_nu(T).
func planck(nu, t float64) float64 {
	x := hPlanck * nu / (kBoltz * t)
	if x > 700 {
		return 0
	}
	return 2 * hPlanck * nu * nu * nu / (cLight * cLight) / (math.Exp(x) - 1)
}

// planckBandIntegral integrates B_nu over [nuLo, nuHi] by fixed-order
// Gauss-Legendre quadrature.
func planckBandIntegral(t, nuLo, nuHi float64) float64 {
	return quad.Fixed(func(nu float64) float64 { return planck(nu, t) }, nuLo, nuHi, 64, nil, 0)
}

// planckBandMeanNu returns the intensity-weighted mean frequency of the
// band at temperature t.
func planckBandMeanNu(t, nuLo, nuHi float64) float64 {
	den := planckBandIntegral(t, nuLo, nuHi)
	if den <= 0 {
		return 0.5 * (nuLo + nuHi)
	}
	num := quad.Fixed(func(nu float64) float64 { return nu * planck(nu, t) }, nuLo, nuHi, 64, nil, 0)
	return num / den
}

// solveBinTR finds the T in [trMin, trMax] whose band mean frequency
// matches nuBar, by bisection. The mean frequency is monotonic in T over a
// band, so 50 halvings pin T to machine-level precision; out-of-range
// targets clamp to the limits.
func solveBinTR(nuLo, nuHi, nuBar, trMin, trMax float64) float64 {
	if planckBandMeanNu(trMin, nuLo, nuHi) >= nuBar {
		return trMin
	}
	if planckBandMeanNu(trMax, nuLo, nuHi) <= nuBar {
		logrus.Debugf("radfield: bin mean frequency %g above fit range, clamping T_R", nuBar)
		return trMax
	}
	lo, hi := trMin, trMax
	for i := 0; i < 50; i++ {
		mid := 0.5 * (lo + hi)
		if planckBandMeanNu(mid, nuLo, nuHi) < nuBar {
			lo = mid
		} else {
			hi = mid
		}
	}
	return 0.5 * (lo + hi)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
