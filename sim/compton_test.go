package sim

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gammaPacket builds a consistent gamma packet at rest-frame frequency nu
// located well inside a homologous flow at time tNow.
func gammaPacket(nuCmf float64, tNow float64) Packet {
	pos := Vec3{1e13, 0, 0}
	dir := Vec3{0, 0, 1}
	vel := Velocity(pos, tNow)
	doppler := Doppler(dir, vel)
	nuRf := nuCmf / doppler
	return Packet{
		Type:  TypeGamma,
		Pos:   pos,
		Dir:   dir,
		NuCmf: nuCmf,
		NuRf:  nuRf,
		ECmf:  1e40,
		ERf:   1e40 * nuRf / nuCmf,
	}
}

// nuOfX converts the photon energy in electron rest masses to a comoving
// frequency.
func nuOfX(x float64) float64 {
	return x * ME * CLIGHTSQUARED / H
}

func TestThomsonAngle_MatchesPhaseFunction(t *testing.T) {
	// chi-squared against (3/8)(1+mu^2) at N=1e5
	const n = 100000
	const bins = 20
	rng := rand.New(rand.NewSource(21))

	counts := make([]float64, bins)
	for i := 0; i < n; i++ {
		mu := thomsonAngle(rng)
		require.LessOrEqual(t, math.Abs(mu), 1.0)
		b := int((mu + 1) / 2 * bins)
		if b == bins {
			b--
		}
		counts[b]++
	}

	chi2 := 0.0
	for b := 0; b < bins; b++ {
		lo := -1 + 2*float64(b)/bins
		hi := lo + 2.0/bins
		// integral of (3/8)(1+mu^2) over the bin
		expected := n * 3.0 / 8.0 * ((hi - lo) + (hi*hi*hi-lo*lo*lo)/3)
		chi2 += (counts[b] - expected) * (counts[b] - expected) / expected
	}
	// 19 degrees of freedom; 43.8 is the 0.1% critical value
	assert.Less(t, chi2, 43.8)
}

func TestComptonScatter_ThomsonLimitKeepsGamma(t *testing.T) {
	// x = 1e-4: essentially no packet converts to an electron and the
	// comoving frequency is unchanged
	const n = 100000
	rng := rand.New(rand.NewSource(8))
	const tNow = 1e6

	converted := 0
	for i := 0; i < n; i++ {
		pkt := gammaPacket(nuOfX(1e-4), tNow)
		require.NoError(t, ComptonScatter(&pkt, tNow, rng))
		if pkt.Type == TypeNTElectron {
			converted++
		} else {
			assert.InEpsilon(t, nuOfX(1e-4), pkt.NuCmf, 1e-12)
		}
	}
	assert.Less(t, float64(converted)/n, 0.01)
}

func TestComptonScatter_DopplerConsistencyAfterEvent(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	const tNow = 2e6

	for i := 0; i < 1000; i++ {
		pkt := gammaPacket(nuOfX(1.0), tNow)
		require.NoError(t, ComptonScatter(&pkt, tNow, rng))
		if pkt.Type != TypeGamma {
			continue
		}
		require.NoError(t, pkt.Dir.CheckUnit())
		require.NoError(t, pkt.CheckDopplerConsistency())
	}
}

func TestChooseF_WithinKinematicBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	for _, x := range []float64{0.05, 0.5, 1, 5} {
		for i := 0; i < 1000; i++ {
			f := chooseF(x, rng.Float64())
			assert.GreaterOrEqual(t, f, 1.0)
			assert.LessOrEqual(t, f, 1+2*x+1e-9)
		}
	}
}

func TestChooseF_MeanEnergyLossMatchesKleinNishina(t *testing.T) {
	// at x = 1 the sampled mean fractional energy loss <1 - 1/f> must
	// match the Klein-Nishina expectation within 1%
	const x = 1.0
	const n = 100000
	rng := rand.New(rand.NewSource(29))

	mean := 0.0
	for i := 0; i < n; i++ {
		f := chooseF(x, rng.Float64())
		mean += (1 - 1/f) / n
	}

	// reference from the differential cross-section d sigma/df
	fmax := 1 + 2*x
	sigmaTot := sigmaComptonPartial(x, fmax)
	const steps = 200000
	want := 0.0
	prev := 0.0
	for i := 1; i <= steps; i++ {
		f := 1 + (fmax-1)*float64(i)/steps
		cum := sigmaComptonPartial(x, f)
		want += (1 - 1/f) * (cum - prev) / sigmaTot
		prev = cum
	}

	assert.InEpsilon(t, want, mean, 0.01)
}

func TestSigmaComptonPartial_ApproachesThomson(t *testing.T) {
	// the full KN cross-section tends to sigma_T as x -> 0
	x := 1e-3
	sigma := sigmaComptonPartial(x, 1+2*x)
	assert.InEpsilon(t, SIGMAT, sigma, 0.01)
}
