package sim

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
)

// Compton scattering of gamma-ray packets.

// sigmaComptonPartial is the Klein-Nishina cross-section integrated over
// energy-loss factors [1, f]. x is the photon energy in units of the
// electron rest mass.
func sigmaComptonPartial(x, f float64) float64 {
	term1 := (x*x - 2*x - 2) * math.Log(f) / x / x
	term2 := (f*f - 1) / (f * f) / 2
	term3 := (f - 1) / x * (1/x + 2/f + 1/(x*f))
	return 3 * SIGMAT * (term1 + term2 + term3) / (8 * x)
}

// SigmaCompton returns the rest-frame Compton cross-section per electron
// times the total electron density, for a gamma packet at time t.
func SigmaCompton(pkt *Packet, nneTot, t float64) float64 {
	x := H * pkt.NuCmf / (ME * CLIGHTSQUARED)

	var sigmaCmf float64
	if x < ThomsonLimit {
		sigmaCmf = SIGMAT
	} else {
		fmax := 1 + 2*x
		sigmaCmf = sigmaComptonPartial(x, fmax)
	}
	sigmaCmf *= nneTot

	vel := Velocity(pkt.Pos, t)
	return sigmaCmf * Doppler(pkt.Dir, vel)
}

// chooseF inverts sigma_partial(x, f) = zrand * sigma_partial(x, fmax) by
// bisection to a relative tolerance of 1e-4 within 1000 steps. Failure to
// converge keeps the last midpoint; it is logged, not fatal.
func chooseF(x, zrand float64) float64 {
	fmax := 1 + 2*x
	fmin := 1.0
	norm := zrand * sigmaComptonPartial(x, fmax)

	ftry := (fmax + fmin) / 2
	err := math.Inf(1)
	for count := 0; err > 1e-4 && count < 1000; count++ {
		ftry = (fmax + fmin) / 2
		try := sigmaComptonPartial(x, ftry)
		if try > norm {
			fmax = ftry
			err = (try - norm) / norm
		} else {
			fmin = ftry
			err = (norm - try) / norm
		}
		if count == 999 {
			logrus.Warnf("compton: bisection hit 1000 tries (fmax %g fmin %g norm %g)", fmax, fmin, norm)
		}
	}
	return ftry
}

// thomsonAngle samples the scattering-angle cosine from the Thomson phase
// function (3/8)(1 + mu^2) by inverting its cubic CDF in closed form.
func thomsonAngle(rng *rand.Rand) float64 {
	b := 8*rng.Float64() - 4
	tCoeff := math.Cbrt((math.Sqrt(b*b+4) - b) / 2)
	mu := 1/tCoeff - tCoeff
	if math.Abs(mu) > 1 {
		// cannot happen for B in [-4, 4]; guard against FP drift
		mu = math.Copysign(1, mu)
	}
	return mu
}

// ComptonScatter performs a Compton event on a gamma packet at time t:
// either the packet stays a gamma ray with reduced frequency and a new
// direction, or it converts to a non-thermal electron. Returns an error on
// per-packet invariant violations.
func ComptonScatter(pkt *Packet, t float64, rng *rand.Rand) error {
	x := H * pkt.NuCmf / (ME * CLIGHTSQUARED)

	// The energy-loss factor f is tied to the scattering angle; the
	// probability of staying a gamma ray is 1/f.
	var f, probGamma float64
	if x < ThomsonLimit {
		f = 1 // no energy loss in the Thomson limit
		probGamma = 1
	} else {
		f = chooseF(x, rng.Float64())
		if f < 1 || f > 2*x+1 {
			return comptonBoundsErr(pkt, f, x)
		}
		probGamma = 1 / f
	}

	if rng.Float64() < probGamma {
		// stays a gamma ray: scatter in the comoving frame
		pkt.NuCmf /= f

		vel := Velocity(pkt.Pos, t)
		cmfDir := AngleAberration(pkt.Dir, vel)

		var cosTheta float64
		if x < ThomsonLimit {
			cosTheta = thomsonAngle(rng)
		} else {
			cosTheta = 1 - (f-1)/x
		}
		newDir := ScatterDir(cmfDir, cosTheta, rng)

		if err := newDir.CheckUnit(); err != nil {
			return err
		}
		if math.Abs(newDir.Dot(cmfDir)-cosTheta) > 1e-8 {
			return comptonAngleMismatchErr(pkt, newDir.Dot(cmfDir), cosTheta)
		}

		// back to the rest frame
		pkt.Dir = AngleAberration(newDir, vel.Scale(-1))
		pkt.NuRf = pkt.NuCmf / Doppler(pkt.Dir, vel)
		pkt.ERf = pkt.ECmf * pkt.NuRf / pkt.NuCmf
		pkt.LastCross = 0 // allow it to re-cross a boundary
		pkt.ScatCount++
	} else {
		// converted to a non-thermal electron
		pkt.Type = TypeNTElectron
		pkt.AbsorptionType = AbsorptionCompton
	}
	return nil
}

func comptonBoundsErr(pkt *Packet, f, x float64) error {
	return fmt.Errorf("packet %d: compton f %g out of bounds for x %g", pkt.Number, f, x)
}

func comptonAngleMismatchErr(pkt *Packet, got, want float64) error {
	return fmt.Errorf("packet %d: compton scattering angle %g does not match sampled cosine %g", pkt.Number, got, want)
}
