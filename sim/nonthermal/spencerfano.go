// Package nonthermal solves the Spencer-Fano electron degradation equation
// on a log-spaced energy grid and partitions the energy of fast electrons
// into heating, collisional ionisation (including Auger cascades) and
// collisional excitation. The discretised source operator is lower
// triangular in energy, so the solution proceeds by a single forward
// substitution from the highest energy point downwards.
package nonthermal

import (
	"math"

	"github.com/sirupsen/logrus"
)

const (
	qe     = 4.80325e-10   // [statC]
	me     = 9.1093897e-28 // [g]
	hbar   = 1.0545887e-27 // [erg s]
	evErg  = 1.6021772e-12 // eV in erg
	ryEV   = 13.605693     // Rydberg [eV]
	a0     = 0.529177e-8   // Bohr radius [cm]
	piA0Sq = math.Pi * a0 * a0
)

// Config sets the energy grid and channel truncations.
type Config struct {
	Points int     // grid points
	EminEV float64 // [eV]
	EmaxEV float64 // [eV]

	// maximum Auger electrons released per primary ionisation
	MaxAuger int

	// excitation channels are limited to the first MaxLower lower levels
	// and MaxUpper upper levels
	MaxLower int
	MaxUpper int
}

// IonTarget is one ion species seen by the degradation cascade.
type IonTarget struct {
	Element, Ion int
	NDensity     float64 // number density [cm^-3]
	IonPotEV     float64 // valence ionisation potential [eV]
	NBound       int     // bound electrons in the valence shell

	// Auger cascade: AugerProb[n] is the probability that n additional
	// electrons are released per primary ionisation; AugerEnergyEV is
	// their mean energy
	AugerProb     []float64
	AugerEnergyEV float64
}

// ExcTarget is one bound-bound excitation channel.
type ExcTarget struct {
	LineIndex  int
	NDensity   float64 // lower-level population [cm^-3]
	EpsTransEV float64 // transition energy [eV]
	CollStr    float64
	Forbidden  bool
	OscStr     float64
	GLower     float64
}

// IonDeposition is the energy fraction deposited into ionising one ion.
type IonDeposition struct {
	Element, Ion int
	Frac         float64
}

// ExcDeposition is the energy fraction deposited into one transition.
type ExcDeposition struct {
	LineIndex int
	Frac      float64
}

// Solution is the degradation spectrum and the deposition partition.
type Solution struct {
	EnergyEV []float64 // the grid [eV]
	Y        []float64 // degradation spectrum

	FracHeating    float64
	FracIonisation []IonDeposition
	FracExcitation []ExcDeposition
}

// FracIonisationTotal sums the ionisation fractions over all ions.
func (s *Solution) FracIonisationTotal() float64 {
	total := 0.0
	for _, d := range s.FracIonisation {
		total += d.Frac
	}
	return total
}

// FracExcitationTotal sums the excitation fractions over all channels.
func (s *Solution) FracExcitationTotal() float64 {
	total := 0.0
	for _, d := range s.FracExcitation {
		total += d.Frac
	}
	return total
}

// Solve runs the Spencer-Fano solution for a mono-energetic injection at
// the top of the grid, for a plasma with free electron density nne.
func Solve(cfg Config, nne float64, ions []IonTarget, excitations []ExcTarget) *Solution {
	n := cfg.Points
	en := make([]float64, n)
	dE := make([]float64, n)
	logStep := (math.Log(cfg.EmaxEV) - math.Log(cfg.EminEV)) / float64(n-1)
	for i := range en {
		en[i] = cfg.EminEV * math.Exp(float64(i)*logStep)
	}
	for i := range dE {
		if i < n-1 {
			dE[i] = en[i+1] - en[i]
		} else {
			dE[i] = en[n-1] - en[n-2]
		}
	}

	sol := &Solution{EnergyEV: en, Y: make([]float64, n)}

	// Forward substitution from the top point: the count of electrons
	// degrading continuously through E_i equals injections above plus the
	// secondary and Auger electrons born above E_i, minus every discrete
	// event that jumps an electron from above E_i to below it. Events at
	// E_i itself always jump below it and depend on Y[i], so they join the
	// continuous loss rate in the divisor.
	for i := n - 1; i >= 0; i-- {
		rhs := 1.0 // one injected primary above every grid point

		for _, ion := range ions {
			if ion.NDensity <= 0 {
				continue
			}
			rhs += ionisationCrossings(cfg, ion, en, dE, sol.Y, i)
		}
		for _, exc := range excitations {
			if exc.NDensity <= 0 {
				continue
			}
			// an excitation at E_j jumps the electron over E_i when
			// E_j > E_i >= E_j - eps
			for j := i + 1; j < n; j++ {
				if en[j]-exc.EpsTransEV >= en[i] {
					break
				}
				rhs -= exc.NDensity * xsExcitation(&exc, en[j]) * sol.Y[j] * dE[j]
			}
		}

		loss := nne * lossFunction(en[i], nne)
		for _, ion := range ions {
			if ion.NDensity > 0 {
				loss += ion.NDensity * xsIonisation(&ion, en[i]) * dE[i]
			}
		}
		for _, exc := range excitations {
			if exc.NDensity > 0 {
				loss += exc.NDensity * xsExcitation(&exc, en[i]) * dE[i]
			}
		}
		if loss <= 0 {
			sol.Y[i] = 0
			continue
		}
		sol.Y[i] = rhs / loss
	}

	depositPartition(cfg, nne, ions, excitations, sol, dE)
	return sol
}

// ionisationCrossings accumulates the net change in the count of electrons
// crossing E_i produced by collisional ionisation of one ion above E_i:
// secondary and Auger electrons born above E_i add to it, a degraded
// primary that lands below E_i subtracts from it.
func ionisationCrossings(cfg Config, ion IonTarget, en, dE, y []float64, i int) float64 {
	n := len(en)
	sum := 0.0
	ei := en[i]
	for j := i + 1; j < n; j++ {
		ej := en[j]
		xs := xsIonisation(&ion, ej)
		if xs <= 0 {
			continue
		}
		rate := ion.NDensity * xs * y[j] * dE[j]

		// secondary spectrum: Opal-form P(eps) ~ 1/(1+(eps/J)^2) on
		// [0, (E-I)/2]
		jShape := 0.6 * ion.IonPotEV
		epsMax := (ej - ion.IonPotEV) / 2
		if epsMax <= 0 {
			continue
		}
		norm := math.Atan(epsMax / jShape)

		// primary ends at E_j - I - eps; it jumps below E_i when
		// eps > E_j - I - E_i
		epsPrimaryCross := ej - ion.IonPotEV - ei
		pPrimary := 1.0
		if epsPrimaryCross > 0 {
			if epsPrimaryCross >= epsMax {
				pPrimary = 0
			} else {
				pPrimary = 1 - math.Atan(epsPrimaryCross/jShape)/norm
			}
		}
		// secondary is born above E_i with probability P(eps > E_i)
		pSecondary := 0.0
		if ei < epsMax {
			pSecondary = 1 - math.Atan(ei/jShape)/norm
		}
		sum += rate * (pSecondary - pPrimary)

		// Auger electrons are born mono-energetically
		if cfg.MaxAuger > 0 && ion.AugerEnergyEV > ei {
			for nA := 1; nA < len(ion.AugerProb) && nA <= cfg.MaxAuger; nA++ {
				sum += rate * float64(nA) * ion.AugerProb[nA]
			}
		}
	}
	return sum
}

// depositPartition converts the degradation spectrum into deposition
// fractions normalised by the injected energy.
func depositPartition(cfg Config, nne float64, ions []IonTarget, excitations []ExcTarget, sol *Solution, dE []float64) {
	eInit := sol.EnergyEV[len(sol.EnergyEV)-1]

	// continuous heating above Emin plus the residual energy of every
	// electron that degrades past the bottom of the grid
	heat := 0.0
	for i, e := range sol.EnergyEV {
		heat += nne * lossFunction(e, nne) * sol.Y[i] * dE[i]
	}
	e0 := sol.EnergyEV[0]
	heat += e0 * nne * lossFunction(e0, nne) * sol.Y[0]
	sol.FracHeating = heat / eInit

	for _, ion := range ions {
		if ion.NDensity <= 0 {
			continue
		}
		dep := 0.0
		for i, e := range sol.EnergyEV {
			dep += ion.NDensity * xsIonisation(&ion, e) * sol.Y[i] * dE[i] * ion.IonPotEV
		}
		sol.FracIonisation = append(sol.FracIonisation, IonDeposition{
			Element: ion.Element, Ion: ion.Ion, Frac: dep / eInit,
		})
	}

	for _, exc := range excitations {
		if exc.NDensity <= 0 {
			continue
		}
		dep := 0.0
		for i, e := range sol.EnergyEV {
			dep += exc.NDensity * xsExcitation(&exc, e) * sol.Y[i] * dE[i] * exc.EpsTransEV
		}
		sol.FracExcitation = append(sol.FracExcitation, ExcDeposition{
			LineIndex: exc.LineIndex, Frac: dep / eInit,
		})
	}

	total := sol.FracHeating + sol.FracIonisationTotal() + sol.FracExcitationTotal()
	if math.Abs(total-1) > 0.05 {
		logrus.Warnf("spencerfano: deposition fractions sum to %g (heating %g, ionisation %g, excitation %g)",
			total, sol.FracHeating, sol.FracIonisationTotal(), sol.FracExcitationTotal())
	}
}

// lossFunction is the electron-electron energy loss function per free
// electron [eV cm^2]: (2 pi e^4 / E) ln(4E / zeta) with the plasmon
// cutoff zeta = hbar omega_p.
func lossFunction(energyEV, nne float64) float64 {
	if nne <= 0 || energyEV <= 0 {
		return 0
	}
	eErg := energyEV * evErg
	omegap := math.Sqrt(4 * math.Pi * nne * qe * qe / me)
	zeta := hbar * omegap
	arg := 4 * eErg / zeta
	if arg < 1.1 {
		arg = 1.1
	}
	lossErg := 2 * math.Pi * qe * qe * qe * qe / eErg * math.Log(arg)
	return lossErg / evErg
}

// xsIonisation is the electron-impact ionisation cross-section [cm^2] in
// the Lotz approximation.
func xsIonisation(ion *IonTarget, energyEV float64) float64 {
	u := energyEV / ion.IonPotEV
	if u <= 1 {
		return 0
	}
	const aLotz = 4.5e-14 // [cm^2 eV^2]
	return aLotz * float64(ion.NBound) * math.Log(u) / (energyEV * ion.IonPotEV)
}

// xsExcitation is the electron-impact excitation cross-section [cm^2]:
// measured collision strengths give an energy-independent cross-section
// above threshold; allowed transitions without one use the van Regemorter
// form with the oscillator strength.
func xsExcitation(exc *ExcTarget, energyEV float64) float64 {
	if energyEV < exc.EpsTransEV {
		return 0
	}
	if exc.CollStr > 0 {
		return exc.CollStr * piA0Sq / exc.GLower * math.Pow(ryEV/exc.EpsTransEV, 2)
	}
	if exc.Forbidden {
		return 0 // forbidden without a measured collision strength
	}
	const gBar = 0.2
	return 8 * math.Pi / math.Sqrt(3) * piA0Sq * gBar * exc.OscStr *
		ryEV * ryEV / (energyEV * exc.EpsTransEV)
}

// === solve scheduling ===

// SchedulerConfig is the re-solve trigger policy.
type SchedulerConfig struct {
	MaxTimestepsBetween int     // solve at least every N timesteps
	MaxFracDiffNNePer   float64 // electron-fraction change triggering a solve
	FirstTimesteps      int     // always solve during the first timesteps
}

// Scheduler decides when a cell's Spencer-Fano solution is stale.
type Scheduler struct {
	cfg         SchedulerConfig
	lastSolve   map[int]int
	lastNeRatio map[int]float64
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		lastSolve:   make(map[int]int),
		lastNeRatio: make(map[int]float64),
	}
}

// ShouldSolve reports whether cell mgi needs a fresh solution at timestep
// ts given the current electrons-per-ion ratio.
func (s *Scheduler) ShouldSolve(mgi, ts int, neRatio float64) bool {
	last, solved := s.lastSolve[mgi]
	if !solved {
		return true
	}
	if ts < s.cfg.FirstTimesteps {
		return true
	}
	if ts-last >= s.cfg.MaxTimestepsBetween {
		return true
	}
	prev := s.lastNeRatio[mgi]
	if prev > 0 && math.Abs(neRatio-prev)/prev > s.cfg.MaxFracDiffNNePer {
		return true
	}
	return false
}

// MarkSolved records a completed solution.
func (s *Scheduler) MarkSolved(mgi, ts int, neRatio float64) {
	s.lastSolve[mgi] = ts
	s.lastNeRatio[mgi] = neRatio
}
