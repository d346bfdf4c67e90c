package nonthermal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sfConfig() Config {
	return Config{
		Points: 512, // coarser than production for test speed
		EminEV: 0.1,
		EmaxEV: 1000,
	}
}

// hydrogenPlasma returns ion targets for partially ionised pure hydrogen
// with the given electron fraction x_e = n_e / n_H.
func hydrogenPlasma(nH, xe float64) (nne float64, ions []IonTarget) {
	nne = xe * nH
	ions = []IonTarget{{
		Element:  0,
		Ion:      0,
		NDensity: (1 - xe) * nH, // neutral hydrogen
		IonPotEV: 13.6,
		NBound:   1,
	}}
	return nne, ions
}

func TestSolve_DepositionFractionsSumToUnity(t *testing.T) {
	nne, ions := hydrogenPlasma(1e8, 0.5)
	sol := Solve(sfConfig(), nne, ions, nil)

	total := sol.FracHeating + sol.FracIonisationTotal() + sol.FracExcitationTotal()
	assert.InDelta(t, 1.0, total, 0.05)
}

func TestSolve_HeatingGrowsWithIonisationFraction(t *testing.T) {
	cfg := sfConfig()

	var prev float64
	for _, xe := range []float64{0.01, 0.1, 0.5, 0.9} {
		nne, ions := hydrogenPlasma(1e8, xe)
		sol := Solve(cfg, nne, ions, nil)
		require.Positive(t, sol.FracHeating, "xe=%g", xe)
		assert.Greater(t, sol.FracHeating, prev, "heating fraction must rise with xe (xe=%g)", xe)
		prev = sol.FracHeating
	}
}

func TestSolve_FullyIonisedDepositsEverythingAsHeat(t *testing.T) {
	nne, ions := hydrogenPlasma(1e8, 1.0)
	// no neutrals: the only loss channel is Coulomb heating
	sol := Solve(sfConfig(), nne, ions, nil)

	assert.InDelta(t, 1.0, sol.FracHeating, 0.05)
	assert.Zero(t, sol.FracIonisationTotal())
}

// TestSolve_HalfIonisedHydrogenHeatingFraction pins the Kozma-Fransson
// benchmark point: pure hydrogen, n_e/n_H = 0.5, 1 keV injection. The
// heating fraction at this electron fraction is approximately 0.9.
func TestSolve_HalfIonisedHydrogenHeatingFraction(t *testing.T) {
	nne, ions := hydrogenPlasma(1e8, 0.5)
	sol := Solve(sfConfig(), nne, ions, nil)

	assert.Greater(t, sol.FracHeating, 0.80)
	assert.Less(t, sol.FracHeating, 0.97)
	assert.Positive(t, sol.FracIonisationTotal())
}

func TestSolve_ExcitationChannelReceivesEnergy(t *testing.T) {
	nne, ions := hydrogenPlasma(1e8, 0.5)
	exc := []ExcTarget{{
		LineIndex:  7,
		NDensity:   0.5e8,
		EpsTransEV: 10.2, // Lyman-alpha
		CollStr:    -1,
		OscStr:     0.4162,
		GLower:     2,
	}}
	sol := Solve(sfConfig(), nne, ions, exc)

	require.Len(t, sol.FracExcitation, 1)
	assert.Equal(t, 7, sol.FracExcitation[0].LineIndex)
	assert.Positive(t, sol.FracExcitation[0].Frac)
	// heating loses what excitation gains
	noExc := Solve(sfConfig(), nne, ions, nil)
	assert.Less(t, sol.FracHeating, noExc.FracHeating)
}

func TestSolve_AugerElectronsAmplifyIonisation(t *testing.T) {
	cfg := sfConfig()
	cfg.MaxAuger = 2

	nne := 1e8 * 0.5
	base := []IonTarget{{
		NDensity: 0.5e8, IonPotEV: 13.6, NBound: 1,
	}}
	auger := []IonTarget{{
		NDensity: 0.5e8, IonPotEV: 13.6, NBound: 1,
		AugerProb:     []float64{0.5, 0.3, 0.2},
		AugerEnergyEV: 100,
	}}

	solBase := Solve(cfg, nne, base, nil)
	solAuger := Solve(cfg, nne, auger, nil)

	// Auger secondaries add low-energy electrons, increasing the spectrum
	// below the Auger energy
	iLow := 0
	for i, e := range solAuger.EnergyEV {
		if e > 50 {
			iLow = i
			break
		}
	}
	assert.Greater(t, solAuger.Y[iLow], solBase.Y[iLow])
}

func TestScheduler_TriggerPolicy(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		MaxTimestepsBetween: 5,
		MaxFracDiffNNePer:   0.3,
		FirstTimesteps:      2,
	})

	// never solved: always solve
	assert.True(t, s.ShouldSolve(0, 10, 1.0))
	s.MarkSolved(0, 10, 1.0)

	// fresh solution, small drift: skip
	assert.False(t, s.ShouldSolve(0, 12, 1.05))

	// electron-fraction drift beyond threshold
	assert.True(t, s.ShouldSolve(0, 12, 1.5))

	// staleness trigger
	assert.True(t, s.ShouldSolve(0, 15, 1.0))

	// first-timesteps trigger
	s.MarkSolved(1, 0, 1.0)
	assert.True(t, s.ShouldSolve(1, 1, 1.0))
}
