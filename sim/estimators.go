package sim

import (
	"github.com/ejecta-sim/ejecta-sim/sim/radfield"
)

// Estimators collects the Monte Carlo tallies of one rank. During
// transport every worker writes into its own shadow Estimators; the
// shadows are reduced into the shared instance at the timestep barrier in
// thread-id order, which keeps the reduction deterministic.
type Estimators struct {
	Rad *radfield.Field

	// per model cell [erg]
	GammaDep    []float64
	PositronDep []float64

	// detailed bound-free estimators per (cell, ground continuum index)
	CorrPhotoion [][]float64
	BfHeating    [][]float64

	// per-rank count of packets removed by invariant violations
	FailedPackets int64

	// per-timestep totals, copied into the Timestep record after the
	// reduction barrier
	PelletDecays     int64
	GammaDepTotal    float64
	PositronDepTotal float64
}

// NewEstimators allocates estimators for nCells model cells and
// nGroundCont ground continua. The detailed bf arrays are only allocated
// when enabled.
func NewEstimators(rad *radfield.Field, nCells, nGroundCont int, detailedBf bool) *Estimators {
	est := &Estimators{
		Rad:         rad,
		GammaDep:    make([]float64, nCells),
		PositronDep: make([]float64, nCells),
	}
	if detailedBf {
		est.CorrPhotoion = make([][]float64, nCells)
		est.BfHeating = make([][]float64, nCells)
		for i := 0; i < nCells; i++ {
			est.CorrPhotoion[i] = make([]float64, nGroundCont)
			est.BfHeating[i] = make([]float64, nGroundCont)
		}
	}
	return est
}

// AddBfContribution tallies the detailed bound-free estimators for a
// ground continuum, when enabled.
func (est *Estimators) AddBfContribution(mgi, groundCont int, corr, heat float64) {
	if est.CorrPhotoion == nil {
		return
	}
	est.CorrPhotoion[mgi][groundCont] += corr
	est.BfHeating[mgi][groundCont] += heat
}

// ReduceFrom adds a shadow's tallies into est. Every estimator update is
// additive, so reductions in thread-id order are bit-reproducible.
func (est *Estimators) ReduceFrom(shadow *Estimators) {
	est.Rad.ReduceFrom(shadow.Rad)
	for i := range est.GammaDep {
		est.GammaDep[i] += shadow.GammaDep[i]
		est.PositronDep[i] += shadow.PositronDep[i]
	}
	for i := range est.CorrPhotoion {
		for k := range est.CorrPhotoion[i] {
			est.CorrPhotoion[i][k] += shadow.CorrPhotoion[i][k]
			est.BfHeating[i][k] += shadow.BfHeating[i][k]
		}
	}
	est.FailedPackets += shadow.FailedPackets
	est.PelletDecays += shadow.PelletDecays
	est.GammaDepTotal += shadow.GammaDepTotal
	est.PositronDepTotal += shadow.PositronDepTotal
}

// Reset zeroes the per-timestep tallies for the next timestep.
// FailedPackets is a running count and is not reset.
func (est *Estimators) Reset() {
	est.Rad.Reset()
	for i := range est.GammaDep {
		est.GammaDep[i] = 0
		est.PositronDep[i] = 0
	}
	for i := range est.CorrPhotoion {
		for k := range est.CorrPhotoion[i] {
			est.CorrPhotoion[i][k] = 0
			est.BfHeating[i][k] = 0
		}
	}
	est.PelletDecays = 0
	est.GammaDepTotal = 0
	est.PositronDepTotal = 0
}
