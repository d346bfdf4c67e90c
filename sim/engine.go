package sim

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ejecta-sim/ejecta-sim/sim/atomic"
	"github.com/ejecta-sim/ejecta-sim/sim/decay"
	"github.com/ejecta-sim/ejecta-sim/sim/grid"
	"github.com/ejecta-sim/ejecta-sim/sim/nlte"
	"github.com/ejecta-sim/ejecta-sim/sim/nonthermal"
	"github.com/ejecta-sim/ejecta-sim/sim/radfield"
	"github.com/ejecta-sim/ejecta-sim/sim/ratecoeff"
)

// Engine is the explicit context threaded through the whole run: the
// atomic data store shared read-only, the grid and model state, the
// estimator arrays and the solvers. There is no global mutable state.
type Engine struct {
	Opts   Options
	Params *Params

	Store  *atomic.Store
	Model  *grid.Model
	Grid   *grid.PropGrid
	Steps  []Timestep
	Pool   *Pool
	RNG    *PartitionedRNG
	Tables *ratecoeff.Tables
	Rad    *radfield.Field
	Est    *Estimators

	NTSched     *nonthermal.Scheduler
	ntSolutions map[int]*nonthermal.Solution

	Rank     int
	NProcs   int
	NThreads int

	inputDir string
	log      *logrus.Entry
}

// propagation cells per axis when a Cartesian grid is laid over the model
const defaultNCoordGrid = 50

// NewEngine loads all inputs and prepares the initial state.
func NewEngine(inputDir string, opts Options, seedOverride int64, rank, nprocs, nthreads int) (*Engine, error) {
	e := &Engine{
		Opts:     opts,
		Rank:     rank,
		NProcs:   nprocs,
		NThreads: nthreads,
		inputDir: inputDir,
		log:      logrus.WithField("rank", rank),
	}

	// a provisional RNG seeds the parameter read (synthesis direction
	// randomisation); the partitioned RNG is rebuilt from the file seed
	bootstrap := NewPartitionedRNG(NewSimulationKey(seedOverride))
	params, err := ReadParams(filepath.Join(inputDir, "input.txt"), bootstrap.ForStream("bootstrap"))
	if err != nil {
		return nil, err
	}
	e.Params = params

	seed := params.Seed
	if seedOverride != 0 {
		seed = seedOverride
	}
	if seed <= 0 {
		return nil, fmt.Errorf("input.txt: a positive random seed is required for reproducible runs")
	}
	e.RNG = NewPartitionedRNG(NewSimulationKey(seed))

	e.Store, err = atomic.LoadStore(inputDir, atomic.IngestOptions{
		SingleLevelTopIon:         opts.SingleLevelTopIon,
		NLevelsRequireTransitions: opts.NLevelsRequireTransitions,
	})
	if err != nil {
		return nil, err
	}

	e.Model, err = grid.ReadModel(filepath.Join(inputDir, "model.txt"), params.ModelType)
	if err != nil {
		return nil, err
	}
	if e.Store.Homogeneous {
		abund := make([]float64, e.Store.NElements())
		for i := range abund {
			abund[i] = e.Store.Elements[i].Abundance
		}
		e.Model.InitAbundances(abund)
	}
	e.Grid = grid.BuildPropGrid(e.Model, defaultNCoordGrid)

	e.Steps, err = TimeInit(params.TMin, params.TMax, params.NTimesteps)
	if err != nil {
		return nil, err
	}
	if rank == 0 {
		if err := WriteTimestepFile(filepath.Join(inputDir, "timesteps.out"), e.Steps); err != nil {
			return nil, err
		}
		if err := e.Store.WriteBfList(filepath.Join(inputDir, "bflist.dat")); err != nil {
			return nil, err
		}
	}

	e.Tables = ratecoeff.New(e.Store, ratecoeff.Config{
		TableSize:      opts.TableSize,
		MinTemp:        opts.MinTemp,
		MaxTemp:        opts.MaxTemp,
		QuadPoints:     opts.QuadPoints,
		NoLUTPhotoion:  opts.NoLUTPhotoion,
		NoLUTBfHeating: opts.NoLUTBfHeating,
	})

	nCells := len(e.Model.Cells)
	e.Rad = radfield.New(radfield.Config{
		BinCount: opts.RadFieldBinCount,
		NuLower:  opts.NuLowerFirst,
		NuUpper:  opts.NuUpperLast,
		TRMin:    opts.TRMin,
		TRMax:    opts.TRMax,
	}, nCells)
	e.Est = NewEstimators(e.Rad, nCells, len(e.Store.GroundConts), opts.DetailedBfEst)

	e.NTSched = nonthermal.NewScheduler(nonthermal.SchedulerConfig{
		MaxTimestepsBetween: opts.NTMaxTimestepsBetween,
		MaxFracDiffNNePer:   opts.NTMaxFracDiffNNePer,
		FirstTimesteps:      params.NLTETimesteps + 3,
	})
	e.ntSolutions = make(map[int]*nonthermal.Solution)

	e.initMatterState()

	if err := e.initPackets(); err != nil {
		return nil, err
	}
	return e, nil
}

// initMatterState seeds temperatures and electron densities with an LTE
// guess before the first estimator pass exists.
func (e *Engine) initMatterState() {
	const tInit = 8000.0
	for mgi := range e.Model.Cells[:e.Model.EmptyCellIndex()] {
		cell := &e.Model.Cells[mgi]
		if cell.RhoInit <= MinDensity {
			continue
		}
		cell.Te = tInit
		cell.TR = tInit
		cell.W = 1
		e.refreshElectronDensity(mgi, tInit)
	}
}

// refreshElectronDensity recomputes the free and total electron densities
// of a cell from LTE populations at te, iterating the Saha closure on
// n_e to self-consistency.
func (e *Engine) refreshElectronDensity(mgi int, te float64) {
	cell := &e.Model.Cells[mgi]
	if cell.Abundances == nil {
		return
	}
	nne := 1.0
	for iter := 0; iter < 20; iter++ {
		sum := 0.0
		for el := range e.Store.Elements {
			nElem := cell.RhoInit * cell.Abundances[el] / e.Store.Elements[el].Mass
			if nElem <= 0 {
				continue
			}
			pops := nlte.LTEPops(e.Store, el, nElem, te, nne)
			for i := range pops {
				stage := e.Store.IonStage(el, i)
				nIon := 0.0
				for _, p := range pops[i] {
					nIon += p
				}
				sum += nIon * float64(stage-1)
			}
		}
		if sum < MinPop {
			sum = MinPop
		}
		if math.Abs(sum-nne)/math.Max(nne, MinPop) < 1e-4 {
			nne = sum
			break
		}
		nne = 0.5 * (nne + sum)
	}
	cell.NNe = nne

	// total electrons, bound plus free, for Compton scattering
	tot := 0.0
	for el := range e.Store.Elements {
		nElem := cell.RhoInit * cell.Abundances[el] / e.Store.Elements[el].Mass
		tot += nElem * float64(e.Store.Elements[el].Z)
	}
	cell.NNeTot = tot
}

// initPackets creates or restores the packet pool.
func (e *Engine) initPackets() error {
	e.Pool = NewPool(e.Opts.NPackets)
	ckpt := filepath.Join(e.inputDir, CheckpointPath(0, e.Rank))

	if e.Params.Continued {
		return e.Pool.ReadCheckpoint(ckpt)
	}

	rng := e.RNG.ForStream(StreamPelletInit(e.Rank))
	if _, err := PlacePellets(e.Pool.Packets, e.Grid, e.Model, e.Params.TMin, e.Params.TMax, rng); err != nil {
		return err
	}
	return e.Pool.WriteCheckpoint(ckpt)
}

// Run executes the timestep loop.
func (e *Engine) Run() error {
	for nts := e.Params.ITStep; nts < e.Params.FTStep && nts < e.Params.NTimesteps; nts++ {
		if err := e.runTimestep(nts); err != nil {
			return fmt.Errorf("timestep %d: %w", nts, err)
		}
	}
	e.log.Info("simulation complete")
	return nil
}

// runTimestep transports all packets through one timestep, reduces the
// estimators and updates the matter state.
func (e *Engine) runTimestep(nts int) error {
	ts := &e.Steps[nts]
	e.log.Infof("timestep %d: %.2f to %.2f d, %d packets",
		nts, ts.Start/DAY, (ts.Start+ts.Width)/DAY, len(e.Pool.Packets))

	e.Est.Reset()

	slices := e.Pool.Slices(e.NThreads)
	shadows := make([]*Estimators, e.NThreads)
	var wg sync.WaitGroup
	for th := 0; th < e.NThreads; th++ {
		shadowRad := radfield.New(radfield.Config{
			BinCount: e.Opts.RadFieldBinCount,
			NuLower:  e.Opts.NuLowerFirst,
			NuUpper:  e.Opts.NuUpperLast,
			TRMin:    e.Opts.TRMin,
			TRMax:    e.Opts.TRMax,
		}, len(e.Model.Cells))
		shadows[th] = NewEstimators(shadowRad, len(e.Model.Cells), len(e.Store.GroundConts), e.Opts.DetailedBfEst)

		wg.Add(1)
		go func(th int) {
			defer wg.Done()
			tr := &Transporter{
				Store:   e.Store,
				Model:   e.Model,
				Grid:    e.Grid,
				Est:     shadows[th],
				Cells:   NewCellHistory(e.Store, e.Model, e.Tables),
				Params:  e.Params,
				Opts:    &e.Opts,
				Rank:    e.Rank,
				Thread:  th,
				TsIndex: nts,
			}
			rng := e.RNG.Derive(StreamWorker(e.Rank, th))
			tr.PropagateSlice(slices[th], *ts, rng)
		}(th)
	}
	wg.Wait()

	// deterministic reduction in thread-id order
	for th := 0; th < e.NThreads; th++ {
		e.Est.ReduceFrom(shadows[th])
	}
	ts.PelletDecays = int(e.Est.PelletDecays)
	ts.GammaDep = e.Est.GammaDepTotal
	ts.PositronDep = e.Est.PositronDepTotal

	e.updateMatterState(nts)

	if e.Est.FailedPackets > 0 {
		e.log.Warnf("timestep %d: %d packets removed by invariant violations", nts, e.Est.FailedPackets)
	}

	// checkpoint so the run can be continued from the next timestep
	if err := e.Pool.WriteCheckpoint(filepath.Join(e.inputDir, CheckpointPath(0, e.Rank))); err != nil {
		return err
	}
	if e.Rank == 0 {
		if err := UpdateParamsFile(filepath.Join(e.inputDir, "input.txt"), nts+1, e.Params.FTStep); err != nil {
			return err
		}
	}
	return nil
}

// updateMatterState refreshes the radiation field fits, the rate inputs
// and the per-cell matter state after the estimator reduction.
func (e *Engine) updateMatterState(nts int) {
	ts := &e.Steps[nts]
	nlteActive := e.Opts.NLTEOn && nts >= e.Params.NLTETimesteps

	for mgi := 0; mgi < e.Model.EmptyCellIndex(); mgi++ {
		cell := &e.Model.Cells[mgi]
		if cell.RhoInit <= MinDensity {
			continue
		}
		volume := e.cellVolumeOfModel(mgi, ts.Mid)
		e.Rad.FitCell(mgi, volume, ts.Width)
		trFull := e.Rad.Cells[mgi].TRFull
		if trFull > 0 {
			cell.TR = trFull
			cell.W = e.Rad.Cells[mgi].WFull
		}

		if !nlteActive {
			// LTE phase: the electron temperature follows the radiation
			// temperature
			cell.Te = clampTemp(cell.TR, e.Opts.MinTemp, e.Opts.MaxTemp)
			cell.NLTEPops = nil
			e.refreshElectronDensity(mgi, cell.Te)
			continue
		}

		e.updateCellNLTE(mgi, nts, volume, ts)
	}
}

// updateCellNLTE runs the non-thermal and NLTE solvers for one cell and
// closes the electron temperature by the heating/cooling balance.
func (e *Engine) updateCellNLTE(mgi, nts int, volume float64, ts *Timestep) {
	cell := &e.Model.Cells[mgi]

	// non-thermal solution when the trigger policy demands one
	nIonTotal := e.totalIonDensity(mgi)
	neRatio := cell.NNe / math.Max(nIonTotal, MinPop)
	if e.Opts.NTOn && e.NTSched.ShouldSolve(mgi, nts, neRatio) {
		e.ntSolutions[mgi] = e.solveSpencerFano(mgi)
		e.NTSched.MarkSolved(mgi, nts, neRatio)
	}

	depRate := e.Est.GammaDep[mgi] / math.Max(ts.Width, 1) / volume // erg/s/cm^3
	if e.Params.GammaGrey > 0 {
		// grey gammas carry no detailed deposition physics; the closed-form
		// Bateman rates supply it instead
		g, p := decay.CellDepositionRate(cellFractions(cell), ts.Mid)
		depRate = (g + p) * e.Model.Rho(mgi, ts.Mid)
	}

	// detailed ground-continuum estimators: normalising the path sums by
	// V dt gives the per-level photoionisation rate and the bound-free
	// heating per absorber
	estNorm := 1 / (volume * math.Max(ts.Width, 1))
	bfGamma := map[[3]int]float64{}
	if e.Opts.DetailedBfEst {
		for k := range e.Store.GroundConts {
			gc := &e.Store.GroundConts[k]
			key := [3]int{gc.ElementIndex, gc.IonIndex, gc.Level}
			bfGamma[key] += e.Est.CorrPhotoion[mgi][k] * estNorm
		}
	}

	ntIonRate := func(el, i int) float64 {
		sol := e.ntSolutions[mgi]
		if sol == nil {
			return 0
		}
		for _, d := range sol.FracIonisation {
			if d.Element == el && d.Ion == i {
				ionpot := e.Store.Ion(el, i).IonPot
				nIon := e.ionDensity(mgi, el, i)
				if nIon > MinPop && ionpot > 0 {
					return d.Frac * depRate / (nIon * ionpot)
				}
			}
		}
		return 0
	}

	ch := NewCellHistory(e.Store, e.Model, e.Tables)

	solvePops := func(te float64) error {
		cell.Te = te
		for el := range e.Store.Elements {
			nElem := cell.RhoInit * cell.Abundances[el] / e.Store.Elements[el].Mass
			if nElem <= MinPop {
				continue
			}
			in := nlte.In{
				Te:       te,
				NNe:      math.Max(cell.NNe, MinPop),
				NElement: nElem,
				JNu:      func(nu float64) float64 { return e.Rad.JNu(mgi, nu) },
				PhotoionRate: func(el2, i, l int) float64 {
					// ground-term continua with path estimators use the
					// directly sampled rate
					if gamma, ok := bfGamma[[3]int{el2, i, l}]; ok && gamma > 0 {
						return gamma
					}
					if e.Opts.NoLUTPhotoion {
						return e.Tables.PhotoionRate(el2, i, l, func(nu float64) float64 { return e.Rad.JNu(mgi, nu) })
					}
					return cell.W * e.Tables.CorrPhotoionLUT(el2, i, l, 0, cell.TR)
				},
				AlphaSp:   func(el2, i, l, k int) float64 { return e.Tables.AlphaSp(el2, i, l, k, te) },
				NTIonRate: ntIonRate,
			}
			pops, err := nlte.SolveElement(e.Store, el, nlte.Config{}, in)
			if err != nil {
				return err
			}
			e.storePops(mgi, el, pops)
		}
		e.electronDensityFromPops(mgi)
		return nil
	}

	balance := func(te float64) float64 {
		cell.Te = te
		ch.Enter(mgi)
		ch.Invalidate() // recompute at the new temperature
		_, coolingRate := ch.CoolingTerms()

		heating := depRate
		sol := e.ntSolutions[mgi]
		if sol != nil {
			heating = depRate * sol.FracHeating
		}
		heating += e.bfHeatingRate(mgi, estNorm)
		return heating - coolingRate
	}

	cell.Te = clampTemp(nlte.IterateTe(math.Max(cell.Te, e.Opts.MinTemp), e.Opts.NLTEIter, 1e-3, solvePops, balance),
		e.Opts.MinTemp, e.Opts.MaxTemp)
}

// bfHeatingRate returns the bound-free heating rate density [erg/s/cm^3]
// of a cell: from the detailed path estimators when enabled, otherwise by
// integrating the reconstructed radiation field over the ground-term
// cross-sections.
func (e *Engine) bfHeatingRate(mgi int, estNorm float64) float64 {
	heat := 0.0
	if e.Opts.DetailedBfEst {
		for k := range e.Store.GroundConts {
			gc := &e.Store.GroundConts[k]
			heat += e.Est.BfHeating[mgi][k] * estNorm *
				e.levelDensity(mgi, gc.ElementIndex, gc.IonIndex, gc.Level)
		}
		return heat
	}
	jnu := func(nu float64) float64 { return e.Rad.JNu(mgi, nu) }
	for el := range e.Store.Elements {
		for i := 0; i < e.Store.NIons(el)-1; i++ {
			ion := e.Store.Ion(el, i)
			for l := 0; l < ion.NLevelsGroundTerm && l < len(ion.Levels); l++ {
				if len(ion.Levels[l].PhixsTargets) == 0 {
					continue
				}
				heat += e.Tables.BfHeatingRate(el, i, l, jnu) * e.levelDensity(mgi, el, i, l)
			}
		}
	}
	return heat
}

// levelDensity returns the population of one level of a cell.
func (e *Engine) levelDensity(mgi, el, i, l int) float64 {
	cell := &e.Model.Cells[mgi]
	if cell.NLTEPops != nil && cell.NLTEPops[el] != nil {
		flat := cell.NLTEPops[el]
		offset := 0
		for j := 0; j < i; j++ {
			offset += e.Store.NLevels(el, j)
		}
		if offset+l < len(flat) {
			return flat[offset+l]
		}
		return 0
	}
	nElem := cell.RhoInit * cell.Abundances[el] / e.Store.Elements[el].Mass
	pops := nlte.LTEPops(e.Store, el, nElem, math.Max(cell.Te, 1000), math.Max(cell.NNe, 1))
	return pops[i][l]
}

// solveSpencerFano assembles the cell's ion and excitation targets and
// runs the degradation solver.
func (e *Engine) solveSpencerFano(mgi int) *nonthermal.Solution {
	cell := &e.Model.Cells[mgi]
	var ions []nonthermal.IonTarget
	var excitations []nonthermal.ExcTarget

	for el := range e.Store.Elements {
		for i := range e.Store.Elements[el].Ions {
			ion := e.Store.Ion(el, i)
			nIon := e.ionDensity(mgi, el, i)
			if nIon <= MinPop {
				continue
			}
			if i < len(e.Store.Elements[el].Ions)-1 {
				ions = append(ions, nonthermal.IonTarget{
					Element:  el,
					Ion:      i,
					NDensity: nIon,
					IonPotEV: ion.IonPot / EV,
					NBound:   max(1, e.Store.Elements[el].Z-ion.Stage+1),
				})
			}

			// the first few lower levels excite to a bounded set of upper
			// levels
			for l := 0; l < e.Opts.NTExcitationMaxLower && l < len(ion.Levels); l++ {
				for _, li := range ion.Levels[l].UpTrans {
					line := &e.Store.Lines[li]
					if line.Upper >= e.Opts.NTExcitationMaxUpper {
						continue
					}
					eps := (e.Store.Epsilon(el, i, line.Upper) - e.Store.Epsilon(el, i, line.Lower)) / EV
					excitations = append(excitations, nonthermal.ExcTarget{
						LineIndex:  li,
						NDensity:   nIon, // ground-heavy approximation refreshed each solve
						EpsTransEV: eps,
						CollStr:    line.CollStr,
						Forbidden:  line.Forbidden,
						OscStr:     line.OscStrength,
						GLower:     e.Store.StatWeight(el, i, line.Lower),
					})
				}
			}
		}
	}

	return nonthermal.Solve(nonthermal.Config{
		Points:   e.Opts.SFPoints,
		EminEV:   e.Opts.SFEminEV,
		EmaxEV:   e.Opts.SFEmaxEV,
		MaxAuger: e.Opts.MaxAugerElectrons,
		MaxLower: e.Opts.NTExcitationMaxLower,
		MaxUpper: e.Opts.NTExcitationMaxUpper,
	}, math.Max(cell.NNe, MinPop), ions, excitations)
}

// storePops writes an element's solved populations into the cell.
func (e *Engine) storePops(mgi, el int, pops [][]float64) {
	cell := &e.Model.Cells[mgi]
	if cell.NLTEPops == nil {
		cell.NLTEPops = make([][]float64, e.Store.NElements())
	}
	if cell.GroundPops == nil {
		cell.GroundPops = make([][]float64, e.Store.NElements())
	}

	var flat []float64
	ground := make([]float64, len(pops))
	for i := range pops {
		flat = append(flat, pops[i]...)
		// pad collapsed levels so the flat layout matches the store
		for l := len(pops[i]); l < e.Store.NLevels(el, i); l++ {
			flat = append(flat, MinPop)
		}
		ground[i] = pops[i][0]
	}
	cell.NLTEPops[el] = flat
	cell.GroundPops[el] = ground
}

// electronDensityFromPops closes n_e on the stored populations.
func (e *Engine) electronDensityFromPops(mgi int) {
	cell := &e.Model.Cells[mgi]
	nne := 0.0
	for el := range e.Store.Elements {
		if cell.GroundPops == nil || cell.GroundPops[el] == nil {
			continue
		}
		for i := range e.Store.Elements[el].Ions {
			nne += e.ionDensity(mgi, el, i) * float64(e.Store.IonStage(el, i)-1)
		}
	}
	cell.NNe = math.Max(nne, MinPop)
}

// ionDensity sums the stored populations of one ion.
func (e *Engine) ionDensity(mgi, el, i int) float64 {
	cell := &e.Model.Cells[mgi]
	if cell.NLTEPops != nil && cell.NLTEPops[el] != nil {
		flat := cell.NLTEPops[el]
		offset := 0
		for j := 0; j < i; j++ {
			offset += e.Store.NLevels(el, j)
		}
		sum := 0.0
		for l := 0; l < e.Store.NLevels(el, i) && offset+l < len(flat); l++ {
			sum += flat[offset+l]
		}
		return sum
	}
	// LTE fallback
	nElem := cell.RhoInit * cell.Abundances[el] / e.Store.Elements[el].Mass
	pops := nlte.LTEPops(e.Store, el, nElem, math.Max(cell.Te, 1000), math.Max(cell.NNe, 1))
	sum := 0.0
	for _, p := range pops[i] {
		sum += p
	}
	return sum
}

func (e *Engine) totalIonDensity(mgi int) float64 {
	total := 0.0
	for el := range e.Store.Elements {
		for i := range e.Store.Elements[el].Ions {
			total += e.ionDensity(mgi, el, i)
		}
	}
	return total
}

// cellVolumeOfModel returns the summed propagation-cell volume mapping to
// a model cell at time t.
func (e *Engine) cellVolumeOfModel(mgi int, t float64) float64 {
	vol := 0.0
	for c := 0; c < e.Grid.NCells(); c++ {
		if e.Grid.ModelIndex(c) == mgi {
			vol += e.Grid.CellVolume(c, t)
		}
	}
	if vol <= 0 {
		vol = 1
	}
	return vol
}

func clampTemp(t, lo, hi float64) float64 {
	if t < lo {
		return lo
	}
	if t > hi {
		return hi
	}
	return t
}

// WriteDiagnostics dumps a short end-of-run summary.
func (e *Engine) WriteDiagnostics(w *os.File) {
	escaped, failed := 0, 0
	for i := range e.Pool.Packets {
		switch {
		case e.Pool.Packets[i].Failed != 0:
			failed++
		case e.Pool.Packets[i].Type == TypeEscaped:
			escaped++
		}
	}
	fmt.Fprintf(w, "packets: %d total, %d escaped, %d failed\n", len(e.Pool.Packets), escaped, failed)
}
