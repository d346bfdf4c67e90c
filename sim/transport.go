package sim

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/ejecta-sim/ejecta-sim/sim/atomic"
	"github.com/ejecta-sim/ejecta-sim/sim/grid"
)

// Transporter propagates the packets of one worker thread through one
// timestep. It owns a thread-local cell-history cache, a shadow estimator
// set and a deterministic RNG stream; nothing in it is shared.
type Transporter struct {
	Store  *atomic.Store
	Model  *grid.Model
	Grid   *grid.PropGrid
	Est    *Estimators // shadow buffers, reduced at the barrier
	Cells  *CellHistory
	Params *Params
	Opts   *Options

	Rank    int
	Thread  int
	TsIndex int
}

// lastEvent markers recorded for NT electron bookkeeping.
const (
	originGamma    = 0
	originPositron = 1
)

// sobolevPrefactor = pi e^2 / (m_e c), the classical line opacity factor.
const sobolevPrefactor = math.Pi * QE * QE / (ME * CLIGHT)

// PropagateSlice advances every packet of the slice to the end of the
// timestep. Per-packet invariant violations remove only that packet; the
// slice continues. The timestep is read-only; all tallies go to the
// thread's shadow estimators.
func (tr *Transporter) PropagateSlice(pkts []Packet, ts Timestep, rng *rand.Rand) {
	tsEnd := ts.Start + ts.Width
	for i := range pkts {
		pkt := &pkts[i]
		if pkt.Type == TypeEscaped || pkt.Type == TypeNone || pkt.Failed != 0 {
			continue
		}
		if err := tr.propagatePacket(pkt, ts, tsEnd, rng); err != nil {
			logrus.Errorf("rank %d: packet %d (kind %d, cell %d) removed: %v",
				tr.Rank, pkt.Number, pkt.Type, pkt.Where, err)
			pkt.Failed = 1
			tr.Est.FailedPackets++
		}
	}
}

// propagatePacket drives one packet's event loop until it escapes, is
// absorbed or reaches the end of the timestep.
func (tr *Transporter) propagatePacket(pkt *Packet, ts Timestep, tsEnd float64, rng *rand.Rand) error {
	t := ts.Start

	// pellets wait for their decay time
	if pkt.Type.IsPellet() {
		if pkt.TDecay >= tsEnd {
			tr.advectTo(pkt, t, tsEnd)
			return nil
		}
		decayAt := math.Max(pkt.TDecay, t)
		tr.advectTo(pkt, t, decayAt)
		t = decayAt
		tr.decayPellet(pkt, t, rng)
	}

	for t < tsEnd {
		switch pkt.Type {
		case TypeEscaped, TypeNone:
			return nil
		case TypeNTElectron:
			tr.depositNTElectron(pkt)
		case TypeKPkt:
			if err := tr.kPacketEvent(pkt, t, rng); err != nil {
				return err
			}
			// k-packet diffusion breaks the collisional work imbalance
			// during the early timesteps
			if tr.TsIndex < tr.Params.NKPktDiffusionTimesteps {
				t += tr.Params.KPktDiffusionTimescale * ts.Width
			}
		case TypeGamma, TypeRPkt:
			var err error
			t, err = tr.moveRadiativePacket(pkt, t, tsEnd, rng)
			if err != nil {
				return err
			}
		default:
			return nil
		}
		if pkt.Type == TypeGamma || pkt.Type == TypeRPkt || pkt.Type == TypeEscaped {
			if err := pkt.CheckInvariants(); err != nil {
				return err
			}
		}
	}
	return nil
}

// advectTo moves a latent packet passively with the homologous flow.
func (tr *Transporter) advectTo(pkt *Packet, tFrom, tTo float64) {
	pkt.Pos = pkt.Pos.Scale(tTo / tFrom)
}

// decayPellet converts a pellet at its decay time into a gamma-ray packet
// or, through the positron channel, directly into a non-thermal electron.
func (tr *Transporter) decayPellet(pkt *Packet, t float64, rng *rand.Rand) {
	tr.Est.PelletDecays++

	vel := Velocity(pkt.Pos, t)
	dirCmf := IsotropicDirection(rng)
	pkt.Dir = AngleAberration(dirCmf, vel.Scale(-1))

	if pkt.Type.IsPositronPellet() {
		// positrons thermalise locally as non-thermal electrons
		pkt.Type = TypeNTElectron
		pkt.LastEvent = originPositron
		return
	}

	// gamma-ray line energy; the precise line catalogue is external, a
	// representative decay energy sets the comoving frequency
	pkt.NuCmf = pelletGammaNu(pkt.Type)
	doppler := Doppler(pkt.Dir, vel)
	pkt.NuRf = pkt.NuCmf / doppler
	pkt.ERf = pkt.ECmf * pkt.NuRf / pkt.NuCmf
	pkt.Type = TypeGamma
	pkt.LastEvent = originGamma
	pkt.LastCross = int32(grid.CrossNone)
	pkt.EmPos = pkt.Pos
	pkt.EmTime = t
}

// pelletGammaNu returns the characteristic gamma-ray frequency of a pellet
// kind.
func pelletGammaNu(t PacketType) float64 {
	var mev float64
	switch t {
	case TypePelletNi56:
		mev = 1.75
	case TypePelletCo56:
		mev = 3.61
	case TypePelletFe52:
		mev = 0.87
	case TypePelletMn52:
		mev = 2.44
	case TypePelletCr48:
		mev = 0.42
	case TypePelletV48:
		mev = 2.87
	case TypePelletNi57:
		mev = 1.92
	case TypePelletCo57:
		mev = 0.122
	default:
		mev = 1.0
	}
	return mev * MEV / H
}

// moveRadiativePacket advances a gamma or r-packet through cells until an
// interaction, escape or the end of the timestep. Returns the new packet
// time.
func (tr *Transporter) moveRadiativePacket(pkt *Packet, t, tsEnd float64, rng *rand.Rand) (float64, error) {
	cProp := tr.Params.CLightProp

	for t < tsEnd {
		cell := int(pkt.Where)
		mgi := tr.Grid.ModelIndex(cell)
		isVoid := mgi == tr.Model.EmptyCellIndex()
		if !isVoid {
			tr.Cells.Enter(mgi)
		}

		dBoundary, neighbour, cross, err := tr.Grid.BoundaryDistance(
			[3]float64(pkt.Pos), [3]float64(pkt.Dir), t, cell, grid.CrossToken(pkt.LastCross), cProp)
		if err != nil {
			return t, err
		}
		dTimestep := (tsEnd - t) * cProp

		// continuum opacity [1/cm] in the rest frame
		var kappaCont float64
		if !isVoid {
			if pkt.Type == TypeGamma {
				kappaCont = tr.gammaOpacity(pkt, mgi, t)
			} else {
				kappaCont = tr.rpktContinuumOpacity(pkt, mgi, t)
			}
		}

		tauTarget := -math.Log(rng.Float64())
		dEvent := math.Inf(1)
		lineIndex := -1
		if pkt.Type == TypeRPkt && !isVoid {
			// the optical-depth walk interleaves continuum depth with the
			// Sobolev depth of every line resonance along the path
			dEvent, lineIndex = tr.sampleRPktEvent(pkt, mgi, t, math.Min(dBoundary, dTimestep), kappaCont, tauTarget)
		} else if kappaCont > 0 {
			dEvent = tauTarget / kappaCont
		}

		d := math.Min(dBoundary, math.Min(dEvent, dTimestep))
		if d < 0 {
			return t, logNegativeDistance(pkt, d)
		}

		// move and accumulate path estimators
		tr.accumulatePathEstimators(pkt, mgi, isVoid, d, t)
		pkt.Pos = pkt.Pos.Add(pkt.Dir.Scale(d))
		t += d / cProp
		vel := Velocity(pkt.Pos, t)
		pkt.NuCmf = pkt.NuRf * Doppler(pkt.Dir, vel)
		pkt.ECmf = pkt.ERf * pkt.NuCmf / pkt.NuRf

		switch {
		case d == dTimestep || t >= tsEnd:
			return tsEnd, nil

		case d == dBoundary:
			if neighbour < 0 {
				pkt.EscapeType = int32(pkt.Type)
				pkt.EscapeTime = t
				pkt.Type = TypeEscaped
				return t, nil
			}
			pkt.Where = int32(neighbour)
			pkt.LastCross = int32(cross)

		case lineIndex >= 0:
			if err := tr.lineEvent(pkt, lineIndex, mgi, t, rng); err != nil {
				return t, err
			}
			if pkt.Type != TypeRPkt {
				return t, nil // handed to the k-packet machinery
			}

		default: // continuum event
			if err := tr.continuumEvent(pkt, mgi, t, rng); err != nil {
				return t, err
			}
			if pkt.Type != TypeGamma && pkt.Type != TypeRPkt {
				return t, nil
			}
		}
	}
	return t, nil
}

// gammaOpacity is the grey-or-physical gamma opacity [1/cm].
func (tr *Transporter) gammaOpacity(pkt *Packet, mgi int, t float64) float64 {
	rho := tr.Model.Rho(mgi, t)
	if tr.Params.GammaGrey > 0 {
		return tr.Params.GammaGrey * rho
	}
	nneTot := tr.scaledNNeTot(mgi, t)
	kappa := SigmaCompton(pkt, nneTot, t)
	kappa += photoelectricOpacity(pkt.NuCmf, rho)
	return kappa
}

// photoelectricOpacity is the K-shell photoabsorption continuum, scaling
// as nu^-3 above the iron K edge.
func photoelectricOpacity(nuCmf, rho float64) float64 {
	const nuRef = 2.41e18 // ~10 keV
	if nuCmf <= 0 {
		return 0
	}
	x := nuRef / nuCmf
	return 0.1 * rho * x * x * x
}

// rpktContinuumOpacity is the optical continuum: electron scattering plus
// the bound-free and free-free contributions of the cached cell.
func (tr *Transporter) rpktContinuumOpacity(pkt *Packet, mgi int, t float64) float64 {
	nne := tr.scaledNNe(mgi, t)
	kappa := SIGMAT * nne

	// free-free opacity
	te := math.Max(tr.Model.Cells[mgi].Te, 100)
	nu := pkt.NuCmf
	kappa += 3.69e8 * nne * nne / (math.Sqrt(te) * nu * nu * nu) * (1 - math.Exp(-H*nu/(KB*te)))

	// bound-free opacity from the level populations
	kappa += tr.bfOpacity(pkt.NuCmf, mgi, t)
	return kappa
}

// bfOpacity sums the photoionisation cross-sections of every level whose
// edge lies below the packet frequency.
func (tr *Transporter) bfOpacity(nuCmf float64, mgi int, t float64) float64 {
	pops := tr.Cells.Pops()
	scale := cubeScale(tr.Model.TRef, t)
	kappa := 0.0
	for e := range tr.Store.Elements {
		for i := range tr.Store.Elements[e].Ions {
			levels := tr.Store.Elements[e].Ions[i].Levels
			for l := range levels {
				sigma := tr.phixsSigmaAt(&levels[l], nuCmf)
				if sigma > 0 {
					kappa += sigma * pops[e][i][l] * scale
				}
			}
		}
	}
	return kappa
}

// phixsSigmaAt looks up a level's tabulated photoionisation cross-section
// at frequency nu; zero below the edge, the last table point above it.
func (tr *Transporter) phixsSigmaAt(lv *atomic.Level, nu float64) float64 {
	if len(lv.PhixsTable) == 0 {
		return 0
	}
	nuEdge := lv.PhixsThreshold / H
	if nu < nuEdge {
		return 0
	}
	x := (nu/nuEdge - 1) / tr.Store.PhixsNuIncrement
	pi := int(x)
	if pi >= len(lv.PhixsTable) {
		pi = len(lv.PhixsTable) - 1
	}
	return lv.PhixsTable[pi]
}

// sampleRPktEvent walks the sorted line list from the packet's forward
// hint, accumulating continuum and Sobolev optical depth along the path.
// It returns the event distance and the line index for a line absorption,
// the event distance and -1 for a continuum event, or (+Inf, -1) when the
// target depth is not reached within dLimit.
func (tr *Transporter) sampleRPktEvent(pkt *Packet, mgi int, t, dLimit, kappaCont, tauTarget float64) (float64, int) {
	lines := tr.Store.Lines
	pops := tr.Cells.Pops()
	scale := cubeScale(tr.Model.TRef, t)

	// resume from the forward hint: lines are sorted by decreasing
	// frequency and the comoving frequency only redshifts along the path
	li := int(pkt.NextTrans)
	for li < len(lines) && lines[li].Nu > pkt.NuCmf {
		li++
	}

	tauAccum := 0.0
	dPrev := 0.0
	for ; li < len(lines); li++ {
		line := &lines[li]
		// distance to the resonance: nu_cmf(d) = nu_cmf (1 - d/(c t))
		dLine := (pkt.NuCmf - line.Nu) / pkt.NuCmf * CLIGHT * t
		if dLine > dLimit {
			break
		}
		if dLine < 0 {
			continue
		}

		// continuum event inside the segment before the resonance?
		if kappaCont > 0 && tauAccum+kappaCont*(dLine-dPrev) > tauTarget {
			return dPrev + (tauTarget-tauAccum)/kappaCont, -1
		}
		tauAccum += kappaCont * (dLine - dPrev)
		dPrev = dLine

		e, i := line.ElementIndex, line.IonIndex
		nLower := pops[e][i][line.Lower] * scale
		nUpper := pops[e][i][line.Upper] * scale
		gl := tr.Store.StatWeight(e, i, line.Lower)
		gu := tr.Store.StatWeight(e, i, line.Upper)
		stim := 1 - gl*nUpper/(gu*math.Max(nLower, MinPop))
		if stim < 0 {
			stim = 0
		}
		tauSobolev := sobolevPrefactor * line.OscStrength * (CLIGHT / line.Nu) * nLower * stim * t

		tauAccum += tauSobolev
		if tauAccum > tauTarget {
			pkt.NextTrans = int32(li + 1)
			return dLine, li
		}
	}

	// tail segment beyond the last resonance
	if kappaCont > 0 && tauAccum+kappaCont*(dLimit-dPrev) > tauTarget {
		return dPrev + (tauTarget-tauAccum)/kappaCont, -1
	}
	return math.Inf(1), -1
}

// lineEvent activates the macro-atom on the absorbed line and applies its
// outcome.
func (tr *Transporter) lineEvent(pkt *Packet, lineIndex, mgi int, t float64, rng *rand.Rand) error {
	line := &tr.Store.Lines[lineIndex]
	pkt.AbsorptionType = int32(lineIndex)
	pkt.AbsorptionFreq = pkt.NuCmf
	pkt.AbsorptionDir = pkt.Dir
	pkt.Interactions++

	te := math.Max(tr.Model.Cells[mgi].Te, 100)
	nne := tr.scaledNNe(mgi, t)

	out := macroAtomDoOutcome(tr.Store, line.ElementIndex, line.IonIndex, line.Upper, te, nne, rng)
	switch out.kind {
	case maEmitLine:
		tr.emitRPacket(pkt, out.nuCmf, int32(out.lineIndex), t, rng)
	case maEmitBf:
		tr.emitRPacket(pkt, out.nuCmf, int32(out.contEmType), t, rng)
	default:
		pkt.Type = TypeKPkt
	}
	return nil
}

// continuumEvent dispatches a continuum interaction by channel.
func (tr *Transporter) continuumEvent(pkt *Packet, mgi int, t float64, rng *rand.Rand) error {
	pkt.Interactions++
	if pkt.Type == TypeGamma {
		rho := tr.Model.Rho(mgi, t)
		kappaCompton := SigmaCompton(pkt, tr.scaledNNeTot(mgi, t), t)
		kappaPE := photoelectricOpacity(pkt.NuCmf, rho)
		if rng.Float64()*(kappaCompton+kappaPE) < kappaCompton {
			return ComptonScatter(pkt, t, rng)
		}
		// photoelectric absorption
		pkt.Type = TypeNTElectron
		pkt.AbsorptionType = AbsorptionBF
		return nil
	}

	// r-packet: electron scattering, bound-free or free-free
	nne := tr.scaledNNe(mgi, t)
	kappaES := SIGMAT * nne
	kappaBF := tr.bfOpacity(pkt.NuCmf, mgi, t)
	kappaTot := tr.rpktContinuumOpacity(pkt, mgi, t)
	z := rng.Float64() * kappaTot
	switch {
	case z < kappaES:
		// coherent electron scattering in the comoving frame
		tr.emitRPacket(pkt, pkt.NuCmf, pkt.EmissionType, t, rng)
		pkt.NScatterings++
	case z < kappaES+kappaBF:
		// bound-free absorption: the packet energy thermalises; the
		// target state is resolved by the cooling channel on re-emission
		pkt.Type = TypeKPkt
		pkt.AbsorptionType = AbsorptionBF
	default:
		pkt.Type = TypeKPkt
		pkt.AbsorptionType = AbsorptionFreeFree
	}
	return nil
}

// kPacketEvent re-emits a thermal packet through a sampled cooling channel.
func (tr *Transporter) kPacketEvent(pkt *Packet, t float64, rng *rand.Rand) error {
	mgi := tr.Grid.ModelIndex(int(pkt.Where))
	if mgi == tr.Model.EmptyCellIndex() {
		// thermal energy in the void cannot couple to matter
		pkt.Type = TypeEscaped
		return nil
	}
	tr.Cells.Enter(mgi)
	te := math.Max(tr.Model.Cells[mgi].Te, 100)

	for attempt := 0; attempt < 100; attempt++ {
		chn := sampleCoolingChannel(tr.Store, tr.Cells, rng)
		switch chn.kind {
		case kcFreeFree:
			tr.emitRPacket(pkt, sampleFreeFreeNu(te, rng), EmissionTypeFFSentinel, t, rng)
			return nil
		case kcBoundFree:
			lv := tr.Store.Level(chn.element, chn.ion, chn.level)
			nuEdge := lv.PhixsThreshold / H
			emType := int32(tr.Store.ContinuumIndex(chn.element, chn.ion, chn.level, chn.target))
			tr.emitRPacket(pkt, sampleBfNu(nuEdge, te, rng), emType, t, rng)
			return nil
		case kcCollExc:
			if chn.lineIndex < 0 {
				continue
			}
			line := &tr.Store.Lines[chn.lineIndex]
			nne := tr.scaledNNe(mgi, t)
			out := macroAtomDoOutcome(tr.Store, line.ElementIndex, line.IonIndex, line.Upper, te, nne, rng)
			if out.kind == maEmitLine {
				tr.emitRPacket(pkt, out.nuCmf, int32(out.lineIndex), t, rng)
				return nil
			}
			// fell back to the thermal pool: resample a channel
		case kcCollIon:
			// ionisation energy returns to the thermal pool
		}
	}
	// pathological cell: emit free-free rather than loop forever
	tr.emitRPacket(pkt, sampleFreeFreeNu(te, rng), EmissionTypeFFSentinel, t, rng)
	return nil
}

// EmissionTypeFFSentinel distinguishes free-free emission in the packet
// emission metadata.
const EmissionTypeFFSentinel = int32(atomic.EmissionTypeFF)

// emitRPacket turns the packet into an r-packet with the given comoving
// frequency, sampling an isotropic comoving direction and restoring
// Doppler consistency.
func (tr *Transporter) emitRPacket(pkt *Packet, nuCmf float64, emissionType int32, t float64, rng *rand.Rand) {
	vel := Velocity(pkt.Pos, t)
	dirCmf := IsotropicDirection(rng)
	pkt.Dir = AngleAberration(dirCmf, vel.Scale(-1))

	pkt.Type = TypeRPkt
	pkt.NuCmf = nuCmf
	doppler := Doppler(pkt.Dir, vel)
	pkt.NuRf = nuCmf / doppler
	pkt.ERf = pkt.ECmf * pkt.NuRf / pkt.NuCmf
	pkt.EmissionType = emissionType
	pkt.EmPos = pkt.Pos
	pkt.EmTime = t
	pkt.LastCross = int32(grid.CrossNone)
	pkt.NextTrans = 0
}

// depositNTElectron hands a non-thermal electron's energy to the thermal
// pool; the ionisation and excitation shares are carried by the
// Spencer-Fano deposition fractions at the matter-state update.
func (tr *Transporter) depositNTElectron(pkt *Packet) {
	mgi := tr.Grid.ModelIndex(int(pkt.Where))
	if mgi != tr.Model.EmptyCellIndex() {
		if pkt.LastEvent == originPositron {
			tr.Est.PositronDep[mgi] += pkt.ECmf
			tr.Est.PositronDepTotal += pkt.ECmf
		} else {
			tr.Est.GammaDep[mgi] += pkt.ECmf
			tr.Est.GammaDepTotal += pkt.ECmf
		}
	}
	pkt.Type = TypeKPkt
}

// accumulatePathEstimators tallies the path-length estimators over a
// segment of length d.
func (tr *Transporter) accumulatePathEstimators(pkt *Packet, mgi int, isVoid bool, d, t float64) {
	if isVoid || d <= 0 {
		return
	}
	if pkt.Type == TypeRPkt {
		tr.Est.Rad.AddContribution(mgi, pkt.NuCmf, pkt.ERf*d)
		if tr.Opts.DetailedBfEst {
			tr.accumulateBfEstimators(pkt, mgi, d)
		}
	}
}

// accumulateBfEstimators tallies the detailed ground-continuum estimators
// along the path: the photoionisation-rate integrand sigma J / (h nu) and
// the bound-free heating integrand sigma J (1 - nu_edge/nu). Normalising
// the sums by V dt at the barrier yields the per-continuum rate and the
// heating per absorber.
func (tr *Transporter) accumulateBfEstimators(pkt *Packet, mgi int, d float64) {
	nu := pkt.NuCmf
	for k := range tr.Store.GroundConts {
		gc := &tr.Store.GroundConts[k]
		if nu < gc.NuEdge {
			break // edges are sorted ascending: the rest are bluer
		}
		lv := tr.Store.Level(gc.ElementIndex, gc.IonIndex, gc.Level)
		sigma := tr.phixsSigmaAt(lv, nu)
		if sigma <= 0 {
			continue
		}
		contrib := pkt.ERf * d * sigma
		tr.Est.AddBfContribution(mgi, k, contrib/(H*nu), contrib*(1-gc.NuEdge/nu))
	}
}

// scaledNNe returns the free electron density at time t.
func (tr *Transporter) scaledNNe(mgi int, t float64) float64 {
	return tr.Model.Cells[mgi].NNe * cubeScale(tr.Model.TRef, t)
}

// scaledNNeTot returns the total electron density at time t.
func (tr *Transporter) scaledNNeTot(mgi int, t float64) float64 {
	return tr.Model.Cells[mgi].NNeTot * cubeScale(tr.Model.TRef, t)
}

// cubeScale is the homologous density scaling (tRef/t)^3.
func cubeScale(tRef, t float64) float64 {
	s := tRef / t
	return s * s * s
}

func logNegativeDistance(pkt *Packet, d float64) error {
	return fmt.Errorf("packet %d: negative propagation distance %g", pkt.Number, d)
}
