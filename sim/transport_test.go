package sim

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ejecta-sim/ejecta-sim/sim/atomic"
	"github.com/ejecta-sim/ejecta-sim/sim/grid"
	"github.com/ejecta-sim/ejecta-sim/sim/radfield"
	"github.com/ejecta-sim/ejecta-sim/sim/ratecoeff"
)

// testTransporter builds a transporter over a one-shell spherical model
// with no atomic lines, so only continuum processes act.
func testTransporter(nne float64) (*Transporter, *grid.Model) {
	store := &atomic.Store{NPhixsPoints: 1, PhixsNuIncrement: 0.1}
	m := &grid.Model{
		Dim:       1,
		TRef:      10 * DAY,
		VMax:      1e9,
		ShellVOut: []float64{1e9},
		Cells: []grid.ModelCell{
			{RhoInit: 1e-15, Te: 6000, NNe: nne, NNeTot: nne},
			{},
		},
	}
	g := grid.BuildPropGrid(m, 0)

	rad := radfield.New(radfield.Config{
		BinCount: 16,
		NuLower:  CLIGHT / 40000e-8,
		NuUpper:  CLIGHT / 1085e-8,
		TRMin:    500,
		TRMax:    250000,
	}, len(m.Cells))

	params := &Params{CLightProp: CLIGHT, GammaGrey: -1}
	tr := &Transporter{
		Store:  store,
		Model:  m,
		Grid:   g,
		Est:    NewEstimators(rad, len(m.Cells), 0, false),
		Cells:  NewCellHistory(store, m, nil),
		Params: params,
		Opts:   &Options{},
	}
	return tr, m
}

func rPacketAtCentre(m *grid.Model, tNow float64) Packet {
	pos := Vec3{1e13, 0, 0}
	dir := Vec3{1, 0, 0}
	vel := Velocity(pos, tNow)
	nuCmf := CLIGHT / 5000e-8 // optical
	doppler := Doppler(dir, vel)
	return Packet{
		Type:  TypeRPkt,
		Pos:   pos,
		Dir:   dir,
		NuCmf: nuCmf,
		NuRf:  nuCmf / doppler,
		ECmf:  1e40,
		ERf:   1e40 / doppler,
	}
}

func TestMoveRadiativePacket_EscapesTransparentShell(t *testing.T) {
	tr, m := testTransporter(0) // no electrons: fully transparent
	tNow := 10 * DAY
	pkt := rPacketAtCentre(m, tNow)
	pkt.Where = 0

	rng := rand.New(rand.NewSource(9))
	_, err := tr.moveRadiativePacket(&pkt, tNow, tNow+0.5*DAY, rng)
	require.NoError(t, err)

	assert.Equal(t, TypeEscaped, pkt.Type)
	assert.Equal(t, int32(TypeRPkt), pkt.EscapeType)
	assert.Greater(t, pkt.EscapeTime, tNow)
}

func TestMoveRadiativePacket_AccumulatesJ(t *testing.T) {
	tr, m := testTransporter(0)
	tNow := 10 * DAY
	pkt := rPacketAtCentre(m, tNow)
	pkt.Where = 0

	rng := rand.New(rand.NewSource(10))
	_, err := tr.moveRadiativePacket(&pkt, tNow, tNow+0.5*DAY, rng)
	require.NoError(t, err)

	// J estimator in the traversed cell: e_rf times the path length
	j := tr.Est.Rad.Cells[0].JTotal
	require.Positive(t, j)
	pathLen := j / pkt.ERf
	assert.Greater(t, pathLen, 1e13) // at least the geometric distance out
}

func TestMoveRadiativePacket_DopplerConsistentAfterScattering(t *testing.T) {
	tr, m := testTransporter(1e8) // electron-scattering dominated
	tNow := 10 * DAY

	rng := rand.New(rand.NewSource(12))
	for i := 0; i < 50; i++ {
		pkt := rPacketAtCentre(m, tNow)
		pkt.Where = 0
		pkt.Number = int32(i)
		_, err := tr.moveRadiativePacket(&pkt, tNow, tNow+0.1*DAY, rng)
		require.NoError(t, err)
		if pkt.Type == TypeRPkt || pkt.Type == TypeEscaped {
			require.NoError(t, pkt.Dir.CheckUnit())
			require.NoError(t, pkt.CheckDopplerConsistency())
		}
	}
}

func TestPropagateSlice_FailedPacketDoesNotStopSlice(t *testing.T) {
	tr, m := testTransporter(0)
	tNow := 10 * DAY
	ts := Timestep{Start: tNow, Width: 0.5 * DAY}

	pkts := make([]Packet, 3)
	pkts[0] = rPacketAtCentre(m, tNow)
	// a corrupt direction triggers the per-packet invariant failure
	pkts[1] = rPacketAtCentre(m, tNow)
	pkts[1].Dir = Vec3{2, 0, 0}
	pkts[1].Number = 1
	pkts[2] = rPacketAtCentre(m, tNow)
	pkts[2].Number = 2

	tr.PropagateSlice(pkts, ts, rand.New(rand.NewSource(14)))

	assert.Equal(t, int32(1), pkts[1].Failed)
	assert.Equal(t, int64(1), tr.Est.FailedPackets)
	// the healthy packets completed
	assert.Equal(t, TypeEscaped, pkts[0].Type)
	assert.Equal(t, TypeEscaped, pkts[2].Type)
}

func TestPropagateSlice_DeterministicUnderFixedSeed(t *testing.T) {
	run := func() []Packet {
		tr, m := testTransporter(1e8)
		tNow := 10 * DAY
		ts := Timestep{Start: tNow, Width: 0.2 * DAY}
		pkts := make([]Packet, 20)
		for i := range pkts {
			pkts[i] = rPacketAtCentre(m, tNow)
			pkts[i].Number = int32(i)
		}
		tr.PropagateSlice(pkts, ts, rand.New(rand.NewSource(77)))
		return pkts
	}

	a := run()
	b := run()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i], b[i], "packet %d diverged", i)
	}
}

// bfTestSetup builds a one-shell model around a hydrogen-like atom with a
// single ground continuum, so bound-free path estimators have a target.
func bfTestSetup(t *testing.T) (*Transporter, *grid.Model) {
	t.Helper()
	const thresholdErg = 3e14 * H // edge well below the optical test frequency
	table := make([]float64, 30)
	for i := range table {
		table[i] = 6e-18
	}
	store := &atomic.Store{
		NPhixsPoints:     30,
		PhixsNuIncrement: 0.1,
		NBfContinua:      1,
		Elements: []atomic.Element{{
			Z:    1,
			Mass: MH,
			Ions: []atomic.Ion{
				{
					Stage:  1,
					IonPot: thresholdErg,
					Levels: []atomic.Level{{
						StatWeight:     2,
						PhixsThreshold: thresholdErg,
						PhixsTable:     table,
						PhixsTargets:   []atomic.PhixsTarget{{Level: 0, Probability: 1}},
						ContIndex:      -1,
					}},
					IonisingLevels:    1,
					NLevelsGroundTerm: 1,
					NCoolingTerms:     4,
				},
				{Stage: 2, Levels: []atomic.Level{{StatWeight: 1}}, CoolingOffset: 4, NCoolingTerms: 3},
			},
		}},
		GroundConts: []atomic.GroundCont{{NuEdge: thresholdErg / H}},
	}
	tables := ratecoeff.New(store, ratecoeff.Config{
		TableSize: 10, MinTemp: 1000, MaxTemp: 30000, QuadPoints: 1024,
	})

	m := &grid.Model{
		Dim:       1,
		TRef:      10 * DAY,
		VMax:      1e9,
		ShellVOut: []float64{1e9},
		Cells: []grid.ModelCell{
			{RhoInit: 1e-22, Te: 6000, Abundances: []float64{1}},
			{},
		},
	}
	g := grid.BuildPropGrid(m, 0)
	rad := radfield.New(radfield.Config{
		BinCount: 16,
		NuLower:  CLIGHT / 40000e-8,
		NuUpper:  CLIGHT / 1085e-8,
		TRMin:    500,
		TRMax:    250000,
	}, len(m.Cells))
	opts := &Options{DetailedBfEst: true}
	tr := &Transporter{
		Store:  store,
		Model:  m,
		Grid:   g,
		Est:    NewEstimators(rad, len(m.Cells), len(store.GroundConts), true),
		Cells:  NewCellHistory(store, m, tables),
		Params: &Params{CLightProp: CLIGHT, GammaGrey: -1},
		Opts:   opts,
	}
	return tr, m
}

func TestAccumulateBfEstimators_DetailedEstimatorsFill(t *testing.T) {
	tr, m := bfTestSetup(t)
	tNow := 10 * DAY
	ts := Timestep{Start: tNow, Width: 0.2 * DAY}

	pkts := make([]Packet, 20)
	for i := range pkts {
		pkts[i] = rPacketAtCentre(m, tNow)
		pkts[i].Number = int32(i)
	}
	tr.PropagateSlice(pkts, ts, rand.New(rand.NewSource(31)))

	corr := tr.Est.CorrPhotoion[0][0]
	heat := tr.Est.BfHeating[0][0]
	require.Positive(t, corr)
	require.Positive(t, heat)

	// per contribution, heat = corr * h nu (1 - nu_edge/nu), so the
	// totals are bounded by the bluest frequency on any path
	nuMax := pkts[0].NuCmf
	assert.Less(t, heat, corr*H*nuMax)
}

func TestAccumulateBfEstimators_DisabledStaysEmpty(t *testing.T) {
	tr, m := bfTestSetup(t)
	tr.Opts.DetailedBfEst = false
	tNow := 10 * DAY
	ts := Timestep{Start: tNow, Width: 0.2 * DAY}

	pkts := []Packet{rPacketAtCentre(m, tNow)}
	tr.PropagateSlice(pkts, ts, rand.New(rand.NewSource(32)))

	assert.Zero(t, tr.Est.CorrPhotoion[0][0])
	assert.Zero(t, tr.Est.BfHeating[0][0])
}

func TestPelletAdvection(t *testing.T) {
	tr, _ := testTransporter(0)
	tNow := 10 * DAY
	ts := Timestep{Start: tNow, Width: 1 * DAY}

	pkt := Packet{
		Type:   TypePelletNi56,
		Pos:    Vec3{1e13, 0, 0},
		Where:  0,
		TDecay: 100 * DAY, // decays far beyond this timestep
		ECmf:   1e40,
	}
	require.NoError(t, tr.propagatePacket(&pkt, ts, tNow+ts.Width, rand.New(rand.NewSource(3))))

	// passively advected with the homologous flow
	assert.Equal(t, TypePelletNi56, pkt.Type)
	assert.InEpsilon(t, 1e13*(11.0/10.0), pkt.Pos[0], 1e-12)
}
