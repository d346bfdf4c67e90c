package atomic

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// IngestOptions control the atomic data ingest.
type IngestOptions struct {
	// Cap the topmost ion of every element at one level with no transitions.
	SingleLevelTopIon bool

	// Synthesise forbidden placeholder transitions so that the first N
	// lower levels of Fe and Ni ions are collisionally coupled to every
	// upper level. Zero disables the augmentation.
	NLevelsRequireTransitions int
}

// transEntry is a transition record held only during ingest.
type transEntry struct {
	Lower, Upper int
	A            float64
	CollStr      float64
	Forbidden    bool
}

// The input files index ground states as level 1.
const groundstateIndexIn = 1

// LoadStore reads compositiondata.txt, adata.txt, transitiondata.txt and
// phixsdata_v2.txt from dir and builds the immutable atomic data store.
func LoadStore(dir string, opt IngestOptions) (*Store, error) {
	s := &Store{}

	if err := s.readCompositionAndLevels(dir, opt); err != nil {
		return nil, err
	}

	sortLineList(s.Lines)
	if err := checkLineListSorted(s.Lines); err != nil {
		return nil, err
	}
	s.rewriteTransitionBackrefs()

	for e := range s.Elements {
		for i := range s.Elements[e].Ions {
			ion := &s.Elements[e].Ions[i]
			if ion.NLevelsGroundTerm <= 0 {
				ion.NLevelsGroundTerm = s.groundTermWidth(e, i)
			}
		}
	}

	if err := s.readPhixsData(filepath.Join(dir, "phixsdata_v2.txt"), opt); err != nil {
		return nil, err
	}

	s.assignContinuumIndices()
	s.setupGroundContList()
	s.setupCoolingList()

	logrus.Infof("read_atomicdata: %d elements, %d ions, %d lines, %d bf continua (%d ground)",
		len(s.Elements), s.IncludedIons, len(s.Lines), s.NBfContinua, s.NBfContinuaGround)

	return s, nil
}

func (s *Store) readCompositionAndLevels(dir string, opt IngestOptions) error {
	compFile, err := os.Open(filepath.Join(dir, "compositiondata.txt"))
	if err != nil {
		return fmt.Errorf("read_atomicdata: %w", err)
	}
	defer compFile.Close()
	comp := newTokScanner("compositiondata.txt", compFile)

	adataFile, err := os.Open(filepath.Join(dir, "adata.txt"))
	if err != nil {
		return fmt.Errorf("read_atomicdata: %w", err)
	}
	defer adataFile.Close()
	adata := newLineScanner("adata.txt", adataFile)

	transFile, err := os.Open(filepath.Join(dir, "transitiondata.txt"))
	if err != nil {
		return fmt.Errorf("read_atomicdata: %w", err)
	}
	defer transFile.Close()
	trans := newTokScanner("transitiondata.txt", transFile)

	nElements := comp.Int()
	tPreset := comp.Int()
	homogeneous := comp.Int()
	if err := comp.Err(); err != nil {
		return err
	}
	if nElements <= 0 {
		return fmt.Errorf("compositiondata.txt: nelements %d out of range", nElements)
	}
	s.Homogeneous = homogeneous != 0
	if s.Homogeneous {
		logrus.Info("read_atomicdata: homogeneous abundances as defined in compositiondata.txt are active")
	}
	if tPreset > 0 {
		return fmt.Errorf("compositiondata.txt: preset temperature %d is not supported", tPreset)
	}

	s.Elements = make([]Element, nElements)
	ad := &adataCursor{sc: adata}
	td := &transCursor{sc: trans}
	uniqueIonIndex := -1

	for e := 0; e < nElements; e++ {
		z := comp.Int()
		nIons := comp.Int()
		lowermost := comp.Int()
		uppermost := comp.Int()
		nLevelsMaxIn := comp.Int()
		abundance := comp.Float()
		massAMU := comp.Float()
		if err := comp.Err(); err != nil {
			return err
		}
		logrus.Infof("read_atomicdata: element Z %d, nions %d, lowermost %d, uppermost %d, nlevelsmax %d",
			z, nIons, lowermost, uppermost, nLevelsMaxIn)
		if z <= 0 || nIons <= 0 || nIons != uppermost-lowermost+1 {
			return fmt.Errorf("compositiondata.txt: bad ion stage range for Z=%d (%d..%d, nions %d)",
				z, lowermost, uppermost, nIons)
		}
		if abundance < 0 || massAMU < 0 {
			return fmt.Errorf("compositiondata.txt: negative abundance or mass for Z=%d", z)
		}

		elem := &s.Elements[e]
		elem.Z = z
		elem.Abundance = abundance
		elem.Mass = massAMU * mHydrogen
		elem.Ions = make([]Ion, nIons)
		s.IncludedIons += nIons

		// Level energies of every ion are stored relative to the neutral
		// ground state, so successive ion potentials accumulate into an
		// offset.
		energyOffsetEV := 0.0
		ionPotEV := 0.0
		for i := 0; i < nIons; i++ {
			uniqueIonIndex++
			wantStage := lowermost + i
			energyOffsetEV += ionPotEV

			hdr, err := ad.seek(z, wantStage, &energyOffsetEV)
			if err != nil {
				return err
			}
			ionPotEV = hdr.ionPotEV

			nLevelsMax := nLevelsMaxIn
			if opt.SingleLevelTopIon && i == nIons-1 {
				nLevelsMax = 1
			}
			if nLevelsMax < 0 {
				nLevelsMax = hdr.nLevels
			} else if hdr.nLevels >= nLevelsMax {
				logrus.Infof("read_atomicdata: reduce number of levels from %d to %d for ion %d of element %d",
					hdr.nLevels, nLevelsMax, i, e)
			} else {
				logrus.Warnf("read_atomicdata: requested nlevelsmax=%d > nlevels=%d for ion %d of element %d ... reduced nlevelsmax to nlevels",
					nLevelsMax, hdr.nLevels, i, e)
				nLevelsMax = hdr.nLevels
			}

			ion := &elem.Ions[i]
			ion.Stage = wantStage
			ion.IonPot = ionPotEV * evErg
			ion.UniqueIonIndex = uniqueIonIndex
			ion.Levels = make([]Level, nLevelsMax)

			if err := ad.readLevels(ion, hdr.nLevels, nLevelsMax, energyOffsetEV, ionPotEV, i < nIons-1); err != nil {
				return err
			}

			entries, err := td.seek(z, wantStage)
			if err != nil {
				return err
			}
			if opt.SingleLevelTopIon && i == nIons-1 {
				entries = nil
			}
			entries = augmentTransitions(entries, opt.NLevelsRequireTransitions, nLevelsMax, elem.Z)
			if err := s.addTransitionsToLineList(e, i, nLevelsMax, entries); err != nil {
				return err
			}
		}
	}

	for e := range s.Elements {
		for i := range s.Elements[e].Ions {
			for l := range s.Elements[e].Ions[i].Levels {
				lv := &s.Elements[e].Ions[i].Levels[l]
				s.TotalDownTrans += len(lv.DownTrans)
				s.TotalUpTrans += len(lv.UpTrans)
			}
		}
	}
	logrus.Infof("read_atomicdata: nlines %d, total uptrans %d, total downtrans %d",
		len(s.Lines), s.TotalUpTrans, s.TotalDownTrans)
	return nil
}

// adataCursor streams through adata.txt block by block.
type adataCursor struct {
	sc *lineScanner
}

type adataHeader struct {
	z, stage, nLevels int
	ionPotEV          float64
}

// seek advances to the (z, stage) block header, skipping foreign blocks.
// Skipped blocks of the same element contribute their ion potential to the
// energy offset.
func (a *adataCursor) seek(z, stage int, energyOffsetEV *float64) (adataHeader, error) {
	for {
		fields, ok := a.sc.Fields()
		if !ok {
			if err := a.sc.Err(); err != nil {
				return adataHeader{}, err
			}
			return adataHeader{}, fmt.Errorf("adata.txt: end of file while looking for Z=%d ionstage %d", z, stage)
		}
		if len(fields) != 4 {
			return adataHeader{}, fmt.Errorf("adata.txt: malformed header line %v", fields)
		}
		zIn, err := parseInt("adata.txt", fields[0])
		if err != nil {
			return adataHeader{}, err
		}
		stageIn, err := parseInt("adata.txt", fields[1])
		if err != nil {
			return adataHeader{}, err
		}
		nLevels, err := parseInt("adata.txt", fields[2])
		if err != nil {
			return adataHeader{}, err
		}
		ionPotEV, err := parseFloat("adata.txt", fields[3])
		if err != nil {
			return adataHeader{}, err
		}

		if zIn == z && stageIn == stage {
			return adataHeader{z: zIn, stage: stageIn, nLevels: nLevels, ionPotEV: ionPotEV}, nil
		}
		if zIn == z {
			*energyOffsetEV += ionPotEV
		}
		for i := 0; i < nLevels; i++ {
			if _, ok := a.sc.Fields(); !ok {
				return adataHeader{}, fmt.Errorf("adata.txt: truncated level block for Z=%d ionstage %d", zIn, stageIn)
			}
		}
	}
}

// readLevels parses the level records of the current block into ion.
func (a *adataCursor) readLevels(ion *Ion, nLevels, nLevelsMax int, energyOffsetEV, ionPotEV float64, countsIonising bool) error {
	for level := 0; level < nLevels; level++ {
		fields, ok := a.sc.Fields()
		if !ok {
			return fmt.Errorf("adata.txt: truncated level block (level %d of %d)", level, nLevels)
		}
		if len(fields) < 4 {
			return fmt.Errorf("adata.txt: malformed level record %v", fields)
		}
		idx, err := parseInt("adata.txt", fields[0])
		if err != nil {
			return err
		}
		if idx != level+groundstateIndexIn {
			return fmt.Errorf("adata.txt: level index %d out of order (want %d)", idx, level+groundstateIndexIn)
		}
		energyEV, err := parseFloat("adata.txt", fields[1])
		if err != nil {
			return err
		}
		statWeight, err := parseFloat("adata.txt", fields[2])
		if err != nil {
			return err
		}
		// fields[3] is the transition count; the line list is built from
		// transitiondata.txt instead. Trailing fields are annotations.

		if level >= nLevelsMax {
			continue
		}
		lv := &ion.Levels[level]
		lv.Epsilon = (energyOffsetEV + energyEV) * evErg
		lv.StatWeight = statWeight
		lv.Metastable = true
		if countsIonising && energyEV < ionPotEV {
			ion.IonisingLevels++
		}
	}
	return nil
}

// transCursor streams through transitiondata.txt block by block.
type transCursor struct {
	sc *tokScanner
}

// seek advances to the (z, stage) block and returns its transition records
// with level indices rebased to zero.
func (t *transCursor) seek(z, stage int) ([]transEntry, error) {
	for {
		zIn, ok := t.sc.TryInt()
		if !ok {
			if err := t.sc.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("transitiondata.txt: end of file while looking for Z=%d ionstage %d", z, stage)
		}
		stageIn := t.sc.Int()
		count := t.sc.Int()
		if err := t.sc.Err(); err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, fmt.Errorf("transitiondata.txt: negative transition count for Z=%d ionstage %d", zIn, stageIn)
		}

		keep := zIn == z && stageIn == stage
		var entries []transEntry
		if keep {
			entries = make([]transEntry, 0, count)
		}
		for i := 0; i < count; i++ {
			lower := t.sc.Int() - groundstateIndexIn
			upper := t.sc.Int() - groundstateIndexIn
			A := t.sc.Float()
			collStr := t.sc.Float()
			forbidden := t.sc.Int()
			if err := t.sc.Err(); err != nil {
				return nil, err
			}
			if keep {
				if lower < 0 || upper < 0 {
					return nil, fmt.Errorf("transitiondata.txt: negative level index for Z=%d ionstage %d", z, stage)
				}
				entries = append(entries, transEntry{
					Lower: lower, Upper: upper, A: A, CollStr: collStr,
					Forbidden: forbidden == 1,
				})
			}
		}
		if keep {
			return entries, nil
		}
	}
}

// augmentTransitions completes the collisional network of Fe and Ni ions:
// every one of the first nRequire lower levels gets a transition to every
// upper level below the cap, with missing pairs filled by forbidden
// placeholders (A=0, collision strength -2).
func augmentTransitions(entries []transEntry, nRequire, nLevelsMax, z int) []transEntry {
	if nRequire <= 0 || (z != 26 && z != 28) {
		return entries
	}
	if nRequire > nLevelsMax {
		nRequire = nLevelsMax
	}
	upperCap := nLevelsMax

	have := make(map[[2]int]bool, len(entries))
	for _, tr := range entries {
		have[[2]int{tr.Lower, tr.Upper}] = true
	}
	added := 0
	for lower := 0; lower < nRequire; lower++ {
		for upper := lower + 1; upper < upperCap; upper++ {
			if !have[[2]int{lower, upper}] {
				entries = append(entries, transEntry{
					Lower: lower, Upper: upper, A: 0, CollStr: -2, Forbidden: true,
				})
				added++
			}
		}
	}
	if added > 0 {
		logrus.Infof("read_atomicdata: added %d placeholder transitions for Z=%d", added, z)
	}
	return entries
}

// addTransitionsToLineList appends the ion's transitions to the unsorted
// line list, merging duplicates and recording placeholder back-references
// on the levels.
func (s *Store) addTransitionsToLineList(element, ion, nLevelsMax int, entries []transEntry) error {
	ionData := &s.Elements[element].Ions[ion]
	memo := make(map[[2]int]int, len(entries))

	for _, tr := range entries {
		upper := tr.Upper
		lower := tr.Lower
		if upper <= lower {
			return fmt.Errorf("transitiondata.txt: non-upward transition %d -> %d for element %d ion %d",
				lower, upper, element, ion)
		}
		if lower >= nLevelsMax || upper >= nLevelsMax {
			continue
		}
		nuTrans := (ionData.Levels[upper].Epsilon - ionData.Levels[lower].Epsilon) / hPlanck
		if nuTrans <= 0 {
			continue
		}

		gRatio := ionData.Levels[upper].StatWeight / ionData.Levels[lower].StatWeight
		fUL := gRatio * mElectron * math.Pow(cLight, 3) /
			(8 * math.Pow(qElementary*nuTrans*math.Pi, 2)) * tr.A

		if li, dup := memo[[2]int{lower, upper}]; dup {
			line := &s.Lines[li]
			if line.ElementIndex != element || line.IonIndex != ion ||
				line.Lower != lower || line.Upper != upper {
				return fmt.Errorf("read_atomicdata: failed to identify level pair for duplicate bb-transition element %d ion %d lower %d upper %d",
					element, ion, lower, upper)
			}
			// Merge policy kept from the source data set: A-values and
			// oscillator strengths add, the collision strength takes the
			// maximum of the duplicates.
			line.EinsteinA += tr.A
			line.OscStrength += fUL
			if tr.CollStr > line.CollStr {
				line.CollStr = tr.CollStr
			}
			continue
		}

		li := len(s.Lines)
		memo[[2]int{lower, upper}] = li
		s.Lines = append(s.Lines, Line{
			ElementIndex: element,
			IonIndex:     ion,
			Lower:        lower,
			Upper:        upper,
			Nu:           nuTrans,
			EinsteinA:    tr.A,
			OscStrength:  fUL,
			CollStr:      tr.CollStr,
			Forbidden:    tr.Forbidden,
		})

		ionData.Levels[upper].Metastable = false
		// The line list is not sorted yet: store the complemented partner
		// level and replace it with the sorted line index later.
		ionData.Levels[upper].DownTrans = append(ionData.Levels[upper].DownTrans, ^lower)
		ionData.Levels[lower].UpTrans = append(ionData.Levels[lower].UpTrans, ^upper)
	}
	return nil
}

const (
	mHydrogen   = 1.67352e-24
	mElectron   = 9.1093897e-28
	qElementary = 4.80325e-10
	cLight      = 2.99792458e+10
)
