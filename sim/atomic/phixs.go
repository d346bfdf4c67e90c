package atomic

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
)

// readPhixsData parses phixsdata_v2.txt. Cross-section tables are shared
// geometry: NPhixsPoints values at uniform steps of PhixsNuIncrement in
// nu/nu_edge, for every level. Tables for elements or ions outside
// the model atom are streamed past and dropped.
func (s *Store) readPhixsData(path string, opt IngestOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read_atomicdata: %w", err)
	}
	defer f.Close()
	sc := newTokScanner("phixsdata_v2.txt", f)

	s.NPhixsPoints = sc.Int()
	s.PhixsNuIncrement = sc.Float()
	if err := sc.Err(); err != nil {
		return err
	}
	if s.NPhixsPoints <= 0 || s.PhixsNuIncrement <= 0 {
		return fmt.Errorf("phixsdata_v2.txt: bad table geometry (%d points, increment %g)",
			s.NPhixsPoints, s.PhixsNuIncrement)
	}

	for {
		z, ok := sc.TryInt()
		if !ok {
			if err := sc.Err(); err != nil {
				return err
			}
			break
		}
		upperIonStage := sc.Int()
		upperLevelIn := sc.Int()
		lowerIonStage := sc.Int()
		lowerLevelIn := sc.Int()
		thresholdEV := sc.Float()
		if err := sc.Err(); err != nil {
			return err
		}
		if z <= 0 || upperIonStage < 2 || lowerIonStage < 1 {
			return fmt.Errorf("phixsdata_v2.txt: bad entry Z=%d upper stage %d lower stage %d",
				z, upperIonStage, lowerIonStage)
		}

		element := s.ElementIndex(z)
		keep := false
		var lowerIon, upperIon, lowerLevel int
		if element >= 0 {
			lowerIon = lowerIonStage - s.IonStage(element, 0)
			upperIon = upperIonStage - s.IonStage(element, 0)
			lowerLevel = lowerLevelIn - groundstateIndexIn
			keep = lowerIon >= 0 && lowerLevel >= 0 &&
				upperIon < s.NIons(element) &&
				lowerLevel < s.NLevels(element, lowerIon)
		}

		if !keep {
			s.skipPhixsTable(sc, upperLevelIn)
			if err := sc.Err(); err != nil {
				return err
			}
			continue
		}

		if err := s.readPhixsTable(sc, element, lowerIon, lowerLevel, upperIon, upperLevelIn, thresholdEV, opt); err != nil {
			return err
		}
	}

	logrus.Infof("read_atomicdata: number of bfcontinua %d", s.NBfContinua)
	logrus.Infof("read_atomicdata: number of ground-level bfcontinua %d", s.NBfContinuaGround)
	return nil
}

func (s *Store) skipPhixsTable(sc *tokScanner, upperLevelIn int) {
	if upperLevelIn < 0 {
		n := sc.Int()
		for i := 0; i < n; i++ {
			sc.Int()
			sc.Float()
		}
	}
	for i := 0; i < s.NPhixsPoints; i++ {
		sc.Float()
	}
}

func (s *Store) readPhixsTable(sc *tokScanner, element, lowerIon, lowerLevel, upperIon, upperLevelIn int, thresholdEV float64, opt IngestOptions) error {
	lv := &s.Elements[element].Ions[lowerIon].Levels[lowerLevel]
	lv.PhixsThreshold = thresholdEV * evErg

	topIonCollapsed := opt.SingleLevelTopIon && upperIon == s.NIons(element)-1

	if upperLevelIn >= 0 {
		// photoionisation to a single target state
		upperLevel := upperLevelIn - groundstateIndexIn
		if upperLevel < 0 {
			return fmt.Errorf("phixsdata_v2.txt: negative target level for element %d ion %d level %d",
				element, lowerIon, lowerLevel)
		}
		if topIonCollapsed {
			upperLevel = 0
		}
		lv.PhixsTargets = []PhixsTarget{{Level: upperLevel, Probability: 1}}
	} else {
		// a table of target states and probabilities follows
		nTargets := sc.Int()
		if err := sc.Err(); err != nil {
			return err
		}
		if nTargets < 0 {
			return fmt.Errorf("phixsdata_v2.txt: negative target count")
		}
		if topIonCollapsed {
			for i := 0; i < nTargets; i++ {
				sc.Int()
				sc.Float()
			}
			lv.PhixsTargets = []PhixsTarget{{Level: 0, Probability: 1}}
		} else {
			lv.PhixsTargets = make([]PhixsTarget, nTargets)
			probSum := 0.0
			for i := 0; i < nTargets; i++ {
				upperLevel := sc.Int() - groundstateIndexIn
				prob := sc.Float()
				if err := sc.Err(); err != nil {
					return err
				}
				if upperLevel < 0 || prob <= 0 {
					return fmt.Errorf("phixsdata_v2.txt: bad target record (level %d, probability %g)", upperLevel, prob)
				}
				lv.PhixsTargets[i] = PhixsTarget{Level: upperLevel, Probability: prob}
				probSum += prob
			}
			if math.Abs(probSum-1) > 0.01 {
				logrus.Warnf("photoionisation table for Z=%d ionstage %d level %d has probabilities that sum to %g",
					s.Elements[element].Z, s.IonStage(element, lowerIon), lowerLevel, probSum)
			}
		}
	}

	// track the highest level of the upper ion that can recombine
	if lowerIon < s.NIons(element)-1 {
		upper := &s.Elements[element].Ions[lowerIon+1]
		for _, t := range lv.PhixsTargets {
			if t.Level > upper.MaxRecombiningLevel {
				upper.MaxRecombiningLevel = t.Level
			}
		}
	}

	lv.PhixsTable = make([]float64, s.NPhixsPoints)
	for i := 0; i < s.NPhixsPoints; i++ {
		xs := sc.Float()
		if err := sc.Err(); err != nil {
			return err
		}
		if xs < 0 {
			return fmt.Errorf("phixsdata_v2.txt: negative cross section for element %d ion %d level %d",
				element, lowerIon, lowerLevel)
		}
		// file values are in Mbarn; convert to cm^2
		lv.PhixsTable[i] = xs * 1e-18
	}

	s.NBfContinua += len(lv.PhixsTargets)
	if lowerLevel < s.Elements[element].Ions[lowerIon].NLevelsGroundTerm {
		s.NBfContinuaGround += len(lv.PhixsTargets)
	}
	return nil
}

// assignContinuumIndices walks every (element, ion, level, target) in a
// single deterministic order and assigns the global bound-free continuum
// index, encoded negatively so a packet emission type of -1-k can be told
// apart from a line emission (+line index) and free-free (sentinel).
func (s *Store) assignContinuumIndices() {
	contIndex := -1
	for e := range s.Elements {
		for i := range s.Elements[e].Ions {
			ion := &s.Elements[e].Ions[i]
			for l := range ion.Levels {
				lv := &ion.Levels[l]
				if len(lv.PhixsTargets) == 0 {
					continue
				}
				lv.ContIndex = contIndex
				contIndex -= len(lv.PhixsTargets)
			}

			// consistency check: all levels of the ground term should be
			// photoionisation targets from the lower ion's ground state
			if i > 0 && i < len(s.Elements[e].Ions)-1 {
				below := &s.Elements[e].Ions[i-1]
				if len(below.Levels[0].PhixsTargets) > 0 && below.Levels[0].PhixsTargets[0].Level == 0 {
					n := len(below.Levels[0].PhixsTargets)
					targetLevels := below.Levels[0].PhixsTargets[n-1].Level + 1
					if ion.NLevelsGroundTerm != targetLevels {
						logrus.Warnf("Z=%d ion_stage %d nlevels_groundterm %d phixstargetlevels(ion-1) %d",
							s.Elements[e].Z, ion.Stage, ion.NLevelsGroundTerm, targetLevels)
					}
				}
			}
		}
	}
}

// setupGroundContList collects the ground-term continua sorted by edge
// frequency for the ground-level estimator index.
func (s *Store) setupGroundContList() {
	s.GroundConts = s.GroundConts[:0]
	for e := range s.Elements {
		for i := 0; i < len(s.Elements[e].Ions)-1; i++ {
			ion := &s.Elements[e].Ions[i]
			for l := 0; l < ion.NLevelsGroundTerm && l < len(ion.Levels); l++ {
				lv := &ion.Levels[l]
				for k, t := range lv.PhixsTargets {
					nuEdge := lv.PhixsThreshold / hPlanck
					upperIon := &s.Elements[e].Ions[i+1]
					if t.Level < len(upperIon.Levels) {
						if d := (upperIon.Levels[t.Level].Epsilon - lv.Epsilon) / hPlanck; d > 0 {
							nuEdge = d
						}
					}
					s.GroundConts = append(s.GroundConts, GroundCont{
						NuEdge:       nuEdge,
						ElementIndex: e,
						IonIndex:     i,
						Level:        l,
						TargetIndex:  k,
					})
				}
			}
		}
	}
	sort.Slice(s.GroundConts, func(a, b int) bool {
		return s.GroundConts[a].NuEdge < s.GroundConts[b].NuEdge
	})
}

// SearchGroundPhixsList returns the ground-continuum index whose edge lies
// closest below nuEdge. An edge above the bluest entry is an ingest-data
// consistency problem; it is reported and the top index returned.
func (s *Store) SearchGroundPhixsList(nuEdge float64) (int, error) {
	n := len(s.GroundConts)
	if n == 0 {
		return 0, fmt.Errorf("search_groundphixslist: no ground continua")
	}
	if nuEdge < s.GroundConts[0].NuEdge {
		return 0, fmt.Errorf("search_groundphixslist: nu_edge %g below the reddest ground continuum %g",
			nuEdge, s.GroundConts[0].NuEdge)
	}
	i := sort.Search(n, func(k int) bool { return s.GroundConts[k].NuEdge > nuEdge })
	if i == n {
		logrus.Warnf("search_groundphixslist: nu_edge %g is above the bluest ground-level continuum %g, using top index",
			nuEdge, s.GroundConts[n-1].NuEdge)
		return n - 1, nil
	}
	return i - 1, nil
}

// setupCoolingList assigns every ion its slice of the per-cell cooling-term
// vector: free-free, lumped collisional excitation, lumped collisional
// ionisation, and one bound-free term per (ionising level, target).
func (s *Store) setupCoolingList() {
	offset := 0
	for e := range s.Elements {
		for i := range s.Elements[e].Ions {
			ion := &s.Elements[e].Ions[i]
			nterms := 3
			for l := 0; l < ion.IonisingLevels && l < len(ion.Levels); l++ {
				nterms += len(ion.Levels[l].PhixsTargets)
			}
			ion.CoolingOffset = offset
			ion.NCoolingTerms = nterms
			offset += nterms
		}
	}
	logrus.Infof("read_atomicdata: number of coolingterms %d", offset)
}

// NCoolingTermsTotal returns the length of the per-cell cooling vector.
func (s *Store) NCoolingTermsTotal() int {
	total := 0
	for e := range s.Elements {
		for i := range s.Elements[e].Ions {
			total += s.Elements[e].Ions[i].NCoolingTerms
		}
	}
	return total
}

// WriteBfList writes bflist.dat: one line per bound-free continuum with the
// global index, element Z, ion stage, lower level and target upper level.
func (s *Store) WriteBfList(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "%d\n", s.NBfContinua)
	index := 0
	for e := range s.Elements {
		for i := range s.Elements[e].Ions {
			ion := &s.Elements[e].Ions[i]
			for l := range ion.Levels {
				for _, t := range ion.Levels[l].PhixsTargets {
					fmt.Fprintf(f, "%d %d %d %d %d\n", index, s.Elements[e].Z, ion.Stage, l, t.Level)
					index++
				}
			}
		}
	}
	return nil
}
