package atomic

import "github.com/sirupsen/logrus"

// groundTermWidth infers the number of levels in the ground term of an ion
// from the level-energy spacing: the term ends at the first index k >= 1
// where the gap to the next level is more than twice the previous gap.
// Duplicate statistical weights within the inferred term are reported but
// not fatal.
func (s *Store) groundTermWidth(element, ion int) int {
	levels := s.Elements[element].Ions[ion].Levels
	nLevels := len(levels)
	if nLevels == 1 {
		return 1
	}

	width := 1
	if nLevels >= 3 {
		endiff10 := levels[1].Epsilon - levels[0].Epsilon
		endiff21 := levels[2].Epsilon - levels[1].Epsilon
		if endiff10 > 2*endiff21 {
			width = 1
		} else {
			for level := 1; level < nLevels-2; level++ {
				endiff1 := levels[level].Epsilon - levels[level-1].Epsilon
				endiff2 := levels[level+1].Epsilon - levels[level].Epsilon
				if endiff2 > 2*endiff1 {
					width = level + 1
					break
				}
			}
		}
	}

	for level := 0; level < width; level++ {
		g := levels[level].StatWeight
		for levelb := 0; levelb < level; levelb++ {
			if g == levels[levelb].StatWeight {
				logrus.Warnf("read_atomicdata: duplicate g value in ground term for Z=%d ion_stage %d nlevels_groundterm %d g(level %d) %g g(level %d) %g",
					s.Elements[element].Z, s.IonStage(element, ion), width, level, g, levelb, levels[levelb].StatWeight)
			}
		}
	}
	return width
}
