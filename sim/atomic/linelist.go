package atomic

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
)

// nuTieTolerance: frequencies within this relative distance are treated as
// equal when ordering the line list.
const nuTieTolerance = 1e-10

// lineLess orders lines by decreasing frequency; near-equal frequencies
// tie-break by decreasing (lower, upper). The comparison is pure: the
// tie-break is computed from the stored frequencies without modifying them.
func lineLess(a, b *Line) bool {
	if math.Abs(b.Nu-a.Nu) < nuTieTolerance*a.Nu {
		if a.Lower != b.Lower {
			return a.Lower > b.Lower
		}
		return a.Upper > b.Upper
	}
	return a.Nu > b.Nu
}

// sortLineList stable-sorts the line list by decreasing frequency.
func sortLineList(lines []Line) {
	sort.SliceStable(lines, func(i, j int) bool {
		return lineLess(&lines[i], &lines[j])
	})
}

// checkLineListSorted validates the sorted list and rejects duplicate lines
// at identical frequency: two entries with equal endpoints at the same
// frequency indicate corrupt input that the merge pass should have caught.
func checkLineListSorted(lines []Line) error {
	for i := 1; i < len(lines); i++ {
		a, b := &lines[i-1], &lines[i]
		if b.Nu > a.Nu && math.Abs(b.Nu-a.Nu) >= nuTieTolerance*a.Nu {
			return fmt.Errorf("linelist: frequency order violated at index %d (%g < %g)", i, a.Nu, b.Nu)
		}
		if math.Abs(b.Nu-a.Nu) < nuTieTolerance*a.Nu &&
			a.ElementIndex == b.ElementIndex && a.IonIndex == b.IonIndex &&
			a.Lower == b.Lower && a.Upper == b.Upper {
			return fmt.Errorf("linelist: duplicate atomic line Z-index %d ion %d lower %d upper %d nu %g",
				a.ElementIndex, a.IonIndex, a.Lower, a.Upper, a.Nu)
		}
	}
	return nil
}

// rewriteTransitionBackrefs replaces the ^partnerLevel placeholders stored
// on the levels during ingest with the final sorted line indices. A single
// pass over the sorted list suffices because each (upper, lower) pair owns
// exactly one line.
func (s *Store) rewriteTransitionBackrefs() {
	logrus.Info("read_atomicdata: establish connection between transitions and sorted linelist")
	for li := range s.Lines {
		line := &s.Lines[li]
		ion := &s.Elements[line.ElementIndex].Ions[line.IonIndex]

		down := ion.Levels[line.Upper].DownTrans
		for k, v := range down {
			if v == ^line.Lower {
				down[k] = li
				break
			}
		}
		up := ion.Levels[line.Lower].UpTrans
		for k, v := range up {
			if v == ^line.Upper {
				up[k] = li
				break
			}
		}
	}
}
