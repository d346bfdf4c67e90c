package atomic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortLineList_DecreasingFrequencyWithTieBreak(t *testing.T) {
	lines := []Line{
		{Lower: 0, Upper: 1, Nu: 1e15},
		{Lower: 0, Upper: 1, Nu: 2e15},
		{Lower: 0, Upper: 3, Nu: 1e15},
		{Lower: 1, Upper: 2, Nu: 1e15},
	}
	sortLineList(lines)

	assert.Equal(t, 2e15, lines[0].Nu)
	assert.Equal(t, 1, lines[1].Lower)
	assert.Equal(t, 2, lines[1].Upper)
	assert.Equal(t, 0, lines[2].Lower)
	assert.Equal(t, 3, lines[2].Upper)
	assert.Equal(t, 0, lines[3].Lower)
	assert.Equal(t, 1, lines[3].Upper)

	require.NoError(t, checkLineListSorted(lines))
}

func TestSortLineList_NearEqualFrequenciesTreatedAsTies(t *testing.T) {
	// relative frequency difference below 1e-10 counts as equal
	lines := []Line{
		{Lower: 0, Upper: 1, Nu: 1e15},
		{Lower: 2, Upper: 3, Nu: 1e15 * (1 + 1e-12)},
	}
	sortLineList(lines)

	// tie-break puts the higher lower level first
	assert.Equal(t, 2, lines[0].Lower)
	assert.Equal(t, 0, lines[1].Lower)
}

func TestSortLineList_ComparatorIsPure(t *testing.T) {
	nuA := 1e15
	nuB := 1e15 * (1 + 1e-12)
	lines := []Line{
		{Lower: 0, Upper: 1, Nu: nuA},
		{Lower: 2, Upper: 3, Nu: nuB},
	}
	sortLineList(lines)

	// the stored frequencies must be untouched by the tie-break
	for _, l := range lines {
		if l.Lower == 0 {
			assert.Equal(t, nuA, l.Nu)
		} else {
			assert.Equal(t, nuB, l.Nu)
		}
	}
}

func TestCheckLineListSorted_DuplicateLineIsFatal(t *testing.T) {
	lines := []Line{
		{Lower: 0, Upper: 1, Nu: 1e15},
		{Lower: 0, Upper: 1, Nu: 1e15},
	}
	err := checkLineListSorted(lines)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRewriteTransitionBackrefs_Closure(t *testing.T) {
	s := &Store{
		Elements: []Element{{
			Z: 8,
			Ions: []Ion{{
				Stage: 1,
				Levels: []Level{
					{UpTrans: []int{^1, ^2}},
					{DownTrans: []int{^0}, UpTrans: []int{^2}},
					{DownTrans: []int{^0, ^1}},
				},
			}},
		}},
		Lines: []Line{
			{Lower: 0, Upper: 2, Nu: 3e15},
			{Lower: 1, Upper: 2, Nu: 2e15},
			{Lower: 0, Upper: 1, Nu: 1e15},
		},
	}
	s.rewriteTransitionBackrefs()

	// back-reference closure: line k appears in upper's DownTrans and
	// lower's UpTrans
	for k, line := range s.Lines {
		lv := s.Elements[0].Ions[0].Levels
		assert.Contains(t, lv[line.Upper].DownTrans, k, "line %d missing from upper downtrans", k)
		assert.Contains(t, lv[line.Lower].UpTrans, k, "line %d missing from lower uptrans", k)
	}

	li, err := s.LookupLine(0, 0, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, li)
}
