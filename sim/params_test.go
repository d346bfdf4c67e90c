package sim

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInputTxt = `# test parameter file
1234
100
000 100
2.0 80.0
0.1 4.0
20
0.5 0.1
1
0
1
1.0
-1
0 0 1
1
0.5
-1
0
10000
8
1000. 3
-1
1
0
0.5 5
`

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte(testInputTxt), 0o644))
	return path
}

func TestReadParams(t *testing.T) {
	p, err := ReadParams(writeInput(t), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	assert.Equal(t, int64(1234), p.Seed)
	assert.Equal(t, 100, p.NTimesteps)
	assert.Equal(t, 0, p.ITStep)
	assert.Equal(t, 100, p.FTStep)
	assert.Equal(t, 2.0*DAY, p.TMin)
	assert.Equal(t, 80.0*DAY, p.TMax)
	assert.InEpsilon(t, 0.1*MEV/H, p.NuSynMin, 1e-12)
	assert.Equal(t, 1, p.ModelType)
	assert.Equal(t, 0, p.RLCMode)
	assert.Equal(t, CLIGHT, p.CLightProp)
	assert.Equal(t, -1.0, p.GammaGrey)
	assert.NoError(t, p.SynDir.CheckUnit())
	assert.Equal(t, Vec3{0, 0, 1}, p.SynDir)
	assert.False(t, p.Continued)
	assert.Equal(t, 8, p.NLTETimesteps)
	assert.Equal(t, 1000.0, p.GreyTauThreshold)
	assert.Equal(t, 3, p.NGreyTimesteps)
	assert.Equal(t, int(1e6), p.MaxBfContinua) // -1 means unlimited
	assert.Equal(t, 0.5, p.KPktDiffusionTimescale)
	assert.Equal(t, 5, p.NKPktDiffusionTimesteps)
}

func TestReadParams_RandomisesZeroSynDir(t *testing.T) {
	content := strings.Replace(testInputTxt, "0 0 1", "0 0 0", 1)
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p, err := ReadParams(path, rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	assert.NoError(t, p.SynDir.CheckUnit())
}

func TestReadParams_RejectsBadTimeRange(t *testing.T) {
	content := strings.Replace(testInputTxt, "2.0 80.0", "80.0 2.0", 1)
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := ReadParams(path, rand.New(rand.NewSource(3)))
	require.Error(t, err)
}

func TestUpdateParamsFile_ForcesContinuation(t *testing.T) {
	path := writeInput(t)
	require.NoError(t, UpdateParamsFile(path, 42, 100))

	p, err := ReadParams(path, rand.New(rand.NewSource(4)))
	require.NoError(t, err)

	// the restart timestep replaces the start step and the continuation
	// flag is forced on; everything else is untouched
	assert.Equal(t, 42, p.ITStep)
	assert.Equal(t, 100, p.FTStep)
	assert.True(t, p.Continued)
	assert.Equal(t, int64(1234), p.Seed)
	assert.Equal(t, 100, p.NTimesteps)

	// updating is idempotent on the non-modified lines
	require.NoError(t, UpdateParamsFile(path, 43, 100))
	p2, err := ReadParams(path, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	assert.Equal(t, 43, p2.ITStep)
	assert.Equal(t, p.TMin, p2.TMin)
	assert.Equal(t, p.KPktDiffusionTimescale, p2.KPktDiffusionTimescale)
}
