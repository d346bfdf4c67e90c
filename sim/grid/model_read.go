package grid

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const kmps = 1e5 // km/s in cm/s

// minDensity: below this a model cell is treated as void.
const minDensity = 1e-40

// ReadModel parses model.txt for the given model dimensionality (1, 2 or
// 3) and appends the designated empty cell for void regions.
func ReadModel(path string, dim int) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	defer f.Close()

	switch dim {
	case 1:
		return read1DModel(f)
	case 2:
		return read2DModel(f)
	case 3:
		return read3DModel(f)
	default:
		return nil, fmt.Errorf("read model: unknown model type %d", dim)
	}
}

type fieldReader struct {
	sc  *bufio.Scanner
	err error
}

func newFieldReader(r io.Reader) *fieldReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &fieldReader{sc: sc}
}

// Line returns the fields of the next non-blank line.
func (fr *fieldReader) Line() []string {
	if fr.err != nil {
		return nil
	}
	for fr.sc.Scan() {
		fields := strings.Fields(fr.sc.Text())
		if len(fields) > 0 {
			return fields
		}
	}
	if err := fr.sc.Err(); err != nil {
		fr.err = err
	} else {
		fr.err = io.ErrUnexpectedEOF
	}
	return nil
}

func (fr *fieldReader) Float(fields []string, i int) float64 {
	if fr.err != nil || i >= len(fields) {
		if fr.err == nil {
			fr.err = fmt.Errorf("model.txt: missing field %d", i)
		}
		return 0
	}
	v, err := strconv.ParseFloat(fields[i], 64)
	if err != nil {
		fr.err = fmt.Errorf("model.txt: malformed number %q", fields[i])
		return 0
	}
	return v
}

func (fr *fieldReader) Int(fields []string, i int) int {
	return int(fr.Float(fields, i))
}

func read1DModel(r io.Reader) (*Model, error) {
	fr := newFieldReader(r)
	npts := fr.Int(fr.Line(), 0)
	t0Days := fr.Float(fr.Line(), 0)
	if fr.err != nil {
		return nil, fmt.Errorf("read 1d model: %w", fr.err)
	}
	if npts <= 0 {
		return nil, fmt.Errorf("read 1d model: %d shells", npts)
	}

	m := &Model{Dim: 1, TRef: t0Days * 86400}
	m.Cells = make([]ModelCell, npts)
	m.ShellVOut = make([]float64, npts)
	for i := 0; i < npts; i++ {
		fields := fr.Line()
		idx := fr.Int(fields, 0)
		vOut := fr.Float(fields, 1) * kmps
		logRho := fr.Float(fields, 2)
		fni := fr.Float(fields, 3)
		fco := fr.Float(fields, 4)
		ffe := fr.Float(fields, 5)
		fcr := fr.Float(fields, 6)
		if fr.err != nil {
			return nil, fmt.Errorf("read 1d model: shell %d: %w", i, fr.err)
		}
		if idx != i+1 {
			return nil, fmt.Errorf("read 1d model: shell index %d out of order", idx)
		}
		m.ShellVOut[i] = vOut
		m.Cells[i] = ModelCell{
			RhoInit: math.Pow(10, logRho),
			FNi56:   fni, FCo56: fco, FFe52: ffe, FCr48: fcr,
		}
	}
	m.VMax = m.ShellVOut[npts-1]
	finishModel(m)
	return m, nil
}

func read2DModel(r io.Reader) (*Model, error) {
	fr := newFieldReader(r)
	hdr := fr.Line()
	n1 := fr.Int(hdr, 0)
	n2 := fr.Int(hdr, 1)
	t0Days := fr.Float(fr.Line(), 0)
	vmax := fr.Float(fr.Line(), 0)
	if fr.err != nil {
		return nil, fmt.Errorf("read 2d model: %w", fr.err)
	}
	ncells := n1 * n2
	if ncells <= 0 {
		return nil, fmt.Errorf("read 2d model: bad cell counts %d x %d", n1, n2)
	}

	m := &Model{Dim: 2, TRef: t0Days * 86400, VMax: vmax}
	m.NCoord = [3]int{n1, n2, 1}
	m.Cells = make([]ModelCell, ncells)
	for i := 0; i < ncells; i++ {
		fields := fr.Line()
		idx := fr.Int(fields, 0)
		rho := fr.Float(fields, 1)
		fni := fr.Float(fields, 2)
		fco := fr.Float(fields, 3)
		ffe := fr.Float(fields, 4)
		fcr := fr.Float(fields, 5)
		if fr.err != nil {
			return nil, fmt.Errorf("read 2d model: cell %d: %w", i, fr.err)
		}
		if idx != i+1 {
			return nil, fmt.Errorf("read 2d model: cell index %d out of order", idx)
		}
		m.Cells[i] = ModelCell{
			RhoInit: rho,
			FNi56:   fni, FCo56: fco, FFe52: ffe, FCr48: fcr,
		}
	}
	finishModel(m)
	return m, nil
}

func read3DModel(r io.Reader) (*Model, error) {
	fr := newFieldReader(r)
	n := fr.Int(fr.Line(), 0) // cells per axis
	t0Days := fr.Float(fr.Line(), 0)
	vmax := fr.Float(fr.Line(), 0)
	if fr.err != nil {
		return nil, fmt.Errorf("read 3d model: %w", fr.err)
	}
	ncells := n * n * n
	if ncells <= 0 {
		return nil, fmt.Errorf("read 3d model: bad axis count %d", n)
	}

	m := &Model{Dim: 3, TRef: t0Days * 86400, VMax: vmax}
	m.NCoord = [3]int{n, n, n}
	m.Cells = make([]ModelCell, ncells)
	for i := 0; i < ncells; i++ {
		// per cell two records: index, position, density; then the
		// radionuclide fractions
		fields := fr.Line()
		idx := fr.Int(fields, 0)
		rho := fr.Float(fields, 4)
		if fr.err != nil {
			return nil, fmt.Errorf("read 3d model: cell %d: %w", i, fr.err)
		}
		if idx != i+1 {
			return nil, fmt.Errorf("read 3d model: cell index %d out of order", idx)
		}
		fields = fr.Line()
		fni := fr.Float(fields, 0)
		fco := fr.Float(fields, 1)
		ffe := fr.Float(fields, 2)
		fcr := fr.Float(fields, 3)
		if fr.err != nil {
			return nil, fmt.Errorf("read 3d model: cell %d fractions: %w", i, fr.err)
		}
		m.Cells[i] = ModelCell{
			RhoInit: rho,
			FNi56:   fni, FCo56: fco, FFe52: ffe, FCr48: fcr,
		}
	}
	finishModel(m)
	return m, nil
}

// finishModel validates densities and appends the void sentinel cell.
func finishModel(m *Model) {
	nonEmpty := 0
	for i := range m.Cells {
		if m.Cells[i].RhoInit < 0 {
			logrus.Warnf("model cell %d has negative density %g, treating as empty", i, m.Cells[i].RhoInit)
			m.Cells[i].RhoInit = 0
		}
		if m.Cells[i].RhoInit > minDensity {
			nonEmpty++
		}
	}
	// the designated empty cell for void regions
	m.Cells = append(m.Cells, ModelCell{})
	logrus.Infof("read model: %d cells (%d non-empty), t0 %g d, vmax %g km/s",
		len(m.Cells)-1, nonEmpty, m.TRef/86400, m.VMax/kmps)
}

// InitAbundances applies homogeneous abundances from the composition table
// to every non-void cell.
func (m *Model) InitAbundances(abundances []float64) {
	for i := range m.Cells[:len(m.Cells)-1] {
		m.Cells[i].Abundances = abundances
	}
}

// BuildPropGrid lays a propagation grid over the model: spherical shells
// mirroring a 1-D model, or a uniform Cartesian grid with nPerAxis cells
// per axis for 2-D/3-D models. Propagation cells with sub-threshold
// density resolve to the empty cell.
func BuildPropGrid(m *Model, nPerAxis int) *PropGrid {
	if m.Dim == 1 {
		g := &PropGrid{
			Type:   GridSpherical,
			TRef:   m.TRef,
			RShell: make([]float64, len(m.ShellVOut)),
			MGI:    make([]int, len(m.ShellVOut)),
		}
		for i, v := range m.ShellVOut {
			g.RShell[i] = v * m.TRef
			if m.Cells[i].RhoInit > minDensity {
				g.MGI[i] = i
			} else {
				g.MGI[i] = m.EmptyCellIndex()
			}
		}
		return g
	}

	rmax := m.VMax * m.TRef
	g := &PropGrid{
		Type:  GridCartesian,
		TRef:  m.TRef,
		N:     nPerAxis,
		XMin:  -rmax,
		Width: 2 * rmax / float64(nPerAxis),
		MGI:   make([]int, nPerAxis*nPerAxis*nPerAxis),
	}
	for iz := 0; iz < nPerAxis; iz++ {
		for iy := 0; iy < nPerAxis; iy++ {
			for ix := 0; ix < nPerAxis; ix++ {
				cell := ix + nPerAxis*(iy+nPerAxis*iz)
				g.MGI[cell] = m.mapCartesianCell(g, ix, iy, iz)
			}
		}
	}
	return g
}

// mapCartesianCell resolves a propagation cell centre to a model cell.
func (m *Model) mapCartesianCell(g *PropGrid, ix, iy, iz int) int {
	cx := g.XMin + (float64(ix)+0.5)*g.Width
	cy := g.XMin + (float64(iy)+0.5)*g.Width
	cz := g.XMin + (float64(iz)+0.5)*g.Width
	r := math.Sqrt(cx*cx + cy*cy + cz*cz)

	var mgi int
	switch m.Dim {
	case 2:
		rCyl := math.Sqrt(cx*cx + cy*cy)
		i1 := int(rCyl / (m.VMax * m.TRef) * float64(m.NCoord[0]))
		i2 := int((cz + m.VMax*m.TRef) / (2 * m.VMax * m.TRef) * float64(m.NCoord[1]))
		if i1 >= m.NCoord[0] || i2 < 0 || i2 >= m.NCoord[1] {
			return m.EmptyCellIndex()
		}
		mgi = i2*m.NCoord[0] + i1
	default: // 3-D: direct correspondence when counts match, else nearest
		n := m.NCoord[0]
		jx := clampIndex(cx, g.XMin, g.Width*float64(g.N)/float64(n), n)
		jy := clampIndex(cy, g.XMin, g.Width*float64(g.N)/float64(n), n)
		jz := clampIndex(cz, g.XMin, g.Width*float64(g.N)/float64(n), n)
		mgi = jx + n*(jy+n*jz)
	}
	if r > m.VMax*m.TRef || m.Cells[mgi].RhoInit <= minDensity {
		return m.EmptyCellIndex()
	}
	return mgi
}

func clampIndex(x, xmin, width float64, n int) int {
	i := int(math.Floor((x - xmin) / width))
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
