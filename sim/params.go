package sim

import (
	"bufio"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Params holds the free parameters read from input.txt. Line order in the
// file is significant; comment lines start with '#'.
type Params struct {
	Seed                    int64   // specific random number seed if > 0
	NTimesteps              int     // number of timesteps
	ITStep, FTStep          int     // start and end timestep of this run
	TMin, TMax              float64 // start and end times [s]
	NuSynMin, NuSynMax      float64 // synthesis frequency range [Hz]
	NSynTime                int
	SynTimes                []float64 // times for synthesis [s]
	ModelType               int       // 1, 2 or 3 dimensions
	RLCMode                 int       // 0 off; 1 no estimators; 2 thin; 3 thick; 4 gamma heating
	NOutIterations          int
	CLightProp              float64 // propagation speed of light (scaled)
	GammaGrey               float64 // grey opacity for gammas, <= 0 disables
	SynDir                  Vec3    // normalised synthesis direction
	OpacityCase             int
	RhoCritPara             float64
	DebugPacket             int
	Continued               bool // continue from saved checkpoint
	NuRFCut                 float64
	NLTETimesteps           int
	GreyTauThreshold        float64
	NGreyTimesteps          int
	MaxBfContinua           int
	NProcsExspec            int
	DoEmissionRes           int
	KPktDiffusionTimescale  float64
	NKPktDiffusionTimesteps int
}

var paramLineComments = []string{
	"zseed: random number seed, must be > 0",
	"ntstep: number of timesteps",
	"itstep ftstep: number of start and end time step",
	"tmin_days tmax_days: start and end times [day]",
	"nusyn_min_mev nusyn_max_mev: lowest and highest frequency to synthesise [MeV]",
	"nsyn_time: number of times for synthesis",
	"syn_time_start syn_time_step: first synthesis time [day] and step in ln(t)",
	"model_type: number of dimensions (1, 2, or 3)",
	"compute r-light curve (1: no estimators, 2: thin cells, 3: thick cells, 4: gamma-ray heating)",
	"n_out_it: number of iterations",
	"CLIGHT_PROP/CLIGHT: change speed of light by some factor",
	"use grey opacity for gammas?",
	"syn_dir: x, y, and z components of unit vector (will be normalised after input or randomised if zero length)",
	"opacity_case: opacity choice",
	"rho_crit_para: free parameter for calculation of rho_crit",
	"debug_packet: (>=0: activate debug output for packet id, <0: ignore)",
	"simulation_continued_from_saved: (0: start new simulation, 1: continue from gridsave and packets files)",
	"rfcut_angstroms: wavelength (in Angstroms) at which the radiation field parameterisation switches to LTE",
	"n_lte_timesteps",
	"cell_is_optically_thick n_grey_timesteps",
	"max_bf_continua: (>0: max bound-free continua per ion, -1 unlimited)",
	"nprocs_exspec: extract spectra for n MPI tasks",
	"do_emission_res: extract line-of-sight dependent information of last emission (1: yes, 0: no)",
	"kpktdiffusion_timescale n_kpktdiffusion_timesteps: kpkts diffuse x of a time step's length for the first y time steps",
}

func lineIsCommentOnly(line string) bool {
	for _, c := range line {
		if c == '#' {
			return true
		}
		if c != ' ' && c != '\t' {
			return false
		}
	}
	return true
}

// nonCommentLines returns the significant lines of an input.txt stream in
// order.
func nonCommentLines(r *bufio.Scanner) ([]string, error) {
	var lines []string
	for r.Scan() {
		line := r.Text()
		if !lineIsCommentOnly(line) {
			// strip a trailing comment
			if idx := strings.IndexByte(line, '#'); idx >= 0 {
				line = line[:idx]
			}
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	return lines, r.Err()
}

// ReadParams parses input.txt. The rng is used to randomise the synthesis
// direction when the file gives a near-zero vector.
func ReadParams(path string, rng *rand.Rand) (*Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read input.txt: %w", err)
	}
	defer f.Close()

	lines, err := nonCommentLines(bufio.NewScanner(f))
	if err != nil {
		return nil, fmt.Errorf("read input.txt: %w", err)
	}
	if len(lines) < len(paramLineComments) {
		return nil, fmt.Errorf("input.txt has %d significant lines, want %d", len(lines), len(paramLineComments))
	}

	p := &Params{}
	scan := func(i int, format string, args ...any) error {
		if _, err := fmt.Sscanf(lines[i], format, args...); err != nil {
			return fmt.Errorf("input.txt line %d (%q): %w", i, lines[i], err)
		}
		return nil
	}

	if err := scan(0, "%d", &p.Seed); err != nil {
		return nil, err
	}
	if err := scan(1, "%d", &p.NTimesteps); err != nil {
		return nil, err
	}
	if err := scan(2, "%d %d", &p.ITStep, &p.FTStep); err != nil {
		return nil, err
	}
	var tminDays, tmaxDays float64
	if err := scan(3, "%g %g", &tminDays, &tmaxDays); err != nil {
		return nil, err
	}
	if tminDays <= 0 || tmaxDays <= 0 || tminDays >= tmaxDays {
		return nil, fmt.Errorf("input.txt: invalid time range [%g, %g] days", tminDays, tmaxDays)
	}
	p.TMin = tminDays * DAY
	p.TMax = tmaxDays * DAY

	var nuMinMeV, nuMaxMeV float64
	if err := scan(4, "%g %g", &nuMinMeV, &nuMaxMeV); err != nil {
		return nil, err
	}
	p.NuSynMin = nuMinMeV * MEV / H
	p.NuSynMax = nuMaxMeV * MEV / H

	if err := scan(5, "%d", &p.NSynTime); err != nil {
		return nil, err
	}
	var synStart, synStep float64
	if err := scan(6, "%g %g", &synStart, &synStep); err != nil {
		return nil, err
	}
	p.SynTimes = make([]float64, p.NSynTime)
	for i := range p.SynTimes {
		p.SynTimes[i] = math.Exp(math.Log(synStart)+synStep*float64(i)) * DAY
	}

	if err := scan(7, "%d", &p.ModelType); err != nil {
		return nil, err
	}
	if p.ModelType < 1 || p.ModelType > 3 {
		return nil, fmt.Errorf("input.txt: model type %d not in {1,2,3}", p.ModelType)
	}
	if err := scan(8, "%d", &p.RLCMode); err != nil {
		return nil, err
	}
	if p.RLCMode < 0 || p.RLCMode > 4 {
		return nil, fmt.Errorf("input.txt: light-curve mode %d not in [0,4]", p.RLCMode)
	}
	if err := scan(9, "%d", &p.NOutIterations); err != nil {
		return nil, err
	}
	var clightFactor float64
	if err := scan(10, "%g", &clightFactor); err != nil {
		return nil, err
	}
	p.CLightProp = clightFactor * CLIGHT
	if err := scan(11, "%g", &p.GammaGrey); err != nil {
		return nil, err
	}

	var sd [3]float64
	if err := scan(12, "%g %g %g", &sd[0], &sd[1], &sd[2]); err != nil {
		return nil, err
	}
	rr := sd[0]*sd[0] + sd[1]*sd[1] + sd[2]*sd[2]
	if rr > 1e-6 {
		p.SynDir = Vec3{sd[0], sd[1], sd[2]}.Normalised()
	} else {
		p.SynDir = IsotropicDirection(rng)
	}

	if err := scan(13, "%d", &p.OpacityCase); err != nil {
		return nil, err
	}
	if err := scan(14, "%g", &p.RhoCritPara); err != nil {
		return nil, err
	}
	if err := scan(15, "%d", &p.DebugPacket); err != nil {
		return nil, err
	}
	var contFlag int
	if err := scan(16, "%d", &contFlag); err != nil {
		return nil, err
	}
	p.Continued = contFlag == 1

	var rfcutAngstroms float64
	if err := scan(17, "%g", &rfcutAngstroms); err != nil {
		return nil, err
	}
	p.NuRFCut = CLIGHT / (rfcutAngstroms * 1e-8)

	if err := scan(18, "%d", &p.NLTETimesteps); err != nil {
		return nil, err
	}
	if err := scan(19, "%g %d", &p.GreyTauThreshold, &p.NGreyTimesteps); err != nil {
		return nil, err
	}
	if err := scan(20, "%d", &p.MaxBfContinua); err != nil {
		return nil, err
	}
	if p.MaxBfContinua == -1 {
		p.MaxBfContinua = 1e6
	}
	if err := scan(21, "%d", &p.NProcsExspec); err != nil {
		return nil, err
	}
	if err := scan(22, "%d", &p.DoEmissionRes); err != nil {
		return nil, err
	}
	if err := scan(23, "%g %d", &p.KPktDiffusionTimescale, &p.NKPktDiffusionTimesteps); err != nil {
		return nil, err
	}

	return p, nil
}

// UpdateParamsFile rewrites input.txt in place so a later invocation
// resumes from timestep nts: the start-timestep line gets the restart
// timestep and the continuation flag line is forced to 1. Reference
// comments are appended to the known lines.
func UpdateParamsFile(path string, nts, ftstep int) error {
	logrus.Infof("Update %s for restart at timestep %d", path, nts)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var out strings.Builder
	noncomment := -1
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if !lineIsCommentOnly(line) {
			noncomment++
			switch noncomment {
			case 2:
				line = fmt.Sprintf("%3.3d %3.3d", nts, ftstep)
			case 16:
				line = "1" // force continuation
			default:
				if idx := strings.IndexByte(line, '#'); idx >= 0 {
					line = line[:idx]
				}
				line = strings.TrimRight(line, " \t")
			}
			if noncomment < len(paramLineComments) {
				const commentStart = 25
				if len(line) < commentStart {
					line += strings.Repeat(" ", commentStart-len(line))
				}
				line += "# " + paramLineComments[noncomment]
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(out.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
