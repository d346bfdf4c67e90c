package sim

import (
	"fmt"
	"math"
	"os"
)

// Timestep is one interval of the logarithmic time grid.
type Timestep struct {
	Start float64 // [s]
	Mid   float64 // [s]
	Width float64 // [s]

	// per-timestep tallies
	PelletDecays int
	GammaDep     float64 // [erg]
	PositronDep  float64 // [erg]
	CMFLum       float64 // [erg]
}

// TimeInit builds ntstep logarithmically spaced timesteps on [tmin, tmax]
// plus a dummy terminal entry holding the end time.
func TimeInit(tmin, tmax float64, ntstep int) ([]Timestep, error) {
	if ntstep <= 0 || tmin <= 0 || tmax <= tmin {
		return nil, fmt.Errorf("time grid: invalid tmin %g tmax %g ntstep %d", tmin, tmax, ntstep)
	}
	steps := make([]Timestep, ntstep+1)
	dlogt := (math.Log(tmax) - math.Log(tmin)) / float64(ntstep)
	for n := 0; n < ntstep; n++ {
		steps[n].Start = tmin * math.Exp(float64(n)*dlogt)
		steps[n].Mid = tmin * math.Exp((float64(n)+0.5)*dlogt)
		steps[n].Width = tmin*math.Exp(float64(n+1)*dlogt) - steps[n].Start
	}
	// consistency: start + width = next start
	for n := 1; n < ntstep; n++ {
		if math.Abs((steps[n-1].Start+steps[n-1].Width)/steps[n].Start-1) > 0.001 {
			return nil, fmt.Errorf("time grid: step %d start+width inconsistent", n-1)
		}
	}
	if math.Abs((steps[ntstep-1].Start+steps[ntstep-1].Width)/tmax-1) > 0.001 {
		return nil, fmt.Errorf("time grid: final step does not reach tmax")
	}
	steps[ntstep].Start = tmax
	steps[ntstep].Mid = tmax
	return steps, nil
}

// WriteTimestepFile writes timesteps.out (index, start, mid, width in days).
func WriteTimestepFile(path string, steps []Timestep) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintf(f, "#timestep tstart_days tmid_days twidth_days\n")
	for n := 0; n < len(steps)-1; n++ {
		fmt.Fprintf(f, "%d %g %g %g\n", n, steps[n].Start/DAY, steps[n].Mid/DAY, steps[n].Width/DAY)
	}
	return nil
}
