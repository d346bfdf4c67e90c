package sim

// Options collects the engine tunables. Absent fields of options.yaml
// keep the DefaultOptions values.
type Options struct {
	NPackets int `yaml:"npackets"` // energy packets per rank

	// Atomic data
	SingleLevelTopIon         bool `yaml:"single_level_top_ion"`
	NLevelsRequireTransitions int  `yaml:"nlevels_require_transitions"` // collisional-network completion depth for Fe and Ni ions

	// Rate coefficient tables
	TableSize      int     `yaml:"tablesize"`
	MinTemp        float64 `yaml:"mintemp"`
	MaxTemp        float64 `yaml:"maxtemp"`
	QuadPoints     int     `yaml:"quad_points"` // quadrature evaluation budget
	NoLUTPhotoion  bool    `yaml:"no_lut_photoion"`
	NoLUTBfHeating bool    `yaml:"no_lut_bfheating"`

	// Radiation field model
	RadFieldBinCount int     `yaml:"radfield_bincount"`
	NuLowerFirst     float64 `yaml:"nu_lower_first"` // Hz; bottom of the lowest bin
	NuUpperLast      float64 `yaml:"nu_upper_last"`  // Hz; top of the highest regular bin
	TRMin            float64 `yaml:"t_r_min"`
	TRMax            float64 `yaml:"t_r_max"`
	DetailedLineJblu bool    `yaml:"detailed_line_estimators"`
	DetailedBfEst    bool    `yaml:"detailed_bf_estimators"`

	// Non-thermal solver
	NTOn                  bool    `yaml:"nt_on"`
	SFPoints              int     `yaml:"sf_points"`
	SFEminEV              float64 `yaml:"sf_emin_ev"`
	SFEmaxEV              float64 `yaml:"sf_emax_ev"`
	MaxAugerElectrons     int     `yaml:"nt_max_auger_electrons"`
	NTExcitationMaxLower  int     `yaml:"nt_excitation_max_lower"`
	NTExcitationMaxUpper  int     `yaml:"nt_excitation_max_upper"`
	NTMaxTimestepsBetween int     `yaml:"nt_max_timesteps_between_solutions"`
	NTMaxFracDiffNNePer   float64 `yaml:"nt_max_fracdiff_nne_per_ion"`

	// NLTE population solver
	NLTEOn   bool `yaml:"nlte_on"`
	NLTEIter int  `yaml:"nlte_iter"`
}

// DefaultOptions returns the option values of the reference setup.
func DefaultOptions() Options {
	return Options{
		NPackets:                  1000000,
		SingleLevelTopIon:         false,
		NLevelsRequireTransitions: 80,

		TableSize:      100,
		MinTemp:        1000,
		MaxTemp:        30000,
		QuadPoints:     16384,
		NoLUTPhotoion:  true,
		NoLUTBfHeating: true,

		RadFieldBinCount: 256,
		NuLowerFirst:     CLIGHT / 40000e-8,
		NuUpperLast:      CLIGHT / 1085e-8,
		TRMin:            500,
		TRMax:            250000,
		DetailedBfEst:    true,

		NTOn:                  true,
		SFPoints:              4096,
		SFEminEV:              0.1,
		SFEmaxEV:              16000,
		MaxAugerElectrons:     2,
		NTExcitationMaxLower:  5,
		NTExcitationMaxUpper:  250,
		NTMaxTimestepsBetween: 0,
		NTMaxFracDiffNNePer:   1,

		NLTEOn:   true,
		NLTEIter: 30,
	}
}
