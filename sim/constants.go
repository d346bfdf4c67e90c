package sim

// Physical constants in cgs units.
const (
	CLIGHT = 2.99792458e+10 // speed of light [cm/s]
	H      = 6.6260755e-27  // Planck constant [erg s]
	MSUN   = 1.98855e+33    // solar mass [g]
	LSUN   = 3.826e+33      // solar luminosity [erg/s]
	MH     = 1.67352e-24    // mass of hydrogen atom [g]
	ME     = 9.1093897e-28  // mass of free electron [g]
	QE     = 4.80325e-10    // elementary charge [statcoulomb]
	EV     = 1.6021772e-12  // eV in erg
	MEV    = 1.6021772e-6   // MeV in erg
	DAY    = 86400.0        // day in seconds
	SIGMAT = 6.6524e-25     // Thomson cross-section [cm^2]
	PARSEC = 3.0857e+18     // parsec [cm]
	KB     = 1.38064852e-16 // Boltzmann constant [erg/K]
	STEBO  = 5.670400e-5    // Stefan-Boltzmann constant [erg cm^-2 s^-1 K^-4]

	CLIGHTSQUARED = 8.9875518e+20

	// Below this photon energy (in units of the electron rest mass) electron
	// scattering is treated in the Thomson limit.
	ThomsonLimit = 1e-2

	// Minimum cell density; below this a cell is treated as empty.
	MinDensity = 1e-40
	MinPop     = 1e-40
)
