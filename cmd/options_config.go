package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	sim "github.com/ejecta-sim/ejecta-sim/sim"
)

// GetOptions loads the engine options from a YAML file, with absent fields
// keeping their defaults. An empty path returns the defaults unchanged.
func GetOptions(path string) sim.Options {
	opts := sim.DefaultOptions()
	if path == "" {
		return opts
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logrus.Fatalf("[fatal] options file: %v", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		logrus.Fatalf("[fatal] options file %s: %v", path, err)
	}
	logrus.Infof("Loaded engine options from %s", path)
	return opts
}
