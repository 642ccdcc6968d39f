package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/pageload-sim/sim/lantern"
)

// ProfilesFile is the structure of a --profiles override file.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type ProfilesFile struct {
	Version  string                     `yaml:"version"`
	Profiles map[string]lantern.Profile `yaml:"profiles"`
}

// profileOverrides holds flag values the user set explicitly; nil leaves the profile value.
type profileOverrides struct {
	RTTMs                 *float64
	ThroughputKbps        *float64
	CPUSlowdownMultiplier *float64
}

// loadProfiles returns the built-in presets merged with the profiles in path.
// Entries in the file replace presets of the same name.
func loadProfiles(path string) (map[string]lantern.Profile, error) {
	profiles := lantern.Presets()
	if path == "" {
		return profiles, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles file: %w", err)
	}

	// strict field checking: a misspelt key must not silently fall back to zero
	var file ProfilesFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing profiles YAML %s: %w", path, err)
	}

	for name, p := range file.Profiles {
		p.Name = name
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, ok := profiles[name]; ok {
			logrus.Infof("profiles file %s overrides preset %q", path, name)
		}
		profiles[name] = p
	}
	return profiles, nil
}

// resolveProfile picks name from profiles and applies explicit flag overrides.
func resolveProfile(profiles map[string]lantern.Profile, name string, o profileOverrides) (lantern.Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return lantern.Profile{}, fmt.Errorf("unknown throttling profile %q (known: %v)", name, lantern.PresetNames(profiles))
	}
	if o.RTTMs != nil {
		p.RTTMs = *o.RTTMs
	}
	if o.ThroughputKbps != nil {
		p.ThroughputKbps = *o.ThroughputKbps
	}
	if o.CPUSlowdownMultiplier != nil {
		p.CPUSlowdownMultiplier = *o.CPUSlowdownMultiplier
	}
	if err := p.Validate(); err != nil {
		return lantern.Profile{}, err
	}
	return p, nil
}
