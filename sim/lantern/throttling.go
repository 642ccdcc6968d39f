package lantern

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidProfile reports a profile the simulator cannot replay.
var ErrInvalidProfile = errors.New("invalid throttling profile")

// Profile is a simulated network and CPU condition.
type Profile struct {
	Name                  string  `yaml:"name,omitempty" json:"name,omitempty"`
	RTTMs                 float64 `yaml:"rttMs" json:"rttMs"`
	ThroughputKbps        float64 `yaml:"throughputKbps" json:"throughputKbps"`
	CPUSlowdownMultiplier float64 `yaml:"cpuSlowdownMultiplier" json:"cpuSlowdownMultiplier"`
}

// Reference throttling conditions.
var (
	MobileSlow4G    = Profile{Name: "mobileSlow4G", RTTMs: 150, ThroughputKbps: 1.6 * 1024, CPUSlowdownMultiplier: 4}
	MobileRegular3G = Profile{Name: "mobileRegular3G", RTTMs: 300, ThroughputKbps: 700, CPUSlowdownMultiplier: 4}
	DesktopDense4G  = Profile{Name: "desktopDense4G", RTTMs: 40, ThroughputKbps: 10 * 1024, CPUSlowdownMultiplier: 1}
)

// Presets returns the reference profiles keyed by name.
func Presets() map[string]Profile {
	return map[string]Profile{
		MobileSlow4G.Name:    MobileSlow4G,
		MobileRegular3G.Name: MobileRegular3G,
		DesktopDense4G.Name:  DesktopDense4G,
	}
}

// PresetNames returns the sorted names of profiles.
func PresetNames(profiles map[string]Profile) []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate rejects profiles the simulator cannot replay.
func (p Profile) Validate() error {
	switch {
	case math.IsNaN(p.RTTMs) || p.RTTMs < 0:
		return fmt.Errorf("%w %q: rttMs must be >= 0, got %v", ErrInvalidProfile, p.Name, p.RTTMs)
	case math.IsNaN(p.ThroughputKbps) || p.ThroughputKbps <= 0:
		return fmt.Errorf("%w %q: throughputKbps must be > 0, got %v", ErrInvalidProfile, p.Name, p.ThroughputKbps)
	case math.IsNaN(p.CPUSlowdownMultiplier) || p.CPUSlowdownMultiplier < 1:
		return fmt.Errorf("%w %q: cpuSlowdownMultiplier must be >= 1, got %v", ErrInvalidProfile, p.Name, p.CPUSlowdownMultiplier)
	}
	return nil
}
