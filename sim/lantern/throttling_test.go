package lantern

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPresets(t *testing.T) {
	presets := Presets()

	assert.Equal(t, []string{"desktopDense4G", "mobileRegular3G", "mobileSlow4G"}, PresetNames(presets))
	for name, p := range presets {
		assert.Equal(t, name, p.Name)
		assert.NoError(t, p.Validate(), name)
	}
	assert.InDelta(t, 1638.4, presets["mobileSlow4G"].ThroughputKbps, 1e-9)
}

func TestProfile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr bool
	}{
		{"zero rtt allowed", Profile{RTTMs: 0, ThroughputKbps: 1, CPUSlowdownMultiplier: 1}, false},
		{"negative rtt", Profile{RTTMs: -1, ThroughputKbps: 1, CPUSlowdownMultiplier: 1}, true},
		{"NaN rtt", Profile{RTTMs: math.NaN(), ThroughputKbps: 1, CPUSlowdownMultiplier: 1}, true},
		{"zero throughput", Profile{RTTMs: 10, ThroughputKbps: 0, CPUSlowdownMultiplier: 1}, true},
		{"speedup not allowed", Profile{RTTMs: 10, ThroughputKbps: 1, CPUSlowdownMultiplier: 0.5}, true},
		{"NaN multiplier", Profile{RTTMs: 10, ThroughputKbps: 1, CPUSlowdownMultiplier: math.NaN()}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.profile.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidProfile)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
