package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/pageload-sim/sim/artifact"
	"github.com/inference-sim/pageload-sim/sim/lantern"
)

var (
	devtoolsLogPath string  // Path to the devtools log JSON
	profileName     string  // Throttling profile name
	profilesPath    string  // Optional YAML file with extra or replacement profiles
	rttMs           float64 // Round trip override (ms)
	throughputKbps  float64 // Throughput override (Kbps)
	cpuSlowdown     float64 // CPU slowdown override
)

// EstimateReport is the JSON document written by the estimate command.
type EstimateReport struct {
	RunID      string                           `json:"runId"`
	Throttling lantern.Profile                  `json:"throttling"`
	Metrics    map[string]*lantern.MetricResult `json:"metrics"`
	// Errors holds metrics that could not be estimated, keyed like Metrics.
	Errors map[string]string `json:"errors,omitempty"`
	Cache  artifact.Stats    `json:"cache"`
}

var reportedMetrics = []struct {
	name     string
	artifact *artifact.Computed[lantern.MetricInputs, *lantern.MetricResult]
}{
	{"first-contentful-paint", lantern.FirstContentfulPaint},
	{"largest-contentful-paint", lantern.LargestContentfulPaint},
	{"interactive", lantern.Interactive},
	{"speed-index", lantern.SpeedIndex},
}

// runEstimate simulates every reported metric concurrently against one cache.
// A metric that fails is recorded in Errors; only cancellation aborts the run.
func runEstimate(ctx context.Context, in lantern.MetricInputs) (*EstimateReport, error) {
	ac := artifact.NewContext()
	results := make([]*lantern.MetricResult, len(reportedMetrics))
	errs := make([]error, len(reportedMetrics))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range reportedMetrics {
		i, m := i, m
		g.Go(func() error {
			res, err := m.artifact.Request(gctx, ac, in)
			if err != nil && gctx.Err() != nil {
				return err
			}
			results[i], errs[i] = res, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &EstimateReport{
		RunID:      ac.ID,
		Throttling: in.Throttling,
		Metrics:    make(map[string]*lantern.MetricResult, len(reportedMetrics)),
	}
	for i, m := range reportedMetrics {
		if errs[i] != nil {
			logrus.Warnf("Could not estimate %s: %v", m.name, errs[i])
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[m.name] = errs[i].Error()
			continue
		}
		report.Metrics[m.name] = results[i]
	}
	report.Cache = ac.Stats()
	return report, nil
}

// overridesFromFlags collects only the throttling flags the user set, so
// defaults never replace profile values.
func overridesFromFlags(cmd *cobra.Command) profileOverrides {
	var o profileOverrides
	if cmd.Flags().Changed("rtt") {
		o.RTTMs = &rttMs
	}
	if cmd.Flags().Changed("throughput") {
		o.ThroughputKbps = &throughputKbps
	}
	if cmd.Flags().Changed("cpu-slowdown") {
		o.CPUSlowdownMultiplier = &cpuSlowdown
	}
	return o
}

// estimateCmd simulates the page load metrics of a trace and devtools log
var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate page load metrics under a throttling profile",
	Run: func(cmd *cobra.Command, args []string) {
		profiles, err := loadProfiles(profilesPath)
		if err != nil {
			logrus.Fatalf("Failed to load throttling profiles: %v", err)
		}
		profile, err := resolveProfile(profiles, profileName, overridesFromFlags(cmd))
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		t, err := loadTrace(tracePath)
		if err != nil {
			logrus.Fatalf("Failed to load trace %s: %v", tracePath, err)
		}
		log, err := loadDevtoolsLog(devtoolsLogPath)
		if err != nil {
			logrus.Fatalf("Failed to load devtools log %s: %v", devtoolsLogPath, err)
		}

		logrus.Infof("Estimating under %s: rtt=%.0fms throughput=%.0fKbps cpu=%.1fx",
			profile.Name, profile.RTTMs, profile.ThroughputKbps, profile.CPUSlowdownMultiplier)
		report, err := runEstimate(cmd.Context(), lantern.MetricInputs{Trace: t, DevtoolsLog: log, Throttling: profile})
		if err != nil {
			logrus.Fatalf("Estimation aborted: %v", err)
		}
		if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
			logrus.Fatalf("Failed to write report: %v", err)
		}
		logrus.Infof("Estimation complete: %d metrics, %d cache hits", len(report.Metrics), report.Cache.Hits)
	},
}

func init() {
	estimateCmd.Flags().StringVar(&tracePath, "trace", "", "Path to the performance trace (JSON object or array form)")
	estimateCmd.Flags().StringVar(&devtoolsLogPath, "devtools-log", "", "Path to the devtools protocol log (JSON array)")
	estimateCmd.Flags().StringVar(&profileName, "profile", lantern.MobileSlow4G.Name, "Throttling profile name")
	estimateCmd.Flags().StringVar(&profilesPath, "profiles", "", "YAML file adding or replacing throttling profiles")
	estimateCmd.Flags().Float64Var(&rttMs, "rtt", 0, "Override the profile round trip time (ms)")
	estimateCmd.Flags().Float64Var(&throughputKbps, "throughput", 0, "Override the profile throughput (Kbps)")
	estimateCmd.Flags().Float64Var(&cpuSlowdown, "cpu-slowdown", 0, "Override the profile CPU slowdown multiplier")
	_ = estimateCmd.MarkFlagRequired("trace")
	_ = estimateCmd.MarkFlagRequired("devtools-log")
}
