package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/pageload-sim/sim/artifact"
	"github.com/inference-sim/pageload-sim/sim/elements"
	"github.com/inference-sim/pageload-sim/sim/trace"
)

var (
	snapshotPath       string // Node descriptor snapshot JSON
	animationNamesPath string // Animation id → name JSON
	resolveConcurrency int    // Bound on concurrent node resolutions
)

// loadSnapshot reads a JSON object mapping backend node ids to descriptors.
func loadSnapshot(path string) (elements.StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snapshot elements.StaticResolver
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parsing node snapshot %s: %w", path, err)
	}
	return snapshot, nil
}

// loadAnimationNames reads a JSON object mapping animation ids to names, as
// recorded from Animation.animationStarted during the session.
func loadAnimationNames(path string) (*elements.AnimationNames, error) {
	names := elements.NewAnimationNames()
	if path == "" {
		return names, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing animation names %s: %w", path, err)
	}
	for id, name := range m {
		names.Set(id, name)
	}
	return names, nil
}

// runElements collects the trace elements of t, never returning a nil list on success.
func runElements(ctx context.Context, t *trace.Trace, r elements.Resolver, names *elements.AnimationNames, concurrency int) ([]elements.TraceElement, error) {
	c := &elements.Collector{Resolver: r, Names: names, Concurrency: concurrency}
	found, err := c.Collect(ctx, artifact.NewContext(), t)
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []elements.TraceElement{}
	}
	return found, nil
}

// elementsCmd lists the page elements behind the paint, layout shift and animation events of a trace
var elementsCmd = &cobra.Command{
	Use:   "elements",
	Short: "List the elements that drove LCP, layout shifts and animations",
	Run: func(cmd *cobra.Command, args []string) {
		t, err := loadTrace(tracePath)
		if err != nil {
			logrus.Fatalf("Failed to load trace %s: %v", tracePath, err)
		}
		snapshot, err := loadSnapshot(snapshotPath)
		if err != nil {
			logrus.Fatalf("Failed to load node snapshot: %v", err)
		}
		names, err := loadAnimationNames(animationNamesPath)
		if err != nil {
			logrus.Fatalf("Failed to load animation names: %v", err)
		}

		found, err := runElements(cmd.Context(), t, snapshot, names, resolveConcurrency)
		if err != nil {
			logrus.Fatalf("Element collection failed: %v", err)
		}
		if err := writeJSON(cmd.OutOrStdout(), found); err != nil {
			logrus.Fatalf("Failed to write elements: %v", err)
		}
		logrus.Infof("Collected %d trace elements", len(found))
	},
}

func init() {
	elementsCmd.Flags().StringVar(&tracePath, "trace", "", "Path to the performance trace (JSON object or array form)")
	elementsCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "JSON object mapping backend node ids to node descriptors")
	elementsCmd.Flags().StringVar(&animationNamesPath, "animation-names", "", "JSON object mapping animation ids to names")
	elementsCmd.Flags().IntVar(&resolveConcurrency, "concurrency", elements.DefaultResolveConcurrency, "Maximum concurrent node resolutions")
	_ = elementsCmd.MarkFlagRequired("trace")
	_ = elementsCmd.MarkFlagRequired("snapshot")
}
