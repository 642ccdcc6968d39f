package cmd

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/pageload-sim/sim/devtools"
	"github.com/inference-sim/pageload-sim/sim/trace"
)

// logLevelEnv names the variable (in the environment or .env) holding the default --log value.
const logLevelEnv = "PAGELOAD_SIM_LOG"

var (
	logLevel  string // Log verbosity level
	tracePath string // Path to the trace JSON
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "pageload-sim",
	Short: "Trace-driven page load metric estimator",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// defaultLogLevel reads the log level default from the environment, loading .env first when present.
func defaultLogLevel() string {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Warnf("Failed to load .env: %v", err)
	}
	if level := os.Getenv(logLevelEnv); level != "" {
		return level
	}
	return "error"
}

func loadTrace(path string) (*trace.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return trace.Load(f)
}

func loadDevtoolsLog(path string) (devtools.Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return devtools.Load(f)
}

// writeJSON writes v as indented JSON followed by a newline.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// init sets up persistent flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", defaultLogLevel(), "Log level (trace, debug, info, warn, error, fatal, panic)")

	rootCmd.AddCommand(estimateCmd)
	rootCmd.AddCommand(elementsCmd)
}
