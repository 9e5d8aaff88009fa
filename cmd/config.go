package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dialohq/fxfsp/internal/engine"
	"github.com/dialohq/fxfsp/internal/services"
)

// Tuning flags shared by the scanning commands. The same knobs map
// from FXFSP_* environment variables; explicit flags win.
var (
	mergeGapKB   int
	maxMergedKB  int
	queueDepth   uint32
	backendName  string
	maxAg        uint32
	autoProfile  bool
	ioLogPath    string
	ioLogLimit   int
)

func init() {
	viper.SetEnvPrefix("FXFSP")
	viper.AutomaticEnv()

	viper.SetDefault("merge_gap_kb", engine.DefaultMergeGap/1024)
	viper.SetDefault("max_merged_kb", engine.DefaultMaxMerged/1024)
	viper.SetDefault("queue_depth", engine.DefaultQueueDepth)
	viper.SetDefault("backend", "auto")
	viper.SetDefault("max_ag", 0)
	viper.SetDefault("io_log", "")
	viper.SetDefault("io_log_limit", 0)
}

// addTuningFlags registers the engine knobs on a scanning command.
func addTuningFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVar(&mergeGapKB, "merge-gap", viper.GetInt("merge_gap_kb"), "coalescing gap in KiB (0 disables)")
	flags.IntVar(&maxMergedKB, "max-merged", viper.GetInt("max_merged_kb"), "largest physical read in KiB")
	flags.Uint32Var(&queueDepth, "queue-depth", viper.GetUint32("queue_depth"), "in-flight reads on the ring backend")
	flags.StringVar(&backendName, "backend", viper.GetString("backend"), "I/O backend (auto, sync, ring)")
	flags.Uint32Var(&maxAg, "max-ag", viper.GetUint32("max_ag"), "scan only the first N allocation groups (0 = all)")
	flags.BoolVar(&autoProfile, "auto-profile", false, "tune gap and read size from the device's sysfs queue")
	flags.StringVar(&ioLogPath, "io-log", viper.GetString("io_log"), "write a phase,offset,len CSV of every read")
	flags.IntVar(&ioLogLimit, "io-log-limit", viper.GetInt("io_log_limit"), "cap on logged reads (0 = unlimited)")
}

// scanOptions assembles the service options from flags and env.
func scanOptions(devicePath string) (services.ScanOptions, error) {
	backend, err := engine.ParseBackend(backendName)
	if err != nil {
		return services.ScanOptions{}, err
	}

	cfg := engine.Config{
		MergeGap:   uint64(mergeGapKB) * 1024,
		MaxMerged:  uint64(maxMergedKB) * 1024,
		QueueDepth: queueDepth,
		Backend:    backend,
	}

	if autoProfile {
		profile := engine.DetectDiskProfile(devicePath)
		cfg.MergeGap = profile.MergeGap
		cfg.MaxMerged = profile.MaxIoBytes
	}

	if cfg.MaxMerged == 0 {
		return services.ScanOptions{}, fmt.Errorf("max-merged must be positive")
	}

	return services.ScanOptions{
		Config:     cfg,
		MaxAg:      maxAg,
		IoLogPath:  ioLogPath,
		IoLogLimit: ioLogLimit,
	}, nil
}
