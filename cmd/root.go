// cmd/root.go
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kvblocks/kvblocks/kvcache"
	"github.com/kvblocks/kvblocks/workload"
)

var (
	workloadPath string
	totalBlocks  int
	blockSize    int
	windowTokens int64
	maxModelLen  int64
	hashAlgo     string
	useEagle     bool
	noCaching    bool
	emitEvents   bool
	concurrency  int
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "kvblocks",
	Short: "Prefix-caching KV block manager and replay tooling",
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a workload through the KV cache manager",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		spec, err := workload.LoadSpec(workloadPath)
		if err != nil {
			logrus.Fatalf("Loading workload: %v", err)
		}
		items, err := workload.Generate(spec)
		if err != nil {
			logrus.Fatalf("Generating workload: %v", err)
		}

		groups := []kvcache.KVCacheGroupSpec{{
			LayerNames: []string{"full_attn"},
			BlockSize:  blockSize,
			Kind:       kvcache.FullAttention,
		}}
		if windowTokens > 0 {
			groups = append(groups, kvcache.KVCacheGroupSpec{
				LayerNames:   []string{"sliding_attn"},
				BlockSize:    blockSize,
				Kind:         kvcache.SlidingWindow,
				WindowTokens: windowTokens,
			})
		}

		mgr, err := kvcache.NewKVCacheManager(
			kvcache.KVCacheConfig{NumBlocks: totalBlocks, Groups: groups},
			kvcache.ManagerOptions{
				MaxModelLen:   maxModelLen,
				EnableCaching: !noCaching,
				HashAlgo:      kvcache.HashAlgo(hashAlgo),
				UseEagle:      useEagle,
				LogStats:      true,
				EnableEvents:  emitEvents,
			})
		if err != nil {
			logrus.Fatalf("Building KV cache manager: %v", err)
		}

		logrus.Infof("Replaying %d requests through %d blocks (block size %d, %d group(s))",
			len(items), totalBlocks, blockSize, len(groups))
		res := workload.Replay(mgr, items, concurrency, emitEvents)

		logrus.Infof("Requests: %d (preempted %d)", res.Requests, res.Preempted)
		logrus.Infof("Token hit rate: %.2f%% (%d of %d tokens)",
			100*res.HitRate(), res.HitTokens, res.QueriedTokens)
		logrus.Infof("Peak pool usage: %.2f%%", 100*res.PeakUsage)
		if emitEvents {
			logrus.Infof("Cache events observed: %d", res.Events)
		}
		if stats := mgr.PrefixCacheStats(); stats != nil {
			logrus.Infof("Manager counters: %d lookups, %d/%d blocks hit, %d resets",
				stats.Requests, stats.HitBlocks, stats.QueriedBlocks, stats.Resets)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	replayCmd.Flags().StringVar(&workloadPath, "workload", "", "Path to the YAML workload spec (required)")
	replayCmd.Flags().IntVar(&totalBlocks, "kv", 1024, "Total number of KV cache blocks (including the null block)")
	replayCmd.Flags().IntVar(&blockSize, "block-size", 16, "Number of tokens per KV cache block")
	replayCmd.Flags().Int64Var(&windowTokens, "window", 0, "Add a sliding-window cache group with this many tokens (0 = full attention only)")
	replayCmd.Flags().Int64Var(&maxModelLen, "max-model-len", 8192, "Maximum model sequence length in tokens")
	replayCmd.Flags().StringVar(&hashAlgo, "hash", "builtin64", "Block hash algorithm (builtin64, sha256, sha256_cbor_64bit)")
	replayCmd.Flags().BoolVar(&useEagle, "eagle", false, "Trim one block from every hit for speculative decoding")
	replayCmd.Flags().BoolVar(&noCaching, "no-caching", false, "Disable prefix caching (every request recomputes)")
	replayCmd.Flags().BoolVar(&emitEvents, "events", false, "Enable and drain the KV cache event stream")
	replayCmd.Flags().IntVar(&concurrency, "concurrency", 8, "Number of requests kept live at once")
	replayCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	if err := replayCmd.MarkFlagRequired("workload"); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(replayCmd)
}
