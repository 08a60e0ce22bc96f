package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/framerelay/agent/internal/capture"
	"github.com/framerelay/agent/internal/config"
	"github.com/framerelay/agent/internal/logging"
	"github.com/framerelay/agent/internal/metrics"
	"github.com/framerelay/agent/internal/ringbuf"
	"github.com/framerelay/agent/internal/sink"
	"github.com/framerelay/agent/internal/softdev"
)

var (
	version = "0.1.0"
	cfgFile string

	watchChannel string
	watchCount   int
	watchDumpDir string
)

var rootCmd = &cobra.Command{
	Use:   "framerelay",
	Short: "Framerelay capture agent",
	Long:  `Framerelay - frame capture and shared-memory delivery agent`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the capture pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		runPipeline()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Attach to a frame channel and consume frames",
	Run: func(cmd *cobra.Command, args []string) {
		watchChannelCmd()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show process and channel status",
	Run: func(cmd *cobra.Command, args []string) {
		showStatus()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("framerelay v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/framerelay/framerelay.yaml)")

	watchCmd.Flags().StringVar(&watchChannel, "channel", "", "channel name to attach to (default from config)")
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "stop after this many frames (0 = run until interrupted)")
	watchCmd.Flags().StringVar(&watchDumpDir, "dump", "", "directory to write raw frame payloads into")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var out *logging.RotatingWriter
	if cfg.LogFile != "" {
		out, err = logging.NewRotatingWriter(cfg.LogFile, 20, 3)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
	}
	if out != nil {
		logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	} else {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	}

	// Validate clamps unusable values and logs what it changed; startup
	// proceeds on the corrected config.
	cfg.Validate()
	return cfg
}

func runPipeline() {
	cfg := loadConfig()
	log := logging.L("main")

	sessionID := uuid.NewString()
	log.Info("starting framerelay", "version", version, logging.KeySession, sessionID)

	mets := metrics.New()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mets.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn("metrics server stopped", logging.KeyError, err)
			}
		}()
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	// The software swap chain stands in for a hooked render path; the rest
	// of the pipeline is identical either way.
	source := softdev.NewSource(softdev.NewSwapChain(1280, 720))

	mgr := capture.New(cfg, source, mets)
	if err := mgr.Initialize(); err != nil {
		log.Error("capture initialization failed", logging.KeyError, err)
		os.Exit(1)
	}

	source.Start(cfg.CaptureFPS)
	log.Info("capture running",
		logging.KeyChannel, cfg.ChannelName,
		"fps", cfg.CaptureFPS)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	source.Stop()
	mgr.Shutdown()
	if err := ringbuf.Unlink(cfg.ChannelName); err != nil {
		log.Warn("channel cleanup failed", logging.KeyError, err)
	}
}

func watchChannelCmd() {
	cfg := loadConfig()
	log := logging.L("watch")

	name := watchChannel
	if name == "" {
		name = cfg.ChannelName
	}

	tr := ringbuf.New(name, ringbuf.Options{}, nil)
	if err := tr.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open channel %q: %v\n", name, err)
		os.Exit(1)
	}
	defer tr.Close()

	if tr.IsCreator() {
		log.Warn("channel did not exist; created it and waiting for a producer", logging.KeyChannel, name)
	}

	var dumper *sink.Sink
	if watchDumpDir != "" {
		var err error
		dumper, err = sink.New(watchDumpDir, 2, 16, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open dump directory: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			dumper.Drain(ctx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	seen := 0
	for {
		select {
		case <-sigChan:
			printStats(tr)
			return
		default:
		}

		tr.WaitForFrame(250 * time.Millisecond)
		for {
			buf, ok, err := tr.ReadFrame()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Read failed: %v\n", err)
				os.Exit(1)
			}
			if !ok {
				break
			}
			seen++
			fmt.Printf("frame seq=%d %dx%d stride=%d format=%s ts=%d payload=%dB\n",
				buf.Sequence, buf.Width, buf.Height, buf.Stride, buf.Format, buf.Timestamp, len(buf.Data))

			if dumper != nil {
				dumper.Offer(buf)
			}

			if watchCount > 0 && seen >= watchCount {
				printStats(tr)
				return
			}
		}
	}
}

func printStats(tr *ringbuf.Transport) {
	st, err := tr.Stats()
	if err != nil {
		return
	}
	fmt.Printf("channel: slots=%d slotSize=%dB capacity=%d depth=%d sequence=%d\n",
		st.SlotCount, st.SlotSize, st.Capacity, st.Depth, st.Sequence)
}

func showStatus() {
	cfg := loadConfig()

	fmt.Printf("framerelay v%s\n", version)
	printProcessInfo()

	tr := ringbuf.New(cfg.ChannelName, ringbuf.Options{}, nil)
	if err := tr.Initialize(); err != nil {
		fmt.Printf("channel %q: unavailable (%v)\n", cfg.ChannelName, err)
		return
	}
	defer tr.Close()

	if tr.IsCreator() {
		// Probing created the channel, so no producer is running. Remove the
		// probe artifact on the way out.
		fmt.Printf("channel %q: no active producer\n", cfg.ChannelName)
		tr.Close()
		ringbuf.Unlink(cfg.ChannelName)
		return
	}

	fmt.Printf("channel %q: active\n", cfg.ChannelName)
	printStats(tr)
}
