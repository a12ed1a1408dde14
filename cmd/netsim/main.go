// Command netsim runs the user-space network fabric emulator
// described in spec.md §6: it loads and validates a YAML topology,
// builds the fabric, opens the two host TUN devices (or a mock
// file-based ingress pair), and runs the multiplexer until signalled
// to stop.
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ayourtch/network-simulator/config"
	"github.com/ayourtch/network-simulator/fabric"
	"github.com/ayourtch/network-simulator/iface"
	"github.com/ayourtch/network-simulator/mockingress"
	"github.com/ayourtch/network-simulator/mux"
	"github.com/ayourtch/network-simulator/stats"
	"github.com/ayourtch/network-simulator/topology"
)

type options struct {
	configPath   string
	verbose      bool
	seedOverride int64
	reportStats  bool
	checkOnly    bool

	mockIn    []string
	mockOut   []string
	mockEntry []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "netsim",
		Short: "user-space network fabric emulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNetsim(cmd.Context(), &opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the fabric's YAML configuration (required)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug-level logging")
	flags.Int64Var(&opts.seedOverride, "seed", -1, "override the configured simulation seed (-1 leaves config/entropy choice in place)")
	flags.BoolVar(&opts.reportStats, "report-stats", false, "emit per-router counters on shutdown")
	flags.BoolVar(&opts.checkOnly, "check", false, "load and validate the configuration, then exit without running")
	flags.StringSliceVar(&opts.mockIn, "mock-in", nil, "path to a hex-encoded packet file to replay through the fabric instead of a real TUN device (repeatable)")
	flags.StringSliceVar(&opts.mockOut, "mock-out", nil, "path to write hex-encoded forwarded packets, one per --mock-in (repeatable)")
	flags.StringSliceVar(&opts.mockEntry, "mock-entry", nil, `anchor each --mock-in file enters from, "a" or "b" (repeatable, defaults to "a")`)
	cmd.MarkFlagRequired("config")

	return cmd
}

func newLogger(verbose bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func runNetsim(ctx context.Context, opts *options) error {
	log, err := newLogger(opts.verbose)
	if err != nil {
		return fmt.Errorf("netsim: building logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("netsim: invalid configuration: %w", err)
	}
	if opts.checkOnly {
		log.Info("configuration valid", zap.String("path", opts.configPath))
		return nil
	}

	var seed *uint64
	if opts.seedOverride >= 0 {
		s := uint64(opts.seedOverride)
		seed = &s
	}
	fab, err := fabric.Build(cfg, seed)
	if err != nil {
		return fmt.Errorf("netsim: building fabric: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if len(opts.mockIn) > 0 {
		return runMockIngress(ctx, fab, log, opts)
	}
	return runLive(ctx, fab, cfg, log, opts)
}

// runMockIngress replays one or more hex-encoded packet files through
// the fabric (spec.md §6: "mock ingress from one or more byte-encoded
// packet files... with corresponding output files produced side-by-
// side"). Each --mock-in has a corresponding --mock-out at the same
// index, and an optional --mock-entry selecting which anchor ("a" or
// "b") that file enters from; an omitted --mock-entry defaults to "a".
func runMockIngress(ctx context.Context, fab *fabric.Fabric, log *zap.Logger, opts *options) error {
	if len(opts.mockOut) != len(opts.mockIn) {
		return fmt.Errorf("netsim: --mock-in and --mock-out must be given the same number of times (%d vs %d)", len(opts.mockIn), len(opts.mockOut))
	}
	if len(opts.mockEntry) > len(opts.mockIn) {
		return fmt.Errorf("netsim: --mock-entry given more times (%d) than --mock-in (%d)", len(opts.mockEntry), len(opts.mockIn))
	}

	for i, inPath := range opts.mockIn {
		entry := "a"
		if i < len(opts.mockEntry) {
			entry = opts.mockEntry[i]
		}
		entryRouter, destAnchor, err := mockDirection(fab, entry)
		if err != nil {
			return fmt.Errorf("netsim: --mock-entry[%d]: %w", i, err)
		}
		if err := mockingress.Run(ctx, fab.Engine, log, inPath, opts.mockOut[i], entryRouter, destAnchor); err != nil {
			return err
		}
	}

	if opts.reportStats {
		stats.Report(log, fab.Snapshots())
	}
	return nil
}

// mockDirection resolves a --mock-entry value to the router a mock
// file enters the fabric at and the anchor it is destined for.
func mockDirection(fab *fabric.Fabric, entry string) (topology.RouterID, topology.RouterID, error) {
	switch entry {
	case "a", "A", "":
		return fab.IngressRouterA, topology.AnchorTunB, nil
	case "b", "B":
		return fab.IngressRouterB, topology.AnchorTunA, nil
	default:
		return "", "", fmt.Errorf(`must be "a" or "b", got %q`, entry)
	}
}

func runLive(ctx context.Context, fab *fabric.Fabric, cfg *config.Config, log *zap.Logger, opts *options) error {
	devA, err := openEndpoint(cfg.Interfaces.TunA)
	if err != nil {
		return fmt.Errorf("netsim: opening tun_a: %w", err)
	}
	defer devA.Close()

	devB, err := openEndpoint(cfg.Interfaces.TunB)
	if err != nil {
		return fmt.Errorf("netsim: opening tun_b: %w", err)
	}
	defer devB.Close()

	m := &mux.Multiplexer{
		Engine:         fab.Engine,
		Log:            log,
		DeviceA:        devA,
		DeviceB:        devB,
		NoPIA:          cfg.Interfaces.TunA.NoPI,
		NoPIB:          cfg.Interfaces.TunB.NoPI,
		IngressA:       fab.IngressRouterA,
		IngressB:       fab.IngressRouterB,
		MaxReadRetries: 5,
	}

	runErr := m.Run(ctx)
	if opts.reportStats {
		stats.Report(log, fab.Snapshots())
	}
	return runErr
}

func openEndpoint(ep config.TunEndpoint) (*iface.Device, error) {
	dev, err := iface.Open(ep.Name, ep.NoPI)
	if err != nil {
		return nil, err
	}
	if ep.Addr != "" {
		addr, err := netip.ParseAddr(ep.Addr)
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("parsing address %q: %w", ep.Addr, err)
		}
		prefix := netip.PrefixFrom(addr, ep.Prefix)
		if err := dev.SetAddr(prefix); err != nil {
			dev.Close()
			return nil, err
		}
	}
	return dev, nil
}
