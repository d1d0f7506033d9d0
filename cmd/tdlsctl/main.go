// Command tdlsctl enables, disables and queries TDLS direct links through
// the nl80211 vendor commands of a WiFi driver.
//
// Usage:
//
//	tdlsctl <command> [flags] <peer>
//
// Commands:
//
//	enable   Ask the driver to enable TDLS with a peer
//	disable  Ask the driver to tear down TDLS with a peer
//	status   Print the TDLS status of a peer
//	watch    Enable TDLS with a peer and print state changes until interrupted
//
// Examples:
//
//	# Enable TDLS on channel 40 of operating class 81
//	tdlsctl enable -i wlan0 -channel 40 -class 81 aa:bb:cc:dd:ee:ff
//
//	# Follow state changes and serve Prometheus metrics
//	tdlsctl watch -config /etc/tdlsctl.toml -metrics :9110 aa:bb:cc:dd:ee:ff
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wlanctl/tdls"
)

const usage = `tdlsctl - TDLS vendor command tool

Usage:
  tdlsctl <command> [flags] <peer>

Commands:
  enable   Ask the driver to enable TDLS with a peer
  disable  Ask the driver to tear down TDLS with a peer
  status   Print the TDLS status of a peer
  watch    Enable TDLS with a peer and print state changes until interrupted

Use "tdlsctl <command> -help" for more information about a command.
`

// A tdlsClient is the subset of *tdls.Client used by tdlsctl.
type tdlsClient interface {
	Enable(ifname string, peer net.HardwareAddr, p tdls.Params, h tdls.Handler) error
	Disable(ifname string, peer net.HardwareAddr) error
	Status(ifname string, peer net.HardwareAddr) (*tdls.Status, error)
	Close() error
}

var newClient = func(cfg *tdls.Config) (tdlsClient, error) {
	return tdls.New(cfg)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var code int
	switch cmd {
	case "enable":
		code = runEnable(args, os.Stdout, os.Stderr)
	case "disable":
		code = runDisable(args, os.Stdout, os.Stderr)
	case "status":
		code = runStatus(args, os.Stdout, os.Stderr)
	case "watch":
		code = runWatch(args, os.Stdout, os.Stderr)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		code = 2
	}

	os.Exit(code)
}

// An invocation is a parsed tdlsctl command line.
type invocation struct {
	cfg  config
	peer net.HardwareAddr
}

// parseArgs parses the flags and peer argument of the named command. Flags
// which are set override the values of the config file.
func parseArgs(name string, args []string, stderr io.Writer) (*invocation, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage:\n  tdlsctl %s [flags] <peer>\n\nFlags:\n", name)
		fs.PrintDefaults()
	}

	var (
		configPath = fs.String("config", "", "TOML configuration file")
		ifname     = fs.String("i", "", "WiFi interface name (default \"wlan0\")")
		vendor     = fs.Uint("vendor", 0, "vendor OUI carried by commands (default 0x001374)")
		level      = fs.String("log-level", "", "log level: debug, info, warn or error")

		channel   *uint
		class     *uint
		latency   *time.Duration
		bandwidth *uint
		metrics   *string
	)

	if name == "enable" || name == "watch" {
		channel = fs.Uint("channel", 0, "channel on which to form the direct link")
		class = fs.Uint("class", 0, "global operating class of the channel")
		latency = fs.Duration("max-latency", 0, "maximum latency tolerated by the traffic (default 100ms)")
		bandwidth = fs.Uint("min-bandwidth", 0, "minimum bandwidth required by the traffic, in kbit/s")
	}
	if name == "watch" {
		metrics = fs.String("metrics", "", "address on which to serve Prometheus metrics")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return nil, errors.New("exactly one peer address is required")
	}

	peer, err := net.ParseMAC(fs.Arg(0))
	if err != nil {
		return nil, err
	}
	if len(peer) != 6 {
		return nil, fmt.Errorf("%s: %w", fs.Arg(0), tdls.ErrInvalidAddress)
	}

	cfg := defaultConfig()
	if *configPath != "" {
		if cfg, err = loadConfig(*configPath, cfg); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}

		switch f.Name {
		case "i":
			cfg.Interface = *ifname
		case "vendor":
			cfg.VendorID, err = uint32Flag(f.Name, *vendor)
		case "log-level":
			lvl, perr := zerolog.ParseLevel(*level)
			if perr != nil {
				err = fmt.Errorf("parse -log-level: %w", perr)
				return
			}
			cfg.LogLevel = lvl
		case "channel":
			cfg.Params.Channel, err = uint32Flag(f.Name, *channel)
		case "class":
			cfg.Params.GlobalOperatingClass, err = uint32Flag(f.Name, *class)
		case "max-latency":
			if *latency < 0 {
				err = fmt.Errorf("-max-latency must not be negative: %s", *latency)
				return
			}
			cfg.Params.MaxLatency = *latency
		case "min-bandwidth":
			cfg.Params.MinBandwidthKbps, err = uint32Flag(f.Name, *bandwidth)
		case "metrics":
			cfg.Metrics = *metrics
		}
	})
	if err != nil {
		return nil, err
	}

	return &invocation{cfg: cfg, peer: peer}, nil
}

// uint32Flag narrows the value of the named flag to the width of its
// attribute.
func uint32Flag(name string, v uint) (uint32, error) {
	if uint64(v) > math.MaxUint32 {
		return 0, fmt.Errorf("-%s: %d is out of range for a 32-bit value", name, v)
	}

	return uint32(v), nil
}

func newLogger(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "tdlsctl").Logger()
	log.Logger = logger
	return logger
}

// setup parses args and opens a client for the named command.
func setup(name string, args []string, stderr io.Writer) (*invocation, tdlsClient, zerolog.Logger, int) {
	inv, err := parseArgs(name, args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, nil, zerolog.Nop(), 0
		}

		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, zerolog.Nop(), 2
	}

	logger := newLogger(stderr, inv.cfg.LogLevel)

	c, err := newClient(&tdls.Config{
		VendorID: inv.cfg.VendorID,
		Logger:   &logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open TDLS client")
		return nil, nil, logger, 1
	}

	return inv, c, logger, 0
}

// fail logs err with its status code and returns the process exit code.
func fail(logger zerolog.Logger, inv *invocation, command string, err error) int {
	logger.Error().
		Err(err).
		Int("code", tdls.Code(err)).
		Str("interface", inv.cfg.Interface).
		Stringer("peer", inv.peer).
		Msgf("TDLS %s failed", command)
	return 1
}

func runEnable(args []string, stdout, stderr io.Writer) int {
	inv, c, logger, code := setup("enable", args, stderr)
	if c == nil {
		return code
	}
	defer c.Close()

	err := c.Enable(inv.cfg.Interface, inv.peer, inv.cfg.Params, func(peer net.HardwareAddr, s tdls.Status) {
		printStatus(stdout, &s)
	})
	if err != nil {
		return fail(logger, inv, "enable", err)
	}

	fmt.Fprintf(stdout, "TDLS enabled with %s on %s\n", inv.peer, inv.cfg.Interface)
	return 0
}

func runDisable(args []string, stdout, stderr io.Writer) int {
	inv, c, logger, code := setup("disable", args, stderr)
	if c == nil {
		return code
	}
	defer c.Close()

	if err := c.Disable(inv.cfg.Interface, inv.peer); err != nil {
		return fail(logger, inv, "disable", err)
	}

	fmt.Fprintf(stdout, "TDLS disabled with %s on %s\n", inv.peer, inv.cfg.Interface)
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	inv, c, logger, code := setup("status", args, stderr)
	if c == nil {
		return code
	}
	defer c.Close()

	s, err := c.Status(inv.cfg.Interface, inv.peer)
	if err != nil {
		return fail(logger, inv, "status", err)
	}

	printStatus(stdout, s)
	return 0
}

func runWatch(args []string, stdout, stderr io.Writer) int {
	inv, c, logger, code := setup("watch", args, stderr)
	if c == nil {
		return code
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if inv.cfg.Metrics != "" {
		srv := serveMetrics(inv.cfg.Metrics, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	return watch(ctx, c, inv, stdout, logger)
}

// watch enables TDLS with the invocation's peer and prints every state change
// until ctx is canceled, then disables TDLS again.
func watch(ctx context.Context, c tdlsClient, inv *invocation, stdout io.Writer, logger zerolog.Logger) int {
	events := make(chan tdls.Status, 16)
	err := c.Enable(inv.cfg.Interface, inv.peer, inv.cfg.Params, func(_ net.HardwareAddr, s tdls.Status) {
		select {
		case events <- s:
		default:
			logger.Warn().Stringer("state", s.State).Msg("dropping TDLS state change, output is blocked")
		}
	})
	if err != nil {
		return fail(logger, inv, "enable", err)
	}

	logger.Info().
		Str("interface", inv.cfg.Interface).
		Stringer("peer", inv.peer).
		Msg("watching TDLS state changes")

	for {
		select {
		case s := <-events:
			printStatus(stdout, &s)
		case <-ctx.Done():
			drain(events, stdout)

			if err := c.Disable(inv.cfg.Interface, inv.peer); err != nil {
				return fail(logger, inv, "disable", err)
			}

			return 0
		}
	}
}

// drain prints the state changes already queued on events.
func drain(events <-chan tdls.Status, stdout io.Writer) {
	for {
		select {
		case s := <-events:
			printStatus(stdout, &s)
		default:
			return
		}
	}
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	tdls.RegisterMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return srv
}

func printStatus(w io.Writer, s *tdls.Status) {
	fmt.Fprintf(w, "%s: state %s, reason %s, channel %d, global operating class %d\n",
		s.Peer, s.State, s.Reason, s.Channel, s.GlobalOperatingClass)
}
