package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/crawl-coordinator/pkg/config"
	"github.com/Sriram-PR/crawl-coordinator/pkg/coordinator"
	"github.com/Sriram-PR/crawl-coordinator/pkg/fingerprint"
	"github.com/Sriram-PR/crawl-coordinator/pkg/fleet"
	"github.com/Sriram-PR/crawl-coordinator/pkg/metrics"
	"github.com/Sriram-PR/crawl-coordinator/pkg/models"
	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "claim":
		runClaim(os.Args[2:])
	case "clear":
		runClear(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "race":
		runRace(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		fmt.Printf("crawl-coordinator %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `crawl-coordinator - Shared duplicate-request coordinator for crawl workers

Usage:
  crawl-coordinator <command> [options]

Commands:
  claim     Claim URLs (arguments or stdin) and print NEW or SEEN for each
  clear     Remove every fingerprint from the seen-set (pre-crawl reset)
  stats     Show the number of stored fingerprints
  race      Run several worker sessions over the same URLs and verify one claim each
  validate  Validate configuration file
  version   Show version info

Run 'crawl-coordinator <command> -h' for command-specific help.`)
}

// commonFlags are shared by every command that opens the seen-set
type commonFlags struct {
	configFile  *string
	backend     *string
	logLevel    *string
	metricsAddr *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configFile:  fs.String("config", "config.yaml", "Path to config file"),
		backend:     fs.String("backend", "", "Override backend kind (durable-kv, embedded-transactional, flat-file, embedded-kv or redis, sqlite, file, badger)"),
		logLevel:    fs.String("loglevel", "", "Log level (debug, info, warn, error, fatal); overrides log_level"),
		metricsAddr: fs.String("metrics-addr", "", "Serve Prometheus metrics at this address, e.g. :9102; overrides metrics_addr"),
	}
}

// loadConfig loads and parses the config file
func loadConfig(path string) (*config.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg config.AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// setupLogger creates the process logger writing to w
func setupLogger(levelStr string, w io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", levelStr, err)
	} else {
		log.SetLevel(level)
	}
	return log
}

// session bundles what every seen-set command needs
type session struct {
	cfg     *config.AppConfig
	log     *logrus.Logger
	metrics *metrics.Metrics
	stop    func()
}

// loadSession loads and validates the config, applies flag overrides and starts the metrics listener
func loadSession(flags commonFlags, stderr io.Writer) (*session, error) {
	appCfg, err := loadConfig(*flags.configFile)
	if err != nil {
		return nil, err
	}
	if *flags.backend != "" {
		appCfg.Backend.Kind = models.BackendKind(*flags.backend)
	}
	if *flags.logLevel != "" {
		appCfg.LogLevel = *flags.logLevel
	}
	if *flags.metricsAddr != "" {
		appCfg.MetricsAddr = *flags.metricsAddr
	}

	warnings, err := appCfg.Validate()
	log := setupLogger(appCfg.LogLevel, stderr)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, err
	}

	s := &session{cfg: appCfg, log: log, metrics: metrics.New(), stop: func() {}}
	if appCfg.MetricsAddr != "" {
		s.stop = startMetricsServer(appCfg.MetricsAddr, s.metrics, log)
	}
	return s, nil
}

// startMetricsServer serves /metrics in the background and returns its shutdown func
func startMetricsServer(addr string, m *metrics.Metrics, log *logrus.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Infof("Serving metrics at http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server error: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warnf("metrics server shutdown: %v", err)
		}
	}
}

// openCoordinator builds and opens a Coordinator for the session
func (s *session) openCoordinator(ctx context.Context) (*coordinator.Coordinator, error) {
	fp := fingerprint.New(s.cfg.Fingerprint.Options())
	c, err := coordinator.New(s.cfg.Backend, fp,
		coordinator.WithLogger(s.log.WithField("component", "coordinator")),
		coordinator.WithMetrics(s.metrics))
	if err != nil {
		return nil, err
	}
	if err := c.Open(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// signalContext is cancelled on SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// readURLs returns args, or non-blank lines of r when there are no args
func readURLs(args []string, r io.Reader) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}

// runClaim handles the claim subcommand
func runClaim(args []string) {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	flags := addCommonFlags(fs)
	method := fs.String("method", "GET", "HTTP method of the claimed requests")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: crawl-coordinator claim [options] [url...]\n\nURLs are read from stdin when none are given.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  crawl-coordinator claim https://example.edu/a https://example.edu/b\n")
		fmt.Fprintf(os.Stderr, "  crawl-coordinator claim -backend redis < urls.txt\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	os.Exit(doClaim(ctx, flags, *method, fs.Args(), os.Stdin, os.Stdout, os.Stderr))
}

// doClaim claims each URL and prints NEW, SEEN or ERROR per line.
// Returns exit code (0 = success, 1 = any error).
func doClaim(ctx context.Context, flags commonFlags, method string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	s, err := loadSession(flags, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer s.stop()

	urls, err := readURLs(args, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error: read urls: %v\n", err)
		return 1
	}

	c, err := s.openCoordinator(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer c.Close()

	exitCode := 0
	for _, u := range urls {
		if ctx.Err() != nil {
			fmt.Fprintln(stderr, "Interrupted")
			return 1
		}
		req := models.Request{Method: method, URL: u}
		seen, err := c.ClaimOrSeen(ctx, req)
		switch {
		case err != nil:
			fmt.Fprintf(stdout, "ERROR\t%s\t%s\n", u, utils.CategorizeError(err))
			fmt.Fprintf(stderr, "Error: %s: %v\n", u, err)
			exitCode = 1
		case seen:
			fmt.Fprintf(stdout, "SEEN\t%s\n", u)
		default:
			fmt.Fprintf(stdout, "NEW\t%s\n", u)
		}
	}
	return exitCode
}

// runClear handles the clear subcommand
func runClear(args []string) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	flags := addCommonFlags(fs)
	yes := fs.Bool("yes", false, "Confirm removal of every stored fingerprint")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: crawl-coordinator clear -yes [options]\n\nRun only while no worker is crawling.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	os.Exit(doClear(ctx, flags, *yes, os.Stdout, os.Stderr))
}

// doClear resets the seen-set.
// Returns exit code (0 = success, 1 = error).
func doClear(ctx context.Context, flags commonFlags, confirmed bool, stdout, stderr io.Writer) int {
	if !confirmed {
		fmt.Fprintln(stderr, "Error: clear removes every stored fingerprint; rerun with -yes to confirm")
		return 1
	}
	s, err := loadSession(flags, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer s.stop()

	c, err := s.openCoordinator(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer c.Close()

	if err := c.ClearSession(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: clear failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Cleared seen-set (%s)\n", c.Kind())
	return 0
}

// runStats handles the stats subcommand
func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	flags := addCommonFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: crawl-coordinator stats [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	os.Exit(doStats(ctx, flags, os.Stdout, os.Stderr))
}

// doStats prints the backend kind and fingerprint count.
// Returns exit code (0 = success, 1 = error).
func doStats(ctx context.Context, flags commonFlags, stdout, stderr io.Writer) int {
	s, err := loadSession(flags, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer s.stop()

	c, err := s.openCoordinator(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer c.Close()

	count, err := c.Count(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: count failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Backend:      %s\n", c.Kind())
	fmt.Fprintf(stdout, "Fingerprints: %d\n", count)
	return 0
}

// runRace handles the race subcommand
func runRace(args []string) {
	fs := flag.NewFlagSet("race", flag.ExitOnError)
	flags := addCommonFlags(fs)
	workers := fs.Int("workers", 0, "Number of worker sessions (default from config, 4)")
	maxInFlight := fs.Int("max-in-flight", 0, "Concurrent claims per worker (default from config, 8)")
	shared := fs.Bool("shared", false, "Share one session between workers (required for embedded-kv)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: crawl-coordinator race [options] [url...]\n\nURLs are read from stdin when none are given.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  crawl-coordinator race -backend sqlite -workers 8 < urls.txt\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	opts := fleet.Options{Workers: *workers, MaxInFlight: *maxInFlight, ShareSession: *shared}
	os.Exit(doRace(ctx, flags, opts, fs.Args(), os.Stdin, os.Stdout, os.Stderr))
}

// doRace runs a fleet over the URLs and prints per-worker results.
// Returns exit code (0 = every URL claimed exactly once, 1 = otherwise).
func doRace(ctx context.Context, flags commonFlags, opts fleet.Options, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	s, err := loadSession(flags, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer s.stop()

	urls, err := readURLs(args, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error: read urls: %v\n", err)
		return 1
	}
	reqs := make([]models.Request, len(urls))
	for i, u := range urls {
		reqs[i] = models.NewRequest(u)
	}

	if opts.Workers <= 0 {
		opts.Workers = s.cfg.Fleet.Workers
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = s.cfg.Fleet.MaxInFlight
	}

	fp := fingerprint.New(s.cfg.Fingerprint.Options())
	f := fleet.New(s.cfg.Backend, fp, opts, s.log.WithField("component", "fleet"), s.metrics)
	report, err := f.Run(ctx, reqs)

	for _, w := range report.Workers {
		fmt.Fprintf(stdout, "%s\tclaimed=%d\tseen=%d\terrors=%d\n", w.WorkerID, w.Claimed, w.Seen, w.Errors)
	}
	fmt.Fprintf(stdout, "Total: %d claimed of %d distinct (%d requests, %d invalid)\n",
		report.TotalClaimed, report.Distinct, report.Requests, report.Invalid)

	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "OK: every distinct request was claimed exactly once")
	return 0
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: crawl-coordinator validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	exitCode := doValidate(*configFile, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: backend %s\n", appCfg.Backend.Kind)
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}
