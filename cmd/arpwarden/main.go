package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/soyunomas/arpwarden/internal/api"
	"github.com/soyunomas/arpwarden/internal/config"
	"github.com/soyunomas/arpwarden/internal/detector"
	"github.com/soyunomas/arpwarden/internal/gateway"
	"github.com/soyunomas/arpwarden/internal/netprobe"
	"github.com/soyunomas/arpwarden/internal/notifier"
	"github.com/soyunomas/arpwarden/internal/sniffer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.toml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional dotenv file with ARPWARDEN_* overrides")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "arpwarden: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", envFile, err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.System)
	if err != nil {
		return err
	}
	defer closeLog()

	self, err := netprobe.LocalIdentity(&cfg.Network)
	if err != nil {
		return err
	}

	notify := notifier.NewNotifier(&cfg.Alerts, cfg.System.SensorName, notifier.WithLogger(logger))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := notify.Close(ctx); err != nil {
			logger.Error(err, "closing notifier")
		}
	}()

	prober, err := netprobe.New(cfg.Network.Interface, self, netprobe.WithLogger(logger))
	if err != nil {
		return err
	}

	engine := detector.NewEngine(&cfg.Detector, self, prober,
		detector.WithLogger(logger),
		detector.WithPacketSource(sniffer.New(&cfg.Network, sniffer.WithLogger(logger))),
		detector.WithGatewayResolver(gateway.NewResolver(cfg.Network.Interface, cfg.Network.GatewayFallback, gateway.WithLogger(logger))),
		detector.WithAlertSink(notify),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("building baseline", "interface", cfg.Network.Interface, "subnet", self.Subnet, "ip", self.IP, "mac", self.MAC)
	if err := engine.BuildBaseline(ctx); err != nil {
		return fmt.Errorf("building baseline: %w", err)
	}

	if cfg.Detector.MonitorOnStart {
		if err := engine.StartMonitoring(); err != nil {
			return err
		}
	}

	notify.Alert(fmt.Sprintf("[%s] ArpWarden started on %s (%s)", cfg.System.SensorName, cfg.Network.Interface, self.Subnet))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.RunScanner(gctx)
	})
	g.Go(func() error {
		srv := api.NewServer(engine, api.WithLogger(logger), api.WithMetrics(cfg.Telemetry.Enabled))
		return srv.Run(gctx, cfg.API.ListenAddress)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		logger.Error(err, "shutting down after failure")
	}

	if stopErr := engine.StopMonitoring(context.Background()); stopErr != nil {
		logger.Error(stopErr, "stopping monitoring")
	}
	notify.Alert(fmt.Sprintf("[%s] ArpWarden stopped", cfg.System.SensorName))
	return err
}

// newLogger sends logs to the configured file, or stderr when none is set.
// "/dev/null" discards everything.
func newLogger(sys config.SystemConfig) (logr.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}

	switch sys.LogFile {
	case "":
	case "/dev/null":
		out = io.Discard
	default:
		f, err := os.OpenFile(sys.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return logr.Logger{}, nil, fmt.Errorf("failed to open log: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	}

	stdr.SetVerbosity(sys.Verbosity)
	return stdr.New(log.New(out, "", log.LstdFlags)), closeFn, nil
}
