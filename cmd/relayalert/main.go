// Relayalert turns an MQTT relay status message into an SMS alert.
//
// It subscribes to a single topic on one broker. When a device publishes
// the trigger payload ("1" by default) it sends one SMS through Twilio
// and then ignores the topic for a cooldown window. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	relayalert serve              Subscribe and send alerts
//	relayalert init [dir]         Write an example config.yaml
//	relayalert send-test          Send the configured alert once
//	relayalert version            Print version and build information
//	relayalert -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/relayalert/internal/alert"
	"github.com/nugget/relayalert/internal/api"
	"github.com/nugget/relayalert/internal/buildinfo"
	"github.com/nugget/relayalert/internal/config"
	"github.com/nugget/relayalert/internal/connwatch"
	"github.com/nugget/relayalert/internal/events"
	"github.com/nugget/relayalert/internal/httpkit"
	"github.com/nugget/relayalert/internal/mqtt"
	"github.com/nugget/relayalert/internal/sms"
)

// shutdownTimeout bounds each cleanup step after a shutdown signal.
const shutdownTimeout = 5 * time.Second

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run] so the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the lifetime of the
// process, structured logs go to stdout, a fatal error is reported on
// stderr before it is returned, and args is os.Args[1:].
// Arguments are parsed by hand; the flag package's globals get in the
// way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) (err error) {
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "relayalert: %s\n", err)
		}
	}()

	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "send-test":
		return runSendTest(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "relayalert - MQTT relay status to SMS alert bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: relayalert [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Subscribe to the status topic and send alerts")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  send-test    Send the configured alert once and exit")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/relayalert/config.yaml, /etc/relayalert/config.yaml")
	return nil
}

// runServe handles the "relayalert serve" subcommand. It wires the
// notifier, monitor and subscriber, starts the optional status API,
// and blocks until ctx is cancelled or SIGINT/SIGTERM arrives.
//
// The shutdown sequence is:
//  1. The monitor is closed so a pending cooldown timer cannot resubscribe
//  2. The subscriber publishes "offline" (if configured) and disconnects
//  3. The status API drains in-flight requests
//  4. Health watchers stop
//
// Every step is best effort: failures are logged and shutdown continues.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting relayalert",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Validate has already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"topic", cfg.MQTT.Topic,
		"cooldown", cfg.Alert.Cooldown().String(),
		"reconnect", cfg.MQTT.Reconnect,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}
	clientID := mqtt.ClientID(cfg.MQTT.ClientPrefix, instanceID)

	bus := events.New()

	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(cfg.Alert.NotifyTimeout()),
		httpkit.WithLogger(logger),
	)
	notifier := sms.New(cfg.Twilio, httpClient, logger.With("component", "sms"))

	monitor := alert.NewMonitor(alert.ConfigFrom(cfg), notifier, bus, logger.With("component", "monitor"))
	sub := mqtt.NewSubscriber(cfg.MQTT, clientID, monitor.HandleMessage, bus, logger.With("component", "mqtt"))
	monitor.SetSource(sub)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sub.Start(ctx); err != nil {
			errCh <- fmt.Errorf("mqtt subscriber: %w", err)
		}
	}()

	watchers := connwatch.NewManager(bus, logger.With("component", "connwatch"))
	watchers.Watch(ctx, connwatch.Target{
		Name:  "mqtt",
		Probe: sub.AwaitConnection,
	})
	if cfg.Twilio.Configured() {
		probeClient := httpkit.NewClient(httpkit.WithTimeout(5 * time.Second))
		watchers.Watch(ctx, connwatch.Target{
			Name:    "twilio",
			Probe:   sms.Probe(probeClient, sms.APIBaseURL),
			Backoff: connwatch.BackoffConfig{PollInterval: 5 * time.Minute},
		})
	}

	var server *api.Server
	if cfg.Listen.Port > 0 {
		server = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, logger.With("component", "api"))
		server.SetMonitor(monitor)
		server.SetSubscriber(sub, cfg.MQTT.Topic)
		server.SetHealth(watchers)
		server.SetEventBus(bus)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("status API: %w", err)
			}
		}()
	}

	logger.Info("relayalert running",
		"client_id", clientID,
		"trigger", cfg.Alert.Trigger,
		"sms_configured", cfg.Twilio.Configured(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("component failed, shutting down", "error", runErr)
	}

	monitor.Close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := sub.Stop(stopCtx); err != nil {
		logger.Warn("mqtt disconnect failed", "error", err)
	}
	stopCancel()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status API shutdown failed", "error", err)
		}
		shutdownCancel()
	}

	cancel()
	watchers.Stop()
	wg.Wait()

	st := monitor.Stats()
	logger.Info("relayalert stopped",
		"received", st.Received,
		"dropped", st.Dropped,
		"alerts_sent", st.Sent,
		"alerts_failed", st.Failed,
	)
	return runErr
}

// runSendTest sends the configured alert once, bypassing MQTT. It is an
// operator check for credentials and phone numbers.
func runSendTest(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	if !cfg.Twilio.Configured() {
		return fmt.Errorf("send-test: %w", sms.ErrNotConfigured)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stdout, level, cfg.LogFormat)

	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(cfg.Alert.NotifyTimeout()),
		httpkit.WithLogger(logger),
	)
	notifier := sms.New(cfg.Twilio, httpClient, logger)

	sendCtx, cancel := context.WithTimeout(ctx, cfg.Alert.NotifyTimeout())
	defer cancel()

	a := alert.ConfigFrom(cfg).Alert
	sid, err := notifier.Notify(sendCtx, a)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Sent test alert to %s (sid %s)\n", a.To, sid)
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
