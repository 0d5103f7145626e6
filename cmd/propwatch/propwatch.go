// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// propwatch logs and counts the PropertiesChanged notifications of one or
// more D-Bus objects.
//
// Objects are given either on the command line:
//
//	propwatch --bus=system --service=org.freedesktop.NetworkManager \
//		--path=/org/freedesktop/NetworkManager \
//		--interface=org.freedesktop.NetworkManager --props=State=u,Connectivity=u
//
// or in a HuJSON config file passed with --config. Every flag may also be
// set with a PROPWATCH_ prefixed environment variable.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/activation"
	"github.com/coreos/go-systemd/daemon"
	"github.com/dbusext/dbusext/cmd/propwatch/conf"
	"github.com/dbusext/dbusext/dbusprops"
	"github.com/dbusext/dbusext/envknob"
	"github.com/dbusext/dbusext/types/logger"
	"github.com/godbus/dbus/v5"
	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// settings is the merged result of the config file and flags.
type settings struct {
	bus         string
	logLevel    string
	logFormat   string
	metricsAddr string
	objects     []conf.Object
}

func main() {
	fs := flag.NewFlagSet("propwatch", flag.ContinueOnError)
	var (
		bus         = fs.String("bus", "", `bus to connect to, "system" or "session" (default "system")`)
		service     = fs.String("service", "", "bus name owning the object; empty accepts any sender")
		path        = fs.String("path", "", "object path to watch")
		iface       = fs.String("interface", "", "interface whose properties are watched")
		props       = fs.String("props", "", "comma-separated list of property signatures, Name=signature. For example, --props=Volume=i,Muted=b")
		configPath  = fs.String("config", "", "path to a HuJSON config file listing objects to watch")
		metricsAddr = fs.String("metrics-addr", "", `address to serve Prometheus metrics on, e.g. localhost:9100, or "systemd" for a socket-activated listener; empty disables it`)
		logLevel    = fs.String("log-level", "", `"debug" or "info" (default "info")`)
		logFormat   = fs.String("log-format", "console", `log encoding, "console" or "json"`)
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("PROPWATCH")); err != nil {
		log.Fatalf("ff.Parse: %v", err)
	}

	s, err := loadSettings(*configPath, flagSettings{
		bus:         *bus,
		service:     *service,
		path:        *path,
		iface:       *iface,
		props:       *props,
		metricsAddr: *metricsAddr,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
	})
	if err != nil {
		log.Fatal(err)
	}

	zlog, err := newLogger(s.logFormat, s.logLevel)
	if err != nil {
		log.Fatal(err)
	}
	envknob.LogCurrent(zlog.Infof)

	ctx, cancel := context.WithCancel(context.Background())
	sigsChan := make(chan os.Signal, 1)
	signal.Notify(sigsChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
		case sig := <-sigsChan:
			zlog.Infof("Received shutdown signal %s, exiting", sig)
			cancel()
		}
	}()

	err = run(ctx, zlog, s)
	cancel()
	os.Exit(exitCode(zlog, err))
}

// exitCode logs err, if any, flushes zlog and returns the process exit
// status.
func exitCode(zlog *zap.SugaredLogger, err error) int {
	code := 0
	if err != nil {
		zlog.Errorw("exiting", "error", err)
		code = 1
	}
	zlog.Sync()
	return code
}

// flagSettings are the raw command line values.
type flagSettings struct {
	bus, service, path, iface, props string
	metricsAddr, logLevel, logFormat string
}

// loadSettings reads the config file at configPath, if any, and applies
// the flags on top of it. Flags naming an object add it to the objects
// from the config file.
func loadSettings(configPath string, f flagSettings) (settings, error) {
	var s settings
	var cfg conf.Config
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return s, fmt.Errorf("error reading config file %q: %w", configPath, err)
		}
		cfg, err = conf.Load(raw)
		if err != nil {
			return s, fmt.Errorf("error loading config file %q: %w", configPath, err)
		}
	}
	s.bus = cmp.Or(f.bus, cfg.GetBus())
	s.logLevel = cmp.Or(f.logLevel, cfg.GetLogLevel())
	s.logFormat = f.logFormat
	s.metricsAddr = cmp.Or(f.metricsAddr, cfg.GetMetricsAddr())
	s.objects = cfg.Parsed.Objects

	if s.bus != conf.BusSystem && s.bus != conf.BusSession {
		return s, fmt.Errorf("unknown --bus %q; want %q or %q", s.bus, conf.BusSystem, conf.BusSession)
	}
	if f.path != "" || f.iface != "" || f.props != "" {
		props, err := conf.ParseProps(f.props)
		if err != nil {
			return s, fmt.Errorf("--props: %w", err)
		}
		o := conf.Object{
			Service:    f.service,
			Path:       f.path,
			Interface:  f.iface,
			Properties: props,
		}
		s.objects = append(s.objects, o)
	}
	if len(s.objects) == 0 {
		return s, errors.New("nothing to watch; use --config, or --path with --interface and --props")
	}
	if err := conf.ValidateObjects(s.objects); err != nil {
		return s, err
	}
	return s, nil
}

func newLogger(format, level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("error parsing log level %q: %w", level, err)
	}
	if format != "json" && format != "console" {
		return nil, fmt.Errorf("unknown --log-format %q", format)
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	l, err := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         format,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    encoderCfg,
	}.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// logfOf returns a Logf writing to zlog, sending "[v1] " lines at debug
// level.
func logfOf(zlog *zap.SugaredLogger) logger.Logf {
	debug := func() bool { return zlog.Level().Enabled(zapcore.DebugLevel) }
	return logger.WithoutVerbose(func(format string, args ...any) {
		if logger.Verbose(format) {
			zlog.Debugf(format, args...)
			return
		}
		zlog.Infof(format, args...)
	}, debug)
}

func run(ctx context.Context, zlog *zap.SugaredLogger, s settings) error {
	conn, err := connect(s.bus)
	if err != nil {
		return fmt.Errorf("error connecting to %s bus: %w", s.bus, err)
	}
	defer conn.Close()

	bc := dbusprops.NewBusConn(conn, logfOf(zlog.Named("bus")))
	defer bc.Close()

	m := newPropwatchMetrics()
	for _, oc := range s.objects {
		o, err := watch(bc, oc, zlog, m)
		if err != nil {
			return err
		}
		defer o.Close()
	}

	group, ctx := errgroup.WithContext(ctx)
	if s.metricsAddr != "" {
		if err := serveMetrics(ctx, group, s.metricsAddr, m.registry, zlog); err != nil {
			return err
		}
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		zlog.Warnf("sd_notify: %v", err)
	}
	group.Go(func() error {
		<-ctx.Done()
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		return nil
	})
	return group.Wait()
}

func connect(bus string) (*dbus.Conn, error) {
	if bus == conf.BusSession {
		return dbus.ConnectSessionBus()
	}
	return dbus.ConnectSystemBus()
}

// watch starts logging and counting the notifications of oc.
func watch(c dbusprops.Conn, oc conf.Object, zlog *zap.SugaredLogger, m *propwatchMetrics) (*dbusprops.Object, error) {
	reg, err := oc.Registry()
	if err != nil {
		return nil, err
	}
	olog := zlog.With("interface", oc.Interface, "path", oc.Path)
	o, err := dbusprops.New(c, dbusprops.Options{
		Service:    oc.Service,
		Path:       dbus.ObjectPath(oc.Path),
		Interface:  oc.Interface,
		Properties: reg,
		Logf:       logfOf(olog),
	})
	if err != nil {
		return nil, err
	}
	o.RegisterChangedCallback(func(name string, value any) {
		olog.Infow("property changed", "property", name, "value", value)
		m.changed(oc.Interface, name)
	})
	o.RegisterInvalidatedCallback(func(name string, err error) {
		if err != nil {
			olog.Warnw("property value rejected", "property", name, "error", err)
		} else {
			olog.Infow("property invalidated", "property", name)
		}
		m.invalidated(oc.Interface, name, err)
	})
	olog.Infow("watching", "service", oc.Service, "properties", reg.Names())
	return o, nil
}

// metricsAddrSystemd is the --metrics-addr value for serving on a socket
// passed by systemd socket activation.
const metricsAddrSystemd = "systemd"

// metricsListener returns the listener to serve metrics on.
func metricsListener(addr string) (net.Listener, error) {
	if addr != metricsAddrSystemd {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("error listening for metrics on %q: %w", addr, err)
		}
		return ln, nil
	}
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("no sockets passed to this service with systemd: %w", err)
	}
	if len(listeners) != 1 {
		return nil, fmt.Errorf("got %d sockets from systemd, want 1", len(listeners))
	}
	return listeners[0], nil
}

// serveMetrics serves the metrics in reg on addr until ctx is done.
func serveMetrics(ctx context.Context, group *errgroup.Group, addr string, reg *prometheus.Registry, zlog *zap.SugaredLogger) error {
	ln, err := metricsListener(addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(zlog.Named("metrics").Warnf),
	}
	zlog.Infof("Serving metrics on http://%s/metrics", ln.Addr())
	group.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error serving metrics: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return nil
}
