package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/itohio/goplasma/pkg/acquisition"
	"github.com/itohio/goplasma/pkg/config"
	"github.com/itohio/goplasma/pkg/driver"
	"github.com/itohio/goplasma/pkg/lifecycle"
	"github.com/itohio/goplasma/pkg/link"
	"github.com/itohio/goplasma/pkg/logging"
	"github.com/itohio/goplasma/pkg/sim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// flags collects the persistent command line overrides.
type flags struct {
	configPath  string
	port        string
	mock        bool
	metricsAddr string
	logLevel    string
}

func currentFlags() flags {
	return flags{
		configPath:  configPath,
		port:        portName,
		mock:        useMock,
		metricsAddr: metricsAddr,
		logLevel:    logLevel,
	}
}

// environment is the wiring shared by every front-end: configuration,
// logger, metrics and the device controller.
type environment struct {
	cfg     *config.Config
	cfgPath string
	mock    bool

	log      *logrus.Logger
	registry *prometheus.Registry
	metrics  *acquisition.Metrics
	ctrl     *driver.Controller
	server   *http.Server

	linkMu sync.RWMutex
	link   *link.Link
}

func newEnvironment(f flags) (*environment, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if f.port != "" {
		cfg.Serial.Port = f.port
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = f.metricsAddr
	}

	e := &environment{
		cfg:      cfg,
		cfgPath:  f.configPath,
		mock:     f.mock,
		log:      logging.Setup(cfg.Log),
		registry: prometheus.NewRegistry(),
	}
	e.registry.MustRegister(collectors.NewGoCollector())
	e.registerLinkStats()
	e.metrics = acquisition.NewMetrics(e.registry)
	e.ctrl = driver.New(e.dialer(), cfg.Limits, e.log)

	if cfg.Metrics.Enabled {
		e.serveMetrics(cfg.Metrics.Addr)
	}
	return e, nil
}

// dialer opens the serial port, or a fresh simulator in mock mode. The most
// recent link is kept for the traffic metrics.
func (e *environment) dialer() driver.Dialer {
	return func() (driver.Transport, error) {
		opts := []link.Option{link.WithLogger(e.log)}

		var (
			l   *link.Link
			err error
		)
		if e.mock {
			dev := sim.New(e.cfg.Mock)
			if err := dev.SetReadTimeout(e.cfg.Serial.ReadTimeout); err != nil {
				return nil, err
			}
			l = link.New(dev, append(opts, link.WithCharDelay(e.cfg.Serial.CharDelay))...)
		} else {
			l, err = link.Open(e.cfg.Serial, opts...)
			if err != nil {
				return nil, err
			}
		}

		e.linkMu.Lock()
		e.link = l
		e.linkMu.Unlock()
		return l, nil
	}
}

func (e *environment) linkStats() link.Stats {
	e.linkMu.RLock()
	defer e.linkMu.RUnlock()
	if e.link == nil {
		return link.Stats{}
	}
	return e.link.Stats()
}

func (e *environment) registerLinkStats() {
	counter := func(name, help string, value func(link.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(value(e.linkStats()))
		})
	}
	e.registry.MustRegister(
		counter("plasma_link_commands_total", "Commands sent on the current link", func(s link.Stats) int64 { return s.Commands }),
		counter("plasma_link_bytes_sent_total", "Bytes written on the current link", func(s link.Stats) int64 { return s.BytesSent }),
		counter("plasma_link_bytes_read_total", "Bytes read on the current link", func(s link.Stats) int64 { return s.BytesRead }),
		counter("plasma_link_no_replies_total", "Exchanges that timed out without a reply", func(s link.Stats) int64 { return s.NoReplies }),
	)
}

func (e *environment) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	e.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		e.log.WithField("addr", addr).Info("Serving metrics")
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.WithError(err).Error("Metrics server stopped")
		}
	}()
}

// manager creates the lifecycle manager publishing to display.
func (e *environment) manager(display acquisition.Display) *lifecycle.Manager {
	return lifecycle.New(e.ctrl, display, e.cfg.Acquisition, e.log, lifecycle.WithMetrics(e.metrics))
}

// connect initializes the controller.
func (e *environment) connect() error {
	if err := e.ctrl.Initialize(); err != nil {
		return err
	}
	if e.mock {
		e.log.Info("Connected to simulated driver")
	} else {
		e.log.WithField("port", e.cfg.Serial.Port).Info("Connected")
	}
	return nil
}

// close returns the hardware to a safe state, if it was ever reached, and
// releases everything.
func (e *environment) close(mgr *lifecycle.Manager) error {
	var errs []error
	if mgr != nil && e.ctrl.Snapshot().Initialized {
		if err := mgr.ShutdownSystem(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.ctrl.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
