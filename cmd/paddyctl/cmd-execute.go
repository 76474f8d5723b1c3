package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/paddyflow/paddyflow/dispatch"
	"github.com/paddyflow/paddyflow/farm"
	"github.com/paddyflow/paddyflow/levels"
	"github.com/paddyflow/paddyflow/plan"
	"github.com/paddyflow/paddyflow/regen"
	"github.com/paddyflow/paddyflow/sched"
)

type cmdExecute struct {
	Config      string        `long:"config" required:"true" description:"Farm configuration file (YAML or JSON)"`
	Plan        string        `long:"plan" description:"Pre-built plan JSON; omitted, the plan is built from the configuration"`
	Store       string        `long:"store" description:"Reading-store snapshot path; loaded before and persisted after execution"`
	Tick        time.Duration `long:"tick" default:"5s" description:"Scheduler tick interval (at most 30s)"`
	PreBuffer   time.Duration `long:"pre-buffer" default:"5m" description:"How long before its window a batch starts preparing"`
	Realtime    bool          `long:"realtime" description:"Refresh water levels before and during each batch"`
	MetricsPort int           `long:"metrics.port" description:"Serve Prometheus metrics on this port; zero disables"`
}

func (cmd cmdExecute) Execute(_ []string) error {
	initLog(Config.Log)

	var cfg, err = farm.LoadConfig(cmd.Config)
	if err != nil {
		return fmt.Errorf("loading farm configuration: %w", err)
	}

	var p *plan.Plan
	if cmd.Plan != "" {
		if p, err = loadPlan(cmd.Plan); err != nil {
			return err
		}
	} else if p, err = plan.Build(cfg, plan.Options{}); err != nil {
		return fmt.Errorf("building plan: %w", err)
	}

	var store = levels.NewStore(levels.DefaultQualityThresholds())
	if cmd.Store != "" {
		if err = store.Load(cmd.Store); err != nil {
			return fmt.Errorf("loading reading store: %w", err)
		}
	}
	var resolver = levels.NewResolver(nil, store, levels.DefaultResolverConfig())

	// Device control logs each command rather than driving hardware. Hosts
	// with actuators swap in their own ControlFunc.
	var dispatcher = dispatch.New(logControl, dispatch.DefaultOptions())

	var opts = sched.DefaultOptions()
	opts.TickInterval = cmd.Tick
	opts.PreBuffer = cmd.PreBuffer
	opts.Realtime = cmd.Realtime

	var scheduler = sched.New(cfg, resolver, regen.New(regen.DefaultOptions()), dispatcher, opts)

	if cmd.MetricsPort != 0 {
		go func() {
			var addr = fmt.Sprintf(":%d", cmd.MetricsPort)
			var mux = http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.WithField("addr", addr).Info("serving metrics")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithField("err", err).Error("metrics server exited")
			}
		}()
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	if err = scheduler.Start(ctx, p); err != nil {
		return fmt.Errorf("starting execution: %w", err)
	}

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("stopping execution")
		scheduler.Stop()
		<-scheduler.Done()
	case <-scheduler.Done():
	}

	if cmd.Store != "" {
		if err = store.Persist(cmd.Store); err != nil {
			log.WithField("err", err).Warn("failed to persist reading store")
		}
	}
	return writeJSON("-", scheduler.Status())
}

func loadPlan(path string) (*plan.Plan, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	var p plan.Plan
	if err = json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	return &p, nil
}

func logControl(_ context.Context, cmd dispatch.Command) error {
	log.WithFields(log.Fields{
		"device": cmd.DeviceID,
		"type":   cmd.DeviceType,
		"action": cmd.Action,
		"phase":  cmd.Phase,
	}).Info("device command")
	return nil
}
