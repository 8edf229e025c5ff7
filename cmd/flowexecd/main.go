// Command flowexecd runs the whole coordination plane in one process:
// execution store, task queue consumer pool, command bus, event bus,
// recovery sweeper, and the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/dshills/flowexec-go/api"
	"github.com/dshills/flowexec-go/config"
	"github.com/dshills/flowexec-go/exec/cmdbus"
	"github.com/dshills/flowexec-go/exec/eventbus"
	"github.com/dshills/flowexec-go/exec/metrics"
	"github.com/dshills/flowexec-go/exec/queue"
	"github.com/dshills/flowexec-go/exec/recovery"
	"github.com/dshills/flowexec-go/exec/service"
	"github.com/dshills/flowexec-go/exec/store"
	"github.com/dshills/flowexec-go/exec/worker"
	"github.com/dshills/flowexec-go/flow"
)

func main() {
	configPath := flag.String("config", "", "path to flowexec.yaml (empty = defaults)")
	flowDir := flag.String("flows", "", "directory of flow definition YAML files")
	flag.Parse()

	if err := run(*configPath, *flowDir); err != nil {
		fmt.Fprintf(os.Stderr, "flowexecd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, flowDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	st, err := store.NewPostgresStore(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	q, err := queue.NewKafkaQueue(queue.KafkaConfig{
		Brokers:           cfg.Kafka.Brokers,
		Topic:             cfg.Kafka.TaskTopic,
		Group:             cfg.Kafka.ConsumerGroup,
		Partitions:        int32(cfg.Kafka.PartitionCount),
		ReplicationFactor: int16(cfg.Kafka.ReplicationFactor),
	}, log.Named("queue"))
	if err != nil {
		return fmt.Errorf("open task queue: %w", err)
	}
	defer q.Close()

	ev, err := eventbus.NewKafkaBus(eventbus.KafkaConfig{
		Brokers:           cfg.Kafka.Brokers,
		Topic:             cfg.Kafka.EventTopic,
		PartitionCount:    int32(cfg.Kafka.PartitionCount),
		ReplicationFactor: int16(cfg.Kafka.ReplicationFactor),
	}, log.Named("events"), m)
	if err != nil {
		return fmt.Errorf("open event bus: %w", err)
	}
	defer ev.Close()

	cb, err := cmdbus.NewRedisBus(ctx, cfg.Redis.Addr, cfg.Redis.CommandChannel, log.Named("commands"))
	if err != nil {
		return fmt.Errorf("open command bus: %w", err)
	}
	defer cb.Close()

	reg := flow.NewRegistry()
	if err := registerBuiltinNodes(reg, log.Named("nodes")); err != nil {
		return fmt.Errorf("register builtin nodes: %w", err)
	}
	loader := flow.NewMemLoader()
	if flowDir != "" {
		n, err := loadFlowDir(loader, flowDir)
		if err != nil {
			return fmt.Errorf("load flows: %w", err)
		}
		log.Info("flow definitions loaded", zap.Int("count", n), zap.String("dir", flowDir))
	}

	svc, err := service.New(service.Options{
		Store: st, Queue: q, Commands: cb, Events: ev,
		Loader: loader, Registry: reg,
		Logger: log.Named("service"), Metrics: m,
	})
	if err != nil {
		return err
	}

	var commands cmdbus.Bus
	if cfg.Worker.DebugPoll {
		commands = cb
	}
	w, err := worker.New(worker.Options{
		WorkerID:          cfg.Worker.ID,
		Concurrency:       cfg.Worker.Concurrency,
		ClaimTTL:          time.Duration(cfg.Worker.ClaimTimeoutMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatIntervalMs) * time.Millisecond,
		Store:             st, Queue: q, Commands: commands,
		Service: svc, Loader: loader,
		Logger: log.Named("worker"), Metrics: m,
	})
	if err != nil {
		return err
	}

	apiSrv, err := api.New(api.Options{Service: svc, Logger: log.Named("api"), Gatherer: promReg})
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.Run(gctx) })

	if cfg.Recovery.Enabled {
		sw, err := recovery.New(recovery.Options{
			Store: st, Queue: q,
			ScanInterval:    time.Duration(cfg.Recovery.ScanIntervalMs) * time.Millisecond,
			MaxFailureCount: cfg.Recovery.MaxFailureCount,
			Logger:          log.Named("recovery"), Metrics: m,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return sw.Run(gctx) })
	}

	g.Go(func() error {
		log.Info("http api listening", zap.String("addr", cfg.API.Listen))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	log.Info("flowexecd started",
		zap.String("worker_id", cfg.Worker.ID),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Bool("recovery", cfg.Recovery.Enabled))

	err = g.Wait()
	log.Info("flowexecd stopped")
	return err
}

// loadFlowDir reads every YAML file in dir into the loader.
func loadFlowDir(loader *flow.MemLoader, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return count, err
		}
		var f flow.Flow
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return count, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		if err := loader.Put(&f); err != nil {
			return count, fmt.Errorf("flow %s: %w", entry.Name(), err)
		}
		count++
	}
	return count, nil
}

// registerBuiltinNodes installs the node types every deployment gets:
// no-op pass-through, structured log, fixed delay, and state set.
func registerBuiltinNodes(reg *flow.Registry, log *zap.Logger) error {
	builtins := map[string]flow.RunnerFactory{
		"noop": func(flow.NodeSpec) (flow.Runner, error) {
			return flow.RunnerFunc(func(_ context.Context, s flow.State) (flow.State, error) {
				return s, nil
			}), nil
		},
		"log": func(spec flow.NodeSpec) (flow.Runner, error) {
			msg, _ := spec.Config["message"].(string)
			return flow.RunnerFunc(func(_ context.Context, s flow.State) (flow.State, error) {
				log.Info(msg, zap.String("node_id", spec.ID))
				return s, nil
			}), nil
		},
		"delay": func(spec flow.NodeSpec) (flow.Runner, error) {
			ms, ok := spec.Config["duration_ms"].(int)
			if !ok || ms < 0 {
				return nil, fmt.Errorf("node %s: delay requires a non-negative duration_ms", spec.ID)
			}
			d := time.Duration(ms) * time.Millisecond
			return flow.RunnerFunc(func(ctx context.Context, s flow.State) (flow.State, error) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(d):
					return s, nil
				}
			}), nil
		},
		"set": func(spec flow.NodeSpec) (flow.Runner, error) {
			key, _ := spec.Config["key"].(string)
			if key == "" {
				return nil, fmt.Errorf("node %s: set requires a key", spec.ID)
			}
			value := spec.Config["value"]
			return flow.RunnerFunc(func(_ context.Context, s flow.State) (flow.State, error) {
				out := s.Clone()
				out[key] = value
				return out, nil
			}), nil
		},
	}
	for name, factory := range builtins {
		if err := reg.Register(name, factory); err != nil {
			return err
		}
	}
	return nil
}
