// Package supervisor is the composition root: it owns the Store, the
// event Broker, the Scheduler, and a Worker for the
// lifetime of a process, and sequences their startup/shutdown (spec
// §9 design note: "a production deployment needs a supervisor wiring
// these together"). Component ordering and aggregated-teardown-error
// handling are grounded on golly/lifecycle's SimpleComponentManager
// and errutils.MultiError, used here instead of hand-rolled ordering
// code since golly is exactly the dependency the rest of the example
// pack reaches for for this concern.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"oss.nandlabs.io/golly/errutils"
	"oss.nandlabs.io/golly/lifecycle"

	"github.com/tidecron/scheduler/internal/eventbroker"
	"github.com/tidecron/scheduler/internal/eventbroker/redisrelay"
	"github.com/tidecron/scheduler/internal/scheduler"
	"github.com/tidecron/scheduler/internal/serializer"
	"github.com/tidecron/scheduler/internal/store"
	"github.com/tidecron/scheduler/internal/taskregistry"
	"github.com/tidecron/scheduler/internal/worker"
)

// Config bundles everything a Supervisor needs to stand the system up.
type Config struct {
	ID               string
	Store            store.Store
	Events           *eventbroker.Broker
	Serializer       serializer.Serializer
	Logger           *zap.Logger
	SchedulerConfig  *scheduler.Config
	WorkerConfig     *worker.Config
	Registry         *taskregistry.Registry
	Relay            *redisrelay.Relay // nil disables cross-process relay
	RunScheduler     bool
	RunWorker        bool
	ShutdownDeadline time.Duration
}

// Supervisor wires a Store, Scheduler, and Worker into one component
// set and manages their combined lifecycle through a
// lifecycle.ComponentManager.
type Supervisor struct {
	cfg       Config
	manager   lifecycle.ComponentManager
	scheduler *scheduler.Scheduler
	worker    *worker.Worker
}

// New builds (but does not start) the component graph described by
// cfg. Registration order mirrors the dependency order the teacher's
// example wires up (database -> cache -> http-server): store first,
// then the relay, then the scheduler/worker that depend on it.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ShutdownDeadline <= 0 {
		cfg.ShutdownDeadline = 10 * time.Second
	}
	if cfg.Registry == nil {
		cfg.Registry = taskregistry.New()
	}
	if cfg.ID == "" {
		cfg.ID = worker.DefaultID()
	}

	sup := &Supervisor{cfg: cfg, manager: lifecycle.NewSimpleComponentManager()}

	storeComp := &lifecycle.SimpleComponent{
		CompId: "store",
		StartFunc: func() error {
			cfg.Logger.Info("store online")
			return nil
		},
		StopFunc: func() error {
			return cfg.Store.Close()
		},
	}
	sup.manager.Register(storeComp)

	if cfg.Relay != nil {
		relayComp := &lifecycle.SimpleComponent{
			CompId: "relay",
			StartFunc: func() error {
				cfg.Relay.PublishLocal(cfg.Events)
				return cfg.Relay.Subscribe(cfg.Events)
			},
			StopFunc: func() error {
				cfg.Relay.Stop()
				return nil
			},
		}
		sup.manager.Register(relayComp)
		if err := sup.manager.AddDependency("relay", "store"); err != nil {
			cfg.Logger.Error("failed to wire relay dependency", zap.Error(err))
		}
	}

	if cfg.RunScheduler {
		sup.scheduler = scheduler.New(cfg.ID, cfg.Store, cfg.Events, cfg.Serializer, cfg.Logger.Named("scheduler"), cfg.SchedulerConfig)
		schedComp := &lifecycle.SimpleComponent{
			CompId: "scheduler",
			StartFunc: func() error {
				sup.scheduler.Start(context.Background())
				return nil
			},
			StopFunc: func() error {
				sup.scheduler.Stop()
				return nil
			},
		}
		sup.manager.Register(schedComp)
		if err := sup.manager.AddDependency("scheduler", "store"); err != nil {
			cfg.Logger.Error("failed to wire scheduler dependency", zap.Error(err))
		}
	}

	if cfg.RunWorker {
		sup.worker = worker.New(cfg.ID, cfg.Store, cfg.Registry, cfg.Events, cfg.Serializer, cfg.Logger.Named("worker"), cfg.WorkerConfig)
		workerComp := &lifecycle.SimpleComponent{
			CompId: "worker",
			StartFunc: func() error {
				sup.worker.Start(context.Background())
				return nil
			},
			StopFunc: func() error {
				sup.worker.Stop()
				return nil
			},
		}
		sup.manager.Register(workerComp)
		if err := sup.manager.AddDependency("worker", "store"); err != nil {
			cfg.Logger.Error("failed to wire worker dependency", zap.Error(err))
		}
	}

	return sup
}

// Scheduler returns the managed Scheduler, or nil if Config.RunScheduler
// was false.
func (s *Supervisor) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Worker returns the managed Worker, or nil if Config.RunWorker was false.
func (s *Supervisor) Worker() *worker.Worker { return s.worker }

// Start brings every component up in dependency order, aggregating
// any failures into a single error.
func (s *Supervisor) Start() error {
	if err := s.manager.StartAll(); err != nil {
		return fmt.Errorf("supervisor: start failed: %w", err)
	}
	return nil
}

// Stop tears every component down in reverse dependency order within
// Config.ShutdownDeadline, aggregating failures via errutils.MultiError
// so one component's shutdown error never prevents the rest from being
// asked to stop.
func (s *Supervisor) Stop() error {
	done := make(chan error, 1)
	go func() { done <- s.manager.StopAll() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("supervisor: stop failed: %w", err)
		}
		return nil
	case <-time.After(s.cfg.ShutdownDeadline):
		merr := errutils.NewMultiErr(fmt.Errorf("supervisor: shutdown exceeded %s deadline", s.cfg.ShutdownDeadline))
		return merr
	}
}

// Wait blocks until every component has stopped (e.g. via an external
// signal handler calling Stop, as golly's manager itself wires for
// SIGINT/SIGTERM).
func (s *Supervisor) Wait() {
	s.manager.Wait()
}
