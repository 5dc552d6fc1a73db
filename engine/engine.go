// Package engine owns the event buffer, the producer registration and the
// request dispatcher for one monitoring session.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jnesss/procmon/binary"
	"github.com/jnesss/procmon/buffer"
	"github.com/jnesss/procmon/control"
	"github.com/jnesss/procmon/enum"
	"github.com/jnesss/procmon/metrics"
	"github.com/jnesss/procmon/platform"
	"github.com/jnesss/procmon/process"
)

// ErrNotRunning is returned for requests made outside Start/Stop
var ErrNotRunning = errors.New("engine not running")

// Config wires the engine to its collaborators. Source may be nil to run
// without lifecycle events.
type Config struct {
	Source  platform.LifecycleSource
	Store   platform.ConfigStore
	Modules platform.ModuleLister
	Hasher  binary.Hasher

	SystemRoot string

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// binding is the handler registered with the lifecycle source. It forwards
// to the live producer only while one is bound, so callbacks that race with
// Stop are dropped.
type binding struct {
	producer atomic.Pointer[process.Producer]
}

func (b *binding) OnProcessNotify(n platform.ProcessNotification) {
	if p := b.producer.Load(); p != nil {
		p.OnProcessNotify(n)
	}
}

// Engine is one monitoring session
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	drivers *enum.Drivers
	devices *enum.Devices

	mu         sync.RWMutex
	ring       *buffer.Ring
	dispatcher *control.Dispatcher
	binding    *binding
}

// New creates a stopped engine
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	enumCfg := enum.Config{
		Store:      cfg.Store,
		Modules:    cfg.Modules,
		Hasher:     cfg.Hasher,
		SystemRoot: cfg.SystemRoot,
		Logger:     cfg.Logger.Named("enum"),
		Metrics:    cfg.Metrics,
	}
	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		drivers: enum.NewDrivers(enumCfg),
		devices: enum.NewDevices(enumCfg),
	}
	cfg.Metrics.TrackBuffered(func() float64 { return float64(e.Buffered()) })
	return e
}

// Start creates the buffer, binds the producer and registers it with the
// lifecycle source
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ring != nil {
		return errors.New("engine already started")
	}

	ring := buffer.NewRing()
	producer := process.NewProducer(ring, e.cfg.Hasher, e.logger.Named("producer"), e.cfg.Metrics)
	b := &binding{}
	b.producer.Store(producer)

	if e.cfg.Source != nil {
		if err := e.cfg.Source.Register(b); err != nil {
			b.producer.Store(nil)
			ring.Release()
			return fmt.Errorf("failed to register lifecycle handler: %w", err)
		}
	}

	e.ring = ring
	e.binding = b
	e.dispatcher = control.NewDispatcher(ring, e.drivers, e.devices, e.logger.Named("control"), e.cfg.Metrics)

	e.logger.Info("Engine started", zap.Int("buffer_capacity", ring.Cap()), zap.Bool("lifecycle", e.cfg.Source != nil))
	return nil
}

// Stop unregisters the producer, clears the binding and releases the buffer,
// in that order
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ring == nil {
		return nil
	}

	var err error
	if e.cfg.Source != nil {
		if uerr := e.cfg.Source.Unregister(); uerr != nil {
			err = fmt.Errorf("failed to unregister lifecycle handler: %w", uerr)
		}
	}
	e.binding.producer.Store(nil)

	dropped := e.ring.Dropped()
	e.ring.Release()

	e.ring, e.binding, e.dispatcher = nil, nil, nil
	e.logger.Info("Engine stopped", zap.Uint64("events_overwritten", dropped))
	return err
}

// Handle serves one control request. It implements control.Handler.
func (e *Engine) Handle(code control.Code, out []byte) (int, error) {
	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()

	if d == nil {
		return 0, ErrNotRunning
	}
	return d.Handle(code, out)
}

// Buffered returns the number of events waiting to be read
func (e *Engine) Buffered() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ring == nil {
		return 0
	}
	return e.ring.Len()
}
