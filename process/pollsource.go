package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/procmon/platform"
)

// DefaultPollInterval is how often PollSource samples the process table
const DefaultPollInterval = 250 * time.Millisecond

// PollSource is a portable LifecycleSource that diffs successive process
// table snapshots. Processes that start and exit between two samples are
// not observed.
type PollSource struct {
	lister     Lister
	interval   time.Duration
	logger     *zap.Logger
	processMap *ProcessMap

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPollSource creates a source sampling lister every interval
func NewPollSource(lister Lister, interval time.Duration, logger *zap.Logger) *PollSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollSource{
		lister:     lister,
		interval:   interval,
		logger:     logger,
		processMap: NewProcessMap(),
	}
}

// Register takes a baseline snapshot and starts delivering changes to h.
// Processes already running at registration produce no notification.
func (s *PollSource) Register(h platform.NotifyHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("poll source already registered")
	}

	current, err := s.lister.List()
	if err != nil {
		return fmt.Errorf("failed to take baseline process snapshot: %w", err)
	}
	s.processMap.Reconcile(current)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, h, s.done)

	s.logger.Info("Polling process table",
		zap.Duration("interval", s.interval), zap.Int("baseline", s.processMap.Len()))
	return nil
}

func (s *PollSource) run(ctx context.Context, h platform.NotifyHandler, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.poll(ctx, h); err != nil {
				s.logger.Warn("Error sampling process table", zap.Error(err))
			}
		}
	}
}

// poll delivers one round of changes. Exits are delivered before creates so
// that a reused pid reports its new image last.
func (s *PollSource) poll(ctx context.Context, h platform.NotifyHandler) error {
	current, err := s.lister.List()
	if err != nil {
		return err
	}

	started, exited := s.processMap.Reconcile(current)
	for _, p := range exited {
		if ctx.Err() != nil {
			return nil
		}
		h.OnProcessNotify(platform.ProcessNotification{PID: p.PID, PPID: p.PPID})
	}
	for _, p := range started {
		if ctx.Err() != nil {
			return nil
		}
		h.OnProcessNotify(platform.ProcessNotification{
			PID:       p.PID,
			PPID:      p.PPID,
			Create:    true,
			ImagePath: p.ExePath,
			ImageErr:  p.ExeErr,
		})
	}
	return nil
}

// Unregister stops sampling and returns once no further callback can run
func (s *PollSource) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	return nil
}
