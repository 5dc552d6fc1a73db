package process

import (
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/procmon/binary"
	"github.com/jnesss/procmon/metrics"
	"github.com/jnesss/procmon/platform"
	"github.com/jnesss/procmon/types"
)

// Pusher accepts built events. Push reports whether an older event was
// overwritten to make room.
type Pusher interface {
	Push(e types.Event) bool
}

// Producer turns lifecycle notifications into buffered events
type Producer struct {
	sink    Pusher
	hasher  binary.Hasher
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewProducer creates a producer pushing into sink. logger and m may be nil.
func NewProducer(sink Pusher, hasher binary.Hasher, logger *zap.Logger, m *metrics.Metrics) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		sink:    sink,
		hasher:  hasher,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// OnProcessNotify builds exactly one event for n and pushes it. Failures
// degrade fields of the event and are never reported back to the source.
func (p *Producer) OnProcessNotify(n platform.ProcessNotification) {
	e := p.Build(n)
	p.metrics.ObservePush(p.sink.Push(e))
}

// Build creates the event for one notification without pushing it
func (p *Producer) Build(n platform.ProcessNotification) types.Event {
	e := types.Event{
		ProcessID: n.PID,
		Timestamp: p.now(),
	}

	if !n.Create {
		e.Kind = types.EventExit
		e.ImageName = types.ImageExiting
		return e
	}

	e.Kind = types.EventCreate
	e.ParentProcessID = n.PPID

	switch {
	case n.ImageErr != nil:
		e.ImageName = types.ImageUnknown
		p.logger.Debug("Image name unresolved",
			zap.Uint32("pid", n.PID), zap.Error(n.ImageErr))
		return e
	case n.ImagePath == "":
		e.ImageName = types.ImageNoName
		return e
	}

	e.ImageName = types.TruncateText(n.ImagePath, types.MaxImageName)
	if p.hasher == nil {
		return e
	}

	sum, err := p.hasher.HashFile(n.ImagePath)
	if err != nil {
		p.metrics.ObserveHashFailure()
		p.logger.Debug("Image hash unavailable",
			zap.Uint32("pid", n.PID), zap.String("path", n.ImagePath), zap.Error(err))
		return e
	}
	e.Hash = sum
	e.HashValid = true
	return e
}
