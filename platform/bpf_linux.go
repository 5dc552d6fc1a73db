//go:build linux

package platform

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

// BPFSource delivers lifecycle notifications from the execve tracing
// program. The object must define the programs trace_enter_execve and
// trace_sched_process_exit and a ring buffer map named events.
type BPFSource struct {
	objectPath string
	logger     *zap.Logger

	mu     sync.Mutex
	coll   *ebpf.Collection
	links  []link.Link
	reader *ringbuf.Reader
	done   chan struct{}
}

// NewBPFSource creates a source that loads the compiled object at objectPath
func NewBPFSource(objectPath string, logger *zap.Logger) *BPFSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BPFSource{objectPath: objectPath, logger: logger}
}

// Register loads and attaches the programs and starts delivering to h
func (s *BPFSource) Register(h NotifyHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coll != nil {
		return errors.New("bpf source already registered")
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("failed to remove memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(s.objectPath)
	if err != nil {
		return fmt.Errorf("failed to load collection spec: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			s.logger.Error("BPF verifier error", zap.String("log", fmt.Sprintf("%+v", ve)))
		}
		return fmt.Errorf("failed to create collection: %w", err)
	}

	attach := []struct{ group, name, prog string }{
		{"syscalls", "sys_enter_execve", "trace_enter_execve"},
		{"sched", "sched_process_exit", "trace_sched_process_exit"},
	}
	var links []link.Link
	closeAll := func() {
		for _, l := range links {
			l.Close()
		}
		coll.Close()
	}
	for _, a := range attach {
		prog := coll.Programs[a.prog]
		if prog == nil {
			closeAll()
			return fmt.Errorf("program %s not found in %s", a.prog, s.objectPath)
		}
		tp, err := link.Tracepoint(a.group, a.name, prog, nil)
		if err != nil {
			closeAll()
			return fmt.Errorf("failed to attach %s tracepoint: %w", a.name, err)
		}
		links = append(links, tp)
	}

	events := coll.Maps["events"]
	if events == nil {
		closeAll()
		return fmt.Errorf("map events not found in %s", s.objectPath)
	}
	reader, err := ringbuf.NewReader(events)
	if err != nil {
		closeAll()
		return fmt.Errorf("failed to create process ringbuf reader: %w", err)
	}

	s.coll, s.links, s.reader = coll, links, reader
	s.done = make(chan struct{})
	go s.read(h, reader, s.done)

	s.logger.Info("BPF lifecycle source attached", zap.String("object", s.objectPath))
	return nil
}

func (s *BPFSource) read(h NotifyHandler, reader *ringbuf.Reader, done chan struct{}) {
	defer close(done)

	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			s.logger.Warn("Error reading from process ring buffer", zap.Error(err))
			continue
		}

		ev, err := parseProcessEvent(record.RawSample)
		if err != nil {
			s.logger.Debug("Dropping malformed process event", zap.Error(err))
			continue
		}
		if n, ok := ev.toNotification(os.Readlink); ok {
			h.OnProcessNotify(n)
		}
	}
}

// Unregister detaches the programs and waits for the reader goroutine
func (s *BPFSource) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coll == nil {
		return nil
	}

	err := s.reader.Close()
	<-s.done
	for _, l := range s.links {
		l.Close()
	}
	s.coll.Close()

	s.coll, s.links, s.reader, s.done = nil, nil, nil, nil
	return err
}
