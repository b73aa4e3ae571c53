package publisher

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/streamspector/streamspector/pkg/wire"
)

// Target identifies the collector of one run.
type Target struct {
	Address string
	RunID   string
}

// State of a publisher.
type State int32

const (
	StateUnopened State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Publisher streams the records of one task to the collector over a single
// connection. The connection is established on the first write; delivery
// failures are logged and the affected message is skipped.
type Publisher[T any] struct {
	cfg       Config
	target    Target
	taskIndex int
	taskCount int
	logger    log.Logger
	metrics   *Metrics

	mtx   sync.Mutex
	state atomic.Int32
	conn  net.Conn
	fw    *wire.FrameWriter
	desc  wire.Descriptor
}

// New makes a publisher for task taskIndex of taskCount. Zero fields of cfg
// take their defaults. No connection is made until the first Write or Close.
func New[T any](cfg Config, target Target, taskIndex, taskCount int, logger log.Logger, metrics *Metrics) (*Publisher[T], error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "task %d: invalid publisher config", taskIndex)
	}
	if target.Address == "" {
		return nil, fmt.Errorf("task %d: no collector address", taskIndex)
	}
	if taskCount <= 0 {
		return nil, fmt.Errorf("task %d: task count must be greater than 0, got %d", taskIndex, taskCount)
	}
	if taskIndex < 0 || taskIndex >= taskCount {
		return nil, fmt.Errorf("task index %d out of range [0, %d)", taskIndex, taskCount)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Publisher[T]{
		cfg:       cfg,
		target:    target,
		taskIndex: taskIndex,
		taskCount: taskCount,
		logger:    log.With(logger, "component", "publisher", "run", target.RunID, "task", taskIndex),
		metrics:   metrics,
	}, nil
}

// State returns the current state.
func (p *Publisher[T]) State() State {
	return State(p.state.Load())
}

// Write sends v to the collector. The first call connects, negotiates the
// descriptor from v and announces the task. Only ErrClosed is returned; any
// other failure drops v and is logged.
func (p *Publisher[T]) Write(v T) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	switch p.State() {
	case StateClosed:
		return ErrClosed
	case StateUnopened:
		p.open(wire.Negotiate(v, p.cfg.Values))
	}

	payload, err := wire.EncodeValue(v, p.desc)
	if err != nil {
		level.Error(p.logger).Log("msg", "could not serialize record, dropping it", "err", err)
		p.metrics.recordsDropped.WithLabelValues(reasonSerialization).Inc()
		return nil
	}

	if err := p.send(wire.MessageRecord, wire.EncodeRecord(p.target.RunID, p.taskIndex, payload)); err != nil {
		level.Error(p.logger).Log("msg", "could not send record, dropping it", "err", err)
		p.metrics.recordsDropped.WithLabelValues(reasonTransport).Inc()
		return nil
	}
	p.metrics.recordsSent.Inc()
	return nil
}

// Close ends the task's stream. It must be called once when the task shuts
// down, even if nothing was written. A Close that cannot be delivered is
// logged; the collector will then not complete on its own.
func (p *Publisher[T]) Close() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	switch p.State() {
	case StateClosed:
		level.Warn(p.logger).Log("msg", "publisher closed twice")
		return nil
	case StateUnopened:
		p.open(wire.EmptyDescriptor)
	}
	p.state.Store(int32(StateClosed))

	if err := p.send(wire.MessageClose, wire.EncodeClose(p.target.RunID, p.taskIndex)); err != nil {
		level.Error(p.logger).Log("msg", "could not send close, the collector will not complete without it", "err", err)
		p.metrics.closeFailures.Inc()
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			level.Warn(p.logger).Log("msg", "closing connection to collector", "err", err)
		}
		p.conn, p.fw = nil, nil
	}
	return nil
}

// open moves the publisher to StateOpen. It is attempted once: a failed dial
// leaves the publisher open but disconnected.
func (p *Publisher[T]) open(desc wire.Descriptor) {
	p.state.Store(int32(StateOpen))
	p.desc = desc

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.target.Address)
	if err != nil {
		level.Error(p.logger).Log("msg", "could not connect to collector", "addr", p.target.Address, "err", err)
		return
	}
	p.conn = conn
	p.fw = wire.NewFrameWriter(conn)

	descBytes, err := desc.Marshal()
	if err != nil {
		level.Error(p.logger).Log("msg", "could not serialize descriptor", "descriptor", desc, "err", err)
		return
	}
	if err := p.send(wire.MessageOpen, wire.EncodeOpen(p.target.RunID, p.taskIndex, p.taskCount, descBytes)); err != nil {
		level.Error(p.logger).Log("msg", "could not send open", "err", err)
		return
	}
	level.Debug(p.logger).Log("msg", "task opened", "descriptor", desc)
}

func (p *Publisher[T]) send(t wire.MessageType, msg []byte) error {
	if p.conn == nil {
		return &TransportError{TaskIndex: p.taskIndex, Type: t, Err: errNotConnected}
	}
	if p.cfg.WriteTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
			return &TransportError{TaskIndex: p.taskIndex, Type: t, Err: err}
		}
	}
	if err := p.fw.WriteFrame(msg); err != nil {
		return &TransportError{TaskIndex: p.taskIndex, Type: t, Err: err}
	}
	p.metrics.messagesSent.WithLabelValues(t.String()).Inc()
	return nil
}
