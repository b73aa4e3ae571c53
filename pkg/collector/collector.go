package collector

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"go.uber.org/atomic"

	"github.com/streamspector/streamspector/pkg/wire"
)

// Collector receives the streams of all tasks of one run and reassembles
// them. It implements services.Service: starting binds the listener,
// stopping releases it together with every open connection.
type Collector[T any] struct {
	services.Service

	cfg     Config
	runID   string
	logger  log.Logger
	metrics *Metrics

	listener net.Listener
	addr     string
	wg       sync.WaitGroup

	connsMtx sync.Mutex
	conns    map[net.Conn]struct{}

	// coord is held shared by appends and exclusively by snapshots and by
	// Opens, which change the set of streams.
	coord     sync.RWMutex
	streams   []*taskStream[T]
	taskCount int
	opened    int

	// merged holds the records of all tasks in arrival order. Both merged
	// and the per-task slices are append-only.
	mergedMtx sync.Mutex
	merged    []T

	closed   atomic.Int64
	dropped  atomic.Int64
	stale    atomic.Int64
	complete atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
	updates  chan struct{}
	failed   chan error
	failOnce sync.Once
}

// New makes a collector for the run identified by runID. Messages carrying
// another run ID are discarded. Zero fields of cfg take their defaults.
func New[T any](cfg Config, runID string, logger log.Logger, metrics *Metrics) *Collector[T] {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	c := &Collector[T]{
		cfg:     cfg,
		runID:   runID,
		logger:  log.With(logger, "component", "collector", "run", runID),
		metrics: metrics,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
		updates: make(chan struct{}, 1),
		failed:  make(chan error, 1),
	}
	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c
}

// Addr is the address publishers connect to. It is empty until the service
// has started.
func (c *Collector[T]) Addr() string {
	return c.addr
}

// Done is closed once every task has closed.
func (c *Collector[T]) Done() <-chan struct{} {
	return c.done
}

// Updates receives a value after the collected output changed. Notifications
// are coalesced: a slow reader sees one value for many changes.
func (c *Collector[T]) Updates() <-chan struct{} {
	return c.updates
}

// Failed receives the first protocol error.
func (c *Collector[T]) Failed() <-chan error {
	return c.failed
}

// IsComplete reports whether every task has closed.
func (c *Collector[T]) IsComplete() bool {
	return c.complete.Load()
}

func (c *Collector[T]) starting(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.cfg.ListenAddress)
	if err != nil {
		return err
	}
	c.listener = ln
	c.addr = ln.Addr().String()
	level.Debug(c.logger).Log("msg", "collector listening", "addr", c.addr)
	return nil
}

func (c *Collector[T]) running(ctx context.Context) error {
	acceptErr := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		acceptErr <- c.acceptLoop()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-acceptErr:
		return err
	}
}

func (c *Collector[T]) stopping(_ error) error {
	err := c.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	c.connsMtx.Lock()
	for conn := range c.conns {
		_ = conn.Close()
	}
	c.connsMtx.Unlock()

	c.wg.Wait()
	return err
}

func (c *Collector[T]) acceptLoop() error {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		c.connsMtx.Lock()
		c.conns[conn] = struct{}{}
		c.connsMtx.Unlock()
		c.metrics.connections.Inc()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer func() {
				c.connsMtx.Lock()
				delete(c.conns, conn)
				c.connsMtx.Unlock()
				c.metrics.connections.Dec()
				_ = conn.Close()
			}()
			c.handleConn(conn)
		}()
	}
}

// handleConn reads the messages of one publisher until it hangs up.
func (c *Collector[T]) handleConn(conn net.Conn) {
	var (
		logger = log.With(c.logger, "remote", conn.RemoteAddr())
		r      = wire.NewFrameReader(conn, c.cfg.MaxFrameSize)
		open   = -1
	)
	for {
		b, err := r.ReadFrame()
		switch {
		case errors.Is(err, io.EOF):
			if open >= 0 {
				level.Warn(logger).Log("msg", "publisher hung up without closing its task", "task", open)
			}
			return
		case errors.Is(err, wire.ErrFrameTooLarge):
			c.fail(protocolErrorf(-1, 0, "%v", err))
			return
		case err != nil:
			level.Debug(logger).Log("msg", "connection closed", "err", err)
			return
		}

		msg, err := wire.DecodeMessage(b)
		if err != nil {
			c.fail(protocolErrorf(-1, 0, "undecodable message: %v", err))
			return
		}
		if err := c.Append(msg); err != nil {
			level.Error(logger).Log("msg", "rejected message", "err", err)
			continue
		}
		switch msg.Type {
		case wire.MessageOpen:
			open = msg.TaskIndex
		case wire.MessageClose:
			open = -1
		}
	}
}

// Append applies one message to the stream of its task. Protocol violations
// are returned and also reported on Failed. Records that cannot be decoded
// are logged, counted and skipped.
func (c *Collector[T]) Append(msg wire.Message) error {
	if msg.RunID != c.runID {
		c.stale.Inc()
		c.metrics.staleMessages.Inc()
		level.Debug(c.logger).Log("msg", "discarding message from another run", "msg_run", msg.RunID, "type", msg.Type, "task", msg.TaskIndex)
		return nil
	}

	var err error
	switch msg.Type {
	case wire.MessageOpen:
		err = c.open(msg)
	case wire.MessageRecord:
		err = c.record(msg)
	case wire.MessageClose:
		err = c.close(msg)
	default:
		err = protocolErrorf(msg.TaskIndex, msg.Type, "unknown message type")
	}
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			c.fail(perr)
		}
		return err
	}

	c.metrics.messagesReceived.WithLabelValues(msg.Type.String()).Inc()
	c.notify()
	return nil
}

func (c *Collector[T]) open(msg wire.Message) error {
	desc, err := wire.ParseDescriptor(msg.Descriptor)
	if err != nil {
		// The task stays accountable; its records will fail to decode.
		level.Error(c.logger).Log("msg", "task sent an invalid descriptor", "task", msg.TaskIndex, "err", err)
	}

	c.coord.Lock()
	defer c.coord.Unlock()

	if msg.TaskCount <= 0 {
		return protocolErrorf(msg.TaskIndex, msg.Type, "invalid task count %d", msg.TaskCount)
	}
	if c.taskCount == 0 {
		c.taskCount = msg.TaskCount
		c.streams = make([]*taskStream[T], msg.TaskCount)
	} else if msg.TaskCount != c.taskCount {
		return &ProtocolError{
			TaskIndex: msg.TaskIndex,
			Type:      msg.Type,
			Reason:    "task count mismatch",
			Expected:  c.taskCount,
			Received:  msg.TaskCount,
		}
	}
	if msg.TaskIndex < 0 || msg.TaskIndex >= c.taskCount {
		return protocolErrorf(msg.TaskIndex, msg.Type, "task index out of range [0, %d)", c.taskCount)
	}
	if c.streams[msg.TaskIndex] != nil {
		return protocolErrorf(msg.TaskIndex, msg.Type, "task opened twice")
	}

	c.streams[msg.TaskIndex] = &taskStream[T]{desc: desc}
	c.opened++
	level.Debug(c.logger).Log("msg", "task opened", "task", msg.TaskIndex, "task_count", c.taskCount, "descriptor", desc)
	return nil
}

// stream returns the stream of an opened task.
func (c *Collector[T]) stream(msg wire.Message) (*taskStream[T], error) {
	c.coord.RLock()
	defer c.coord.RUnlock()
	if msg.TaskIndex < 0 || msg.TaskIndex >= len(c.streams) || c.streams[msg.TaskIndex] == nil {
		return nil, protocolErrorf(msg.TaskIndex, msg.Type, "no prior open")
	}
	return c.streams[msg.TaskIndex], nil
}

func (c *Collector[T]) record(msg wire.Message) error {
	s, err := c.stream(msg)
	if err != nil {
		return err
	}

	value, decodeErr := wire.DecodeValueWithLimit[T](msg.Payload, s.desc, c.cfg.MaxFrameSize)

	c.coord.RLock()
	defer c.coord.RUnlock()
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return protocolErrorf(msg.TaskIndex, msg.Type, "record after close")
	}
	if decodeErr != nil {
		c.dropped.Inc()
		c.metrics.recordsDropped.WithLabelValues("serialization").Inc()
		level.Warn(c.logger).Log("msg", "dropping undecodable record", "task", msg.TaskIndex, "err", decodeErr)
		return nil
	}
	s.records = append(s.records, value)
	c.mergedMtx.Lock()
	c.merged = append(c.merged, value)
	c.mergedMtx.Unlock()
	return nil
}

func (c *Collector[T]) close(msg wire.Message) error {
	s, err := c.stream(msg)
	if err != nil {
		return err
	}

	c.coord.RLock()
	defer c.coord.RUnlock()
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return protocolErrorf(msg.TaskIndex, msg.Type, "task closed twice")
	}
	s.closed = true

	closed := c.closed.Inc()
	level.Debug(c.logger).Log("msg", "task closed", "task", msg.TaskIndex, "records", len(s.records), "closed", closed, "task_count", c.taskCount)
	if closed == int64(c.taskCount) {
		c.complete.Store(true)
		c.doneOnce.Do(func() { close(c.done) })
		level.Info(c.logger).Log("msg", "all tasks closed", "task_count", c.taskCount)
	}
	return nil
}

// Snapshot returns a consistent view of the collected output. It may be
// called concurrently with appends and does not copy records.
func (c *Collector[T]) Snapshot() Output[T] {
	c.coord.Lock()
	defer c.coord.Unlock()

	out := Output[T]{
		Records:   prefix(c.merged),
		TaskCount: c.taskCount,
		Opened:    c.opened,
		Closed:    int(c.closed.Load()),
		Dropped:   int(c.dropped.Load()),
		Stale:     int(c.stale.Load()),
		Complete:  c.complete.Load(),
	}
	if c.taskCount > 0 {
		out.ByTask = make([][]T, c.taskCount)
		for i, s := range c.streams {
			if s == nil {
				continue
			}
			out.ByTask[i] = prefix(s.records)
		}
	}
	return out
}

func (c *Collector[T]) fail(err *ProtocolError) {
	c.metrics.protocolErrors.Inc()
	level.Error(c.logger).Log("msg", "protocol error", "err", err)
	c.failOnce.Do(func() { c.failed <- err })
}

func (c *Collector[T]) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}
