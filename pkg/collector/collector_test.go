package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/streamspector/streamspector/pkg/publisher"
	"github.com/streamspector/streamspector/pkg/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testRun = "run-1"

var stringDesc = wire.Descriptor{Codec: wire.CodecCBOR, Compression: wire.CompressionNone, Type: "string"}

func openMsg(t *testing.T, task, count int, d wire.Descriptor) wire.Message {
	t.Helper()
	b, err := d.Marshal()
	require.NoError(t, err)
	return wire.Message{Type: wire.MessageOpen, RunID: testRun, TaskIndex: task, TaskCount: count, Descriptor: b}
}

func recordMsg(t *testing.T, task int, v any, d wire.Descriptor) wire.Message {
	t.Helper()
	b, err := wire.EncodeValue(v, d)
	require.NoError(t, err)
	return wire.Message{Type: wire.MessageRecord, RunID: testRun, TaskIndex: task, Payload: b}
}

func closeMsg(task int) wire.Message {
	return wire.Message{Type: wire.MessageClose, RunID: testRun, TaskIndex: task}
}

func newTestCollector[T any]() *Collector[T] {
	return New[T](Config{ListenAddress: "127.0.0.1:0"}, testRun, log.NewNopLogger(), NewMetrics(prometheus.NewRegistry()))
}

func TestCollector_TwoTasksAnyInterleaving(t *testing.T) {
	for _, tc := range []struct {
		name  string
		order []string
	}{
		{name: "task 0 first", order: []string{"o0", "A", "B", "c0", "o1", "C", "c1"}},
		{name: "task 1 first", order: []string{"o1", "C", "c1", "o0", "A", "B", "c0"}},
		{name: "interleaved", order: []string{"o0", "o1", "A", "C", "c1", "B", "c0"}},
		{name: "closes out of index order", order: []string{"o1", "o0", "C", "A", "B", "c1", "c0"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestCollector[string]()
			msgs := map[string]wire.Message{
				"o0": openMsg(t, 0, 2, stringDesc),
				"o1": openMsg(t, 1, 2, stringDesc),
				"A":  recordMsg(t, 0, "A", stringDesc),
				"B":  recordMsg(t, 0, "B", stringDesc),
				"C":  recordMsg(t, 1, "C", stringDesc),
				"c0": closeMsg(0),
				"c1": closeMsg(1),
			}

			closes := 0
			for _, key := range tc.order {
				require.False(t, c.IsComplete(), "complete before %s", key)
				require.NoError(t, c.Append(msgs[key]))
				if key == "c0" || key == "c1" {
					closes++
				}
				require.Equal(t, closes == 2, c.IsComplete())
			}

			out := c.Snapshot()
			require.True(t, out.Complete)
			require.ElementsMatch(t, []string{"A", "B", "C"}, out.Records)
			require.Equal(t, []string{"A", "B"}, out.ByTask[0])
			require.Equal(t, []string{"C"}, out.ByTask[1])
			require.Equal(t, 2, out.TaskCount)
			require.Equal(t, 2, out.Opened)
			require.Equal(t, 2, out.Closed)

			select {
			case <-c.Done():
			default:
				t.Fatal("done channel not closed")
			}
		})
	}
}

func TestCollector_MergedArrivalOrder(t *testing.T) {
	c := newTestCollector[string]()
	require.NoError(t, c.Append(openMsg(t, 0, 2, stringDesc)))
	require.NoError(t, c.Append(openMsg(t, 1, 2, stringDesc)))
	for _, m := range []wire.Message{
		recordMsg(t, 1, "x", stringDesc),
		recordMsg(t, 0, "a", stringDesc),
		recordMsg(t, 1, "y", stringDesc),
		recordMsg(t, 0, "b", stringDesc),
	} {
		require.NoError(t, c.Append(m))
	}
	require.Equal(t, []string{"x", "a", "y", "b"}, c.Snapshot().Records)
}

func TestCollector_NotCompleteUntilEveryIndexClosed(t *testing.T) {
	c := newTestCollector[string]()
	require.NoError(t, c.Append(openMsg(t, 2, 3, stringDesc)))
	require.NoError(t, c.Append(closeMsg(2)))
	require.NoError(t, c.Append(openMsg(t, 0, 3, stringDesc)))
	require.NoError(t, c.Append(closeMsg(0)))
	require.False(t, c.IsComplete())

	out := c.Snapshot()
	require.Equal(t, 2, out.Closed)
	require.Nil(t, out.ByTask[1])

	require.NoError(t, c.Append(openMsg(t, 1, 3, stringDesc)))
	require.False(t, c.IsComplete())
	require.NoError(t, c.Append(closeMsg(1)))
	require.True(t, c.IsComplete())
}

func TestCollector_ProtocolErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		setup    func(t *testing.T) []wire.Message
		bad      func(t *testing.T) wire.Message
		expected int
		received int
	}{
		{
			name: "record without open",
			bad:  func(t *testing.T) wire.Message { return recordMsg(t, 0, "a", stringDesc) },
		},
		{
			name: "close without open",
			bad:  func(*testing.T) wire.Message { return closeMsg(0) },
		},
		{
			name:  "task count mismatch",
			setup: func(t *testing.T) []wire.Message { return []wire.Message{openMsg(t, 0, 2, stringDesc)} },
			bad:   func(t *testing.T) wire.Message { return openMsg(t, 1, 3, stringDesc) },
			// Reported with both counts.
			expected: 2,
			received: 3,
		},
		{
			name:  "duplicate open",
			setup: func(t *testing.T) []wire.Message { return []wire.Message{openMsg(t, 0, 2, stringDesc)} },
			bad:   func(t *testing.T) wire.Message { return openMsg(t, 0, 2, stringDesc) },
		},
		{
			name: "index out of range",
			bad:  func(t *testing.T) wire.Message { return openMsg(t, 2, 2, stringDesc) },
		},
		{
			name: "zero task count",
			bad:  func(t *testing.T) wire.Message { return openMsg(t, 0, 0, stringDesc) },
		},
		{
			name: "record after close",
			setup: func(t *testing.T) []wire.Message {
				return []wire.Message{openMsg(t, 0, 2, stringDesc), closeMsg(0)}
			},
			bad: func(t *testing.T) wire.Message { return recordMsg(t, 0, "late", stringDesc) },
		},
		{
			name: "second close",
			setup: func(t *testing.T) []wire.Message {
				return []wire.Message{openMsg(t, 0, 2, stringDesc), closeMsg(0)}
			},
			bad: func(*testing.T) wire.Message { return closeMsg(0) },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			metrics := NewMetrics(reg)
			c := New[string](Config{}, testRun, log.NewNopLogger(), metrics)
			if tc.setup != nil {
				for _, m := range tc.setup(t) {
					require.NoError(t, c.Append(m))
				}
			}

			err := c.Append(tc.bad(t))
			var perr *ProtocolError
			require.True(t, errors.As(err, &perr), "got %v", err)
			require.Equal(t, tc.expected, perr.Expected)
			require.Equal(t, tc.received, perr.Received)

			select {
			case failed := <-c.Failed():
				require.Equal(t, err, failed)
			default:
				t.Fatal("protocol error not reported")
			}
			require.False(t, c.IsComplete())
			require.Equal(t, 1.0, testutil.ToFloat64(metrics.protocolErrors))
		})
	}
}

func TestCollector_FailedReportsFirstErrorOnly(t *testing.T) {
	c := newTestCollector[string]()
	first := c.Append(closeMsg(0))
	require.Error(t, first)
	require.Error(t, c.Append(closeMsg(1)))

	require.Equal(t, first, <-c.Failed())
	select {
	case err := <-c.Failed():
		t.Fatalf("unexpected second error: %v", err)
	default:
	}
}

func TestCollector_MalformedRecordIsSkipped(t *testing.T) {
	c := newTestCollector[string]()
	require.NoError(t, c.Append(openMsg(t, 0, 2, stringDesc)))
	require.NoError(t, c.Append(openMsg(t, 1, 2, stringDesc)))

	require.NoError(t, c.Append(recordMsg(t, 0, "a", stringDesc)))
	require.NoError(t, c.Append(wire.Message{Type: wire.MessageRecord, RunID: testRun, TaskIndex: 0, Payload: []byte{0xff, 0xff, 0xff}}))
	require.NoError(t, c.Append(recordMsg(t, 0, "b", stringDesc)))
	require.NoError(t, c.Append(recordMsg(t, 1, "c", stringDesc)))
	require.NoError(t, c.Append(closeMsg(0)))
	require.NoError(t, c.Append(closeMsg(1)))

	out := c.Snapshot()
	require.True(t, out.Complete)
	require.Equal(t, []string{"a", "b"}, out.ByTask[0])
	require.Equal(t, []string{"c"}, out.ByTask[1])
	require.Equal(t, 1, out.Dropped)
}

func TestCollector_OversizedDecompressedRecordIsDropped(t *testing.T) {
	zstdDesc := wire.Descriptor{Codec: wire.CodecCBOR, Compression: wire.CompressionZstd, Type: "string"}
	c := New[string](Config{ListenAddress: "127.0.0.1:0", MaxFrameSize: 1024}, testRun, log.NewNopLogger(), nil)

	require.NoError(t, c.Append(openMsg(t, 0, 1, zstdDesc)))
	large := recordMsg(t, 0, strings.Repeat("x", 64<<10), zstdDesc)
	require.Less(t, len(large.Payload), 1024)

	require.NoError(t, c.Append(large))
	require.NoError(t, c.Append(recordMsg(t, 0, "small", zstdDesc)))
	require.NoError(t, c.Append(closeMsg(0)))

	out := c.Snapshot()
	require.True(t, out.Complete)
	require.Equal(t, []string{"small"}, out.Records)
	require.Equal(t, 1, out.Dropped)
	select {
	case err := <-c.Failed():
		t.Fatalf("unexpected protocol error: %v", err)
	default:
	}
}

func TestCollector_StaleRunIsDiscarded(t *testing.T) {
	c := newTestCollector[string]()
	require.NoError(t, c.Append(openMsg(t, 0, 1, stringDesc)))

	late := recordMsg(t, 0, "from an earlier run", stringDesc)
	late.RunID = "run-0"
	require.NoError(t, c.Append(late))

	lateClose := closeMsg(0)
	lateClose.RunID = "run-0"
	require.NoError(t, c.Append(lateClose))

	out := c.Snapshot()
	require.Empty(t, out.Records)
	require.Equal(t, 2, out.Stale)
	require.False(t, out.Complete)
}

func TestCollector_TaskWithoutRecords(t *testing.T) {
	c := newTestCollector[string]()
	require.NoError(t, c.Append(openMsg(t, 0, 2, wire.EmptyDescriptor)))
	require.NoError(t, c.Append(closeMsg(0)))
	require.NoError(t, c.Append(openMsg(t, 1, 2, stringDesc)))
	require.NoError(t, c.Append(recordMsg(t, 1, "only", stringDesc)))
	require.NoError(t, c.Append(closeMsg(1)))

	out := c.Snapshot()
	require.True(t, out.Complete)
	require.Equal(t, []string{"only"}, out.Records)
	require.Empty(t, out.ByTask[0])
}

func TestCollector_UpdatesAreCoalesced(t *testing.T) {
	c := newTestCollector[string]()
	require.NoError(t, c.Append(openMsg(t, 0, 1, stringDesc)))
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Append(recordMsg(t, 0, fmt.Sprint(i), stringDesc)))
	}

	<-c.Updates()
	select {
	case <-c.Updates():
		t.Fatal("expected a single pending notification")
	default:
	}

	require.NoError(t, c.Append(closeMsg(0)))
	<-c.Updates()
}

// Snapshots taken while tasks append must show a prefix of every task's
// stream and never a closed task with missing records.
func TestCollector_SnapshotDuringAppends(t *testing.T) {
	const (
		tasks   = 4
		records = 300
	)
	intDesc := wire.Descriptor{Codec: wire.CodecCBOR, Compression: wire.CompressionNone, Type: "int"}
	c := newTestCollector[int]()

	var wg sync.WaitGroup
	for task := 0; task < tasks; task++ {
		msgs := []wire.Message{openMsg(t, task, tasks, intDesc)}
		for i := 0; i < records; i++ {
			msgs = append(msgs, recordMsg(t, task, i, intDesc))
		}
		msgs = append(msgs, closeMsg(task))

		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, m := range msgs {
				assert.NoError(t, c.Append(m))
			}
		}()
	}

	for {
		out := c.Snapshot()
		closed := 0
		for _, got := range out.ByTask {
			for i, v := range got {
				require.Equal(t, i, v)
			}
		}
		if out.TaskCount > 0 {
			require.Len(t, out.ByTask, tasks)
		}
		require.Equal(t, len(out.Records), sumLen(out.ByTask))
		if out.Complete {
			for _, got := range out.ByTask {
				require.Len(t, got, records)
				closed++
			}
			require.Equal(t, tasks, closed)
			break
		}
	}
	wg.Wait()
}

// Snapshots share the collected records instead of copying them; later
// appends must not show through an earlier snapshot and appends to a
// snapshot must not reach the collector.
func TestCollector_SnapshotIsStableAcrossAppends(t *testing.T) {
	c := newTestCollector[string]()
	require.NoError(t, c.Append(openMsg(t, 0, 2, stringDesc)))
	require.NoError(t, c.Append(openMsg(t, 1, 2, stringDesc)))
	require.NoError(t, c.Append(recordMsg(t, 0, "a", stringDesc)))

	first := c.Snapshot()
	require.Equal(t, []string{"a"}, first.Records)
	require.Equal(t, []string{}, first.ByTask[1])

	_ = append(first.Records, "mine")
	_ = append(first.ByTask[0], "mine")
	require.NoError(t, c.Append(recordMsg(t, 0, "b", stringDesc)))
	require.NoError(t, c.Append(recordMsg(t, 1, "c", stringDesc)))

	require.Equal(t, []string{"a"}, first.Records)
	require.Equal(t, []string{"a"}, first.ByTask[0])

	second := c.Snapshot()
	require.Equal(t, []string{"a", "b", "c"}, second.Records)
	require.Equal(t, [][]string{{"a", "b"}, {"c"}}, second.ByTask)
}

func sumLen[T any](byTask [][]T) int {
	var n int
	for _, s := range byTask {
		n += len(s)
	}
	return n
}

func TestCollector_ServiceWithPublishers(t *testing.T) {
	const tasks = 3
	c := newTestCollector[string]()
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), c))
	addr := c.Addr()
	require.NotEmpty(t, addr)

	pubCfg := publisher.Config{DialTimeout: time.Second, WriteTimeout: time.Second}
	pubMetrics := publisher.NewMetrics(nil)

	var wg sync.WaitGroup
	for task := 0; task < tasks; task++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := publisher.New[string](pubCfg, publisher.Target{Address: addr, RunID: testRun}, task, tasks, log.NewNopLogger(), pubMetrics)
			if !assert.NoError(t, err) {
				return
			}
			for i := 0; i < 50; i++ {
				assert.NoError(t, p.Write(fmt.Sprintf("%d-%d", task, i)))
			}
			assert.NoError(t, p.Close())
		}()
	}
	wg.Wait()

	select {
	case <-c.Done():
	case err := <-c.Failed():
		t.Fatalf("unexpected protocol error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not complete")
	}

	out := c.Snapshot()
	require.Len(t, out.Records, tasks*50)
	for task, got := range out.ByTask {
		require.Len(t, got, 50)
		for i, v := range got {
			require.Equal(t, fmt.Sprintf("%d-%d", task, i), v)
		}
	}

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), c))

	// The listening socket is released on stop.
	_, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	require.Error(t, err)
}

func TestCollector_StopClosesIdleConnections(t *testing.T) {
	c := newTestCollector[string]()
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), c))

	conn, err := net.Dial("tcp", c.Addr())
	require.NoError(t, err)
	defer conn.Close()

	fw := wire.NewFrameWriter(conn)
	b, err := openMsg(t, 0, 1, stringDesc).Encode()
	require.NoError(t, err)
	require.NoError(t, fw.WriteFrame(b))

	require.Eventually(t, func() bool { return c.Snapshot().Opened == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), c))
}

func TestCollector_OversizedFrameFailsRun(t *testing.T) {
	c := New[string](Config{ListenAddress: "127.0.0.1:0", MaxFrameSize: 64}, testRun, log.NewNopLogger(), nil)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), c))
	defer func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), c))
	}()

	conn, err := net.Dial("tcp", c.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.NewFrameWriter(conn).WriteFrame(make([]byte, 128)))

	select {
	case err := <-c.Failed():
		var perr *ProtocolError
		require.True(t, errors.As(err, &perr))
		require.Equal(t, -1, perr.TaskIndex)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a protocol error")
	}
}

func TestCollector_ZeroConfigListensOnLoopback(t *testing.T) {
	c := New[string](Config{}, testRun, log.NewNopLogger(), nil)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), c))
	defer func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), c))
	}()

	host, port, err := net.SplitHostPort(c.Addr())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", host)
	require.NotEqual(t, "0", port)
	require.Equal(t, wire.DefaultMaxFrameSize, c.cfg.MaxFrameSize)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, (&Config{ListenAddress: "127.0.0.1:0", MaxFrameSize: 1024}).Validate())
	require.Error(t, (&Config{MaxFrameSize: 1024}).Validate())
	require.Error(t, (&Config{ListenAddress: "127.0.0.1:0"}).Validate())
}
