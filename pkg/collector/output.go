package collector

import (
	"sync"

	"github.com/streamspector/streamspector/pkg/wire"
)

// Output is a point-in-time view of everything collected so far. Each task's
// records are a prefix of what that task sent, in the order it sent them.
// The slices share memory with the collector and must not be modified.
type Output[T any] struct {
	// Records of all tasks merged in arrival order. Order across tasks is
	// not meaningful.
	Records []T
	// ByTask holds the records of each task index. It is nil until the
	// task count is known.
	ByTask [][]T

	TaskCount int
	Opened    int
	Closed    int
	// Dropped counts records that could not be decoded.
	Dropped int
	// Stale counts messages discarded because they carried another run ID.
	Stale int

	Complete bool
}

// Len is the number of collected records.
func (o Output[T]) Len() int {
	return len(o.Records)
}

// taskStream holds the records of one task. Its descriptor is fixed by the
// Open message and never changes afterwards.
type taskStream[T any] struct {
	desc wire.Descriptor

	mtx     sync.Mutex
	records []T
	closed  bool
}

// prefix returns the first n values of an append-only slice. The capacity is
// capped so appends by the collector never write into the returned slice.
func prefix[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s[:len(s):len(s)]
}
