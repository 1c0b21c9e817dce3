// Copyright (C) 2025 The sbdd Authors

package sbdd

import (
	"sync/atomic"
)

const (
	// SectorShift is the log2 of the sector size. Sectors are always 512
	// bytes, no matter what block size the backing device prefers. Please
	// be careful since the terminology is ambiguous.
	SectorShift = 9
	SectorSize  = 1 << SectorShift
)

// Op is the kind of operation a request carries.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFlush
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	}
	return "unknown"
}

// Request is a single I/O request addressed to a block device. Data must be
// a whole number of sectors long and stays owned by the submitter until the
// request completes. Flush requests carry no data.
type Request struct {
	Op     Op
	Sector int64
	Data   []byte

	done     func(error)
	finished atomic.Bool
}

// NewRequest returns a request which calls done with the outcome once it
// finishes. done may be invoked from any goroutine.
func NewRequest(op Op, sector int64, data []byte, done func(error)) *Request {
	return &Request{Op: op, Sector: sector, Data: data, done: done}
}

// Sectors returns the request length in sectors.
func (r *Request) Sectors() int64 {
	return int64(len(r.Data)) >> SectorShift
}

// Complete finishes the request with err, nil meaning success. Only the
// first call has any effect, every request completes exactly once.
func (r *Request) Complete(err error) {
	if !r.finished.CompareAndSwap(false, true) {
		return
	}
	if r.done != nil {
		r.done(err)
	}
}

// aggregate collects the outcomes of the fragments of a split request and
// completes the parent once the last fragment finishes. Any fragment error
// makes the whole request fail.
type aggregate struct {
	parent  *Request
	pending atomic.Int64
	err     atomic.Pointer[error]
}

func (a *aggregate) complete(err error) {
	if err != nil {
		a.err.CompareAndSwap(nil, &err)
	}
	if a.pending.Add(-1) == 0 {
		if p := a.err.Load(); p != nil {
			a.parent.Complete(*p)
		} else {
			a.parent.Complete(nil)
		}
	}
}

// split cuts r into fragments of at most max sectors each. Each fragment is
// an independent request completing back into r; flush requests and requests
// within the limit pass through unsplit. max <= 0 means no limit.
func (r *Request) split(max int64) []*Request {
	n := r.Sectors()
	if r.Op == OpFlush || max <= 0 || n <= max {
		return []*Request{r}
	}

	agg := &aggregate{parent: r}
	agg.pending.Store((n + max - 1) / max)

	frags := make([]*Request, 0, (n+max-1)/max)
	for s := int64(0); s < n; s += max {
		e := min(s+max, n)
		frags = append(frags, &Request{
			Op:     r.Op,
			Sector: r.Sector + s,
			Data:   r.Data[s<<SectorShift : e<<SectorShift],
			done:   agg.complete,
		})
	}

	return frags
}
