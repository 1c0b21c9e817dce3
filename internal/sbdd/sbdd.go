// Copyright (C) 2025 The sbdd Authors

package sbdd

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Backing is an open handle to the real block device the proxy forwards to.
// Implementations must accept Submit calls from any goroutine and invoke
// done exactly once per submission, possibly from their own goroutines.
type Backing interface {
	// Capacity returns the device size in sectors.
	Capacity() int64

	// MaxTransfer returns the largest request, in sectors, accepted in a
	// single submission. Zero means unlimited.
	MaxTransfer() int64

	// Submit hands the request over for execution. Ownership of req
	// transfers to the backing until done fires.
	Submit(req *Request, done func(error))

	// Close releases the handle. Called at most once, after the proxy
	// has drained.
	Close() error
}

// OpenBacking opens a backing device. Used by Create so that a failed open
// leaves no state behind.
type OpenBacking func() (Backing, error)

// DeviceRef is an opaque reference to a published device, returned by a
// Host and handed back to it on unpublish.
type DeviceRef interface{}

// Host publishes proxy devices to the outside world.
type Host interface {
	// Publish makes dev reachable to consumers under name. capacity is
	// in sectors. The host may start calling dev.Submit before Publish
	// returns.
	Publish(name string, capacity int64, dev *Device) (DeviceRef, error)

	// Unpublish withdraws the device. After it returns no further Submit
	// calls are made through the host.
	Unpublish(ref DeviceRef) error
}

// Device is the proxy device. It holds the only reference to the backing
// handle and the in-flight bookkeeping which makes removal safe while I/O
// is still running.
//
// refs starts at 1: the device itself holds one reference for as long as it
// is alive, so the drain condition cannot be trivially true before the
// first request was ever admitted. Every admitted request holds one more
// reference from admission until its completion has been delivered.
type Device struct {
	name        string
	capacity    int64
	maxTransfer int64
	backing     Backing
	host        Host
	ref         DeviceRef
	published   bool

	refs     atomic.Int64
	deleting atomic.Bool

	// drained is closed by whichever decrement brings refs to zero.
	drained chan struct{}
}

// Create opens the backing device, takes its capacity and publishes the
// proxy device under name. On any failure everything acquired so far is
// released and nothing stays published.
func Create(name string, open OpenBacking, host Host) (*Device, error) {
	log.Info().Str("device", name).Msg("opening target blk device")
	backing, err := open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttach, err)
	}

	d := &Device{
		name:        name,
		capacity:    backing.Capacity(),
		maxTransfer: backing.MaxTransfer(),
		backing:     backing,
		host:        host,
		drained:     make(chan struct{}),
	}
	d.refs.Store(1)

	log.Info().Str("device", name).Int64("sectors", d.capacity).Msg("adding disk")
	ref, err := host.Publish(name, d.capacity, d)
	if err != nil {
		backing.Close()
		return nil, fmt.Errorf("publish %s: %w", name, err)
	}
	d.ref = ref
	d.published = true

	return d, nil
}

// Capacity returns the device size in sectors. Set once at create time from
// the backing device.
func (d *Device) Capacity() int64 {
	return d.capacity
}

// Name returns the name the device was published under.
func (d *Device) Name() string {
	return d.name
}

// Delete removes the device. It closes admission for new requests, drops
// the device's own reference, blocks until every in-flight request has
// completed, then unpublishes the device and releases the backing handle.
// Safe to call more than once; later calls wait for the first one's drain
// and release nothing.
func (d *Device) Delete() error {
	first := d.deleting.CompareAndSwap(false, true)
	if first {
		d.putIfPositive()
	}

	<-d.drained

	if !first {
		return nil
	}

	var err error
	if d.published {
		log.Info().Str("device", d.name).Msg("deleting disk")
		err = d.host.Unpublish(d.ref)
		d.published = false
	}

	if d.backing != nil {
		log.Info().Str("device", d.name).Msg("releasing blk device handle")
		if cerr := d.backing.Close(); cerr != nil && err == nil {
			err = cerr
		}
		d.backing = nil
	}

	return err
}

// get takes a reference for a new request, but only while at least one
// reference is still held. Observing zero proves teardown already drained,
// so the request must be rejected.
func (d *Device) get() bool {
	for {
		n := d.refs.Load()
		if n == 0 {
			return false
		}
		if d.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// put drops one reference and wakes the drain waiter when the last one is
// gone. Admission requires a nonzero count, so once zero is reached the
// count never rises again and drained is closed exactly once.
func (d *Device) put() {
	if d.refs.Add(-1) == 0 {
		close(d.drained)
	}
}

// putIfPositive drops the device's own standing reference unless the count
// already reached zero.
func (d *Device) putIfPositive() {
	for {
		n := d.refs.Load()
		if n <= 0 {
			return
		}
		if d.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				close(d.drained)
			}
			return
		}
	}
}
