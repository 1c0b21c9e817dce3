// Copyright (C) 2025 The sbdd Authors

package sbdd

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Submit forwards req to the backing device. Requests larger than the
// backing's maximum transfer size are split first and every fragment is
// forwarded independently; req completes once all fragments have, with an
// error if any fragment failed. Zero-length requests complete immediately.
//
// Submit never blocks on I/O, completions arrive through the request's
// callback.
func (d *Device) Submit(req *Request) {
	if int(req.Sectors())<<SectorShift != len(req.Data) {
		req.Complete(ErrUnaligned)
		return
	}
	if req.Op != OpFlush && req.Sectors() == 0 {
		req.Complete(nil)
		return
	}

	for _, frag := range req.split(d.maxTransfer) {
		d.forward(frag)
	}
}

// forward runs one fragment through the full admission protocol. The order
// is fixed: construct the outgoing request, check the deleting flag, take a
// reference with the nonzero-only increment, then submit. The conditional
// increment is the sole barrier against a request racing past the deleting
// check while the count drains to zero underneath it.
func (d *Device) forward(req *Request) {
	out, err := d.clone(req)
	if err != nil {
		req.Complete(err)
		return
	}

	if d.deleting.Load() {
		req.Complete(ErrIO)
		return
	}

	if !d.get() {
		req.Complete(ErrIO)
		return
	}

	// The original request must be completed before the reference is
	// dropped, so that a drained device implies no request is still
	// touching backing or buffer resources.
	d.backing.Submit(out, func(berr error) {
		if berr != nil {
			log.Debug().Err(berr).Str("op", req.Op.String()).
				Int64("sector", req.Sector).Msg("backing request failed")
			req.Complete(fmt.Errorf("%w: %v", ErrIO, berr))
		} else {
			req.Complete(nil)
		}
		d.put()
	})
}

// clone builds the outgoing request for the backing device, duplicating
// operation, offset, length and buffer references. Requests addressing
// sectors outside the device fail here, before any lifecycle state is
// touched.
func (d *Device) clone(req *Request) (*Request, error) {
	if req.Sector < 0 || req.Sector+req.Sectors() > d.capacity {
		return nil, ErrOutOfRange
	}
	return &Request{Op: req.Op, Sector: req.Sector, Data: req.Data}, nil
}
