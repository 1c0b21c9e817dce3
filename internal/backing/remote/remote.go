// Copyright (C) 2025 The sbdd Authors

// Package remote implements the Backing interface over a connection to an
// NBD server, so the proxy can forward to a device exported by another
// machine (or by another sbdd).
package remote

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dmitry-o6/sbdd/internal/nbd"
	"github.com/dmitry-o6/sbdd/internal/sbdd"
)

// Options to use in Connect() due to the number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	// Addr of the NBD server, host:port or unix:/path/to/socket.
	Addr string

	// Export name to attach to.
	Export string

	// MaxTransfer is the largest single request in sectors the handle
	// advertises. Zero means unlimited.
	MaxTransfer int64
}

// Remote is a backing handle over one NBD connection. Submissions are
// written to the socket tagged with a handle; a single reader goroutine
// demultiplexes replies back to the per-request callbacks.
type Remote struct {
	conn        net.Conn
	capacity    int64
	maxTransfer int64

	handle atomic.Uint64
	closed atomic.Bool

	wmu sync.Mutex // serializes request writes

	pmu     sync.Mutex
	pending map[uint64]pendingIO

	readerDone chan struct{}
}

type pendingIO struct {
	req  *sbdd.Request
	done func(error)
}

// Connect dials the server, negotiates the export and starts the reply
// reader. The export size becomes the handle capacity.
func Connect(o Options) (*Remote, error) {
	var conn net.Conn
	var err error
	if path, ok := strings.CutPrefix(o.Addr, "unix:"); ok {
		conn, err = net.Dial("unix", path)
	} else {
		conn, err = net.Dial("tcp", o.Addr)
	}
	if err != nil {
		return nil, err
	}

	size, err := handshake(conn, o.Export)
	if err != nil {
		conn.Close()
		return nil, err
	}

	r := &Remote{
		conn:        conn,
		capacity:    int64(size) >> sbdd.SectorShift,
		maxTransfer: o.MaxTransfer,
		pending:     make(map[uint64]pendingIO),
		readerDone:  make(chan struct{}),
	}

	go r.replyLoop()

	log.Info().Str("export", o.Export).Str("addr", o.Addr).
		Int64("sectors", r.capacity).Msg("attached to NBD export")

	return r, nil
}

// handshake is the client half of the fixed newstyle negotiation. Returns
// the export size in bytes.
func handshake(conn net.Conn, export string) (uint64, error) {
	var hello struct {
		Magic     uint64
		OptsMagic uint64
		Flags     uint16
	}
	if err := binary.Read(conn, binary.BigEndian, &hello); err != nil {
		return 0, err
	}
	if hello.Magic != nbd.NBDMagic || hello.OptsMagic != nbd.OptsMagic {
		return 0, fmt.Errorf("remote: not an NBD server")
	}
	if hello.Flags&nbd.FlagFixedNewstyle == 0 {
		return 0, fmt.Errorf("remote: server does not speak fixed newstyle")
	}

	clientFlags := nbd.FlagCFixedNewstyle
	if hello.Flags&nbd.FlagNoZeroes != 0 {
		clientFlags |= nbd.FlagCNoZeroes
	}
	if err := binary.Write(conn, binary.BigEndian, clientFlags); err != nil {
		return 0, err
	}

	opt := struct {
		Magic  uint64
		Option uint32
		Length uint32
	}{nbd.OptsMagic, nbd.OptExportName, uint32(len(export))}
	if err := binary.Write(conn, binary.BigEndian, opt); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(conn, export); err != nil {
		return 0, err
	}

	var info struct {
		Size  uint64
		Flags uint16
	}
	if err := binary.Read(conn, binary.BigEndian, &info); err != nil {
		return 0, err
	}
	if clientFlags&nbd.FlagCNoZeroes == 0 {
		if _, err := io.CopyN(io.Discard, conn, 124); err != nil {
			return 0, err
		}
	}

	return info.Size, nil
}

func (r *Remote) Capacity() int64 {
	return r.capacity
}

func (r *Remote) MaxTransfer() int64 {
	return r.maxTransfer
}

// Submit sends the request down the connection. The completion fires from
// the reply reader once the server answered, or immediately on a dead
// connection.
func (r *Remote) Submit(req *sbdd.Request, done func(error)) {
	if r.closed.Load() {
		done(sbdd.ErrClosed)
		return
	}

	h := r.handle.Add(1)

	r.pmu.Lock()
	r.pending[h] = pendingIO{req: req, done: done}
	r.pmu.Unlock()

	rq := nbd.Request{
		Handle: h,
		Offset: uint64(req.Sector) << sbdd.SectorShift,
	}
	switch req.Op {
	case sbdd.OpRead:
		rq.Type = nbd.CmdRead
		rq.Length = uint32(len(req.Data))
	case sbdd.OpWrite:
		rq.Type = nbd.CmdWrite
		rq.Length = uint32(len(req.Data))
	case sbdd.OpFlush:
		rq.Type = nbd.CmdFlush
	}

	r.wmu.Lock()
	err := nbd.WriteRequest(r.conn, rq)
	if err == nil && req.Op == sbdd.OpWrite {
		_, err = r.conn.Write(req.Data)
	}
	r.wmu.Unlock()

	if err != nil {
		if p, ok := r.take(h); ok {
			p.done(err)
		}
	}
}

// replyLoop reads simple replies and routes them to the pending requests by
// handle. Read payloads are consumed into the request buffer in stream
// order, which is why replies must be drained by a single goroutine.
func (r *Remote) replyLoop() {
	defer close(r.readerDone)

	for {
		rep, err := nbd.ReadReply(r.conn)
		if err != nil {
			r.failAll(err)
			return
		}

		p, ok := r.take(rep.Handle)
		if !ok {
			r.failAll(fmt.Errorf("remote: reply for unknown handle %d", rep.Handle))
			return
		}

		if rep.Err != 0 {
			p.done(fmt.Errorf("remote: server error %d", rep.Err))
			continue
		}

		if p.req.Op == sbdd.OpRead {
			if _, err := io.ReadFull(r.conn, p.req.Data); err != nil {
				p.done(err)
				r.failAll(err)
				return
			}
		}

		p.done(nil)
	}
}

func (r *Remote) take(h uint64) (pendingIO, bool) {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	p, ok := r.pending[h]
	if ok {
		delete(r.pending, h)
	}
	return p, ok
}

// failAll completes every pending request with err. Runs when the
// connection is no longer usable.
func (r *Remote) failAll(err error) {
	r.pmu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]pendingIO)
	r.pmu.Unlock()

	for _, p := range pending {
		p.done(err)
	}
}

// Close sends DISC as a courtesy, drops the connection and waits for the
// reader. The proxy calls it only after draining.
func (r *Remote) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.wmu.Lock()
	nbd.WriteRequest(r.conn, nbd.Request{Type: nbd.CmdDisc, Handle: r.handle.Add(1)})
	r.wmu.Unlock()

	err := r.conn.Close()
	<-r.readerDone
	return err
}
