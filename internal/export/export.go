// Copyright (C) 2025 The sbdd Authors

// Package export publishes a proxy device to consumers as an NBD export.
// It implements the Host interface: Publish starts a listener and serves
// the fixed newstyle protocol on every connection, Unpublish stops the
// listener, tears the connections down and waits for their goroutines.
package export

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dmitry-o6/sbdd/internal/nbd"
	"github.com/dmitry-o6/sbdd/internal/sbdd"
)

// Host hands out NBD exports on a fixed listen address. Addr is either
// host:port or unix:/path/to/socket.
type Host struct {
	Addr string

	mu   sync.Mutex
	addr net.Addr
}

func New(addr string) *Host {
	return &Host{Addr: addr}
}

// ListenAddr returns the address of the most recent Publish, useful when
// the configured address left the port to the kernel.
func (h *Host) ListenAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// Publish starts serving dev as the NBD export name. The returned reference
// is handed back to Unpublish.
func (h *Host) Publish(name string, capacity int64, dev *sbdd.Device) (sbdd.DeviceRef, error) {
	var ln net.Listener
	var err error
	if path, ok := strings.CutPrefix(h.Addr, "unix:"); ok {
		ln, err = net.Listen("unix", path)
	} else {
		ln, err = net.Listen("tcp", h.Addr)
	}
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.addr = ln.Addr()
	h.mu.Unlock()

	e := &export{
		name:  name,
		size:  uint64(capacity) << sbdd.SectorShift,
		dev:   dev,
		ln:    ln,
		conns: make(map[net.Conn]struct{}),
	}

	e.wg.Add(1)
	go e.acceptLoop()

	log.Info().Str("export", name).Stringer("addr", ln.Addr()).Msg("serving NBD export")

	return e, nil
}

// Unpublish withdraws the export and returns once no connection goroutine
// is left, i.e. once no further submissions can arrive through this host.
func (h *Host) Unpublish(ref sbdd.DeviceRef) error {
	e, ok := ref.(*export)
	if !ok {
		return fmt.Errorf("export: foreign device reference %T", ref)
	}

	err := e.ln.Close()

	e.mu.Lock()
	e.closing = true
	for c := range e.conns {
		c.Close()
	}
	e.mu.Unlock()

	e.wg.Wait()

	log.Info().Str("export", e.name).Msg("NBD export withdrawn")

	return err
}

// export is one published device, the DeviceRef of this host.
type export struct {
	name string
	size uint64
	dev  *sbdd.Device
	ln   net.Listener

	mu      sync.Mutex
	closing bool
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

func (e *export) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}

		e.mu.Lock()
		if e.closing {
			e.mu.Unlock()
			conn.Close()
			return
		}
		e.conns[conn] = struct{}{}
		e.mu.Unlock()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() {
				e.mu.Lock()
				delete(e.conns, conn)
				e.mu.Unlock()
				conn.Close()
			}()
			if err := e.serve(conn); err != nil && !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("NBD connection closed")
			}
		}()
	}
}

// serve runs the handshake and then the transmission phase until the client
// disconnects.
func (e *export) serve(conn net.Conn) error {
	ready, err := e.handshake(conn)
	if err != nil {
		return err
	}
	if !ready {
		return nil // client aborted during negotiation
	}
	return e.transmission(conn)
}

// handshake performs the server side of the fixed newstyle negotiation. It
// returns true once the client selected our export and transmission may
// start.
func (e *export) handshake(conn net.Conn) (bool, error) {
	hello := struct {
		Magic     uint64
		OptsMagic uint64
		Flags     uint16
	}{nbd.NBDMagic, nbd.OptsMagic, nbd.FlagFixedNewstyle | nbd.FlagNoZeroes}
	if err := binary.Write(conn, binary.BigEndian, hello); err != nil {
		return false, err
	}

	var clientFlags uint32
	if err := binary.Read(conn, binary.BigEndian, &clientFlags); err != nil {
		return false, err
	}

	for {
		var opt struct {
			Magic  uint64
			Option uint32
			Length uint32
		}
		if err := binary.Read(conn, binary.BigEndian, &opt); err != nil {
			return false, err
		}
		if opt.Magic != nbd.OptsMagic {
			return false, fmt.Errorf("export: bad option magic %#x", opt.Magic)
		}

		data := make([]byte, opt.Length)
		if _, err := io.ReadFull(conn, data); err != nil {
			return false, err
		}

		switch opt.Option {
		case nbd.OptExportName:
			if string(data) != e.name {
				// The protocol has no error reply to EXPORT_NAME,
				// dropping the connection is the defined behavior.
				return false, fmt.Errorf("export: unknown export %q", data)
			}
			info := struct {
				Size  uint64
				Flags uint16
			}{e.size, nbd.FlagHasFlags | nbd.FlagSendFlush}
			if err := binary.Write(conn, binary.BigEndian, info); err != nil {
				return false, err
			}
			if clientFlags&nbd.FlagCNoZeroes == 0 {
				if _, err := conn.Write(make([]byte, 124)); err != nil {
					return false, err
				}
			}
			return true, nil
		case nbd.OptList:
			if err := e.optReply(conn, opt.Option, nbd.RepServer, listPayload(e.name)); err != nil {
				return false, err
			}
			if err := e.optReply(conn, opt.Option, nbd.RepAck, nil); err != nil {
				return false, err
			}
		case nbd.OptAbort:
			e.optReply(conn, opt.Option, nbd.RepAck, nil)
			return false, nil
		default:
			if err := e.optReply(conn, opt.Option, nbd.RepErrUnsup, nil); err != nil {
				return false, err
			}
		}
	}
}

func (e *export) optReply(conn net.Conn, option, repType uint32, payload []byte) error {
	hdr := struct {
		Magic  uint64
		Option uint32
		Type   uint32
		Length uint32
	}{nbd.RepMagic, option, repType, uint32(len(payload))}
	if err := binary.Write(conn, binary.BigEndian, hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := conn.Write(payload)
	return err
}

func listPayload(name string) []byte {
	p := make([]byte, 4+len(name))
	binary.BigEndian.PutUint32(p, uint32(len(name)))
	copy(p[4:], name)
	return p
}

// transmission serves commands one at a time. Every command becomes one
// proxy request; the reply carries the outcome the proxy delivered.
func (e *export) transmission(conn net.Conn) error {
	for {
		rq, err := nbd.ReadRequest(conn)
		if err != nil {
			return err
		}

		switch rq.Type {
		case nbd.CmdRead:
			if !aligned(rq) {
				if err := nbd.WriteReply(conn, nbd.Reply{Err: nbd.EINVAL, Handle: rq.Handle}); err != nil {
					return err
				}
				continue
			}
			data := make([]byte, rq.Length)
			if e.submit(sbdd.OpRead, rq.Offset, data) != nil {
				if err := nbd.WriteReply(conn, nbd.Reply{Err: nbd.EIO, Handle: rq.Handle}); err != nil {
					return err
				}
				continue
			}
			if err := nbd.WriteReply(conn, nbd.Reply{Handle: rq.Handle}); err != nil {
				return err
			}
			if _, err := conn.Write(data); err != nil {
				return err
			}
		case nbd.CmdWrite:
			data := make([]byte, rq.Length)
			if _, err := io.ReadFull(conn, data); err != nil {
				return err
			}
			status := uint32(0)
			if !aligned(rq) {
				status = nbd.EINVAL
			} else if e.submit(sbdd.OpWrite, rq.Offset, data) != nil {
				status = nbd.EIO
			}
			if err := nbd.WriteReply(conn, nbd.Reply{Err: status, Handle: rq.Handle}); err != nil {
				return err
			}
		case nbd.CmdFlush:
			status := uint32(0)
			if e.submit(sbdd.OpFlush, 0, nil) != nil {
				status = nbd.EIO
			}
			if err := nbd.WriteReply(conn, nbd.Reply{Err: status, Handle: rq.Handle}); err != nil {
				return err
			}
		case nbd.CmdDisc:
			return nil
		default:
			if err := nbd.WriteReply(conn, nbd.Reply{Err: nbd.EINVAL, Handle: rq.Handle}); err != nil {
				return err
			}
		}
	}
}

// submit forwards one command through the proxy and waits for its
// completion.
func (e *export) submit(op sbdd.Op, offset uint64, data []byte) error {
	errc := make(chan error, 1)
	req := sbdd.NewRequest(op, int64(offset)>>sbdd.SectorShift, data, func(err error) {
		errc <- err
	})
	e.dev.Submit(req)
	return <-errc
}

func aligned(rq nbd.Request) bool {
	return rq.Offset%sbdd.SectorSize == 0 && rq.Length%sbdd.SectorSize == 0
}
