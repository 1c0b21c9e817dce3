// Copyright (C) 2025 The sbdd Authors

// Package nbd holds the NBD wire protocol pieces shared by the export
// server and the remote backing client: magic numbers, option and command
// constants and the fixed-size headers of the transmission phase. Only the
// fixed newstyle negotiation with simple replies is covered, which is what
// both sides of this program speak.
package nbd

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic numbers.
const (
	NBDMagic     = 0x4e42444d41474943
	OptsMagic    = 0x49484156454f5054
	RepMagic     = 0x3e889045565a9
	RequestMagic = 0x25609513
	ReplyMagic   = 0x67446698
)

// Handshake flags sent by the server.
const (
	FlagFixedNewstyle = uint16(1 << 0)
	FlagNoZeroes      = uint16(1 << 1)
)

// Client flags answering the handshake flags.
const (
	FlagCFixedNewstyle = uint32(1 << 0)
	FlagCNoZeroes      = uint32(1 << 1)
)

// Options.
const (
	OptExportName = uint32(1)
	OptAbort      = uint32(2)
	OptList       = uint32(3)
)

// Option reply types.
const (
	RepAck       = uint32(1)
	RepServer    = uint32(2)
	RepFlagError = uint32(1 << 31)
	RepErrUnsup  = 1 | RepFlagError
)

// Transmission flags describing an export.
const (
	FlagHasFlags  = uint16(1 << 0)
	FlagReadOnly  = uint16(1 << 1)
	FlagSendFlush = uint16(1 << 2)
)

// Commands.
const (
	CmdRead  = uint16(0)
	CmdWrite = uint16(1)
	CmdDisc  = uint16(2)
	CmdFlush = uint16(3)
)

// Errors carried in simple replies.
const (
	EIO    = uint32(5)
	EINVAL = uint32(22)
)

const DefaultPort = 10809

// Request is the fixed-size header starting every transmission-phase
// command. Writes are followed by Length bytes of payload.
type Request struct {
	Flags  uint16
	Type   uint16
	Handle uint64
	Offset uint64
	Length uint32
}

type requestHeader struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Handle uint64
	Offset uint64
	Length uint32
}

// ReadRequest reads one command header, verifying the magic.
func ReadRequest(r io.Reader) (Request, error) {
	var h requestHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return Request{}, err
	}
	if h.Magic != RequestMagic {
		return Request{}, fmt.Errorf("nbd: bad request magic %#x", h.Magic)
	}
	return Request{Flags: h.Flags, Type: h.Type, Handle: h.Handle, Offset: h.Offset, Length: h.Length}, nil
}

// WriteRequest writes one command header.
func WriteRequest(w io.Writer, rq Request) error {
	return binary.Write(w, binary.BigEndian, requestHeader{
		Magic:  RequestMagic,
		Flags:  rq.Flags,
		Type:   rq.Type,
		Handle: rq.Handle,
		Offset: rq.Offset,
		Length: rq.Length,
	})
}

// Reply is the simple reply header. Successful reads are followed by the
// requested payload.
type Reply struct {
	Err    uint32
	Handle uint64
}

type replyHeader struct {
	Magic  uint32
	Err    uint32
	Handle uint64
}

// ReadReply reads one simple reply header, verifying the magic.
func ReadReply(r io.Reader) (Reply, error) {
	var h replyHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return Reply{}, err
	}
	if h.Magic != ReplyMagic {
		return Reply{}, fmt.Errorf("nbd: bad reply magic %#x", h.Magic)
	}
	return Reply{Err: h.Err, Handle: h.Handle}, nil
}

// WriteReply writes one simple reply header.
func WriteReply(w io.Writer, rep Reply) error {
	return binary.Write(w, binary.BigEndian, replyHeader{
		Magic:  ReplyMagic,
		Err:    rep.Err,
		Handle: rep.Handle,
	})
}
