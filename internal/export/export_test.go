// Copyright (C) 2025 The sbdd Authors

package export

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmitry-o6/sbdd/internal/backing/file"
	"github.com/dmitry-o6/sbdd/internal/nbd"
	"github.com/dmitry-o6/sbdd/internal/sbdd"
)

// publishTestDevice builds a file-backed proxy device of size bytes and
// publishes it on a loopback listener.
func publishTestDevice(t *testing.T, size int64) (*sbdd.Device, *Host) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	h := New("127.0.0.1:0")
	open := func() (sbdd.Backing, error) {
		return file.Open(file.Options{Path: path, Workers: 2})
	}
	dev, err := sbdd.Create("sbdd-test", open, h)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Delete() })

	return dev, h
}

// clientHandshake runs the client side of the negotiation and returns the
// advertised export size.
func clientHandshake(t *testing.T, conn net.Conn, name string) uint64 {
	t.Helper()

	var hello struct {
		Magic     uint64
		OptsMagic uint64
		Flags     uint16
	}
	require.NoError(t, binary.Read(conn, binary.BigEndian, &hello))
	require.Equal(t, uint64(nbd.NBDMagic), hello.Magic)
	require.Equal(t, uint64(nbd.OptsMagic), hello.OptsMagic)
	require.NotZero(t, hello.Flags&nbd.FlagFixedNewstyle)

	require.NoError(t, binary.Write(conn, binary.BigEndian, nbd.FlagCFixedNewstyle|nbd.FlagCNoZeroes))

	opt := struct {
		Magic  uint64
		Option uint32
		Length uint32
	}{nbd.OptsMagic, nbd.OptExportName, uint32(len(name))}
	require.NoError(t, binary.Write(conn, binary.BigEndian, opt))
	_, err := io.WriteString(conn, name)
	require.NoError(t, err)

	var info struct {
		Size  uint64
		Flags uint16
	}
	require.NoError(t, binary.Read(conn, binary.BigEndian, &info))
	require.NotZero(t, info.Flags&nbd.FlagHasFlags)

	return info.Size
}

func TestExportServesReadsAndWrites(t *testing.T) {
	_, h := publishTestDevice(t, 1<<20)

	conn, err := net.Dial("tcp", h.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	size := clientHandshake(t, conn, "sbdd-test")
	require.Equal(t, uint64(1<<20), size)

	payload := bytes.Repeat([]byte{0x5a}, 2*sbdd.SectorSize)
	require.NoError(t, nbd.WriteRequest(conn, nbd.Request{
		Type: nbd.CmdWrite, Handle: 1, Offset: 4096, Length: uint32(len(payload)),
	}))
	_, err = conn.Write(payload)
	require.NoError(t, err)

	rep, err := nbd.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, nbd.Reply{Handle: 1}, rep)

	require.NoError(t, nbd.WriteRequest(conn, nbd.Request{
		Type: nbd.CmdRead, Handle: 2, Offset: 4096, Length: uint32(len(payload)),
	}))
	rep, err = nbd.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, nbd.Reply{Handle: 2}, rep)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.NoError(t, nbd.WriteRequest(conn, nbd.Request{Type: nbd.CmdFlush, Handle: 3}))
	rep, err = nbd.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, nbd.Reply{Handle: 3}, rep)

	require.NoError(t, nbd.WriteRequest(conn, nbd.Request{Type: nbd.CmdDisc, Handle: 4}))
}

func TestExportRejectsMisalignedRequest(t *testing.T) {
	_, h := publishTestDevice(t, 1<<20)

	conn, err := net.Dial("tcp", h.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	clientHandshake(t, conn, "sbdd-test")

	require.NoError(t, nbd.WriteRequest(conn, nbd.Request{
		Type: nbd.CmdRead, Handle: 1, Offset: 100, Length: 512,
	}))
	rep, err := nbd.ReadReply(conn)
	require.NoError(t, err)
	require.Equal(t, nbd.EINVAL, rep.Err)
}

func TestExportDropsUnknownExportName(t *testing.T) {
	_, h := publishTestDevice(t, 1<<20)

	conn, err := net.Dial("tcp", h.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	var hello struct {
		Magic     uint64
		OptsMagic uint64
		Flags     uint16
	}
	require.NoError(t, binary.Read(conn, binary.BigEndian, &hello))
	require.NoError(t, binary.Write(conn, binary.BigEndian, nbd.FlagCFixedNewstyle|nbd.FlagCNoZeroes))

	opt := struct {
		Magic  uint64
		Option uint32
		Length uint32
	}{nbd.OptsMagic, nbd.OptExportName, 5}
	require.NoError(t, binary.Write(conn, binary.BigEndian, opt))
	_, err = io.WriteString(conn, "wrong")
	require.NoError(t, err)

	// The server drops the connection instead of exporting.
	var b [1]byte
	_, err = conn.Read(b[:])
	require.Error(t, err)
}

func TestUnpublishStopsListener(t *testing.T) {
	dev, h := publishTestDevice(t, 1<<20)

	addr := h.ListenAddr().String()
	require.NoError(t, dev.Delete())

	_, err := net.Dial("tcp", addr)
	require.Error(t, err)
}
