// Copyright (C) 2025 The sbdd Authors

package remote

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitry-o6/sbdd/internal/backing/file"
	"github.com/dmitry-o6/sbdd/internal/export"
	"github.com/dmitry-o6/sbdd/internal/sbdd"
)

// serveExport publishes a file-backed proxy device on a loopback NBD
// listener and returns its address. The remote backing under test attaches
// to it like it would to any NBD server.
func serveExport(t *testing.T, name string, size int64) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	h := export.New("127.0.0.1:0")
	open := func() (sbdd.Backing, error) {
		return file.Open(file.Options{Path: path, Workers: 2})
	}
	dev, err := sbdd.Create(name, open, h)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Delete() })

	return h.ListenAddr().String()
}

func submitWait(t *testing.T, b *Remote, req *sbdd.Request) error {
	t.Helper()
	errc := make(chan error, 1)
	b.Submit(req, func(err error) { errc <- err })
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("submission never completed")
		return nil
	}
}

func TestConnectRefused(t *testing.T) {
	_, err := Connect(Options{Addr: "127.0.0.1:1", Export: "none"})
	require.Error(t, err)
}

func TestConnectTakesExportSize(t *testing.T) {
	addr := serveExport(t, "disk", 1<<20)

	r, err := Connect(Options{Addr: addr, Export: "disk"})
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, int64(1<<20)>>sbdd.SectorShift, r.Capacity())
}

func TestRemoteRoundtrip(t *testing.T) {
	addr := serveExport(t, "disk", 1<<20)

	r, err := Connect(Options{Addr: addr, Export: "disk"})
	require.NoError(t, err)
	defer r.Close()

	data := bytes.Repeat([]byte{0x3c}, 4*sbdd.SectorSize)
	require.NoError(t, submitWait(t, r, sbdd.NewRequest(sbdd.OpWrite, 8, data, nil)))

	got := make([]byte, len(data))
	require.NoError(t, submitWait(t, r, sbdd.NewRequest(sbdd.OpRead, 8, got, nil)))
	require.Equal(t, data, got)

	require.NoError(t, submitWait(t, r, sbdd.NewRequest(sbdd.OpFlush, 0, nil, nil)))
}

func TestSubmitAfterClose(t *testing.T) {
	addr := serveExport(t, "disk", 1<<20)

	r, err := Connect(Options{Addr: addr, Export: "disk"})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	err = submitWait(t, r, sbdd.NewRequest(sbdd.OpRead, 0, make([]byte, sbdd.SectorSize), nil))
	require.ErrorIs(t, err, sbdd.ErrClosed)
}

// A proxy device can itself forward to another sbdd export, chaining two
// proxies in front of the same file.
func TestProxyChain(t *testing.T) {
	addr := serveExport(t, "disk", 1<<20)

	h := export.New("127.0.0.1:0")
	open := func() (sbdd.Backing, error) {
		return Connect(Options{Addr: addr, Export: "disk", MaxTransfer: 64})
	}
	dev, err := sbdd.Create("chained", open, h)
	require.NoError(t, err)
	defer dev.Delete()

	require.Equal(t, int64(1<<20)>>sbdd.SectorShift, dev.Capacity())

	data := bytes.Repeat([]byte{0x77}, 256*sbdd.SectorSize)
	errc := make(chan error, 1)
	dev.Submit(sbdd.NewRequest(sbdd.OpWrite, 0, data, func(err error) { errc <- err }))
	require.NoError(t, <-errc)

	got := make([]byte, len(data))
	dev.Submit(sbdd.NewRequest(sbdd.OpRead, 0, got, func(err error) { errc <- err }))
	require.NoError(t, <-errc)
	require.Equal(t, data, got)
}
