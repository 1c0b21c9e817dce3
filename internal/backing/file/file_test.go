// Copyright (C) 2025 The sbdd Authors

package file

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitry-o6/sbdd/internal/sbdd"
)

// tempDevice creates a sparse file of size bytes and returns its path.
func tempDevice(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func submitWait(t *testing.T, b *File, req *sbdd.Request) error {
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

func TestOpenMissingPath(t *testing.T) {
	_, err := Open(Options{Path: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
}

func TestCapacityFromFileSize(t *testing.T) {
	path := tempDevice(t, 1<<20)
	b, err := Open(Options{Path: path, Workers: 2})
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, int64(1<<20)>>sbdd.SectorShift, b.Capacity())
}

func TestWriteReadRoundtrip(t *testing.T) {
	path := tempDevice(t, 1<<20)
	b, err := Open(Options{Path: path, Workers: 4})
	require.NoError(t, err)
	defer b.Close()

	data := bytes.Repeat([]byte{0xa5}, 8*sbdd.SectorSize)
	require.NoError(t, submitWait(t, b, sbdd.NewRequest(sbdd.OpWrite, 16, data, nil)))

	got := make([]byte, len(data))
	require.NoError(t, submitWait(t, b, sbdd.NewRequest(sbdd.OpRead, 16, got, nil)))
	require.Equal(t, data, got)

	require.NoError(t, submitWait(t, b, sbdd.NewRequest(sbdd.OpFlush, 0, nil, nil)))
}

func TestReadBeyondEndFails(t *testing.T) {
	path := tempDevice(t, 4*sbdd.SectorSize)
	b, err := Open(Options{Path: path, Workers: 1})
	require.NoError(t, err)
	defer b.Close()

	got := make([]byte, 8*sbdd.SectorSize)
	require.Error(t, submitWait(t, b, sbdd.NewRequest(sbdd.OpRead, 0, got, nil)))
}

func TestSubmitAfterClose(t *testing.T) {
	path := tempDevice(t, 1<<20)
	b, err := Open(Options{Path: path, Workers: 1})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	err = submitWait(t, b, sbdd.NewRequest(sbdd.OpRead, 0, make([]byte, sbdd.SectorSize), nil))
	require.ErrorIs(t, err, sbdd.ErrClosed)
}

func TestMaxTransferAdvertised(t *testing.T) {
	path := tempDevice(t, 1<<20)
	b, err := Open(Options{Path: path, MaxTransfer: 2048})
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, int64(2048), b.MaxTransfer())
}
