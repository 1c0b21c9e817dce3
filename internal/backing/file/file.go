// Copyright (C) 2025 The sbdd Authors

// Package file implements the Backing interface on top of a local block
// device or regular file opened by path.
package file

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"

	"github.com/dmitry-o6/sbdd/internal/sbdd"
)

// Options to use in Open() due to the number of parameters. There is lower
// chance of ordering mistake with named parameters.
type Options struct {
	// Path of the block device or file.
	Path string

	// Direct opens the path with O_DIRECT. Requests must then be aligned
	// to directio.BlockSize in both offset and length.
	Direct bool

	// Workers is the number of goroutines serving submissions.
	Workers int

	// MaxTransfer is the largest single request in sectors the handle
	// advertises. Zero means unlimited.
	MaxTransfer int64
}

// File is a backing handle over an open file descriptor. Submissions are
// fed through a channel to a pool of worker goroutines, one ReadAt/WriteAt
// per request, and completed through the per-request callback.
type File struct {
	f           *os.File
	capacity    int64
	maxTransfer int64
	direct      bool

	subs   chan submission
	wg     sync.WaitGroup
	closed atomic.Bool
}

type submission struct {
	req  *sbdd.Request
	done func(error)
}

// Open opens the path for read/write and queries its capacity. It
// immediately spawns the worker goroutines. On any failure the descriptor
// is closed again and an error is returned.
func Open(o Options) (*File, error) {
	var f *os.File
	var err error
	if o.Direct {
		f, err = directio.OpenFile(o.Path, os.O_RDWR, 0)
	} else {
		f, err = os.OpenFile(o.Path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, err
	}

	capacity, err := capacitySectors(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	workers := o.Workers
	if workers < 1 {
		workers = 1
	}

	b := &File{
		f:           f,
		capacity:    capacity,
		maxTransfer: o.MaxTransfer,
		direct:      o.Direct,
		subs:        make(chan submission),
	}

	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	return b, nil
}

// capacitySectors asks the kernel for the device size of a block device and
// falls back to the file size for anything else.
func capacitySectors(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if fi.Mode()&os.ModeDevice == 0 {
		return fi.Size() >> sbdd.SectorShift, nil
	}

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64,
		uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, fmt.Errorf("BLKGETSIZE64 %s: %w", f.Name(), errno)
	}

	return int64(size) >> sbdd.SectorShift, nil
}

func (b *File) Capacity() int64 {
	return b.capacity
}

func (b *File) MaxTransfer() int64 {
	return b.maxTransfer
}

// Submit queues the request for one of the workers. done fires from the
// worker goroutine once the request hit the disk.
func (b *File) Submit(req *sbdd.Request, done func(error)) {
	if b.closed.Load() {
		done(sbdd.ErrClosed)
		return
	}
	b.subs <- submission{req: req, done: done}
}

// Close stops the workers and closes the descriptor. The proxy calls it
// only after draining, so no submission can be in flight anymore.
func (b *File) Close() error {
	b.closed.Store(true)
	close(b.subs)
	b.wg.Wait()
	return b.f.Close()
}

// Worker just executes submissions from the channel one by one until Close.
func (b *File) worker() {
	defer b.wg.Done()
	for s := range b.subs {
		s.done(b.do(s.req))
	}
}

func (b *File) do(r *sbdd.Request) error {
	off := r.Sector << sbdd.SectorShift

	switch r.Op {
	case sbdd.OpRead:
		if b.direct {
			return b.directRead(r.Data, off)
		}
		_, err := b.f.ReadAt(r.Data, off)
		return err
	case sbdd.OpWrite:
		if b.direct {
			return b.directWrite(r.Data, off)
		}
		_, err := b.f.WriteAt(r.Data, off)
		return err
	case sbdd.OpFlush:
		return b.f.Sync()
	}

	return fmt.Errorf("file: unknown op %v", r.Op)
}

// The direct variants bounce through an aligned block since buffers coming
// from the network are not O_DIRECT friendly. Offset and length still have
// to be aligned, the export advertises that constraint.
func (b *File) directRead(p []byte, off int64) error {
	if err := checkAlignment(p, off); err != nil {
		return err
	}
	block := directio.AlignedBlock(len(p))
	if _, err := b.f.ReadAt(block, off); err != nil {
		return err
	}
	copy(p, block)
	return nil
}

func (b *File) directWrite(p []byte, off int64) error {
	if err := checkAlignment(p, off); err != nil {
		return err
	}
	block := directio.AlignedBlock(len(p))
	copy(block, p)
	_, err := b.f.WriteAt(block, off)
	return err
}

func checkAlignment(p []byte, off int64) error {
	if off%directio.BlockSize != 0 || len(p)%directio.BlockSize != 0 {
		return fmt.Errorf("file: request not aligned to %d bytes", directio.BlockSize)
	}
	return nil
}
