// Copyright (C) 2025 The sbdd Authors

package sbdd

import (
	"errors"
	"fmt"
)

var (
	// ErrIO is the terminal error every failed request completes with.
	// All more specific request errors wrap it.
	ErrIO = errors.New("sbdd: input/output error")

	// ErrAttach means the backing device could not be opened at create
	// time. No device is published when it is returned.
	ErrAttach = errors.New("sbdd: cannot attach backing device")

	// ErrClosed means a submission reached a backing that was already
	// released.
	ErrClosed = errors.New("sbdd: backing device is closed")

	// ErrOutOfRange means a request addressed sectors beyond the device
	// capacity.
	ErrOutOfRange = fmt.Errorf("%w: request beyond device capacity", ErrIO)

	// ErrUnaligned means a request length was not a whole number of
	// sectors.
	ErrUnaligned = fmt.Errorf("%w: request not sector aligned", ErrIO)
)
