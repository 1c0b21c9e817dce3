// Copyright (C) 2025 The sbdd Authors

// Null package does nothing but correctly.
package null

import (
	"github.com/dmitry-o6/sbdd/internal/sbdd"
)

// Null implementation of the Backing interface. Every submission is
// acknowledged immediately with success. Useful for measuring performance
// of the proxy and export layers without real I/O underneath. Otherwise
// useless. It can also serve as a template for new backing implementations.
type null struct {
	capacity int64
}

// NewNull returns a null backing pretending to hold capacity sectors.
func NewNull(capacity int64) *null {
	return &null{capacity: capacity}
}

func (n *null) Capacity() int64 {
	return n.capacity
}

func (n *null) MaxTransfer() int64 {
	return 0
}

func (n *null) Submit(req *sbdd.Request, done func(error)) {
	done(nil)
}

func (n *null) Close() error {
	return nil
}
