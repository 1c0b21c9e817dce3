// Copyright (C) 2025 The sbdd Authors

// sbdd is the core of a transparent block device proxy. It owns a single
// proxy device which forwards every request it receives to a backing block
// device and passes completions back unchanged. The package stores nothing
// itself; its job is request lifecycle management: cloning and retargeting
// requests, mapping completions back, and a teardown protocol which waits
// for all in-flight requests to drain before the backing device is released.
//
// sbdd defines two interfaces. Backing is the open handle to the real block
// device the proxy forwards to, Host is the environment which publishes the
// proxy device to consumers. Both parts can be trivially changed just by
// implementing the corresponding interface.
package sbdd
