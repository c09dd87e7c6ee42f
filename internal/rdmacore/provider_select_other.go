//go:build !(linux && cgo)

package rdmacore

import "fmt"

// NewDefaultProvider reports that no RDMA transport is available: the real
// Provider requires building with cgo enabled on Linux against
// libibverbs/librdmacm.
func NewDefaultProvider() (Provider, error) {
	return nil, fmt.Errorf("rdmacore: built without cgo/linux, no RDMA transport available (use NewLoopbackProvider for tests)")
}
