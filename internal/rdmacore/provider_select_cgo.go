//go:build linux && cgo

package rdmacore

// NewDefaultProvider returns the real libibverbs/rdma_cma-backed Provider,
// available whenever this binary was built with cgo on Linux.
func NewDefaultProvider() (Provider, error) {
	return NewVerbsProvider(), nil
}
