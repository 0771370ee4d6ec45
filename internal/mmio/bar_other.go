//go:build !linux

package mmio

import "errors"

// BAR is a memory-mapped register window. Only linux can map one.
type BAR struct{}

// OpenBAR always fails off linux
func OpenBAR(path string, size int) (*BAR, error) {
	return nil, errors.New("mapping register files requires linux")
}

func (b *BAR) Read32(off uint32) uint32     { return 0 }
func (b *BAR) Write32(off uint32, v uint32) {}
func (b *BAR) Read64(off uint32) uint64     { return 0 }
func (b *BAR) Write64(off uint32, v uint64) {}
func (b *BAR) Size() int                    { return 0 }
func (b *BAR) Close() error                 { return nil }
