//go:build !giouring
// +build !giouring

package backend

import (
	"fmt"

	"github.com/ehrlich-b/go-nvme/internal/interfaces"
)

// OpenUringFile is available when built with -tags giouring
func OpenUringFile(path string, size int64, entries uint32) (interfaces.Backend, error) {
	return nil, fmt.Errorf("giouring not enabled; build with -tags giouring")
}
