//go:build linux

package dma

import "golang.org/x/sys/unix"

// mapArena backs coherent buffers with private anonymous mappings, which are
// page aligned by construction.
func mapArena(size int) ([]byte, func([]byte) error, error) {
	mem, err := unix.Mmap(-1, 0, int(roundUp(uint64(size), uint64(unix.Getpagesize()))),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return mem[:size], unmapArena, nil
}

func unmapArena(b []byte) error {
	return unix.Munmap(b[:cap(b)])
}
