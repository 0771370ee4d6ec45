//go:build !linux

package dma

func mapArena(size int) ([]byte, func([]byte) error, error) {
	return alignedHeap(size), func([]byte) error { return nil }, nil
}
