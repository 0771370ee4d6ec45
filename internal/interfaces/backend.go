package interfaces

// Backend is the storage behind a namespace. The simulated controller
// executes read, write and flush commands against it. It follows
// io.ReaderAt and io.WriterAt so files and memory plug in directly.
type Backend interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// When ReadAt returns n < len(p), it returns a non-nil error explaining
	// why more bytes were not returned.
	//
	// Implementations must not retain p: it is DMA-mapped request memory.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// WriteAt must return a non-nil error if it returns n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the backend in bytes. The namespace
	// capacity is Size() >> lba shift.
	Size() int64

	// Close releases the backend. No other method is called afterwards.
	Close() error

	// Flush makes completed writes durable
	Flush() error
}

// StatBackend is an optional interface that provides backend statistics.
type StatBackend interface {
	Backend

	// Stats returns backend-specific counters keyed by name
	Stats() map[string]any
}
