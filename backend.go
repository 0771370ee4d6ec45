package nvme

import "github.com/ehrlich-b/go-nvme/internal/interfaces"

// Backend is the storage behind a simulated namespace. See package
// backend for memory and file implementations.
type Backend = interfaces.Backend

// StatBackend is a Backend that reports its own counters
type StatBackend = interfaces.StatBackend
