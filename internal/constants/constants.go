package constants

import "time"

// Controller memory page geometry
const (
	// CtrlPageShift is log2 of the controller memory page size
	CtrlPageShift = 12

	// CtrlPageSize is the controller memory page size (4KB)
	CtrlPageSize = 1 << CtrlPageShift

	// PRPEntrySize is the size of one descriptor-list entry
	PRPEntrySize = 8

	// PRPEntriesPerPage is the number of 64-bit addresses in one descriptor page
	PRPEntriesPerPage = CtrlPageSize / PRPEntrySize

	// SectorShift is log2 of the block layer's 512-byte sector
	SectorShift = 9
)

// Transfer limits
const (
	// MaxTransferKB is the largest single transfer in KiB
	MaxTransferKB = 4096

	// MaxSegments is the largest scatter list accepted for one request
	MaxSegments = 127

	// MaxPRPs is the worst-case number of descriptor entries for MaxTransferKB
	MaxPRPs = (MaxTransferKB*1024 + CtrlPageSize + CtrlPageSize - 1) / CtrlPageSize

	// MaxPRPPages is the worst-case number of descriptor pages per request
	MaxPRPPages = (PRPEntrySize*MaxPRPs + CtrlPageSize - PRPEntrySize - 1) / (CtrlPageSize - PRPEntrySize)
)

// Queue geometry
const (
	// SQEntrySize is the size of a submission entry
	SQEntrySize = 64

	// CQEntrySize is the size of a completion entry
	CQEntrySize = 16

	// AdminQueueDepth is the depth of the admin queue pair
	AdminQueueDepth = 64

	// MaxQueueDepth caps I/O queue depth regardless of CAP.MQES
	MaxQueueDepth = 1024

	// DefaultQueueDepth is the default I/O queue depth
	DefaultQueueDepth = 128

	// DoorbellBase is the BAR offset of the first doorbell register
	DoorbellBase = 0x1000

	// ShadowBufferSize is the size of each shadow doorbell buffer
	ShadowBufferSize = CtrlPageSize
)

// Default device parameters
const (
	// DefaultIRQQueues is the default number of interrupt-driven I/O queues
	DefaultIRQQueues = 1

	// DefaultPolledQueues is the default number of polled I/O queues
	DefaultPolledQueues = 0

	// DefaultNamespaceID is the namespace the device binds to
	DefaultNamespaceID = 1

	// DefaultPoolPages bounds the descriptor page pool
	DefaultPoolPages = 1024
)

// Timing constants for controller bring-up
const (
	// DefaultReadyTimeout bounds each CSTS.RDY transition when CAP.TO is zero
	DefaultReadyTimeout = 5 * time.Second

	// ReadyPollInterval is the interval between CSTS reads
	ReadyPollInterval = time.Millisecond

	// CapTimeoutUnit is the unit of CAP.TO
	CapTimeoutUnit = 500 * time.Millisecond

	// AdminCommandTimeout bounds a synchronous admin command
	AdminCommandTimeout = 10 * time.Second
)
