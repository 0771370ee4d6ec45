package nvme

import "github.com/ehrlich-b/go-nvme/internal/constants"

// Re-export constants for public API
const (
	DefaultQueueDepth   = constants.DefaultQueueDepth
	DefaultIRQQueues    = constants.DefaultIRQQueues
	DefaultPolledQueues = constants.DefaultPolledQueues
	DefaultNamespaceID  = constants.DefaultNamespaceID
	DefaultPoolPages    = constants.DefaultPoolPages
	MaxQueueDepth       = constants.MaxQueueDepth
	MaxTransferKB       = constants.MaxTransferKB
	MaxSegments         = constants.MaxSegments
	PageSize            = constants.CtrlPageSize
	SectorSize          = 1 << constants.SectorShift
)
