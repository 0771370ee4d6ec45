package dispatch

import (
	"sync"

	"github.com/ehrlich-b/go-nvme/internal/prp"
)

// mappingPool recycles general-path mapping data across requests so the
// multi-page path does not allocate per dispatch.
//
// Uses *prp.MappingData to avoid sync.Pool interface allocation overhead.
var mappingPool = sync.Pool{
	New: func() any { return new(prp.MappingData) },
}

func getMapping() *prp.MappingData {
	return mappingPool.Get().(*prp.MappingData)
}

// putMapping clears md and returns it to the pool
func putMapping(md *prp.MappingData) {
	md.Reset()
	mappingPool.Put(md)
}
