package blk

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvme/internal/ioerr"
)

// TagSet owns the requests of one hardware queue. A queue of depth N can
// hold at most N-1 commands, so a TagSet hands out depth-1 tags.
type TagSet struct {
	qid  uint16
	reqs []Request

	mu   sync.Mutex
	free []uint16

	handler  atomic.Pointer[func(*Request)]
	spurious atomic.Uint64
}

// NewTagSet creates the tags for a queue of the given depth
func NewTagSet(qid, depth uint16) (*TagSet, error) {
	if depth < 2 {
		return nil, ioerr.New("tagset", ioerr.CodeInvalidParams, fmt.Sprintf("queue depth %d below 2", depth))
	}
	n := int(depth) - 1
	s := &TagSet{
		qid:  qid,
		reqs: make([]Request, n),
		free: make([]uint16, 0, n),
	}
	// lowest tags are handed out first
	for i := n - 1; i >= 0; i-- {
		s.reqs[i].Tag = uint16(i)
		s.reqs[i].qid = qid
		s.free = append(s.free, uint16(i))
	}
	return s, nil
}

// Size returns the number of tags
func (s *TagSet) Size() int {
	return len(s.reqs)
}

// SetHandler installs the completion handler called by Complete
func (s *TagSet) SetHandler(fn func(*Request)) {
	s.handler.Store(&fn)
}

// Get reserves a free request. It never blocks; with every tag in use it
// returns ErrBusy.
func (s *TagSet) Get() (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.free)
	if n == 0 {
		return nil, ioerr.NewQueueError("get_tag", s.qid, 0, ioerr.CodeBusy, "no free tags")
	}
	tag := s.free[n-1]
	s.free = s.free[:n-1]
	req := &s.reqs[tag]
	req.Reset()
	return req, nil
}

// Put returns a request obtained from Get
func (s *TagSet) Put(req *Request) {
	if int(req.Tag) >= len(s.reqs) || &s.reqs[req.Tag] != req {
		panic(fmt.Sprintf("blk: request %d does not belong to queue %d", req.Tag, s.qid))
	}
	req.Finish()
	s.mu.Lock()
	s.free = append(s.free, req.Tag)
	s.mu.Unlock()
}

// Lookup returns the in-flight request for tag, or nil
func (s *TagSet) Lookup(tag uint16) *Request {
	if int(tag) >= len(s.reqs) {
		return nil
	}
	req := &s.reqs[tag]
	if !req.Started() {
		return nil
	}
	return req
}

// Free returns the number of tags not handed out
func (s *TagSet) Free() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

// Spurious returns how many completions named no in-flight request
func (s *TagSet) Spurious() uint64 {
	return s.spurious.Load()
}

// Complete records result and status on the in-flight request named by id
// and runs the completion handler. It returns false, touching nothing, when
// id is out of range or not in flight.
func (s *TagSet) Complete(id uint16, result uint32, status uint16) bool {
	if int(id) >= len(s.reqs) {
		s.spurious.Add(1)
		return false
	}
	req := &s.reqs[id]
	if !req.state.CompareAndSwap(stateStarted, stateCompleting) {
		s.spurious.Add(1)
		return false
	}
	req.Result = result
	req.Status = status
	if h := s.handler.Load(); h != nil {
		(*h)(req)
	}
	return true
}
