package markstack

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/kolkov/zmark/internal/zgc/zdebug"
	"github.com/kolkov/zmark/internal/zgc/zlog"
)

// ChunkStacks is the number of segments committed at a time.
const ChunkStacks = 64

// ChunkBytes is the size of one arena chunk.
const ChunkBytes = ChunkStacks * StackBytes

// Backing commits and releases the memory behind the arena. The heap's
// page allocator provides it.
type Backing interface {
	Commit(n int64) error
	Uncommit(n int64)
}

type chunk struct {
	stacks [ChunkStacks]Stack
}

// Allocator hands out stack segments from an arena that grows one chunk at
// a time up to a fixed space limit.
//
// Segments are addressed by index (1-based, zero means nil) rather than by
// pointer, so the lock-free lists can tag their heads and never see a
// recycled segment as unchanged.
//
// Thread Safety: Alloc and Free are safe for concurrent use. Growth is
// serialized by a mutex. Release must run when no segment is in use.
type Allocator struct {
	backing Backing
	chunks  []atomic.Pointer[chunk]

	mu        sync.Mutex
	committed atomic.Uint32 // number of usable segments

	_    cpu.CacheLinePad
	top  atomic.Uint32 // segments handed out from the bump area
	_    cpu.CacheLinePad
	free List
	_    cpu.CacheLinePad

	inUse atomic.Int64
	log   *slog.Logger
}

// NewAllocator returns an allocator whose arena may grow to limit bytes.
func NewAllocator(backing Backing, limit int64) *Allocator {
	nchunks := int(limit / ChunkBytes)
	if nchunks < 1 {
		nchunks = 1
	}
	return &Allocator{
		backing: backing,
		chunks:  make([]atomic.Pointer[chunk], nchunks),
		log:     zlog.For(zlog.TagMarking),
	}
}

// Stack returns the segment with the given index.
func (a *Allocator) Stack(index uint32) *Stack {
	i := index - 1
	return &a.chunks[i/ChunkStacks].Load().stacks[i%ChunkStacks]
}

// Alloc returns an empty segment. When the arena cannot grow any further
// the out-of-memory fatal path runs and nil is returned.
func (a *Allocator) Alloc() *Stack {
	if s := a.free.Pop(a); s != nil {
		a.inUse.Add(1)
		return s
	}

	for {
		top := a.top.Load()
		if top < a.committed.Load() {
			if a.top.CompareAndSwap(top, top+1) {
				a.inUse.Add(1)
				return a.Stack(top + 1)
			}
			continue
		}
		if !a.expand(top) {
			return nil
		}
	}
}

// expand commits one more chunk unless another thread already did so
// while we were waiting for the lock.
func (a *Allocator) expand(seen uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.top.Load() != seen || seen < a.committed.Load() {
		return true
	}

	n := a.committed.Load() / ChunkStacks
	if int(n) >= len(a.chunks) {
		zdebug.OutOfMemory("mark stack space exhausted (%d bytes); use ZMARK_OPTIONS=mark_stack_limit=<size> to increase",
			int64(len(a.chunks))*ChunkBytes)
		return false
	}
	if err := a.backing.Commit(ChunkBytes); err != nil {
		zdebug.OutOfMemory("mark stack chunk commit failed: %v", err)
		return false
	}

	c := &chunk{}
	base := n * ChunkStacks
	for i := range c.stacks {
		c.stacks[i].index = base + uint32(i) + 1
	}
	a.chunks[n].Store(c)
	a.committed.Add(ChunkStacks)

	a.log.Debug("Mark stack space expanded", "chunks", n+1, "bytes", int64(n+1)*ChunkBytes)
	return true
}

// Free returns an empty segment to the allocator.
func (a *Allocator) Free(s *Stack) {
	zdebug.Assert(s.IsEmpty(), "markstack", "free", "segment %d not empty (%d entries)", s.index, s.top)
	s.top = 0
	a.inUse.Add(-1)
	a.free.Push(s)
}

// InUse returns the number of segments handed out and not freed.
func (a *Allocator) InUse() int64 {
	return a.inUse.Load()
}

// SpaceUsed returns the committed arena size in bytes.
func (a *Allocator) SpaceUsed() int64 {
	return int64(a.committed.Load()) * StackBytes
}

// Release uncommits the whole arena. It does nothing while segments are
// still in use.
func (a *Allocator) Release() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inUse.Load() != 0 {
		return false
	}
	committed := a.committed.Load()
	if committed == 0 {
		return true
	}

	a.free.clear()
	a.top.Store(0)
	for i := uint32(0); i < committed/ChunkStacks; i++ {
		a.chunks[i].Store(nil)
	}
	a.committed.Store(0)
	a.backing.Uncommit(int64(committed/ChunkStacks) * ChunkBytes)

	a.log.Debug("Mark stack space released", "bytes", int64(committed)*StackBytes)
	return true
}
