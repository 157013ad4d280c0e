// Package gc implements Raya's per-context tracing mark-and-sweep garbage
// collector over internal/heap allocations.
//
// There is no teacher analogue for an explicit header + intrusive
// allocation list: the teacher (internal/vmregister) boxes heap objects as
// ordinary Go pointers and leans on Go's own GC, pinning them in a
// process-wide globalObjectCache slice purely to stop Go's collector from
// reclaiming a pointer whose only live reference is hidden inside a
// NaN-boxed uint64. Raya's spec requires the collector itself to be
// precise and per-context, so this package owns reachability instead of
// outsourcing it to the host runtime: RootSource supplies roots, Mark walks
// the heap-object graph via each Tag's Trace function, and Sweep frees
// anything left unmarked.
package gc

import (
	"sync"
	"unsafe"

	"raya/internal/heap"
	"raya/internal/rerrors"
	"raya/internal/value"
)

// RootSource enumerates every currently-live Value root: operand stacks,
// frame locals, globals, task fields, and saved stacks of suspended tasks.
type RootSource interface {
	Roots() []value.Value
}

// Policy configures collection thresholds.
type Policy struct {
	InitialThreshold uint64  // bytes; collection triggers once exceeded
	GrowthFactor     float64 // threshold multiplier, applied when an allocation still exceeds the threshold after a collection
	MaxHeapBytes     uint64  // 0 = unlimited
}

func DefaultPolicy() Policy {
	return Policy{InitialThreshold: 1 << 20, GrowthFactor: 2.0, MaxHeapBytes: 0}
}

// Heap is one context's isolated GC heap. Contexts never share a Heap;
// allocation takes a short, bounded lock (mirroring the spec's "allocation
// requires the GC lock, short and bounded" resource policy).
type Heap struct {
	mu        sync.Mutex
	head      *heap.Header
	bytes     uint64
	threshold uint64
	policy    Policy
	roots     RootSource

	collections  uint64
	lastFreed    uint64
	lastSurvived uint64
}

func New(policy Policy) *Heap {
	return &Heap{threshold: policy.InitialThreshold, policy: policy}
}

// SetRootSource wires the context's root enumerator. Must be called before
// any collection can run; Allocate works without it (it just can't collect,
// and will fail allocation once over a MaxHeapBytes cap).
func (h *Heap) SetRootSource(rs RootSource) { h.roots = rs }

func (h *Heap) Bytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytes
}

func (h *Heap) Stats() (collections, lastFreed, lastSurvived uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.collections, h.lastFreed, h.lastSurvived
}

// track appends a freshly-allocated header to the allocation list and
// updates byte accounting. Called by every Alloc* constructor below while
// holding h.mu.
func (h *Heap) track(hdr *heap.Header, size uint32) {
	hdr.Size = size
	hdr.Next = h.head
	h.head = hdr
	h.bytes += uint64(size)
}

// reserve ensures room for an allocation of approxSize bytes, collecting
// first if the heap is over threshold, and failing with OOM if the context
// has a max heap size that collection cannot satisfy.
func (h *Heap) reserve(approxSize uint64) error {
	if h.bytes+approxSize > h.threshold {
		h.collectLocked()
		if h.bytes+approxSize > h.threshold {
			h.threshold = uint64(float64(h.threshold) * h.policy.GrowthFactor)
			if h.policy.MaxHeapBytes > 0 && h.threshold > h.policy.MaxHeapBytes {
				h.threshold = h.policy.MaxHeapBytes
			}
		}
	}
	if h.policy.MaxHeapBytes > 0 && h.bytes+approxSize > h.policy.MaxHeapBytes {
		return rerrors.New(rerrors.RuntimeError, "gc: out of memory (heap limit %d bytes)", h.policy.MaxHeapBytes)
	}
	return nil
}

// Collect runs a stop-the-world mark-sweep pass unconditionally.
func (h *Heap) Collect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.collectLocked()
}

func (h *Heap) collectLocked() {
	h.collections++
	if h.roots == nil {
		return
	}
	for _, root := range h.roots.Roots() {
		markValue(root)
	}
	freed, survived := h.sweepLocked()
	h.lastFreed, h.lastSurvived = freed, survived
}

func markValue(v value.Value) {
	ptr, ok := v.AsPtr()
	if !ok || ptr == nil {
		return
	}
	hdr := heap.HeaderOf(ptr)
	if hdr.Mark {
		return
	}
	hdr.Mark = true
	for _, child := range trace(hdr, ptr) {
		markValue(child)
	}
}

// trace enumerates every Value field of a heap object that may reference
// other heap objects, dispatching on the object's GC tag.
func trace(hdr *heap.Header, ptr unsafe.Pointer) []value.Value {
	switch hdr.Tag {
	case heap.TagArray:
		return (*heap.Array)(ptr).Elems
	case heap.TagTuple:
		return (*heap.Tuple)(ptr).Elems
	case heap.TagObject:
		return (*heap.Object)(ptr).Fields
	case heap.TagClosure:
		return (*heap.Closure)(ptr).Captured
	case heap.TagBoundMethod:
		return []value.Value{(*heap.BoundMethod)(ptr).Receiver}
	case heap.TagRefCell:
		return []value.Value{(*heap.RefCell)(ptr).Cell}
	case heap.TagJson:
		return traceJson((*heap.Json)(ptr))
	case heap.TagString:
		return nil
	default:
		return nil
	}
}

func traceJson(j *heap.Json) []value.Value {
	// Json's children are owned *Json pointers, not boxed Values, so there
	// is no Value to hand back to markValue; instead walk the tree directly
	// and set the mark bit on every nested Json node's own header.
	visited := map[*heap.Json]bool{}
	var walk func(n *heap.Json)
	walk = func(n *heap.Json) {
		if n == nil || visited[n] {
			return
		}
		visited[n] = true
		n.Mark = true
		switch n.Kind {
		case heap.JsonArray:
			for _, e := range n.Arr {
				walk(e)
			}
		case heap.JsonObject:
			for _, e := range n.Obj {
				walk(e)
			}
		}
	}
	walk(j)
	return nil
}

// sweepLocked walks the intrusive allocation list, freeing unmarked
// entries and clearing the mark bit on survivors. Must hold h.mu.
func (h *Heap) sweepLocked() (freed, survived uint64) {
	var prev *heap.Header
	cur := h.head
	for cur != nil {
		next := cur.Next
		if cur.Mark {
			cur.Mark = false
			survived += uint64(cur.Size)
			prev = cur
		} else {
			freed += uint64(cur.Size)
			h.bytes -= uint64(cur.Size)
			if prev == nil {
				h.head = next
			} else {
				prev.Next = next
			}
		}
		cur = next
	}
	return freed, survived
}

// --- typed allocators -------------------------------------------------

func (h *Heap) AllocString(s string) (*heap.String, error) {
	sz := uint64(len(s)) + 32
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.reserve(sz); err != nil {
		return nil, err
	}
	obj := heap.NewString(s)
	h.track(&obj.Header, uint32(sz))
	return obj, nil
}

func (h *Heap) AllocArray(capacity int) (*heap.Array, error) {
	sz := uint64(capacity)*8 + 32
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.reserve(sz); err != nil {
		return nil, err
	}
	obj := heap.NewArray(capacity)
	h.track(&obj.Header, uint32(sz))
	return obj, nil
}

func (h *Heap) AllocTuple(elems []value.Value) (*heap.Tuple, error) {
	sz := uint64(len(elems))*8 + 16
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.reserve(sz); err != nil {
		return nil, err
	}
	obj := heap.NewTuple(elems)
	h.track(&obj.Header, uint32(sz))
	return obj, nil
}

func (h *Heap) AllocObject(classID uint32, fieldCount int) (*heap.Object, error) {
	sz := uint64(fieldCount)*8 + 16
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.reserve(sz); err != nil {
		return nil, err
	}
	obj := heap.NewObject(classID, fieldCount)
	h.track(&obj.Header, uint32(sz))
	return obj, nil
}

func (h *Heap) AllocClosure(funcID uint32, captured []value.Value) (*heap.Closure, error) {
	sz := uint64(len(captured))*8 + 16
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.reserve(sz); err != nil {
		return nil, err
	}
	obj := heap.NewClosure(funcID, captured)
	h.track(&obj.Header, uint32(sz))
	return obj, nil
}

func (h *Heap) AllocBoundMethod(receiver value.Value, funcID uint32) (*heap.BoundMethod, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.reserve(24); err != nil {
		return nil, err
	}
	obj := heap.NewBoundMethod(receiver, funcID)
	h.track(&obj.Header, 24)
	return obj, nil
}

func (h *Heap) AllocRefCell(v value.Value) (*heap.RefCell, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.reserve(16); err != nil {
		return nil, err
	}
	obj := heap.NewRefCell(v)
	h.track(&obj.Header, 16)
	return obj, nil
}

func (h *Heap) AllocJson(j *heap.Json) (*heap.Json, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.reserve(32); err != nil {
		return nil, err
	}
	h.track(&j.Header, 32)
	return j, nil
}
