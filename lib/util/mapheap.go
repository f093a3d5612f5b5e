package util

import "container/heap"

type heapEntry struct {
	key      uint64
	priority uint64
	seq      uint64 // first insertion, breaks ties
	index    int
}

// entries implements heap.Interface
type entries []*heapEntry

func (e entries) Len() int { return len(e) }

func (e entries) Less(i, j int) bool {
	if e[i].priority != e[j].priority {
		return e[i].priority < e[j].priority
	}
	return e[i].seq < e[j].seq
}

func (e entries) Swap(i, j int) {
	e[i], e[j] = e[j], e[i]
	e[i].index = i
	e[j].index = j
}

func (e *entries) Push(x any) {
	it := x.(*heapEntry)
	it.index = len(*e)
	*e = append(*e, it)
}

func (e *entries) Pop() any {
	old := *e
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*e = old[:n-1]
	return it
}

// MapHeap is a min priority queue of uint64 keys that also supports lookup and
// removal by key. Keys with equal priority come out in the order they were first
// added; changing a key's priority keeps its place among equals.
//
// MapHeap is not safe for concurrent use.
type MapHeap struct {
	heap    entries
	byKey   map[uint64]*heapEntry
	nextSeq uint64
}

func NewMapHeap() *MapHeap {
	return &MapHeap{byKey: make(map[uint64]*heapEntry)}
}

func (mh *MapHeap) Len() int { return len(mh.heap) }

// Set adds key with the given priority or moves an existing key to it
func (mh *MapHeap) Set(key, priority uint64) {
	if it, ok := mh.byKey[key]; ok {
		it.priority = priority
		heap.Fix(&mh.heap, it.index)
		return
	}
	mh.nextSeq++
	it := &heapEntry{key: key, priority: priority, seq: mh.nextSeq}
	mh.byKey[key] = it
	heap.Push(&mh.heap, it)
}

// Remove deletes key and reports whether it was present
func (mh *MapHeap) Remove(key uint64) bool {
	it, ok := mh.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&mh.heap, it.index)
	delete(mh.byKey, key)
	return true
}

// Min returns the key with the lowest priority without removing it
func (mh *MapHeap) Min() (key, priority uint64, ok bool) {
	if len(mh.heap) == 0 {
		return 0, 0, false
	}
	return mh.heap[0].key, mh.heap[0].priority, true
}
