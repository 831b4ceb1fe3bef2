package buffer_cache

import (
	"sync"
	"sync/atomic"

	"github.com/Adarsh-Kmt/kmem/fatal"
)

// link is one node of the index-based recency lists. Nodes [0, Buffers) are
// buffers, node Buffers+s is the sentinel head of shard s.
type link struct {
	prev int32
	next int32
}

// shard owns a short-term lock and the recency list of the buffers hashed to it.
// head.next is the most recently released buffer, head.prev the least.
type shard struct {
	mutex *sync.Mutex
	head  int32

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	steals    atomic.Int64
}

// recencyList is the arena holding every shard's list.
type recencyList struct {
	links []link
}

func newRecencyList(buffers int, shards int) *recencyList {

	list := &recencyList{links: make([]link, buffers+shards)}

	for s := 0; s < shards; s++ {
		head := int32(buffers + s)
		list.links[head] = link{prev: head, next: head}
	}
	return list
}

// pushFront links node right after head, the most recently used position.
func (list *recencyList) pushFront(head int32, node int32) {

	first := list.links[head].next

	list.links[node] = link{prev: head, next: first}
	list.links[first].prev = node
	list.links[head].next = node
}

func (list *recencyList) unlink(node int32) {

	prev, next := list.links[node].prev, list.links[node].next

	list.links[prev].next = next
	list.links[next].prev = prev

	list.links[node] = link{prev: node, next: node}
}

// moveToFront makes node the most recently used entry of the list headed by head.
func (list *recencyList) moveToFront(head int32, node int32) {
	list.unlink(node)
	list.pushFront(head, node)
}

// forward walks a list from most to least recently used.
func (list *recencyList) forward(head int32, visit func(node int32) bool) {

	for node := list.links[head].next; node != head; node = list.links[node].next {
		if !visit(node) {
			return
		}
	}
}

// backward walks a list from least to most recently used.
func (list *recencyList) backward(head int32, visit func(node int32) bool) {

	for node := list.links[head].prev; node != head; node = list.links[node].prev {
		if !visit(node) {
			return
		}
	}
}

// lockSet tracks the shard locks held by one cache operation and enforces the
// global order: shard locks are only ever taken in ascending index order, and
// released in reverse.
type lockSet struct {
	cache *BufferCache
	call  uint64
	held  [2]int
	depth int
}

func (cache *BufferCache) newLockSet() *lockSet {
	return &lockSet{
		cache: cache,
		call:  cache.calls.Add(1),
	}
}

func (locks *lockSet) acquire(index int) {

	if locks.depth == len(locks.held) {
		fatal.Abort("lockorder", "shard %d requested while already holding %d shard locks", index, locks.depth)
	}

	for i := 0; i < locks.depth; i++ {
		if locks.held[i] >= index {
			fatal.Abort("lockorder", "shard %d requested while holding shard %d", index, locks.held[i])
		}
	}

	locks.cache.shards[index].mutex.Lock()

	locks.held[locks.depth] = index
	locks.depth++

	locks.notify(index, true)
}

func (locks *lockSet) release(index int) {

	if locks.depth == 0 || locks.held[locks.depth-1] != index {
		fatal.Abort("lockorder", "shard %d released out of order", index)
	}

	locks.depth--
	locks.cache.shards[index].mutex.Unlock()

	locks.notify(index, false)
}

// acquirePair locks two distinct shards, lower index first, whichever of them is the target.
func (locks *lockSet) acquirePair(a int, b int) {
	locks.acquire(min(a, b))
	locks.acquire(max(a, b))
}

func (locks *lockSet) releasePair(a int, b int) {
	locks.release(max(a, b))
	locks.release(min(a, b))
}

func (locks *lockSet) notify(index int, acquired bool) {

	if locks.cache.observer == nil {
		return
	}

	locks.cache.observer(LockEvent{
		Call:     locks.call,
		Shard:    index,
		Acquired: acquired,
		Depth:    locks.depth,
	})
}
