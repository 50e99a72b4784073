package kgo

import "container/heap"

// pendingSet holds every call awaiting node assignment or retry
// back-off (spec.md §3's pending set), indexed by nextAllowedTryMs via
// container/heap so Worker step 7 can find the soonest-eligible call
// without scanning the whole set. See SPEC_FULL.md's Worker module
// note for why container/heap rather than github.com/twmb/go-rbtree
// backs this.
//
// pendingSet implements heap.Interface directly (rather than wrapping
// a separate slice type) so that Swap can keep byIdx in sync, which is
// what makes heap.Remove/Fix by arbitrary *call pointer possible in
// O(log n) instead of a linear search.
type pendingSet struct {
	calls []*call
	byIdx map[*call]int
}

func newPendingSet() *pendingSet {
	return &pendingSet{byIdx: map[*call]int{}}
}

func (p *pendingSet) Len() int { return len(p.calls) }

func (p *pendingSet) Less(i, j int) bool {
	a, b := p.calls[i], p.calls[j]
	if a.nextAllowedTryMs != b.nextAllowedTryMs {
		return a.nextAllowedTryMs < b.nextAllowedTryMs
	}
	return a.deadlineMs < b.deadlineMs
}

func (p *pendingSet) Swap(i, j int) {
	p.calls[i], p.calls[j] = p.calls[j], p.calls[i]
	p.byIdx[p.calls[i]] = i
	p.byIdx[p.calls[j]] = j
}

func (p *pendingSet) Push(x interface{}) {
	c := x.(*call)
	p.byIdx[c] = len(p.calls)
	p.calls = append(p.calls, c)
}

func (p *pendingSet) Pop() interface{} {
	n := len(p.calls)
	c := p.calls[n-1]
	p.calls[n-1] = nil
	p.calls = p.calls[:n-1]
	delete(p.byIdx, c)
	return c
}

func (p *pendingSet) add(c *call) {
	if _, ok := p.byIdx[c]; ok {
		return
	}
	heap.Push(p, c)
}

func (p *pendingSet) remove(c *call) {
	idx, ok := p.byIdx[c]
	if !ok {
		return
	}
	heap.Remove(p, idx)
}

func (p *pendingSet) size() int { return len(p.calls) }

// all returns every pending call, in no particular order, for the
// full-scan steps (timeouts, node assignment) that must visit all of
// them regardless of heap ordering.
func (p *pendingSet) all() []*call {
	out := make([]*call, len(p.calls))
	copy(out, p.calls)
	return out
}

// nextEligibleMs reports the nextAllowedTryMs of the soonest call, or
// false if the set is empty. Used by Worker step 7.
func (p *pendingSet) nextEligibleMs() (int64, bool) {
	if len(p.calls) == 0 {
		return 0, false
	}
	return p.calls[0].nextAllowedTryMs, true
}

// popEligible removes and returns the soonest call if it is already
// due (nextAllowedTryMs <= nowMs), or false if the set is empty or the
// soonest call is still waiting out its backoff. Used by Worker step 4
// to assign every due call to a node without scanning past the ones
// that are not due yet.
func (p *pendingSet) popEligible(nowMs int64) (*call, bool) {
	if len(p.calls) == 0 || p.calls[0].nextAllowedTryMs > nowMs {
		return nil, false
	}
	return heap.Pop(p).(*call), true
}
