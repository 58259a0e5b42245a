package mux

import "github.com/sheerbytes/fetchmux/internal/engine"

// opQueue holds operations waiting for the loop's next drain.
// A handle is never in both adds and removes.
type opQueue struct {
	adds    []*engine.Easy
	removes []*engine.Easy
	deletes []Wrapper
}

func (q *opQueue) add(h *engine.Easy) {
	q.removes = dropHandle(q.removes, h)
	q.adds = append(q.adds, h)
}

// remove cancels a pending add of h, or queues a deregistration.
func (q *opQueue) remove(h *engine.Easy) {
	if n := len(q.adds); n > 0 {
		if q.adds = dropHandle(q.adds, h); len(q.adds) < n {
			return
		}
	}
	q.removes = append(q.removes, h)
}

func (q *opQueue) delete(w Wrapper) {
	q.adds = dropHandle(q.adds, w.Handle())
	q.deletes = append(q.deletes, w)
}

func (q *opQueue) empty() bool {
	return len(q.adds) == 0 && len(q.removes) == 0 && len(q.deletes) == 0
}

func (q *opQueue) reset() {
	clear(q.adds)
	clear(q.removes)
	clear(q.deletes)
	q.adds = q.adds[:0]
	q.removes = q.removes[:0]
	q.deletes = q.deletes[:0]
}

// dropHandle removes the first occurrence of h, keeping order.
func dropHandle(s []*engine.Easy, h *engine.Easy) []*engine.Easy {
	for i, item := range s {
		if item == h {
			copy(s[i:], s[i+1:])
			s[len(s)-1] = nil
			return s[:len(s)-1]
		}
	}
	return s
}
