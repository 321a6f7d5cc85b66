package rib

import "github.com/encodeous/fibd/route"

// MetaQueue orders pending destinations by the class of the route that
// changed them. Classes drain in order, each one FIFO, so routes other routes
// resolve through are installed first.
type MetaQueue struct {
	subs [route.NumClasses][]*Dest
	size int
}

// Enqueue adds d to the sub-queue for class. A destination sits on at most one
// sub-queue; enqueueing a queued destination is a no-op.
func (q *MetaQueue) Enqueue(d *Dest, class route.Class) bool {
	if d.queued != 0 {
		return false
	}
	if class >= route.NumClasses {
		class = route.ClassOther
	}
	q.subs[class] = append(q.subs[class], d)
	d.queued = uint8(class) + 1
	q.size++
	return true
}

// DrainOne removes the next destination, or returns nil when all sub-queues are empty.
func (q *MetaQueue) DrainOne() *Dest {
	for c := range q.subs {
		sub := q.subs[c]
		if len(sub) == 0 {
			continue
		}
		d := sub[0]
		sub[0] = nil
		q.subs[c] = sub[1:]
		if len(q.subs[c]) == 0 {
			q.subs[c] = nil
		}
		d.queued = 0
		q.size--
		return d
	}
	return nil
}

func (q *MetaQueue) Len() int {
	return q.size
}

func (q *MetaQueue) ClassLen(c route.Class) int {
	return len(q.subs[c])
}
