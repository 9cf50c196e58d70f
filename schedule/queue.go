package schedule

import "linkedin-autoposter/pkg/autopost"

// Queue is a FIFO of pending posts. It is not safe for concurrent use.
type Queue struct {
	items []*autopost.PostItem
}

// Push appends items in order.
func (q *Queue) Push(items ...*autopost.PostItem) {
	q.items = append(q.items, items...)
}

// Pop removes and returns the head item.
func (q *Queue) Pop() (*autopost.PostItem, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	return len(q.items)
}
