package scheduler

import "container/heap"

// taskQueue orders tracked tasks by priority desc, submission time asc and
// sequence asc. It implements heap.Interface and keeps each item's index
// current so queued tasks can be removed on cancel.
type taskQueue []*tracked

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	return before(q[i], q[j])
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	tr := x.(*tracked)
	tr.index = len(*q)
	*q = append(*q, tr)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	tr := old[n-1]
	old[n-1] = nil
	tr.index = -1
	*q = old[:n-1]
	return tr
}

func before(a, b *tracked) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.Submitted.Equal(b.task.Submitted) {
		return a.task.Submitted.Before(b.task.Submitted)
	}
	return a.seq < b.seq
}

func (q *taskQueue) push(tr *tracked) { heap.Push(q, tr) }

func (q *taskQueue) remove(tr *tracked) {
	if tr.index >= 0 && tr.index < len(*q) && (*q)[tr.index] == tr {
		heap.Remove(q, tr.index)
	}
}

func (q taskQueue) head() *tracked {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
