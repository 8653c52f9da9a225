package orchestrator

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vselivanov/stratex/internal/domain"
)

// workItem is one executable unit of queued work: a decision's instruction
// batch, or orchestrator-emitted maintenance like a dust sweep.
type workItem struct {
	// decision is set for decision work and nil for maintenance.
	decision     *domain.Decision
	instructions []domain.Instruction
	priority     domain.Priority
	reason       string
	plannedAt    time.Time
	// baseline is the assessed equity the decision was planned against,
	// the fallback for the executed-equity baseline when the post-trade
	// book cannot be priced.
	baseline decimal.Decimal
	// sticky items survive tick boundaries: their amounts resolve from the
	// snapshot at execution time, so they never go stale.
	sticky bool
}

// workQueue orders pending work by priority, first-in-first-out within a
// priority. It is owned by one instance's tick goroutine and needs no lock.
type workQueue struct {
	items []workItem
}

func newWorkQueue() *workQueue {
	return &workQueue{}
}

// push inserts the item behind all queued work of the same or higher
// priority.
func (q *workQueue) push(it workItem) {
	pos := len(q.items)
	for i, queued := range q.items {
		if queued.priority < it.priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, workItem{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = it
}

// pop removes and returns the highest-priority item.
func (q *workQueue) pop() (workItem, bool) {
	if len(q.items) == 0 {
		return workItem{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

// dropStale removes non-sticky items planned before now. A decision left over
// from an earlier tick was planned against a superseded snapshot; the rule
// that produced it fires again this tick if it is still warranted.
func (q *workQueue) dropStale(now time.Time) int {
	kept := q.items[:0]
	dropped := 0
	for _, it := range q.items {
		if !it.sticky && it.plannedAt.Before(now) {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return dropped
}

// clear empties the queue and reports how many items were dropped.
func (q *workQueue) clear() int {
	n := len(q.items)
	q.items = q.items[:0]
	return n
}

func (q *workQueue) len() int {
	return len(q.items)
}
