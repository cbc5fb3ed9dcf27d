package polling

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/gbrigandi/soctalk/pkg/models"
)

// titleBlockWindow suppresses re-enqueueing a group whose derived title
// matches one taken recently; flapping rules otherwise spawn near-duplicate
// investigations back to back.
const titleBlockWindow = 10 * time.Minute

// defaultQueueSize caps the backlog when no explicit size is configured.
const defaultQueueSize = 100

type queueItem struct {
	group    Group
	title    string
	severity models.Severity
	enqueued time.Time
	seq      int
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	si, sj := severityOrder[h[i].severity], severityOrder[h[j].severity]
	if si != sj {
		return si < sj
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*queueItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a severity-ordered, bounded investigation queue with recent-title
// suppression and pending-key deduplication. Equal severities dequeue in
// arrival order.
type Queue struct {
	log     *slog.Logger
	maxSize int

	mu           sync.Mutex
	items        itemHeap
	seq          int
	pendingKeys  map[string]bool
	recentTitles map[string]time.Time

	notify chan struct{}
}

// NewQueue returns an empty queue holding at most maxSize groups.
// A non-positive maxSize falls back to the default.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = defaultQueueSize
	}
	return &Queue{
		log:          slog.With("component", "queue"),
		maxSize:      maxSize,
		pendingKeys:  make(map[string]bool),
		recentTitles: make(map[string]time.Time),
		notify:       make(chan struct{}, 1),
	}
}

// Enqueue adds a group unless its correlation key is already pending, its
// title was taken within the block window, or the queue is full. It reports
// whether the group was accepted.
func (q *Queue) Enqueue(group Group, title string) bool {
	q.mu.Lock()

	if q.pendingKeys[group.Key] {
		q.log.Debug("skipping already-pending group", "key", group.Key)
		q.mu.Unlock()
		return false
	}

	now := time.Now()
	if taken, ok := q.recentTitles[title]; ok && now.Sub(taken) < titleBlockWindow {
		q.log.Debug("suppressing duplicate investigation", "title", title, "key", group.Key)
		q.mu.Unlock()
		return false
	}

	if q.items.Len() >= q.maxSize {
		q.log.Warn("investigation queue full, dropping group",
			"key", group.Key, "max_size", q.maxSize)
		q.mu.Unlock()
		return false
	}

	q.recentTitles[title] = now
	q.pruneTitlesLocked(now)
	q.pendingKeys[group.Key] = true

	q.seq++
	heap.Push(&q.items, &queueItem{
		group:    group,
		title:    title,
		severity: group.MaxSeverity(),
		enqueued: now,
		seq:      q.seq,
	})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// EnqueueBatch adds each group in turn and reports how many were accepted.
func (q *Queue) EnqueueBatch(groups []Group, titles []string) int {
	accepted := 0
	for i, g := range groups {
		if q.Enqueue(g, titles[i]) {
			accepted++
		}
	}
	return accepted
}

// Dequeue removes and returns the most severe pending group. The second
// return is false when the queue is empty.
func (q *Queue) Dequeue() (Group, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return Group{}, false
	}
	item := heap.Pop(&q.items).(*queueItem)
	delete(q.pendingKeys, item.group.Key)
	return item.group, true
}

// DequeueWait blocks until a group is available or the timeout elapses.
// The second return is false on timeout.
func (q *Queue) DequeueWait(timeout time.Duration) (Group, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if g, ok := q.Dequeue(); ok {
			return g, true
		}
		select {
		case <-q.notify:
		case <-deadline.C:
			return Group{}, false
		}
	}
}

// Len reports the number of pending groups.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) pruneTitlesLocked(now time.Time) {
	for title, taken := range q.recentTitles {
		if now.Sub(taken) >= titleBlockWindow {
			delete(q.recentTitles, title)
		}
	}
}
