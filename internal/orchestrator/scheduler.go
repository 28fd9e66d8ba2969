// ABOUTME: Priority-ordered admission queue bounded by max concurrent agents
// ABOUTME: Higher priority scores admit first; equal scores admit in spawn order

package orchestrator

import (
	"container/heap"
	"log/slog"
	"sync"
)

// pendingSpawn is one queued spawn request awaiting a concurrency slot.
type pendingSpawn struct {
	agentID string
	score   int
	seq     uint64
	index   int
}

// spawnQueue orders pending spawns by score descending, then spawn order.
type spawnQueue []*pendingSpawn

func (q spawnQueue) Len() int { return len(q) }

func (q spawnQueue) Less(i, j int) bool {
	if q[i].score != q[j].score {
		return q[i].score > q[j].score
	}
	return q[i].seq < q[j].seq
}

func (q spawnQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *spawnQueue) Push(x any) {
	item := x.(*pendingSpawn)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *spawnQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Scheduler enforces the concurrency ceiling. Spawn requests above the
// ceiling queue by priority and admit as slots free.
type Scheduler struct {
	maxConcurrent int

	mu      sync.Mutex
	running int
	nextSeq uint64
	queue   spawnQueue
	admit   func(agentID string)
	logger  *slog.Logger
}

// NewScheduler creates a Scheduler with the given ceiling. The admit
// callback is invoked, outside the scheduler lock, for every agent granted
// a slot.
func NewScheduler(maxConcurrent int, admit func(agentID string)) *Scheduler {
	s := &Scheduler{
		maxConcurrent: maxConcurrent,
		admit:         admit,
		logger:        slog.Default().With("component", "scheduler"),
	}
	heap.Init(&s.queue)
	return s
}

// Submit requests a slot for an agent. Admitted immediately when under the
// ceiling, otherwise queued by priority score.
func (s *Scheduler) Submit(agentID string, priorityScore int) {
	s.mu.Lock()
	if s.running < s.maxConcurrent {
		s.running++
		s.mu.Unlock()
		s.admit(agentID)
		return
	}

	seq := s.nextSeq
	s.nextSeq++
	heap.Push(&s.queue, &pendingSpawn{agentID: agentID, score: priorityScore, seq: seq})
	queued := s.queue.Len()
	s.mu.Unlock()

	s.logger.Info("spawn queued", "agent_id", agentID, "priority_score", priorityScore, "queue_depth", queued)
}

// Release frees a slot and admits the highest-priority queued agent, if any.
func (s *Scheduler) Release() {
	s.mu.Lock()
	if s.queue.Len() > 0 {
		next := heap.Pop(&s.queue).(*pendingSpawn)
		s.mu.Unlock()
		s.logger.Info("spawn admitted from queue", "agent_id", next.agentID, "priority_score", next.score)
		s.admit(next.agentID)
		return
	}
	if s.running > 0 {
		s.running--
	}
	s.mu.Unlock()
}

// Remove drops a queued agent that will never run, freeing nothing.
// Returns true if the agent was found in the queue.
func (s *Scheduler) Remove(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.queue {
		if item.agentID == agentID {
			heap.Remove(&s.queue, item.index)
			return true
		}
	}
	return false
}

// Stats returns the current running count and queue depth.
func (s *Scheduler) Stats() (running, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.queue.Len()
}
