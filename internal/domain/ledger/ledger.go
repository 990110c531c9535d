// Package ledger tracks which feedback questions the portal already accepted.
package ledger

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/okian/feedbackd/internal/domain/model"
)

const defaultMaxMeetings = 1024

// Ledger records accepted questions per meeting so a retried submit skips them.
type Ledger interface {
	// Record atomically checks whether the question was accepted and records it if not.
	// Returns true if it was already recorded.
	Record(ctx context.Context, meetingID model.MeetingID, questionID string) bool

	// Unrecord removes a single question, allowing it to be sent again.
	Unrecord(ctx context.Context, meetingID model.MeetingID, questionID string)

	// Accepted reports whether the question was recorded.
	Accepted(meetingID model.MeetingID, questionID string) bool

	// Succeeded returns the recorded question ids of a meeting, sorted.
	Succeeded(meetingID model.MeetingID) []string

	// Forget drops every entry of a meeting.
	Forget(ctx context.Context, meetingID model.MeetingID)

	// Reset drops everything.
	Reset(ctx context.Context)

	// Size returns the number of recorded questions.
	Size() int64
}

// node is one meeting in the insertion-ordered list.
type node struct {
	meetingID model.MeetingID
	questions map[string]struct{}
	next      *node
}

func (n *node) reset() {
	n.meetingID = 0
	n.questions = nil
	n.next = nil
}

// inMemoryLedger keeps meetings in a linked list, newest first.
type inMemoryLedger struct {
	mu          sync.RWMutex
	meetings    map[model.MeetingID]*node
	head        *node
	maxMeetings int
	size        atomic.Int64
	nodePool    sync.Pool
}

// NewInMemory creates an in-memory ledger.
func NewInMemory(opts ...Option) Ledger {
	l := &inMemoryLedger{
		maxMeetings: defaultMaxMeetings,
		meetings:    make(map[model.MeetingID]*node),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.nodePool = sync.Pool{
		New: func() interface{} {
			return &node{}
		},
	}
	return l
}

func (l *inMemoryLedger) Record(_ context.Context, meetingID model.MeetingID, questionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.meetings[meetingID]
	if !ok {
		if l.maxMeetings > 0 && len(l.meetings) >= l.maxMeetings {
			l.evictOldest()
		}
		n = l.nodePool.Get().(*node)
		n.meetingID = meetingID
		n.questions = make(map[string]struct{})
		n.next = l.head
		l.head = n
		l.meetings[meetingID] = n
	}
	if _, seen := n.questions[questionID]; seen {
		return true
	}
	n.questions[questionID] = struct{}{}
	l.size.Add(1)
	return false
}

func (l *inMemoryLedger) Unrecord(_ context.Context, meetingID model.MeetingID, questionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.meetings[meetingID]
	if !ok {
		return
	}
	if _, seen := n.questions[questionID]; !seen {
		return
	}
	delete(n.questions, questionID)
	l.size.Add(-1)
	if len(n.questions) == 0 {
		l.remove(n)
	}
}

func (l *inMemoryLedger) Accepted(meetingID model.MeetingID, questionID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.meetings[meetingID]
	if !ok {
		return false
	}
	_, seen := n.questions[questionID]
	return seen
}

func (l *inMemoryLedger) Succeeded(meetingID model.MeetingID) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.meetings[meetingID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.questions))
	for q := range n.questions {
		out = append(out, q)
	}
	slices.Sort(out)
	return out
}

func (l *inMemoryLedger) Forget(_ context.Context, meetingID model.MeetingID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.meetings[meetingID]; ok {
		l.remove(n)
	}
}

func (l *inMemoryLedger) Reset(_ context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.meetings = make(map[model.MeetingID]*node)
	l.head = nil
	l.size.Store(0)
}

func (l *inMemoryLedger) Size() int64 {
	return l.size.Load()
}

// remove unlinks n and returns it to the pool. Must be called with l.mu held.
func (l *inMemoryLedger) remove(n *node) {
	delete(l.meetings, n.meetingID)
	l.size.Add(-int64(len(n.questions)))
	if l.head == n {
		l.head = n.next
	} else {
		current := l.head
		for current != nil && current.next != n {
			current = current.next
		}
		if current != nil {
			current.next = n.next
		}
	}
	n.reset()
	l.nodePool.Put(n)
}

// evictOldest removes the tail of the list. Must be called with l.mu held.
func (l *inMemoryLedger) evictOldest() {
	if l.head == nil {
		return
	}
	tail := l.head
	for tail.next != nil {
		tail = tail.next
	}
	l.remove(tail)
}
