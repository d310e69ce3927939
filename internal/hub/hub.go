// Package hub fans workflow events out to live stream subscribers. Delivery
// is decoupled from the durable record: a subscriber replays persisted steps
// from any sequence number and then continues with live events, deduplicated
// by sequence number, so reconnects neither lose nor duplicate events.
package hub

import (
	"context"
	"sync"

	"agentfactory/backend/internal/logging"
	"agentfactory/backend/internal/repository"
	"agentfactory/backend/pkg/models"
)

const liveBufferSize = 64

// Hub is the per-workflow event bus. The subscriber registry is the one
// structure mutated concurrently by unrelated connection handlers; publish
// never blocks on a slow subscriber.
type Hub struct {
	repo   repository.Repository
	logger *logging.Logger

	mu   sync.RWMutex
	subs map[string][]*Subscription
}

// New creates a Hub that replays history from the given repository.
func New(repo repository.Repository, logger *logging.Logger) *Hub {
	return &Hub{
		repo:   repo,
		logger: logger.WithComponent("hub"),
		subs:   make(map[string][]*Subscription),
	}
}

// Subscription is one live observer of a workflow's event stream. The
// Events channel is closed after the terminal event has been delivered, or
// after Close.
type Subscription struct {
	workflowID string
	live       chan models.Event
	out        chan models.Event
	done       chan struct{}
	closeOnce  sync.Once
	hub        *Hub
}

// Events returns the ordered event stream.
func (s *Subscription) Events() <-chan models.Event {
	return s.out
}

// Close detaches the subscription. Other subscribers and the publisher are
// unaffected.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.unregister(s)
		close(s.done)
	})
}

// Subscribe attaches a new observer to a workflow, replaying from fromSeq
// (1 replays everything). The live channel is registered before history is
// read, so events published while the replay is loading are buffered rather
// than lost; the sequence-number filter drops any overlap.
func (h *Hub) Subscribe(ctx context.Context, workflowID string, fromSeq int) (*Subscription, error) {
	if _, err := h.repo.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	sub := &Subscription{
		workflowID: workflowID,
		live:       make(chan models.Event, liveBufferSize),
		out:        make(chan models.Event),
		done:       make(chan struct{}),
		hub:        h,
	}

	h.mu.Lock()
	h.subs[workflowID] = append(h.subs[workflowID], sub)
	h.mu.Unlock()

	steps, err := h.repo.ListSteps(ctx, workflowID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	go sub.run(steps, fromSeq)
	return sub, nil
}

// run delivers the historical replay followed by live events, in ascending
// sequence order with no duplicates. A workflow whose persisted history
// already ends in a terminal step closes the stream after the replay, even
// when fromSeq filtered the terminal event itself out.
func (s *Subscription) run(steps []models.Step, fromSeq int) {
	defer close(s.out)
	defer s.Close()

	lastSeq := fromSeq - 1
	var totalCost float64
	var finished bool
	for _, step := range steps {
		totalCost += step.Cost
		ev := models.EventFromStep(step, totalCost)
		if ev.Terminal() {
			finished = true
		}
		if ev.Sequence <= lastSeq {
			continue
		}
		if !s.deliver(ev) {
			return
		}
		lastSeq = ev.Sequence
	}
	if finished {
		return
	}

	for {
		select {
		case ev := <-s.live:
			if ev.Sequence <= lastSeq {
				continue
			}
			if !s.deliver(ev) {
				return
			}
			lastSeq = ev.Sequence
			if ev.Terminal() {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) deliver(ev models.Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Publish fans an event out to every subscriber of the workflow. A
// subscriber whose buffer is full is dropped: its stream is closed and it
// has to reconnect with a replay, which cannot lose events. Terminal events
// instead evict the oldest buffered event so the close reaches the client.
func (h *Hub) Publish(workflowID string, ev models.Event) {
	var dropped []*Subscription
	h.mu.RLock()
	for _, sub := range h.subs[workflowID] {
		select {
		case sub.live <- ev:
		default:
			if ev.Terminal() {
				select {
				case <-sub.live:
				default:
				}
				select {
				case sub.live <- ev:
				default:
					dropped = append(dropped, sub)
				}
			} else {
				dropped = append(dropped, sub)
			}
		}
	}
	h.mu.RUnlock()

	// Close outside the registry lock; Close unregisters.
	for _, sub := range dropped {
		h.logger.Warn("dropping saturated subscriber of workflow %s at seq %d", workflowID, ev.Sequence)
		sub.Close()
	}
}

// SubscriberCount returns the number of live subscribers for a workflow.
func (h *Hub) SubscriberCount(workflowID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[workflowID])
}

func (h *Hub) unregister(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[sub.workflowID]
	for i, s := range subs {
		if s == sub {
			h.subs[sub.workflowID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[sub.workflowID]) == 0 {
		delete(h.subs, sub.workflowID)
	}
}
