package bridge

import (
	"github.com/taskbridge/taskbridge/internal/hub/event"
	"github.com/taskbridge/taskbridge/internal/metrics"
)

// Subscriber is one client channel watching a single job.
type Subscriber struct {
	jobID string
	ch    chan event.Event
}

// C returns the channel that receives the job's events. It is closed
// when the subscriber is removed.
func (s *Subscriber) C() <-chan event.Event {
	return s.ch
}

// subscriberSet tracks client channels per job. Not internally
// synchronized: the Bridge serializes all calls under its own lock.
type subscriberSet struct {
	subs   map[string]map[*Subscriber]struct{} // jobID -> set
	buffer int
}

func newSubscriberSet(buffer int) *subscriberSet {
	return &subscriberSet{
		subs:   make(map[string]map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

// add registers a new subscriber for the given job.
func (r *subscriberSet) add(jobID string) *Subscriber {
	s := &Subscriber{
		jobID: jobID,
		ch:    make(chan event.Event, r.buffer),
	}
	if r.subs[jobID] == nil {
		r.subs[jobID] = make(map[*Subscriber]struct{})
	}
	r.subs[jobID][s] = struct{}{}
	return s
}

// remove deletes a subscriber and closes its channel. Safe to call more
// than once.
func (r *subscriberSet) remove(s *Subscriber) {
	set, ok := r.subs[s.jobID]
	if !ok {
		return
	}
	if _, present := set[s]; !present {
		return
	}
	delete(set, s)
	close(s.ch)
	if len(set) == 0 {
		delete(r.subs, s.jobID)
	}
}

// broadcast sends an event to every subscriber of the job. A subscriber
// whose buffer is full is treated as dead and removed; this never blocks
// and never affects delivery to other subscribers.
func (r *subscriberSet) broadcast(ev event.Event) {
	set := r.subs[ev.JobID]
	if len(set) == 0 {
		return
	}

	var dead []*Subscriber
	for s := range set {
		select {
		case s.ch <- ev:
		default:
			dead = append(dead, s)
		}
	}
	for _, s := range dead {
		r.remove(s)
		metrics.DroppedSubscribersTotal.Inc()
	}
}

// count returns the number of subscribers for a job.
func (r *subscriberSet) count(jobID string) int {
	return len(r.subs[jobID])
}
