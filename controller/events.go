package controller

import "github.com/soypat/ptprofile/profile"

// EventKind enumerates the events a Controller publishes: one
// recomputed_segment per segment touched by an onProgress batch, one
// recompute_finished per progress batch delivered.
type EventKind uint8

const (
	RecomputedSegment EventKind = iota
	RecomputeFinished
)

func (k EventKind) String() string {
	switch k {
	case RecomputedSegment:
		return "recomputed_segment"
	case RecomputeFinished:
		return "recompute_finished"
	default:
		return "unknown_event"
	}
}

// Event describes one controller-level notification. Segment is populated
// for RecomputedSegment, zero otherwise.
type Event struct {
	Kind    EventKind
	Segment profile.Segment
}

// Listener receives Controller events.
type Listener func(Event)

// Subscription identifies a registered Listener so it can be removed later,
// mirroring profile.Subscription.
type Subscription struct {
	id int
}

type publisher struct {
	listeners []*Listener
}

func (p *publisher) subscribe(fn Listener) Subscription {
	for i, slot := range p.listeners {
		if slot == nil {
			p.listeners[i] = &fn
			return Subscription{id: i}
		}
	}
	p.listeners = append(p.listeners, &fn)
	return Subscription{id: len(p.listeners) - 1}
}

func (p *publisher) unsubscribe(sub Subscription) {
	if sub.id < 0 || sub.id >= len(p.listeners) {
		return
	}
	p.listeners[sub.id] = nil
}

func (p *publisher) emit(ev Event) {
	for _, slot := range p.listeners {
		if slot != nil {
			(*slot)(ev)
		}
	}
}
