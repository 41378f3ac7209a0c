package ovniemu

// Bay is the global channel registry and propagation engine (§4.6). All
// channels in a run are registered here once, during each model's
// `connect` callback; thereafter the driver calls Propagate once per
// event step, after the event's model handler returns.
type Bay struct {
	channels []*Channel
}

// NewBay creates an empty Bay.
func NewBay() *Bay {
	return &Bay{}
}

// Register adds a channel to the Bay's deterministic registration order.
// Registration order is also the Bay's propagation order (§4.6).
func (b *Bay) Register(c *Channel) {
	b.channels = append(b.channels, c)
}

// Channels returns every registered channel, in registration order.
func (b *Bay) Channels() []*Channel {
	return b.channels
}

// propagationFanoutLimit, times the number of registered channels, bounds
// how many fixpoint passes Propagate will run before concluding the channel
// graph has a cycle (§4.6).
const propagationFanoutLimit = 4

// Propagate flushes every dirty channel and notifies its subscribers,
// repeating until no channel is dirty (a fixpoint) or the iteration bound
// is exceeded, in which case it returns KindPropagationCycle. Within one
// call, all channel mutations are treated as having happened atomically
// at the event's timestamp — the Output Writer only observes the final
// settled edges.
func (b *Bay) Propagate() error {
	limit := propagationFanoutLimit * len(b.channels)
	if limit == 0 {
		limit = propagationFanoutLimit
	}

	iterations := 0
	for {
		progressed := false
		for _, c := range b.channels {
			edge, flushed := c.Flush()
			if !flushed {
				continue
			}
			progressed = true
			for _, sub := range c.subscribers {
				sub.Notify(edge)
			}
		}
		if !progressed {
			return nil
		}
		iterations++
		if iterations > limit {
			return wrapKind(KindPropagationCycle, "bay: did not settle after %d passes over %d channels", iterations, len(b.channels))
		}
	}
}
