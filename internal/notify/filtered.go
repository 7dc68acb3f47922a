package notify

import "context"

// filtered narrows a notifier to an allowlist of event types, so a channel
// can subscribe to approvals only, or failures only. A channel without an
// allowlist receives every event.
type filtered struct {
	inner Notifier
	allow map[EventType]struct{}
}

// newFilteredNotifier wraps inner with an event-type allowlist. An empty
// list means no filtering.
func newFilteredNotifier(inner Notifier, events []string) *filtered {
	f := &filtered{inner: inner, allow: make(map[EventType]struct{}, len(events))}
	for _, e := range events {
		f.allow[EventType(e)] = struct{}{}
	}
	return f
}

func (f *filtered) Name() string { return f.inner.Name() }

// Send drops events outside the allowlist without error; the event was
// delivered as far as this channel is concerned.
func (f *filtered) Send(ctx context.Context, event Event) error {
	if len(f.allow) > 0 {
		if _, ok := f.allow[event.Type]; !ok {
			return nil
		}
	}
	return f.inner.Send(ctx, event)
}
