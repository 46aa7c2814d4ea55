package statusclient

import (
	"context"
)

// Watch follows jobID until it reaches a terminal status, preferring the
// push channel and switching to polling if the channel falls back or ends
// without a terminal event.
func Watch(ctx context.Context, cfg Config, jobID string, onEvent func(Event)) (Event, error) {
	terminal := make(chan Event, 1)
	ch, err := Open(ctx, cfg, jobID, func(e Event) {
		if onEvent != nil {
			onEvent(e)
		}
		if e.Status.IsTerminal() {
			select {
			case terminal <- e:
			default:
			}
		}
	})
	if err != nil {
		return Event{}, err
	}
	defer ch.Close()

	select {
	case e := <-terminal:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-ch.Done():
	}

	// The terminal frame may have been delivered just before the close.
	select {
	case e := <-terminal:
		return e, nil
	default:
	}
	if ctx.Err() != nil {
		return Event{}, ctx.Err()
	}
	return NewPoller(cfg).Poll(ctx, jobID, onEvent)
}
