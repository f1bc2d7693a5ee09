package cmd

import (
	"context"

	"grimm.is/netconn/internal/events"
	"grimm.is/netconn/internal/logging"
)

// logEvents mirrors hub events into the log until ctx is done.
func logEvents(ctx context.Context, hub *events.Hub, logger *logging.Logger, types ...events.EventType) {
	ch := hub.Subscribe(64, types...)
	go func() {
		defer hub.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				logger.Debug("event", "type", e.Type, "source", e.Source, "data", e.Data)
			}
		}
	}()
}
