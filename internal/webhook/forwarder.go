package webhook

import (
	"context"

	"github.com/basket/planhub/internal/bus"
)

// Forwarder bridges the in-process event bus onto the webhook
// dispatcher: every lease, plan, session, rollout, and gate event is
// enqueued as a webhook delivery.
type Forwarder struct {
	dispatcher *Dispatcher
	bus        *bus.Bus
	sub        *bus.Subscription
}

func NewForwarder(dispatcher *Dispatcher, eventBus *bus.Bus) *Forwarder {
	return &Forwarder{dispatcher: dispatcher, bus: eventBus}
}

// Run consumes bus events until the context is cancelled. Meant to be
// launched as a goroutine alongside the dispatcher's worker pool.
func (f *Forwarder) Run(ctx context.Context) {
	f.sub = f.bus.Subscribe("")
	defer f.bus.Unsubscribe(f.sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.sub.Ch():
			if !ok {
				return
			}
			_ = f.dispatcher.Enqueue(ctx, Event{
				Type: ev.Topic,
				Data: ev.Payload,
			})
		}
	}
}
