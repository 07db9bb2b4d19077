package session

import (
	"github.com/atlaslearn/livecoach/logger"
	"github.com/atlaslearn/livecoach/metrics"
	"github.com/atlaslearn/livecoach/wire"
)

// Router classifies decoded server messages and emits typed events.
// Messages are routed one at a time in receipt order; the emit callback is
// invoked synchronously so a message is fully processed before the next.
type Router struct {
	emit func(Event)
}

// NewRouter creates a router that delivers events through emit.
func NewRouter(emit func(Event)) *Router {
	return &Router{emit: emit}
}

// Route classifies one inbound message, first match wins:
// tool call, tool call cancellation, interrupted, turn complete, model turn.
// A model turn co-occurring with turn complete is processed first, then the
// turn-complete event fires. Messages matching nothing are logged and
// dropped so unrecognized server shapes never crash the router.
func (r *Router) Route(msg *wire.InboundMessage) {
	switch {
	case msg.ToolCall != nil:
		r.send(&ToolCallEvent{Call: msg.ToolCall})

	case msg.ToolCallCancellation != nil:
		r.send(&ToolCallCancellationEvent{IDs: msg.ToolCallCancellation.IDs})

	case msg.ServerContent != nil && msg.ServerContent.Interrupted:
		r.send(&InterruptedEvent{})

	case msg.ServerContent != nil && msg.ServerContent.TurnComplete:
		if msg.ServerContent.ModelTurn != nil {
			r.routeModelTurn(msg.ServerContent.ModelTurn)
		}
		r.send(&TurnCompleteEvent{})

	case msg.ServerContent != nil && msg.ServerContent.ModelTurn != nil:
		r.routeModelTurn(msg.ServerContent.ModelTurn)

	case msg.SetupComplete != nil:
		logger.Debug("setup acknowledged")

	default:
		logger.Warn("unrecognized server message, dropping")
	}
}

// routeModelTurn partitions a turn's parts into audio and non-audio subsets,
// preserving relative order within each: one audio event per audio part in
// original order, then at most one content event carrying the rest as a group.
func (r *Router) routeModelTurn(turn *wire.ModelTurn) {
	var other []wire.Part
	for i := range turn.Parts {
		p := turn.Parts[i]
		if p.IsAudio() {
			r.send(&AudioEvent{Data: p.InlineData.Raw, MimeType: p.InlineData.MimeType})
			continue
		}
		other = append(other, p)
	}
	if len(other) > 0 {
		r.send(&ContentEvent{Parts: other})
	}
}

func (r *Router) send(ev Event) {
	metrics.RecordInboundEvent(ev.EventType())
	r.emit(ev)
}
