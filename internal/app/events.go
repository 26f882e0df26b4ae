package app

import (
	"context"
	"sync/atomic"
	"time"

	"toolgate/internal/domain"
)

// emitter serializes one request's event stream: monotonically
// numbered events with exactly one terminal event. Sends that the
// consumer never drains unblock when the request context ends.
type emitter struct {
	ctx       context.Context
	ch        chan domain.Event
	requestID string
	seq       atomic.Uint64
}

func newEmitter(ctx context.Context, requestID string, buffer int) *emitter {
	return &emitter{
		ctx:       ctx,
		ch:        make(chan domain.Event, buffer),
		requestID: requestID,
	}
}

func (e *emitter) events() <-chan domain.Event {
	return e.ch
}

func (e *emitter) emit(event domain.Event) {
	event.Seq = e.seq.Add(1)
	event.RequestID = e.requestID
	event.At = time.Now()
	select {
	case e.ch <- event:
	case <-e.ctx.Done():
	}
}

func (e *emitter) routingStarted() {
	e.emit(domain.Event{Type: domain.EventRoutingStarted})
}

// ToolStarted and ToolFinished satisfy the execution coordinator's
// observer, so per-call progress reaches the stream.
func (e *emitter) ToolStarted(call domain.ToolCall) {
	e.emit(domain.Event{
		Type:        domain.EventToolStarted,
		ConnectorID: call.ConnectorID,
		Tool:        call.Tool,
	})
}

func (e *emitter) ToolFinished(result domain.ToolResult) {
	e.emit(domain.Event{
		Type:        domain.EventToolFinished,
		ConnectorID: result.Call.ConnectorID,
		Tool:        result.Call.Tool,
		Success:     result.Success,
		Err:         result.Err,
	})
}

func (e *emitter) partialText(connectorID, text string) {
	e.emit(domain.Event{
		Type:        domain.EventPartialText,
		ConnectorID: connectorID,
		Text:        text,
	})
}

func (e *emitter) finalAnswer(answer *domain.Answer) {
	e.emit(domain.Event{Type: domain.EventFinalAnswer, Answer: answer})
	close(e.ch)
}

func (e *emitter) failed(err error) {
	e.emit(domain.Event{
		Type: domain.EventFailed,
		Err:  domain.Wrap(domain.KindFrom(err), "", err),
	})
	close(e.ch)
}
