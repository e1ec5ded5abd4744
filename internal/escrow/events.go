package escrow

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
)

// Event types.
const (
	EventCreated   = "escrow.created"
	EventCompleted = "escrow.completed"
)

// Completion actions.
const (
	ActionReleased  = "released"
	ActionCancelled = "cancelled"
)

// Event notifies off-ledger observers of an escrow transition. Events are
// emitted after the ledger transaction commits.
type Event struct {
	Type          string
	Custody       string
	TransactionID uint64
	Buyer         string
	Seller        string
	// Amount is the net amount held (created) or paid out (completed).
	Amount uint64
	// Fee is set on created events.
	Fee uint64
	// Action is set on completed events.
	Action    string
	Timestamp int64
}

// Attributes flattens the event into string attributes.
func (ev Event) Attributes() map[string]string {
	attrs := map[string]string{
		"escrow":        ev.Custody,
		"transactionId": strconv.FormatUint(ev.TransactionID, 10),
		"buyer":         ev.Buyer,
		"seller":        ev.Seller,
		"amount":        strconv.FormatUint(ev.Amount, 10),
		"timestamp":     strconv.FormatInt(ev.Timestamp, 10),
	}
	if ev.Type == EventCreated {
		attrs["fee"] = strconv.FormatUint(ev.Fee, 10)
	}
	if ev.Action != "" {
		attrs["action"] = ev.Action
	}
	return attrs
}

// Emitter receives escrow events. Delivery is best-effort: a failing emitter
// never affects the operation that produced the event.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// NoopEmitter discards events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, Event) error { return nil }

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// LogEmitter writes events to a structured logger.
type LogEmitter struct {
	Logger *slog.Logger
}

func (l LogEmitter) Emit(ctx context.Context, ev Event) error {
	args := make([]any, 0, 16)
	for k, v := range ev.Attributes() {
		args = append(args, k, v)
	}
	l.Logger.InfoContext(ctx, ev.Type, args...)
	return nil
}

// MultiEmitter fans an event out to several emitters and joins their errors.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, em := range m {
		if err := em.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	if err := e.emitter.Emit(ctx, ev); err != nil {
		e.logger.Warn("escrow event delivery failed", "type", ev.Type, "escrow", ev.Custody, "error", err)
	}
}

func createdEvent(esc *Escrow) Event {
	return Event{
		Type:          EventCreated,
		Custody:       esc.Custody.String(),
		TransactionID: esc.TransactionID,
		Buyer:         esc.Buyer.String(),
		Seller:        esc.Seller.String(),
		Amount:        esc.NetAmount,
		Fee:           esc.FeeAmount,
		Timestamp:     esc.CreatedAt,
	}
}

func completedEvent(esc *Escrow, action string) Event {
	return Event{
		Type:          EventCompleted,
		Custody:       esc.Custody.String(),
		TransactionID: esc.TransactionID,
		Buyer:         esc.Buyer.String(),
		Seller:        esc.Seller.String(),
		Amount:        esc.NetAmount,
		Action:        action,
		Timestamp:     esc.CompletedAt,
	}
}
