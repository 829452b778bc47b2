package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventSubmitted            EventType = "submitted"
	EventApproving            EventType = "approving"
	EventApproved             EventType = "approved"
	EventDepositing           EventType = "depositing"
	EventConfirmed            EventType = "confirmed"
	EventConfirmedWithWarning EventType = "confirmed_with_warning"
	EventConfirmedLate        EventType = "confirmed_late"
	EventFailed               EventType = "failed"
	EventWithdrawn            EventType = "withdrawn"
	EventWithdrawFailed       EventType = "withdraw_failed"
)

// Event is a user-facing notification about a deposit or withdrawal.
type Event struct {
	Type      EventType `json:"type"`
	IntentID  string    `json:"intentId,omitempty"`
	Owner     string    `json:"owner"`
	State     string    `json:"state,omitempty"`
	TxRef     string    `json:"txRef,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	DepositID uint64    `json:"depositId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers events. Implementations log delivery failures rather
// than returning them; a lost notification never fails a deposit.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi fans an event out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ev Event)

func (f Func) Notify(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Logging records every event at info level.
type Logging struct {
	Logger *zap.SugaredLogger
}

func (l Logging) Notify(_ context.Context, ev Event) {
	l.Logger.Infow("Notification",
		"type", ev.Type,
		"intent", ev.IntentID,
		"owner", ev.Owner,
		"tx", ev.TxRef,
		"kind", ev.Kind,
	)
}
