package randao

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/relves/randao/pkg/types"
)

// Event is emitted after a state change has been committed.
type Event interface {
	EventName() string
}

type GroupRegistered struct {
	Group       types.GroupID  `json:"group"`
	Coordinator common.Address `json:"coordinator"`
}

type GroupUpdated struct {
	Group types.GroupID `json:"group"`
}

type MembershipChanged struct {
	Group   types.GroupID    `json:"group"`
	Added   []common.Address `json:"added,omitempty"`
	Removed []common.Address `json:"removed,omitempty"`
}

type RandomnessRequested struct {
	Group          types.GroupID   `json:"group"`
	Request        types.RequestID `json:"request"`
	CommitDeadline uint64          `json:"commit_deadline"`
	RevealDeadline uint64          `json:"reveal_deadline"`
}

type CommitmentSubmitted struct {
	Group   types.GroupID   `json:"group"`
	Request types.RequestID `json:"request"`
	Account common.Address  `json:"account"`
}

type SecretRevealed struct {
	Group   types.GroupID   `json:"group"`
	Request types.RequestID `json:"request"`
	Account common.Address  `json:"account"`
}

type MemberSlashed struct {
	Group   types.GroupID   `json:"group"`
	Request types.RequestID `json:"request"`
	Account common.Address  `json:"account"`
	Amount  *uint256.Int    `json:"amount"`
	Reason  types.Outcome   `json:"reason"`
}

type RandomnessFulfilled struct {
	Group   types.GroupID   `json:"group"`
	Request types.RequestID `json:"request"`
	Output  common.Hash     `json:"output"`
	Block   uint64          `json:"block"`
	// Receipt is the CID of the archived receipt, if any.
	Receipt string `json:"receipt,omitempty"`
}

func (GroupRegistered) EventName() string     { return "GroupRegistered" }
func (GroupUpdated) EventName() string        { return "GroupUpdated" }
func (MembershipChanged) EventName() string   { return "MembershipChanged" }
func (RandomnessRequested) EventName() string { return "RandomnessRequested" }
func (CommitmentSubmitted) EventName() string { return "CommitmentSubmitted" }
func (SecretRevealed) EventName() string      { return "SecretRevealed" }
func (MemberSlashed) EventName() string       { return "MemberSlashed" }
func (RandomnessFulfilled) EventName() string { return "RandomnessFulfilled" }

// EventSink receives events. Emit must not block for long and cannot fail.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "event", "name", e.EventName(), "event", e)
}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns the recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
