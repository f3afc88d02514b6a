// Package connection holds the lifecycle rules for a linked credential.
package connection

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
)

// State is an alias for domain.ConnectionStatus for internal use.
type State = domain.ConnectionStatus

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid connection state transition")

// ValidTransitions defines allowed state transitions.
// There is no automatic way back to active from error or expired: recovery
// always goes through a manual reconnect (pending).
var ValidTransitions = map[State][]State{
	domain.ConnectionStatusPending: {domain.ConnectionStatusActive, domain.ConnectionStatusError},
	domain.ConnectionStatusActive: {
		domain.ConnectionStatusActive,
		domain.ConnectionStatusError,
		domain.ConnectionStatusExpired,
	},
	domain.ConnectionStatusError:   {domain.ConnectionStatusPending},
	domain.ConnectionStatusExpired: {domain.ConnectionStatusPending},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string, at time.Time) Transition {
	return Transition{From: from, To: to, Reason: reason, Timestamp: at}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// Apply moves cred to the transition's target state.
func Apply(cred *domain.Credential, t Transition) error {
	if cred.Status != t.From || !t.IsValid() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cred.Status, t.To)
	}
	cred.Status = t.To
	return nil
}

// AfterSync returns the state a credential moves to after a sync attempt.
// Credential failures expire the connection; anything else marks it as errored.
func AfterSync(err error) State {
	switch {
	case err == nil:
		return domain.ConnectionStatusActive
	case errors.Is(err, fault.ErrReauthenticationRequired):
		return domain.ConnectionStatusExpired
	default:
		return domain.ConnectionStatusError
	}
}

// NeedsReconnect reports whether the state requires a manual reconnect before syncing.
func NeedsReconnect(s State) bool {
	return s == domain.ConnectionStatusError || s == domain.ConnectionStatusExpired
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case domain.ConnectionStatusPending:
		return "Pending - link started, not yet verified"
	case domain.ConnectionStatusActive:
		return "Active - syncing normally"
	case domain.ConnectionStatusError:
		return "Error - last sync failed, reconnect required"
	case domain.ConnectionStatusExpired:
		return "Expired - credentials rejected, user must relink"
	default:
		return "Unknown state"
	}
}
