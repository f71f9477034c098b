// Package model defines the core domain types for raidline.
//
// Types map one-to-one onto storage rows. Optional values are pointers;
// free-form metadata only appears as string maps at the storage boundary.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionType classifies what a session is tracking.
type SessionType string

const (
	SessionConversation SessionType = "conversation"
	SessionRaid         SessionType = "raid"
	SessionCommunity    SessionType = "community"
)

// Valid reports whether t is a known session type.
func (t SessionType) Valid() bool {
	switch t {
	case SessionConversation, SessionRaid, SessionCommunity:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a session. Statuses are ordered:
// a session only moves towards SessionExpired unless it is explicitly renewed.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionIdle     SessionStatus = "idle"
	SessionExpiring SessionStatus = "expiring"
	SessionExpired  SessionStatus = "expired"
)

// Rank returns the position of s in the lifecycle (higher = later).
func (s SessionStatus) Rank() int {
	switch s {
	case SessionActive:
		return 0
	case SessionIdle:
		return 1
	case SessionExpiring:
		return 2
	case SessionExpired:
		return 3
	default:
		return -1
	}
}

// Later returns whichever of s and other is further along the lifecycle.
func (s SessionStatus) Later(other SessionStatus) SessionStatus {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// SessionConfig controls expiry and renewal of a session.
type SessionConfig struct {
	Type           SessionType       `json:"type"`
	AgentID        string            `json:"agent_id"`
	UserID         *string           `json:"user_id,omitempty"`
	RoomID         *string           `json:"room_id,omitempty"`
	Timeout        time.Duration     `json:"timeout"`
	AutoRenewal    bool              `json:"auto_renewal"`
	IdleAfter      time.Duration     `json:"idle_after"`
	ExpiringWindow time.Duration     `json:"expiring_window"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Activity counts events recorded against a session.
type Activity struct {
	Total  int64            `json:"total"`
	Events map[string]int64 `json:"events,omitempty"`
}

// Session is a generic time-boxed interaction-state container.
type Session struct {
	ID             uuid.UUID     `json:"id"`
	AgentID        string        `json:"agent_id"`
	UserID         *string       `json:"user_id,omitempty"`
	RoomID         *string       `json:"room_id,omitempty"`
	Type           SessionType   `json:"type"`
	Status         SessionStatus `json:"status"`
	Config         SessionConfig `json:"config"`
	Activity       Activity      `json:"activity"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

// StatusAt derives the status the session should have at now from its
// timestamps. The stored status is never moved backwards; callers combine
// the two with SessionStatus.Later.
func (s Session) StatusAt(now time.Time) SessionStatus {
	derived := SessionActive
	switch {
	case !now.Before(s.ExpiresAt):
		derived = SessionExpired
	case s.Config.ExpiringWindow > 0 && now.After(s.ExpiresAt.Add(-s.Config.ExpiringWindow)):
		derived = SessionExpiring
	case s.Config.IdleAfter > 0 && now.Sub(s.LastActivityAt) >= s.Config.IdleAfter:
		derived = SessionIdle
	}
	return s.Status.Later(derived)
}

// Validate checks the structural invariants of a session.
func (s Session) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("unknown session type %q", s.Type)
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return fmt.Errorf("expires_at must be after created_at")
	}
	return nil
}
