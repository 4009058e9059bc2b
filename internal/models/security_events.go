package models

import (
	"encoding/json"
	"time"
)

// AnomalyRecord is an append-only audit entry written for every scored
// profile, anomalous or not.
type AnomalyRecord struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Timestamp       time.Time `json:"timestamp"`
	IsAnomaly       bool      `json:"isAnomaly"`
	ConfidenceScore float64   `json:"confidenceScore"` // 0-100
	Strategy        string    `json:"strategy"`
	Source          string    `json:"source"`
	Details         string    `json:"details"`
}

// Anomaly record sources.
const (
	SourceMonitor    = "continuous_monitor"
	SourceLogin      = "login_verification"
	SourceReported   = "reported"
	SourceNavigation = "navigation"
)

// SignificantEvent is a client-flagged interaction (form submit, transfer
// confirmation, etc.) stored alongside periodic profiles.
type SignificantEvent struct {
	UserID    string          `json:"userId"`
	Type      string          `json:"type" validate:"required,max=50"`
	ElementID string          `json:"elementId,omitempty" validate:"max=255"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp int64           `json:"timestamp" validate:"gte=0"`
}

// EscalationState is the per-user warning counter.
type EscalationState struct {
	UserID       string `json:"userId"`
	WarningCount int    `json:"warningCount"`
	ForceLogout  bool   `json:"forceLogout"`
}

// EscalationLevel names the state-machine position derived from a state.
type EscalationLevel string

const (
	LevelNormal       EscalationLevel = "normal"
	LevelWarned       EscalationLevel = "warned"
	LevelForcedLogout EscalationLevel = "forced_logout"
)

// Lockout blocks one capability for one user until Until.
type Lockout struct {
	UserID     string    `json:"userId"`
	Capability string    `json:"capability"`
	Until      time.Time `json:"until"`
	Reason     string    `json:"reason,omitempty"`
}

// LockoutStatus is what clients render; they never hold the timer themselves.
type LockoutStatus struct {
	Capability       string `json:"capability"`
	Locked           bool   `json:"locked"`
	RemainingMinutes int    `json:"remainingMinutes"`
}

// NavigationVisit is one section of a user's navigation history.
type NavigationVisit struct {
	Section     string    `json:"section"`
	Count       int       `json:"count"`
	LastVisited time.Time `json:"lastVisited"`
}

// Decision is published to the session layer whenever escalation changes state.
type Decision struct {
	UserID       string    `json:"userId"`
	Type         string    `json:"type"`
	WarningCount int       `json:"warningCount,omitempty"`
	ForceLogout  bool      `json:"forceLogout,omitempty"`
	Capability   string    `json:"capability,omitempty"`
	LockedUntil  time.Time `json:"lockedUntil,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	At           time.Time `json:"at"`
}

// Decision types.
const (
	DecisionWarning     = "warning"
	DecisionForceLogout = "force_logout"
	DecisionLockout     = "lockout"
	DecisionReset       = "reset"
	DecisionUnlock      = "unlock"
)
