package models

import "time"

// EventKind tags the variant carried by a RawEvent.
type EventKind string

const (
	EventMouseMove EventKind = "mousemove"
	EventKeyStroke EventKind = "keystroke"
	EventClick     EventKind = "click"
)

// RawEvent is one interaction sample pushed by the host environment. The
// variants are MouseMove, KeyStroke and Click; all times are Unix milliseconds.
type RawEvent interface {
	Kind() EventKind
	Timestamp() int64
}

type MouseMove struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T int64   `json:"t" validate:"gte=0"`
}

func (MouseMove) Kind() EventKind    { return EventMouseMove }
func (m MouseMove) Timestamp() int64 { return m.T }

// KeyStroke is ordered and timed by its key-down time.
type KeyStroke struct {
	Key   string `json:"key"`
	DownT int64  `json:"downT" validate:"gte=0"`
	UpT   int64  `json:"upT" validate:"gte=0"`
}

func (KeyStroke) Kind() EventKind    { return EventKeyStroke }
func (k KeyStroke) Timestamp() int64 { return k.DownT }

// HoldTime is the dwell time of the key, zero if the key-up was never seen.
func (k KeyStroke) HoldTime() int64 {
	if k.UpT < k.DownT {
		return 0
	}
	return k.UpT - k.DownT
}

type Click struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Button      int     `json:"button" validate:"gte=0,lte=4"`
	T           int64   `json:"t" validate:"gte=0"`
	DoubleClick bool    `json:"doubleClick"`
}

func (Click) Kind() EventKind    { return EventClick }
func (c Click) Timestamp() int64 { return c.T }

// EventBatch holds the three time-ordered sequences produced by one capture window.
type EventBatch struct {
	Moves  []MouseMove `json:"moves" validate:"dive"`
	Keys   []KeyStroke `json:"keys" validate:"dive"`
	Clicks []Click     `json:"clicks" validate:"dive"`
}

func (b EventBatch) Len() int {
	return len(b.Moves) + len(b.Keys) + len(b.Clicks)
}

// CollectionType records why a profile was produced.
type CollectionType string

const (
	CollectionPeriodic CollectionType = "periodic"
	CollectionActivity CollectionType = "activity"
	CollectionLogin    CollectionType = "login"
)

// BehavioralProfile is the fixed-shape summary of one capture window. Scalar
// fields are never negative and sequences are never nil.
type BehavioralProfile struct {
	TypingSpeed       float64   `json:"typingSpeed" validate:"gte=0"`
	TypingRhythm      []float64 `json:"typingRhythm"`
	KeyHoldTimes      []float64 `json:"keyHoldTimes"`
	MouseSpeed        float64   `json:"mouseSpeed" validate:"gte=0"`
	MouseVelocities   []float64 `json:"mouseVelocities"`
	MouseAcceleration []float64 `json:"mouseAcceleration"`
	ClickFrequency    float64   `json:"clickFrequency" validate:"gte=0"`
	ClickIntervals    []float64 `json:"clickIntervals"`
	DoubleClickRate   float64   `json:"doubleClickRate" validate:"gte=0,lte=1"`
	ScrollPattern     []float64 `json:"scrollPattern"`
	IdleTime          float64   `json:"idleTime" validate:"gte=0"`
	SessionDuration   float64   `json:"sessionDuration" validate:"gte=0"`
	FocusTime         float64   `json:"focusTime" validate:"gte=0"`
	Entropy           float64   `json:"entropy" validate:"gte=0,lte=1"`
	Signature         string    `json:"signature"`

	CollectionType CollectionType `json:"dataCollectionType,omitempty"`
}

// Normalize replaces nil sequences with empty ones so stored and scored
// profiles always satisfy the non-nil invariant.
func (p *BehavioralProfile) Normalize() {
	for _, s := range []*[]float64{
		&p.TypingRhythm, &p.KeyHoldTimes, &p.MouseVelocities,
		&p.MouseAcceleration, &p.ClickIntervals, &p.ScrollPattern,
	} {
		if *s == nil {
			*s = []float64{}
		}
	}
	if p.CollectionType == "" {
		p.CollectionType = CollectionPeriodic
	}
}

// StoredProfile is the single accepted baseline for a user.
type StoredProfile struct {
	UserID    string            `json:"userId"`
	Profile   BehavioralProfile `json:"profile"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// HistoricalProfile is one entry of a user's FIFO window of accepted profiles.
type HistoricalProfile struct {
	UserID    string            `json:"userId"`
	Profile   BehavioralProfile `json:"profile"`
	CreatedAt time.Time         `json:"createdAt"`
}
