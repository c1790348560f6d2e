package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is one resolved value recorded by the watch loop.
type PriceSample struct {
	Bucket     time.Time
	Identifier string
	Value      decimal.Decimal
	Source     string
	FromCache  bool
	ObservedAt time.Time
	CreatedAt  time.Time
}

// SourceEventKind classifies a health transition.
type SourceEventKind string

const (
	EventDisabled  SourceEventKind = "disabled"
	EventRecovered SourceEventKind = "recovered"
	EventSimulated SourceEventKind = "simulated"
)

// SourceEvent audits a source being disabled or recovering.
type SourceEvent struct {
	ID                  int64
	Source              string
	Kind                SourceEventKind
	ConsecutiveFailures int64
	DisabledUntil       *time.Time
	Channels            []string
	CreatedAt           time.Time
}
