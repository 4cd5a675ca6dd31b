// Package model holds the durable and in-memory domain types shared across
// the forwarder: the persisted ConsumerSpec and its in-memory runtime
// counterpart, plus the validation rules applied at every entry point that
// accepts one from the control API.
package model

import (
	"errors"
	"strings"
	"time"
)

// Validation sentinel errors, reused by the API adapter to pick HTTP status
// codes without string-matching error text.
var (
	ErrInvalidQueue     = errors.New("queue must be a non-empty string")
	ErrInvalidWebhook   = errors.New("webhook must start with http")
	ErrInvalidInterval  = errors.New("minInterval/maxInterval must be non-negative with min <= max")
	ErrInvalidHours     = errors.New("businessHours start/end must be in [0,24] with start <= end")
)

// Default interval and business-hours bounds, applied when the control API
// request omits them (spec.md §6, POST /consume).
const (
	DefaultMinIntervalMs = 30000
	DefaultMaxIntervalMs = 110000
	DefaultHoursStart    = 8
	DefaultHoursEnd      = 21
)

// ConsumerSpec is the durable, per-queue configuration. It is unique by
// Queue and is the unit of storage in the Config Store (component A).
type ConsumerSpec struct {
	Queue              string    `json:"queue"`
	Webhook            string    `json:"webhook"`
	MinIntervalMs      int       `json:"minInterval"`
	MaxIntervalMs      int       `json:"maxInterval"`
	BusinessHoursStart int       `json:"businessHoursStart"`
	BusinessHoursEnd   int       `json:"businessHoursEnd"`
	Paused             bool      `json:"paused"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Validate applies the validation rules from spec.md §6 ("Validation rules,
// reused everywhere"). It does not touch CreatedAt/UpdatedAt, which are
// store-maintained.
func (s ConsumerSpec) Validate() error {
	if strings.TrimSpace(s.Queue) == "" {
		return ErrInvalidQueue
	}
	if !strings.HasPrefix(s.Webhook, "http") {
		return ErrInvalidWebhook
	}
	if s.MinIntervalMs < 0 || s.MaxIntervalMs < 0 || s.MinIntervalMs > s.MaxIntervalMs {
		return ErrInvalidInterval
	}
	if s.BusinessHoursStart < 0 || s.BusinessHoursStart > 24 ||
		s.BusinessHoursEnd < 0 || s.BusinessHoursEnd > 24 ||
		s.BusinessHoursStart > s.BusinessHoursEnd {
		return ErrInvalidHours
	}
	return nil
}

// RuntimeConsumer is the in-memory, per-queue record held by the Consumer
// Registry (component D) for as long as a consumer is actively subscribed.
type RuntimeConsumer struct {
	Queue              string
	Webhook            string
	MinIntervalMs      int
	MaxIntervalMs      int
	BusinessHoursStart int
	BusinessHoursEnd   int

	BrokerTag string
	Epoch     int64
	Paused    bool

	LastMessage    any
	NextIntervalMs int
}

// FromSpec builds the in-memory runtime record from a persisted spec at the
// epoch active when the RuntimeConsumer is created.
func FromSpec(s ConsumerSpec, brokerTag string, epoch int64) *RuntimeConsumer {
	return &RuntimeConsumer{
		Queue:              s.Queue,
		Webhook:            s.Webhook,
		MinIntervalMs:      s.MinIntervalMs,
		MaxIntervalMs:      s.MaxIntervalMs,
		BusinessHoursStart: s.BusinessHoursStart,
		BusinessHoursEnd:   s.BusinessHoursEnd,
		BrokerTag:          brokerTag,
		Epoch:              epoch,
		Paused:             s.Paused,
	}
}

// ApplyDefaults fills interval/business-hours fields left at their zero
// value by a partial POST /consume body. minIntervalMs/maxIntervalMs come
// from the operator's configured defaults (DEFAULT_MIN_INTERVAL_MS /
// DEFAULT_MAX_INTERVAL_MS), falling back to DefaultMinIntervalMs /
// DefaultMaxIntervalMs when the caller has none configured.
func ApplyDefaults(s *ConsumerSpec, minIntervalMs, maxIntervalMs int) {
	if s.MinIntervalMs == 0 && s.MaxIntervalMs == 0 {
		s.MinIntervalMs = minIntervalMs
		s.MaxIntervalMs = maxIntervalMs
	}
	if s.BusinessHoursStart == 0 && s.BusinessHoursEnd == 0 {
		s.BusinessHoursStart = DefaultHoursStart
		s.BusinessHoursEnd = DefaultHoursEnd
	}
}
