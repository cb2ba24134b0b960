// Package domain holds the types shared by the dispatch and reliability
// engine: endpoints, their statistics, and the JSON-RPC envelope shapes the
// detector and router inspect.
package domain

import (
	"net/url"
	"time"
)

// Endpoint is a configured upstream RPC URL. It is created on first
// configuration sighting and is never deleted — a removed-from-config
// endpoint is simply marked inactive.
type Endpoint struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	URL       *url.URL
	URLString string
	ID        int64
	Active    bool
}

// Statistics is the one-to-one aggregate counters row for an Endpoint.
// Invariant: Total == Successful + Failed; AvgResponseTimeMs ==
// TotalResponseTimeMs/Total when Total > 0.
type Statistics struct {
	LastRequestAt       time.Time
	EndpointID          int64
	Total               int64
	Successful          int64
	Failed              int64
	RateLimited         int64
	TotalResponseTimeMs int64
	AvgResponseTimeMs   float64
}

// RateLimitEvent is an append-only record of a detected rate limit.
type RateLimitEvent struct {
	DetectedAt     time.Time
	ProjectedUntil time.Time
	Message        string
	EndpointID     int64
	CooldownMs     int64
	HTTPStatus     int
}

// RequestLogEntry is an append-only record of one upstream call, used by
// the detector's failure-rate signal.
type RequestLogEntry struct {
	OccurredAt   time.Time
	Method       string
	ErrorMessage string
	EndpointID   int64
	ResponseTime time.Duration
	HTTPStatus   int
	Success      bool
}
