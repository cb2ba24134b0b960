// Package detector implements the RateLimitDetector: a
// stateless-per-call analyzer that scores a response/error across four
// independent signals and recommends a cooldown.
package detector

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arcrelay/rpcgate/internal/domain"
)

const (
	DefaultMinCooldown      = 60 * time.Second
	DefaultMaxCooldown      = 300 * time.Second
	DefaultBackoffMultiplier = 2
	DefaultHistoryWindow    = 20
	DefaultDetectionThreshold = 0.5

	historyMinSamples = 5
	averageCooldownLookback = 7 * 24 * time.Hour
)

// rateLimitVocabulary is the substring vocabulary signal.
var rateLimitVocabulary = []string{
	"rate limit",
	"too many requests",
	"exceeded",
	"quota",
	"throttle",
	"too many",
}

// rateLimitStatusCodes is the HTTP status signal. 403 is included
// conservatively even though it more often indicates auth misconfiguration
// than rate limiting; a 403 alone puts the endpoint into cooldown, whatever
// detectionThreshold is set to.
var rateLimitStatusCodes = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusServiceUnavailable:  {},
	http.StatusForbidden:           {},
}

// TransportError carries the subset of a transport failure the detector
// needs: a message to scan for keywords and a timeout/reset classification.
type TransportError struct {
	Message      string
	IsTimeout    bool
	IsConnReset  bool
}

// HistorySource supplies the recent-request sample and the historical
// average cooldown the detector needs. It is satisfied by stats.Store,
// whose RecentRequests reads internal/cache's in-memory/Redis-backed window
// first and only falls back to the database when that window is empty.
type HistorySource interface {
	RecentRequests(ctx context.Context, endpointID int64, limit int) ([]domain.RequestLogEntry, error)
	AverageCooldown(ctx context.Context, endpointID int64, lookback time.Duration) (time.Duration, bool, error)
}

// Verdict is the result of Detect.
type Verdict struct {
	Signals        Signals
	CooldownUntil  time.Time
	CooldownMs     int64
	Confidence     float64
	IsRateLimited  bool
}

// Signals records which of the four signals fired, for observability.
type Signals struct {
	HTTPStatus   bool
	BodyKeyword  bool
	FailureRate  bool
	Timeout      bool
}

func (s Signals) count() int {
	n := 0
	if s.HTTPStatus {
		n++
	}
	if s.BodyKeyword {
		n++
	}
	if s.FailureRate {
		n++
	}
	if s.Timeout {
		n++
	}
	return n
}

// Config mirrors the rateLimit.* options from the server configuration.
type Config struct {
	MinCooldown       time.Duration
	MaxCooldown       time.Duration
	BackoffMultiplier float64
	HistoryWindow     int
	DetectionThreshold float64
}

func DefaultConfig() Config {
	return Config{
		MinCooldown:        DefaultMinCooldown,
		MaxCooldown:        DefaultMaxCooldown,
		BackoffMultiplier:  DefaultBackoffMultiplier,
		HistoryWindow:      DefaultHistoryWindow,
		DetectionThreshold: DefaultDetectionThreshold,
	}
}

// Detector is safe for concurrent use; the only shared mutable state is the
// per-endpoint consecutive-strike map, guarded by a mutex. Everything else
// an endpoint needs is owned by its worker; the strike counter lives here
// because only the detector's own methods touch it (the worker clears it
// through ResetStrikes).
type Detector struct {
	history HistorySource
	cfg     Config

	mu      sync.Mutex
	strikes map[int64]int
}

func New(history HistorySource, cfg Config) *Detector {
	return &Detector{
		history: history,
		cfg:     cfg,
		strikes: make(map[int64]int),
	}
}

// Input bundles everything Detect needs about one upstream attempt.
type Input struct {
	TransportErr   *TransportError
	RetryAfter     string
	Body           []byte
	ParsedError    *domain.RPCError
	HTTPStatus     int
	ResponseTime   time.Duration
}

// Detect scores the four signals and, if any fired, computes a cooldown.
// Any single positive signal yields IsRateLimited=true (logical OR);
// confidence is the fraction of signals positive.
func (d *Detector) Detect(ctx context.Context, endpointID int64, in Input) Verdict {
	var sig Signals

	if _, ok := rateLimitStatusCodes[in.HTTPStatus]; ok {
		sig.HTTPStatus = true
	}

	if containsRateLimitKeyword(bodyText(in.Body, in.ParsedError), in.TransportErr) {
		sig.BodyKeyword = true
	}

	if d.failureRateSignal(ctx, endpointID) {
		sig.FailureRate = true
	}

	if timeoutSignal(in.TransportErr) {
		sig.Timeout = true
	}

	n := sig.count()
	if n == 0 {
		d.resetStrikes(endpointID)
		return Verdict{Signals: sig}
	}

	cooldown := d.computeCooldown(ctx, endpointID, in.RetryAfter)
	return Verdict{
		Signals:       sig,
		IsRateLimited: true,
		Confidence:    float64(n) / 4.0,
		CooldownMs:    cooldown.Milliseconds(),
		CooldownUntil: time.Now().Add(cooldown),
	}
}

// ResetStrikes resets the endpoint's consecutive-strike counter. Called on
// the next non-rate-limited verdict for that endpoint, on explicit
// recovery, or on health-check success.
func (d *Detector) ResetStrikes(endpointID int64) {
	d.resetStrikes(endpointID)
}

func (d *Detector) resetStrikes(endpointID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.strikes, endpointID)
}

func (d *Detector) strikeCount(endpointID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.strikes[endpointID]
}

func (d *Detector) incrementStrikes(endpointID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strikes[endpointID]++
}

// computeCooldown implements the precedence order:
// Retry-After header, then exponential backoff on the strike count, then
// clamped against the 7-day historical average if it is larger.
func (d *Detector) computeCooldown(ctx context.Context, endpointID int64, retryAfter string) time.Duration {
	if ra, ok := parseRetryAfter(retryAfter); ok {
		return clamp(ra, 0, d.cfg.MaxCooldown)
	}

	k := d.strikeCount(endpointID)
	base := d.cfg.MinCooldown
	backoff := time.Duration(float64(base) * pow(d.cfg.BackoffMultiplier, float64(k)))
	backoff = clamp(backoff, d.cfg.MinCooldown, d.cfg.MaxCooldown)
	d.incrementStrikes(endpointID)

	if avg, ok, err := d.history.AverageCooldown(ctx, endpointID, averageCooldownLookback); err == nil && ok && avg > backoff {
		backoff = clamp(avg, d.cfg.MinCooldown, d.cfg.MaxCooldown)
	}

	return backoff
}

func (d *Detector) failureRateSignal(ctx context.Context, endpointID int64) bool {
	window := d.cfg.HistoryWindow
	if window <= 0 {
		window = DefaultHistoryWindow
	}

	entries, err := d.history.RecentRequests(ctx, endpointID, window)
	if err != nil || len(entries) < historyMinSamples {
		return false
	}

	failed := 0
	for _, e := range entries {
		if !e.Success {
			failed++
		}
	}

	threshold := d.cfg.DetectionThreshold
	if threshold <= 0 {
		threshold = DefaultDetectionThreshold
	}

	return float64(failed)/float64(len(entries)) >= threshold
}

func timeoutSignal(te *TransportError) bool {
	if te == nil {
		return false
	}
	if te.IsTimeout || te.IsConnReset {
		return true
	}
	return strings.Contains(strings.ToLower(te.Message), "timeout")
}

func containsRateLimitKeyword(text string, te *TransportError) bool {
	haystack := strings.ToLower(text)
	if te != nil {
		haystack += " " + strings.ToLower(te.Message)
	}
	for _, kw := range rateLimitVocabulary {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// bodyText concatenates the sources the body-keyword signal scans: the raw
// body and any parsed error message. containsRateLimitKeyword lowercases it.
func bodyText(body []byte, parsed *domain.RPCError) string {
	var b strings.Builder
	b.Write(body)
	if parsed != nil {
		b.WriteByte(' ')
		b.WriteString(parsed.Message)
	}
	return b.String()
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
