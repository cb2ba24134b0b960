// Package stats is the StatsStore: a relational record of
// endpoints, aggregate counters, rate-limit events and a request log, plus
// the read paths the detector and the /stats ingress handler need.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arcrelay/rpcgate/internal/cache"
	"github.com/arcrelay/rpcgate/internal/domain"
)

const (
	DefaultFlushInterval = 2 * time.Second
	DefaultBatchSize     = 200
)

// Store is the default StatsStore: SQLite-backed with a batched writer for
// the high-volume request log, and a direct (synchronous) write path for
// the low-volume endpoint/rate-limit-event tables. Writes survive a
// process restart; crash-loss is bounded to the last flush interval's
// worth of request_log rows.
type Store struct {
	db       *sql.DB
	window   cache.Window
	writeMu  sync.Mutex
	pending  chan pendingLog
	flushNow chan chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

type pendingLog struct {
	entry domain.RequestLogEntry
}

// Open creates (or migrates) the SQLite database at path and starts the
// background batch-flush loop. Pass an empty window to get a process-local
// MemoryWindow; pass a cache.RedisWindow for a shared one across instances.
func Open(ctx context.Context, path string, window cache.Window) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer; serializes writes trivially.

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if window == nil {
		window = cache.NewMemoryWindow(detectorHistoryWindowSize)
	}

	s := &Store{
		db:       db,
		window:   window,
		pending:  make(chan pendingLog, DefaultBatchSize*4),
		flushNow: make(chan chan struct{}),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

// detectorHistoryWindowSize mirrors detector.DefaultHistoryWindow. It is a
// local copy so that stats does not import the detector package; stats
// satisfies detector.HistorySource structurally and only needs the value.
const detectorHistoryWindowSize = 20

func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

// EnsureEndpoint idempotently upserts the endpoint by URL, creating its
// endpoint_statistics row on first insert.
func (s *Store) EnsureEndpoint(ctx context.Context, url string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM endpoints WHERE url = ?`, url).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO endpoints(url, active, created_at, updated_at) VALUES (?, 1, ?, ?)`,
			url, now, now)
		if err != nil {
			return 0, fmt.Errorf("insert endpoint: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO endpoint_statistics(endpoint_id) VALUES (?)`, id); err != nil {
			return 0, fmt.Errorf("insert endpoint_statistics: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("lookup endpoint: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE endpoints SET active = 1, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return 0, fmt.Errorf("reactivate endpoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// MarkInactive flags an endpoint removed from configuration as inactive.
// Endpoints are never deleted.
func (s *Store) MarkInactive(ctx context.Context, endpointID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE endpoints SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), endpointID)
	return err
}

// RecordRequest appends a request_log row (batched) and recomputes the
// endpoint's aggregate counters. The in-memory/Redis recent-request window
// is updated synchronously so the detector's failure-rate signal sees it
// immediately, without waiting for the next flush.
func (s *Store) RecordRequest(ctx context.Context, endpointID int64, method string, success bool, responseTime time.Duration, httpStatus int, errMsg string) error {
	entry := domain.RequestLogEntry{
		EndpointID:   endpointID,
		Method:       method,
		Success:      success,
		ResponseTime: responseTime,
		HTTPStatus:   httpStatus,
		ErrorMessage: errMsg,
		OccurredAt:   time.Now().UTC(),
	}

	s.window.Push(ctx, entry)

	select {
	case s.pending <- pendingLog{entry: entry}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// RecordRateLimitEvent appends a rate_limit_events row and increments
// endpoint_statistics.rate_limited. Low-volume relative to RecordRequest,
// so it writes synchronously rather than through the batch queue.
func (s *Store) RecordRateLimitEvent(ctx context.Context, endpointID int64, cooldownMs int64, httpStatus int, message string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	projected := now.Add(time.Duration(cooldownMs) * time.Millisecond)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limit_events(endpoint_id, detected_at, projected_recovery_at, cooldown_duration_ms, http_status, message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		endpointID, now, projected, cooldownMs, nullableInt(httpStatus), message); err != nil {
		return fmt.Errorf("insert rate_limit_event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE endpoint_statistics SET rate_limited = rate_limited + 1 WHERE endpoint_id = ?`, endpointID); err != nil {
		return fmt.Errorf("increment rate_limited: %w", err)
	}

	return tx.Commit()
}

// RecentRequests satisfies detector.HistorySource, preferring the
// in-memory/Redis window over a database read.
func (s *Store) RecentRequests(ctx context.Context, endpointID int64, limit int) ([]domain.RequestLogEntry, error) {
	entries, err := s.window.Recent(ctx, endpointID, limit)
	if err == nil && len(entries) > 0 {
		return entries, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT method, success, response_time_ms, http_status, error_message, occurred_at
		 FROM request_log WHERE endpoint_id = ? ORDER BY occurred_at DESC LIMIT ?`, endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RequestLogEntry
	for rows.Next() {
		var e domain.RequestLogEntry
		var responseMs int64
		var httpStatus sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(&e.Method, &e.Success, &responseMs, &httpStatus, &errMsg, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.EndpointID = endpointID
		e.ResponseTime = time.Duration(responseMs) * time.Millisecond
		e.HTTPStatus = int(httpStatus.Int64)
		e.ErrorMessage = errMsg.String
		out = append(out, e)
	}

	// Reverse DESC -> chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// AverageCooldown returns the mean cooldown_duration_ms over the lookback
// window, or ok=false if there are no rate_limit_events in that window.
func (s *Store) AverageCooldown(ctx context.Context, endpointID int64, lookback time.Duration) (time.Duration, bool, error) {
	since := time.Now().UTC().Add(-lookback)

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(cooldown_duration_ms) FROM rate_limit_events WHERE endpoint_id = ? AND detected_at >= ?`,
		endpointID, since).Scan(&avg)
	if err != nil {
		return 0, false, err
	}
	if !avg.Valid {
		return 0, false, nil
	}
	return time.Duration(avg.Float64) * time.Millisecond, true, nil
}

// EndpointStatisticsRow is a read-only reporting row for GET /stats.
type EndpointStatisticsRow struct {
	LastRequestAt     *time.Time `json:"last_request_at,omitempty"`
	URL               string     `json:"url"`
	EndpointID        int64      `json:"endpoint_id"`
	Total             int64      `json:"total"`
	Successful        int64      `json:"successful"`
	Failed            int64      `json:"failed"`
	RateLimited       int64      `json:"rate_limited"`
	AvgResponseTimeMs float64    `json:"avg_response_time_ms"`
}

func (s *Store) EndpointStatistics(ctx context.Context) ([]EndpointStatisticsRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.url, s.total, s.successful, s.failed, s.rate_limited, s.avg_response_time_ms, s.last_request_at
		FROM endpoint_statistics s JOIN endpoints e ON e.id = s.endpoint_id
		ORDER BY e.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EndpointStatisticsRow
	for rows.Next() {
		var r EndpointStatisticsRow
		var lastRequest sql.NullTime
		if err := rows.Scan(&r.EndpointID, &r.URL, &r.Total, &r.Successful, &r.Failed, &r.RateLimited, &r.AvgResponseTimeMs, &lastRequest); err != nil {
			return nil, err
		}
		if lastRequest.Valid {
			t := lastRequest.Time
			r.LastRequestAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// flushLoop batches pending request_log rows into one transaction every
// DefaultFlushInterval or DefaultBatchSize items, whichever comes first.
func (s *Store) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(DefaultFlushInterval)
	defer ticker.Stop()

	batch := make([]domain.RequestLogEntry, 0, DefaultBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(context.Background(), batch); err != nil {
			// Best-effort: a lost batch is bounded staleness, not a crash.
			fmt.Fprintf(os.Stderr, "stats: flush batch failed: %v\n", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-s.done:
			// Drain whatever is already queued before closing.
			for {
				select {
				case p := <-s.pending:
					batch = append(batch, p.entry)
				default:
					flush()
					return
				}
			}
		case p := <-s.pending:
			batch = append(batch, p.entry)
			if len(batch) >= DefaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case reply := <-s.flushNow:
			flush()
			close(reply)
		}
	}
}

// FlushNow blocks until any queued request_log rows have been persisted.
// Exposed for tests and for graceful shutdown.
func (s *Store) FlushNow(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case s.flushNow <- reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) flushBatch(ctx context.Context, batch []domain.RequestLogEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	type agg struct {
		total, successful, failed, totalMs int64
	}
	aggregates := make(map[int64]*agg)

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_log(endpoint_id, method, success, response_time_ms, http_status, error_message, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		ms := e.ResponseTime.Milliseconds()
		if _, err := stmt.ExecContext(ctx, e.EndpointID, e.Method, e.Success, ms, nullableInt(e.HTTPStatus), e.ErrorMessage, e.OccurredAt); err != nil {
			return fmt.Errorf("insert request_log: %w", err)
		}

		a, ok := aggregates[e.EndpointID]
		if !ok {
			a = &agg{}
			aggregates[e.EndpointID] = a
		}
		a.total++
		if e.Success {
			a.successful++
		} else {
			a.failed++
		}
		a.totalMs += ms
	}

	for endpointID, a := range aggregates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE endpoint_statistics
			SET total = total + ?,
			    successful = successful + ?,
			    failed = failed + ?,
			    total_response_time_ms = total_response_time_ms + ?,
			    avg_response_time_ms = CAST(total_response_time_ms + ? AS REAL) / (total + ?),
			    last_request_at = ?
			WHERE endpoint_id = ?`,
			a.total, a.successful, a.failed, a.totalMs, a.totalMs, a.total, time.Now().UTC(), endpointID); err != nil {
			return fmt.Errorf("update endpoint_statistics: %w", err)
		}
	}

	return tx.Commit()
}

func nullableInt(v int) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
