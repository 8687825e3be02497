package api

import (
	"context"
	"errors"
	"time"

	"riverwave-discharge-map/pkg/database"
)

// ======================
// Trace info cache logic
// ======================

// errTraceInfoStopped reports that the cache goroutine has exited. Callers fall back to direct queries if this happens.
var errTraceInfoStopped = errors.New("trace info cache stopped")

// traceInfoRequest models a single lookup. We send requests through a dedicated channel so the loop remains in charge of all state.
type traceInfoRequest struct {
	ctx   context.Context
	reply chan traceInfoResponse
}

// traceInfoResponse contains either cached data or an error explaining why it is unavailable.
type traceInfoResponse struct {
	totalTraces int64
	latestID    string
	err         error
}

// traceInfoSnapshot represents the most recently computed numbers. We keep the timestamp to decide when background refreshes are due.
type traceInfoSnapshot struct {
	totalTraces int64
	latestID    string
	fetchedAt   time.Time
	ready       bool
}

// refreshOutcome is sent back from the loader goroutine. A nil error means the snapshot now contains fresh data.
type refreshOutcome struct {
	snapshot traceInfoSnapshot
	err      error
}

// TraceInfoCache shields the overview and listing handlers from repeated COUNT queries by caching the trace total and the
// freshest handle, refreshing both in the background. Following the proverb "Don't communicate by sharing memory; share
// memory by communicating", we coordinate exclusively via channels.
type TraceInfoCache struct {
	db      *database.Database
	ttl     time.Duration
	timeout time.Duration
	retry   time.Duration
	logf    func(string, ...any)
	now     func() time.Time

	requests chan traceInfoRequest
	quit     chan struct{}
}

// NewTraceInfoCache starts the cache goroutine. ttl controls how long results stay fresh, timeout bounds database calls and retry
// decides how quickly we attempt to recover after failures. Passing nil db disables the cache so handlers can fall back to direct queries.
func NewTraceInfoCache(db *database.Database, ttl, timeout, retry time.Duration, logf func(string, ...any)) *TraceInfoCache {
	if db == nil || db.DB == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	if retry <= 0 {
		retry = 15 * time.Second
	}
	cache := &TraceInfoCache{
		db:       db,
		ttl:      ttl,
		timeout:  timeout,
		retry:    retry,
		logf:     logf,
		now:      time.Now,
		requests: make(chan traceInfoRequest),
		quit:     make(chan struct{}),
	}
	go cache.loop()
	return cache
}

// Close stops the goroutine. The method is idempotent so shutdown paths stay simple.
func (c *TraceInfoCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
}

// Get returns the cached trace count and freshest handle. The call blocks until the first snapshot is ready or the context is cancelled.
func (c *TraceInfoCache) Get(ctx context.Context) (int64, string, error) {
	if c == nil {
		return 0, "", errors.New("trace info cache disabled")
	}
	req := traceInfoRequest{ctx: ctx, reply: make(chan traceInfoResponse, 1)}
	select {
	case <-ctx.Done():
		return 0, "", ctx.Err()
	case <-c.quit:
		return 0, "", errTraceInfoStopped
	case c.requests <- req:
	}
	select {
	case <-ctx.Done():
		return 0, "", ctx.Err()
	case <-c.quit:
		return 0, "", errTraceInfoStopped
	case resp := <-req.reply:
		return resp.totalTraces, resp.latestID, resp.err
	}
}

// loop serialises all cache access. A single goroutine owns the state so we avoid mutexes entirely.
func (c *TraceInfoCache) loop() {
	if c == nil {
		return
	}
	snapshot := traceInfoSnapshot{}
	var refreshCh <-chan refreshOutcome
	refreshing := false
	var timer *time.Timer

	triggerRefresh := func() {
		if refreshing {
			return
		}
		refreshing = true
		refreshCh = c.startRefresh(snapshot)
	}

	armTimer := func(d time.Duration) {
		if d <= 0 {
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer = nil
			}
			return
		}
		if timer == nil {
			timer = time.NewTimer(d)
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	triggerRefresh()

	for {
		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}
		select {
		case <-c.quit:
			if timer != nil {
				timer.Stop()
			}
			return
		case req := <-c.requests:
			if snapshot.ready {
				// Serve cached data immediately and kick off a background refresh when it expired.
				if c.ttl > 0 && c.now().Sub(snapshot.fetchedAt) >= c.ttl {
					triggerRefresh()
				}
				req.reply <- traceInfoResponse{totalTraces: snapshot.totalTraces, latestID: snapshot.latestID}
				continue
			}
			if !refreshing {
				triggerRefresh()
			}
			delivered := false
			for !delivered {
				select {
				case <-c.quit:
					req.reply <- traceInfoResponse{err: errTraceInfoStopped}
					delivered = true
				case <-req.ctx.Done():
					req.reply <- traceInfoResponse{err: req.ctx.Err()}
					delivered = true
				case outcome := <-refreshCh:
					refreshing = false
					refreshCh = nil
					if outcome.err != nil {
						if c.logf != nil {
							c.logf("trace info refresh failed: %v", outcome.err)
						}
						if !outcome.snapshot.ready {
							armTimer(c.retry)
							req.reply <- traceInfoResponse{err: outcome.err}
							delivered = true
							break
						}
					}
					snapshot = outcome.snapshot
					if snapshot.ready {
						req.reply <- traceInfoResponse{totalTraces: snapshot.totalTraces, latestID: snapshot.latestID}
						armTimer(c.ttl)
					} else {
						req.reply <- traceInfoResponse{err: errors.New("trace info unavailable")}
						armTimer(c.retry)
					}
					delivered = true
				}
			}
		case outcome := <-refreshCh:
			refreshing = false
			refreshCh = nil
			if outcome.err != nil {
				if c.logf != nil {
					c.logf("trace info refresh failed: %v", outcome.err)
				}
				if !outcome.snapshot.ready {
					armTimer(c.retry)
					continue
				}
			}
			snapshot = outcome.snapshot
			if snapshot.ready {
				armTimer(c.ttl)
			} else {
				armTimer(c.retry)
			}
		case <-timerC:
			timer = nil
			triggerRefresh()
		}
	}
}

// startRefresh spawns a goroutine that computes the latest totals. We reuse the previous snapshot when the loader fails
// so callers can keep seeing stale-but-useful data.
func (c *TraceInfoCache) startRefresh(prev traceInfoSnapshot) <-chan refreshOutcome {
	ch := make(chan refreshOutcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		total, latest, err := c.loadTraceInfo(ctx)
		if err != nil {
			ch <- refreshOutcome{snapshot: prev, err: err}
			return
		}
		ch <- refreshOutcome{snapshot: traceInfoSnapshot{
			totalTraces: total,
			latestID:    latest,
			fetchedAt:   c.now(),
			ready:       true,
		}}
	}()
	return ch
}

// loadTraceInfo calls into the database package. Keeping the logic isolated makes it easy to extend with alternative strategies later.
func (c *TraceInfoCache) loadTraceInfo(ctx context.Context) (int64, string, error) {
	if c.db == nil {
		return 0, "", errors.New("database unavailable")
	}
	total, err := c.db.CountTraces(ctx)
	if err != nil {
		return 0, "", err
	}
	if total == 0 {
		return 0, "", nil
	}
	recent, err := c.db.RecentTraces(ctx, 1)
	if err != nil {
		return 0, "", err
	}
	latest := ""
	if len(recent) > 0 {
		latest = recent[0].TraceID
	}
	return total, latest, nil
}
