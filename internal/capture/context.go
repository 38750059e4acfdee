package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"BoxCap/BoxCap-Go-Agent/internal/frame"
)

// Context is the mutable state of one capture attempt. One instance is
// created per controller and reused across reconnects; buffer and
// pending records are reset on every successful re-authentication.
// It is never shared between two concurrently running attempts.
type Context struct {
	terminate atomic.Bool

	mu           sync.Mutex
	cancel       context.CancelFunc // aborts the in-flight request; at most one live handle
	rawBuffer    []byte
	pending      [][]byte
	pendingBytes int64

	totalRecords atomic.Int64

	headerParsed bool
	variant      frame.Variant
	linkType     uint32

	sessionStartedAt time.Time
	lastFlushedAt    time.Time
}

// setStreamFormat records the variant and link type detected from the
// stream's global header. Called once per session.
func (c *Context) setStreamFormat(variant frame.Variant, linkType uint32) {
	c.mu.Lock()
	c.variant = variant
	c.linkType = linkType
	c.mu.Unlock()
	c.headerParsed = true
}

// streamFormat returns the detected variant and link type.
func (c *Context) streamFormat() (frame.Variant, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.variant, c.linkType
}

// markFlushed records a completed (possibly empty) flush.
func (c *Context) markFlushed(t time.Time) {
	c.mu.Lock()
	c.lastFlushedAt = t
	c.mu.Unlock()
}

// sinceLastFlush reports how long ago the last flush finished,
// measured from session start until the first flush happens.
func (c *Context) sinceLastFlush(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastFlushedAt.IsZero() {
		return now.Sub(c.sessionStartedAt)
	}
	return now.Sub(c.lastFlushedAt)
}

// RequestTerminate sets the cooperative stop flag and aborts any
// in-flight request.
func (c *Context) RequestTerminate() {
	c.terminate.Store(true)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Terminating reports whether a stop was requested.
func (c *Context) Terminating() bool {
	return c.terminate.Load()
}

// setCancel installs the abort handle for the current request,
// replacing any previous one.
func (c *Context) setCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

// resetSession clears per-session parse state at the start of a new
// authenticated attempt. The cumulative record counter survives
// flushes but restarts with the session.
func (c *Context) resetSession(now time.Time) {
	c.mu.Lock()
	c.rawBuffer = nil
	c.pending = nil
	c.pendingBytes = 0
	c.sessionStartedAt = now
	c.lastFlushedAt = time.Time{}
	c.mu.Unlock()
	c.totalRecords.Store(0)
	c.headerParsed = false
}

// TotalRecords is the cumulative record count for the session.
func (c *Context) TotalRecords() int64 {
	return c.totalRecords.Load()
}

// appendRecord queues one finished record for the next flush.
func (c *Context) appendRecord(rec []byte) {
	c.mu.Lock()
	c.pending = append(c.pending, rec)
	c.pendingBytes += int64(len(rec))
	c.mu.Unlock()
	c.totalRecords.Add(1)
}

// takePending removes and returns all queued records. Records are
// never split across flushes: a record is either in the returned batch
// or in a later one.
func (c *Context) takePending() ([][]byte, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	records, bytes := c.pending, c.pendingBytes
	c.pending = nil
	c.pendingBytes = 0
	return records, bytes
}

// restorePending puts records back at the front of the queue after a
// failed flush so no data is dropped on write errors.
func (c *Context) restorePending(records [][]byte, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(records, c.pending...)
	c.pendingBytes += bytes
}

// pendingSize returns the bytes currently queued for flush.
func (c *Context) pendingSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingBytes
}
