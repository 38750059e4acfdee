// Package capture drives the long-lived capture session against the
// router: authentication, the streaming HTTP request, incremental
// framing, flush scheduling and restart on failure.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"BoxCap/BoxCap-Go-Agent/internal/frame"
	"BoxCap/BoxCap-Go-Agent/internal/logger"
	"BoxCap/BoxCap-Go-Agent/internal/store"
)

// state of the session loop, for logging only.
type state int

const (
	stateIdle state = iota
	stateAuthenticating
	stateStreamOpen
	stateDraining
	stateTerminating
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAuthenticating:
		return "authenticating"
	case stateStreamOpen:
		return "stream-open"
	case stateDraining:
		return "draining"
	case stateTerminating:
		return "terminating"
	}
	return "unknown"
}

// errAuthRejected means the router refused the configured credentials.
// Recoverable: the loop backs off and retries in case the password is
// fixed through configuration.
var errAuthRejected = errors.New("capture: router rejected credentials")

// Authenticator obtains session tokens. An empty token with a nil
// error means rejected credentials.
type Authenticator interface {
	Authenticate(ctx context.Context) (string, error)
}

// TokenCache persists session tokens between attempts.
type TokenCache interface {
	CachedToken(ttl time.Duration) (string, bool)
	SaveToken(token string) error
	InvalidateToken() error
}

// StatusSink records the externally visible capture status flags.
type StatusSink interface {
	SetFlag(key string, v bool) error
}

// Flusher turns pending records into a durable file.
type Flusher interface {
	Flush(records [][]byte, variant frame.Variant, linkType uint32, now time.Time) (string, error)
}

// Config tunes one capture controller.
type Config struct {
	// RouterAddress is the router base URL.
	RouterAddress string
	// Interface is the router-side capture interface selector.
	Interface string
	// MACs is the device allow-list for the capture filter.
	MACs []string
	// SnapLen is the per-frame cap requested from the router.
	SnapLen uint32
	// MaxFrameLen is the sanity ceiling on declared record lengths.
	MaxFrameLen uint32
	// FlushBytes triggers a flush once this many bytes are pending.
	FlushBytes int64
	// FlushInterval triggers a flush on wall-clock time.
	FlushInterval time.Duration
	// Backoff is the delay before a session restart.
	Backoff time.Duration
	// TokenTTL is how long a cached session token is trusted.
	TokenTTL time.Duration
}

// Controller runs capture sessions until its context is canceled or a
// hard stop is requested. At most one session is live at a time.
type Controller struct {
	cfg    Config
	auth   Authenticator
	tokens TokenCache
	status StatusSink
	writer Flusher

	// OnFlush, when set, is invoked after every successful flush so
	// the agent can schedule an upload run.
	OnFlush func()
	// OnProgress, when set, receives throttled capture progress.
	OnProgress func(totalRecords, pendingBytes int64)

	stream  *http.Client
	control *http.Client
	cctx    *Context
	running atomic.Bool
	log     *logger.Logger

	// flushMu serializes flushes; the shutdown flush waits for a
	// scheduled one instead of skipping past it. flushScheduled keeps
	// at most one asynchronous flush goroutine queued.
	flushMu        sync.Mutex
	flushScheduled atomic.Bool
}

// NewController wires a controller from its collaborators.
func NewController(cfg Config, auth Authenticator, tokens TokenCache, status StatusSink, writer Flusher) *Controller {
	return &Controller{
		cfg:    cfg,
		auth:   auth,
		tokens: tokens,
		status: status,
		writer: writer,
		// The capture response never ends on its own; only the
		// control requests get a timeout.
		stream:  &http.Client{},
		control: &http.Client{Timeout: 30 * time.Second},
		cctx:    &Context{},
		log:     logger.GetLogger(),
	}
}

// Stop requests a hard stop: the in-flight request is aborted and the
// loop will not restart.
func (c *Controller) Stop() {
	c.cctx.RequestTerminate()
}

// TotalRecords returns the records captured in the current session.
func (c *Controller) TotalRecords() int64 {
	return c.cctx.TotalRecords()
}

// Run executes the capture loop until ctx is canceled or Stop is
// called. A second concurrent Run returns immediately. The final
// flush always happens before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	defer c.running.Store(false)

	if len(c.cfg.MACs) == 0 {
		return fmt.Errorf("capture: no enabled devices with resolved MAC addresses")
	}

	for {
		if ctx.Err() != nil || c.cctx.Terminating() {
			break
		}
		err := c.runSession(ctx)
		if ctx.Err() != nil || c.cctx.Terminating() {
			if err != nil && !isAbort(err) {
				// A stop was requested while the stream failed for its
				// own reasons; worth knowing, not worth alarming.
				c.log.Info("Capture session ended during shutdown: %v", err)
			}
			break
		}
		switch {
		case err == nil:
			c.log.Info("Capture stream ended, restarting in %s", c.cfg.Backoff)
		case errors.Is(err, errAuthRejected):
			c.log.Warn("Router login failed, retrying in %s (check credentials)", c.cfg.Backoff)
		default:
			c.log.Warn("Capture session failed, restarting in %s: %v", c.cfg.Backoff, err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.Backoff):
			continue
		}
		break
	}

	c.logState(stateTerminating)
	if err := c.flushNow(); err != nil {
		c.log.Error("Final flush failed, %d bytes retained in memory: %v", c.cctx.pendingSize(), err)
		return err
	}
	return nil
}

// runSession performs one authenticate→stream→drain cycle.
func (c *Controller) runSession(ctx context.Context) error {
	c.logState(stateAuthenticating)
	token, ok := c.tokens.CachedToken(c.cfg.TokenTTL)
	if !ok {
		fresh, err := c.auth.Authenticate(ctx)
		if err != nil {
			return fmt.Errorf("authenticating: %w", err)
		}
		if fresh == "" {
			return errAuthRejected
		}
		token = fresh
		if err := c.tokens.SaveToken(token); err != nil {
			c.log.Warn("Could not cache session token: %v", err)
		}
	}

	c.cctx.resetSession(time.Now())

	// Idempotent cleanup of a stale capture left by a crash.
	if err := c.stopAllCaptures(ctx, token); err != nil {
		c.log.Warn("Stop-all cleanup request failed: %v", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cctx.setCancel(cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.startURL(token), nil)
	if err != nil {
		return err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("opening capture stream: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The token died under us; force a fresh login next attempt.
		if err := c.tokens.InvalidateToken(); err != nil {
			c.log.Warn("Could not invalidate session token: %v", err)
		}
		return fmt.Errorf("capture stream rejected session token (status %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("capture stream returned status %d", resp.StatusCode)
	}

	c.logState(stateStreamOpen)
	err = c.consume(streamCtx, resp.Body)

	c.logState(stateDraining)
	if ferr := c.flushNow(); ferr != nil {
		c.log.Error("Draining flush failed, records retained: %v", ferr)
	}
	return err
}

// consume reads the response body until it ends, framing records as
// bytes arrive. Parsing a batch never waits on the network; only the
// Read for the next chunk blocks.
func (c *Controller) consume(ctx context.Context, body io.Reader) error {
	const chunkSize = 32 * 1024

	openedAt := time.Now()
	framedAny := false
	var lastProgress time.Time
	var tr *frame.Truncator
	chunk := make([]byte, chunkSize)

	defer func() {
		if framedAny {
			c.setRecording(false)
		}
	}()

	for {
		n, rerr := body.Read(chunk)
		if n > 0 {
			raw := append(c.cctx.rawBuffer, chunk[:n]...)

			if !c.cctx.headerParsed {
				if len(raw) < frame.GlobalHeaderSize {
					c.cctx.rawBuffer = raw
					continue
				}
				hdr, err := frame.ParseStreamHeader(raw)
				if err != nil {
					return fmt.Errorf("parsing stream header: %w", err)
				}
				c.cctx.setStreamFormat(hdr.Variant, hdr.LinkType)
				raw = raw[frame.GlobalHeaderSize:]
				tr = &frame.Truncator{Variant: hdr.Variant, MaxCaptureLen: c.cfg.MaxFrameLen}
				c.log.Info("Capture stream open: %s variant, link type %d, snaplen %d", hdr.Variant, hdr.LinkType, hdr.SnapLen)
			}

			for {
				rec, consumed, err := tr.Next(raw)
				if errors.Is(err, frame.ErrNeedMoreData) {
					break
				}
				if err != nil {
					// Fatal framing error: what was already parsed is
					// flushed by the caller, the session restarts fresh.
					return err
				}
				raw = raw[consumed:]
				if !framedAny {
					framedAny = true
					c.setRecording(true)
				}
				if rec != nil {
					c.cctx.appendRecord(rec)
				}
			}
			if len(raw) == 0 {
				c.cctx.rawBuffer = nil
			} else {
				c.cctx.rawBuffer = raw
			}

			now := time.Now()
			if c.OnProgress != nil && now.Sub(lastProgress) >= time.Second {
				lastProgress = now
				c.OnProgress(c.cctx.TotalRecords(), c.cctx.pendingSize())
			}
			if c.cctx.pendingSize() >= c.cfg.FlushBytes || c.cctx.sinceLastFlush(now) >= c.cfg.FlushInterval {
				if c.flushScheduled.CompareAndSwap(false, true) {
					go func() {
						defer c.flushScheduled.Store(false)
						if err := c.flushNow(); err != nil {
							c.log.Error("Scheduled flush failed, records retained: %v", err)
						}
					}()
				}
			}
		}

		if rerr != nil {
			if !framedAny && time.Since(openedAt) < 3*time.Second {
				c.log.Warn("Capture stream closed within 3s without data; the capture interface or filter is likely misconfigured")
			}
			if rerr == io.EOF {
				return nil
			}
			if c.cctx.Terminating() || ctx.Err() != nil {
				return rerr
			}
			return fmt.Errorf("reading capture stream: %w", rerr)
		}
	}
}

// flushNow moves all pending records into a file. Safe to call from
// the stream loop, the flush goroutine and shutdown; flushes run one
// at a time, a caller waits for any in-flight flush, and a failed
// write puts the records back.
func (c *Controller) flushNow() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	now := time.Now()
	records, size := c.cctx.takePending()
	if len(records) == 0 {
		c.cctx.markFlushed(now)
		return nil
	}
	variant, linkType := c.cctx.streamFormat()
	path, err := c.writer.Flush(records, variant, linkType, now)
	if err != nil {
		c.cctx.restorePending(records, size)
		return err
	}
	c.cctx.markFlushed(now)
	c.log.Info("Flushed %d bytes to %s", size, path)
	if c.OnFlush != nil {
		go c.OnFlush()
	}
	return nil
}

// setRecording toggles the externally visible status flags. Called at
// most once on the way in and once on the way out of a streaming
// session that framed at least one record.
func (c *Controller) setRecording(on bool) {
	if c.status == nil {
		return
	}
	if err := c.status.SetFlag(store.FlagConnected, on); err != nil {
		c.log.Warn("Could not persist connection flag: %v", err)
	}
	if err := c.status.SetFlag(store.FlagRecording, on); err != nil {
		c.log.Warn("Could not persist recording flag: %v", err)
	}
}

func (c *Controller) stopAllCaptures(ctx context.Context, token string) error {
	stopURL := fmt.Sprintf("%s/cgi-bin/capture_notimeout?iface=stopall&capture=Stop&sid=%s",
		c.cfg.RouterAddress, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stopURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.control.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *Controller) startURL(token string) string {
	filter := "ether host " + strings.Join(c.cfg.MACs, " || ")
	return fmt.Sprintf("%s/cgi-bin/capture_notimeout?ifaceorminor=%s&snaplen=%d&filter=%s&capture=Start&sid=%s",
		c.cfg.RouterAddress,
		url.QueryEscape(c.cfg.Interface),
		c.cfg.SnapLen,
		url.QueryEscape(filter),
		url.QueryEscape(token))
}

// isAbort reports whether err is the shape produced by canceling our
// own in-flight request, as opposed to a genuine network failure.
func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Controller) logState(s state) {
	c.log.Debug("Capture state: %s", s)
}
