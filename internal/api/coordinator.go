package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basecamp/studio-cli/internal/auth"
	"github.com/basecamp/studio-cli/internal/observability"
	"github.com/basecamp/studio-cli/internal/output"
)

// DefaultRefreshTimeout bounds a single refresh exchange.
const DefaultRefreshTimeout = 30 * time.Second

// exchange is the raw outcome of one network round trip.
type exchange struct {
	status   int
	header   http.Header
	body     []byte
	stream   io.ReadCloser // set instead of body for 2xx streamed responses
	duration time.Duration
	replayed bool
}

// sender performs one attempt of a request with the given bearer token.
type sender func(ctx context.Context, token string) (*exchange, error)

// RefreshFunc exchanges the current token for a new session.
type RefreshFunc func(ctx context.Context, token string) (*auth.Credentials, error)

type settlement struct {
	ex  *exchange
	err error
}

// refreshError marks an auth error produced by a failed refresh. The
// coordinator notifies once for it, so callers do not notify again.
type refreshError struct{ err error }

func (e *refreshError) Error() string { return "token refresh failed: " + e.err.Error() }
func (e *refreshError) Unwrap() error { return e.err }

// pendingRequest is a request that met a 401 while a refresh was in flight.
type pendingRequest struct {
	ctx     context.Context
	address string
	send    sender
	done    chan settlement // buffered; settled exactly once
}

// Coordinator makes token refresh safe under concurrency: at most one
// refresh exchange is in flight, and requests that fail with 401 meanwhile
// are queued and replayed in arrival order once it completes.
type Coordinator struct {
	session   *Session
	refresh   RefreshFunc
	timeout   time.Duration
	bus       *observability.Bus
	logger    *slog.Logger
	onFailure func(*output.Error)

	mu         sync.Mutex
	refreshing bool
	pending    []*pendingRequest
}

// NewCoordinator creates a coordinator that refreshes session tokens with
// refresh. onFailure runs once per failed refresh, after every queued
// request has been rejected.
func NewCoordinator(session *Session, refresh RefreshFunc, timeout time.Duration, onFailure func(*output.Error)) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	if onFailure == nil {
		onFailure = func(*output.Error) {}
	}
	return &Coordinator{
		session:   session,
		refresh:   refresh,
		timeout:   timeout,
		logger:    slog.New(slog.DiscardHandler),
		onFailure: onFailure,
	}
}

// Refreshing reports whether a refresh exchange is in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

// Pending returns the number of requests waiting for the current refresh.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Recover handles a 401 received for a request sent with sentToken.
// It returns the outcome of the retried request. A retried request that
// meets 401 again fails with an auth error; there is no second refresh.
func (c *Coordinator) Recover(ctx context.Context, address, sentToken string, send sender) (*exchange, error) {
	c.mu.Lock()

	if c.refreshing {
		p := c.enqueueLocked(ctx, address, send)
		c.mu.Unlock()
		return c.wait(ctx, p)
	}

	current := c.session.Token()
	if current == "" {
		c.mu.Unlock()
		return nil, output.ErrAuth("Not signed in")
	}
	if current != sentToken {
		// The request was sent before a refresh that has since completed.
		c.mu.Unlock()
		c.logger.Debug("retrying with already refreshed token", "url", address)
		return c.retry(ctx, current, send)
	}

	c.refreshing = true
	c.mu.Unlock()

	token, err := c.runRefresh(ctx, current)
	pending := c.finish()
	if err != nil {
		return nil, c.fail(pending, err)
	}

	ex, retryErr := c.retry(ctx, token, send)
	go c.replay(pending)
	return ex, retryErr
}

// Refresh forces a refresh of the current token. If one is already in
// flight it waits for that one instead of starting another.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.refreshing {
		p := c.enqueueLocked(ctx, "", func(context.Context, string) (*exchange, error) {
			return &exchange{status: http.StatusOK}, nil
		})
		c.mu.Unlock()
		_, err := c.wait(ctx, p)
		return err
	}

	current := c.session.Token()
	if current == "" {
		c.mu.Unlock()
		return output.ErrAuth("Not signed in")
	}
	c.refreshing = true
	c.mu.Unlock()

	_, err := c.runRefresh(ctx, current)
	pending := c.finish()
	if err != nil {
		return c.fail(pending, err)
	}
	go c.replay(pending)
	return nil
}

func (c *Coordinator) enqueueLocked(ctx context.Context, address string, send sender) *pendingRequest {
	p := &pendingRequest{
		ctx:     ctx,
		address: address,
		send:    send,
		done:    make(chan settlement, 1),
	}
	c.pending = append(c.pending, p)
	c.logger.Debug("queued request behind token refresh", "url", address, "position", len(c.pending))
	return p
}

func (c *Coordinator) wait(ctx context.Context, p *pendingRequest) (*exchange, error) {
	select {
	case s := <-p.done:
		return s.ex, s.err
	case <-ctx.Done():
		// Left in the queue; replay skips it because its context is done.
		return nil, classifyTransport(ctx.Err())
	}
}

// runRefresh performs the single refresh exchange. It is detached from the
// caller's cancellation so one impatient caller cannot fail every queued
// request, but it is bounded by the refresh timeout.
func (c *Coordinator) runRefresh(ctx context.Context, token string) (string, error) {
	id := newCorrelationID()
	c.bus.Emit(observability.Event{Type: observability.RefreshStarted, ID: id})
	start := time.Now()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	creds, err := c.refresh(rctx, token)
	c.bus.Emit(observability.Event{
		Type:     observability.RefreshEnded,
		ID:       id,
		Duration: time.Since(start),
		Err:      err,
	})
	if err != nil {
		c.logger.Debug("token refresh failed", "error", err)
		return "", err
	}

	if err := c.session.Set(*creds); err != nil {
		c.logger.Warn("refreshed token could not be persisted", "error", err)
	}
	return creds.Token, nil
}

// finish clears the refreshing flag and takes ownership of the queue.
func (c *Coordinator) finish() []*pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending = nil
	c.refreshing = false
	return pending
}

// fail signs the session out and rejects every queued request.
func (c *Coordinator) fail(pending []*pendingRequest, cause error) *output.Error {
	if err := c.session.Clear(); err != nil {
		c.logger.Warn("could not clear stored session", "error", err)
	}

	authErr := output.ErrAuth("Session expired, please sign in again")
	authErr.Cause = &refreshError{err: cause}
	for _, p := range pending {
		p.done <- settlement{err: authErr}
	}
	c.onFailure(authErr)
	return authErr
}

// replay retries queued requests one at a time in arrival order. It runs on
// its own goroutine so the request that triggered the refresh settles without
// waiting for the queue. Each is settled independently; one failing does not
// affect the rest.
func (c *Coordinator) replay(pending []*pendingRequest) {
	for _, p := range pending {
		if err := p.ctx.Err(); err != nil {
			p.done <- settlement{err: classifyTransport(err)}
			continue
		}
		ex, err := c.retry(p.ctx, c.session.Token(), p.send)
		p.done <- settlement{ex: ex, err: err}
	}
}

func (c *Coordinator) retry(ctx context.Context, token string, send sender) (*exchange, error) {
	ex, err := send(ctx, token)
	if err != nil {
		return nil, err
	}
	ex.replayed = true
	if ex.status == http.StatusUnauthorized {
		return nil, ClassifyResponse(ex.status, ex.header, ex.body)
	}
	return ex, nil
}
