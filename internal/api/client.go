// Package api is the single chokepoint for calls to the studio service.
// It owns the session token, coordinates token refresh, caches idempotent
// reads and classifies every failure.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basecamp/studio-cli/internal/auth"
	"github.com/basecamp/studio-cli/internal/config"
	"github.com/basecamp/studio-cli/internal/hostutil"
	"github.com/basecamp/studio-cli/internal/keys"
	"github.com/basecamp/studio-cli/internal/notify"
	"github.com/basecamp/studio-cli/internal/observability"
	"github.com/basecamp/studio-cli/internal/output"
	"github.com/basecamp/studio-cli/internal/resilience"
	"github.com/basecamp/studio-cli/internal/version"
)

// maxPages bounds GetAll against a server that never stops paginating.
const maxPages = 1000

// Platform key headers attached when Options.Provider is set.
const (
	HeaderPlatformKey      = "X-Platform-Key"
	HeaderPlatformProvider = "X-Platform-Provider"
)

// Response wraps an API response.
type Response struct {
	Data       json.RawMessage
	StatusCode int
	Headers    http.Header
	FromCache  bool
	Replayed   bool // answered after a token refresh
}

// UnmarshalData unmarshals the response data into the given value.
func (r *Response) UnmarshalData(v any) error {
	return json.Unmarshal(r.Data, v)
}

func (r *Response) clone() *Response {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Data = bytes.Clone(r.Data)
	cp.Headers = r.Headers.Clone()
	return &cp
}

// CacheDirective controls whether a call may be answered from the cache.
type CacheDirective int

const (
	// CacheAuto caches GET requests to the configured cacheable routes.
	CacheAuto CacheDirective = iota
	// CacheOn declares the call an idempotent read, whatever its method.
	CacheOn
	// CacheOff never reads or writes the cache.
	CacheOff
)

// Options describes one call.
type Options struct {
	Method   string
	Header   http.Header
	Body     any // []byte, string, json.RawMessage or a value to encode as JSON
	Cache    CacheDirective
	CacheTTL time.Duration // 0 uses the cache default
	Provider string        // attach the active platform key for this provider
	Identity string        // cache identity; defaults to the session's
}

// RequestHook rewrites options before a call is sent. Hooks run in
// registration order and cannot short-circuit the call.
type RequestHook func(ctx context.Context, address string, opts *Options)

// KeySource supplies platform keys. keys.Registry implements it.
type KeySource interface {
	Active(provider string) (keys.Record, bool)
}

// Client is the network-access layer.
type Client struct {
	cfg          *config.Config
	auth         *auth.Manager
	httpClient   *http.Client
	streamClient *http.Client
	store        CredentialStore
	session      *Session
	cache        *Cache
	coordinator  *Coordinator
	keys         KeySource
	gate         *resilience.Gate
	sink         notify.Sink
	bus          *observability.Bus
	logger       *slog.Logger
	cacheClock   func() time.Time

	hooksMu sync.RWMutex
	hooks   []RequestHook
}

// Option configures a Client.
type Option func(*Client)

// WithCredentialStore persists the session in store.
func WithCredentialStore(store CredentialStore) Option {
	return func(c *Client) { c.store = store }
}

// WithHTTPClient replaces the HTTP client. Streams use a copy without a
// client-wide timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSink routes failure notifications to sink.
func WithSink(sink notify.Sink) Option {
	return func(c *Client) { c.sink = sink }
}

// WithBus publishes request and refresh events on bus.
func WithBus(bus *observability.Bus) Option {
	return func(c *Client) { c.bus = bus }
}

// WithKeys supplies platform keys for Options.Provider.
func WithKeys(ks KeySource) Option {
	return func(c *Client) { c.keys = ks }
}

// WithLogger sets the debug logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithCacheClock replaces the cache's time source.
func WithCacheClock(now func() time.Time) Option {
	return func(c *Client) { c.cacheClock = now }
}

// WithGate consults gate before each request and feeds outcomes back to it.
func WithGate(gate *resilience.Gate) Option {
	return func(c *Client) { c.gate = gate }
}

// NewClient creates a client for cfg. authMgr may be nil, in which case one
// is built over the client's HTTP client.
func NewClient(cfg *config.Config, authMgr *auth.Manager, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		auth:   authMgr,
		sink:   notify.Discard{},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	sc := *c.httpClient
	sc.Timeout = 0
	c.streamClient = &sc

	if c.auth == nil {
		c.auth = auth.NewManager(cfg, c.httpClient)
	}

	c.session = NewSession(c.store, config.NormalizeBaseURL(cfg.BaseURL))
	if err := c.session.Load(); err != nil {
		c.logger.Warn("stored session unreadable", "error", err)
	}
	if c.session.Token() == "" {
		if tok := auth.EnvToken(); tok != "" {
			c.session.adopt(auth.Credentials{Token: tok})
		}
	}

	c.cache = c.newCache()
	c.coordinator = c.newCoordinator()
	return c
}

func (c *Client) newCache() *Cache {
	var opts []CacheOption
	if c.cacheClock != nil {
		opts = append(opts, WithClock(c.cacheClock))
	}
	return NewCache(c.cfg.CacheCapacity, c.cfg.CacheTTL, opts...)
}

func (c *Client) newCoordinator() *Coordinator {
	co := NewCoordinator(c.session, c.refresh, c.cfg.RefreshTimeout, func(*output.Error) {
		c.sink.Notify("Your session has expired. Run: studio auth login", notify.Error)
	})
	co.bus = c.bus
	co.logger = c.logger
	return co
}

// SetLogger replaces the debug logger after construction.
func (c *Client) SetLogger(logger *slog.Logger) {
	c.logger = logger
	c.coordinator.logger = logger
}

// SetSink replaces the notification sink after construction.
func (c *Client) SetSink(sink notify.Sink) {
	c.sink = sink
}

// Session returns the session owner.
func (c *Client) Session() *Session { return c.session }

// Cache returns the response cache.
func (c *Client) Cache() *Cache { return c.cache }

// Coordinator returns the refresh coordinator.
func (c *Client) Coordinator() *Coordinator { return c.coordinator }

// Use registers a pre-processing hook.
func (c *Client) Use(hook RequestHook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// ResolveURL resolves address against the configured base URL. Absolute
// addresses are returned unchanged.
func (c *Client) ResolveURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return address
	}
	if !strings.HasPrefix(address, "/") {
		address = "/" + address
	}
	return config.NormalizeBaseURL(c.cfg.BaseURL) + address
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, path, Options{Method: http.MethodGet})
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, path, Options{Method: http.MethodPost, Body: body})
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, path, Options{Method: http.MethodPut, Body: body})
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, path, Options{Method: http.MethodDelete})
}

// GetJSON performs a GET request and decodes the response into v.
func (c *Client) GetJSON(ctx context.Context, path string, v any) error {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := resp.UnmarshalData(v); err != nil {
		return output.ErrParse("Response did not match the expected shape", err)
	}
	return nil
}

// GetAll fetches all pages for a paginated resource, following Link
// rel="next" headers.
func (c *Client) GetAll(ctx context.Context, path string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	next := path
	page := 0

	for page = 1; page <= maxPages && next != ""; page++ {
		resp, err := c.Get(ctx, next)
		if err != nil {
			return nil, err
		}
		var items []json.RawMessage
		if err := resp.UnmarshalData(&items); err != nil {
			return nil, output.ErrParse("Expected a JSON array", err)
		}
		all = append(all, items...)
		next = parseNextLink(resp.Headers.Get("Link"))
	}

	if page > maxPages && next != "" {
		c.logger.Warn("pagination capped; results may be incomplete", "pages", maxPages)
	}
	return all, nil
}

// Do performs one call. Every failure is returned as an *output.Error and
// reported to the notification sink.
func (c *Client) Do(ctx context.Context, address string, opts Options) (*Response, error) {
	resolved, opts := c.prepare(ctx, address, opts)

	id := newCorrelationID()
	c.bus.Emit(observability.Event{Type: observability.RequestStarted, ID: id, Method: opts.Method, URL: resolved})
	start := time.Now()

	resp, err := c.do(ctx, resolved, &opts)
	if err != nil {
		return nil, c.failed(id, opts.Method, resolved, start, err)
	}

	c.bus.Emit(observability.Event{
		Type:       observability.RequestEnded,
		ID:         id,
		Method:     opts.Method,
		URL:        resolved,
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start),
		FromCache:  resp.FromCache,
		Replayed:   resp.Replayed,
	})
	return resp, nil
}

// prepare resolves the address, normalizes the method and runs hooks.
func (c *Client) prepare(ctx context.Context, address string, opts Options) (string, Options) {
	resolved := c.ResolveURL(address)

	c.hooksMu.RLock()
	hooks := make([]RequestHook, len(c.hooks))
	copy(hooks, c.hooks)
	c.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, resolved, &opts)
	}

	opts.Method = strings.ToUpper(opts.Method)
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	return resolved, opts
}

func (c *Client) failed(id, method, address string, start time.Time, err error) *output.Error {
	e := c.emitFailed(id, method, address, start, err)

	var re *refreshError
	if !errors.As(e, &re) {
		c.sink.Notify(e.Message, notify.ForError(e))
	}
	return e
}

// emitFailed publishes request_failed without notifying.
func (c *Client) emitFailed(id, method, address string, start time.Time, err error) *output.Error {
	e := output.AsError(err)
	c.bus.Emit(observability.Event{
		Type:       observability.RequestFailed,
		ID:         id,
		Method:     method,
		URL:        address,
		StatusCode: e.HTTPStatus,
		Duration:   time.Since(start),
		Err:        e,
	})
	return e
}

func (c *Client) do(ctx context.Context, address string, opts *Options) (*Response, error) {
	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, output.ErrUsage(fmt.Sprintf("Request body could not be encoded: %v", err))
	}

	var cacheKey string
	if c.cacheable(address, opts) {
		identity := opts.Identity
		if identity == "" {
			identity = c.session.Identity()
		}
		cacheKey = c.cache.Key(opts.Method, address, body, identity)
		if entry, ok := c.cache.Lookup(cacheKey); ok {
			c.logger.Debug("cache hit", "method", opts.Method, "url", address)
			entry.Payload.FromCache = true
			entry.Payload.Replayed = false
			return entry.Payload, nil
		}
	}

	ex, err := c.exchange(ctx, address, opts, body, c.httpClient, false)
	if err != nil {
		return nil, err
	}

	resp, err := decodeExchange(ex)
	if err != nil {
		return nil, err
	}
	if cacheKey != "" {
		if resp.Replayed && opts.Identity == "" {
			// The refresh may have changed the identity the key was built for.
			cacheKey = c.cache.Key(opts.Method, address, body, c.session.Identity())
		}
		c.cache.Store(cacheKey, resp, opts.CacheTTL)
	}
	return resp, nil
}

// exchange sends the request and, on 401, hands it to the coordinator.
// It returns only 2xx exchanges; everything else is a classified error.
func (c *Client) exchange(ctx context.Context, address string, opts *Options, body []byte, hc *http.Client, stream bool) (*exchange, error) {
	if err := c.allow(); err != nil {
		return nil, err
	}

	send := c.sender(address, opts, body, hc, stream)
	token := ""
	if c.bearerApplies(address, opts) {
		token = c.session.Token()
	}

	ex, err := send(ctx, token)
	if err != nil {
		return nil, err
	}
	if ex.status == http.StatusUnauthorized && token != "" {
		ex, err = c.coordinator.Recover(ctx, address, token, send)
		if err != nil {
			return nil, err
		}
	}
	if ex.status < 200 || ex.status >= 300 {
		return nil, ClassifyResponse(ex.status, ex.header, ex.body)
	}
	return ex, nil
}

func (c *Client) allow() error {
	if c.gate == nil {
		return nil
	}
	err := c.gate.Allow()
	if err == nil {
		return nil
	}

	var rl *resilience.RateLimitedError
	if errors.As(err, &rl) {
		return output.ErrRateLimit("Rate limited by the service", int(rl.RetryAfter.Round(time.Second).Seconds()))
	}
	e := output.ErrNetwork(err)
	e.Message = "Service unavailable after repeated failures"
	e.Hint = "Requests are paused briefly; try again in a moment"
	return e
}

// sender builds the single-attempt function the coordinator can replay.
// Non-2xx bodies are always read in full; 2xx stream bodies are left open.
func (c *Client) sender(address string, opts *Options, body []byte, hc *http.Client, stream bool) sender {
	return func(ctx context.Context, token string) (*exchange, error) {
		var reader io.Reader
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, opts.Method, address, reader)
		if err != nil {
			return nil, output.ErrUsage(fmt.Sprintf("Invalid request: %v", err))
		}
		c.applyHeaders(req, opts, token)

		c.logger.Debug("sending request", "method", opts.Method, "url", address, "bearer", token != "")
		start := time.Now()
		resp, err := hc.Do(req)
		if err != nil {
			c.record(0, nil, err)
			return nil, classifyTransport(err)
		}
		c.record(resp.StatusCode, resp.Header, nil)

		ex := &exchange{status: resp.StatusCode, header: resp.Header}
		if stream && ex.status >= 200 && ex.status < 300 {
			ex.stream = resp.Body
			ex.duration = time.Since(start)
			return ex, nil
		}

		defer resp.Body.Close()
		ex.body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, classifyTransport(err)
		}
		ex.duration = time.Since(start)
		return ex, nil
	}
}

func (c *Client) applyHeaders(req *http.Request, opts *Options, token string) {
	h := req.Header
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("User-Agent", version.UserAgent())

	if opts.Provider != "" && c.keys != nil {
		if rec, ok := c.keys.Active(opts.Provider); ok {
			h.Set(HeaderPlatformKey, rec.Key)
			h.Set(HeaderPlatformProvider, rec.Provider)
		} else {
			c.logger.Debug("no active platform key", "provider", opts.Provider)
		}
	}

	for name, values := range opts.Header {
		h.Del(name)
		for _, v := range values {
			h.Add(name, v)
		}
	}

	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

// record feeds the outcome of one attempt to the resilience gate.
func (c *Client) record(status int, header http.Header, err error) {
	if c.gate == nil {
		return
	}
	o := resilience.Outcome{StatusCode: status}
	if err != nil {
		o.Network = !errors.Is(err, context.Canceled)
	}
	if header != nil {
		o.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	c.gate.Record(o)
}

// bearerApplies reports whether the session token may be sent to address:
// only on the configured origin, under the API prefix, and only when the
// caller did not supply its own Authorization header.
func (c *Client) bearerApplies(address string, opts *Options) bool {
	if opts.Header.Get("Authorization") != "" {
		return false
	}
	if !hostutil.SameOrigin(address, c.cfg.BaseURL) {
		return false
	}
	u, err := url.Parse(address)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, c.cfg.APIPrefix)
}

func (c *Client) cacheable(address string, opts *Options) bool {
	if !c.cfg.CacheEnabled {
		return false
	}
	switch opts.Cache {
	case CacheOff:
		return false
	case CacheOn:
		return true
	}

	if opts.Method != http.MethodGet || !hostutil.SameOrigin(address, c.cfg.BaseURL) {
		return false
	}
	u, err := url.Parse(address)
	if err != nil {
		return false
	}
	for _, prefix := range c.cfg.CacheRoutes {
		if prefix != "" && strings.HasPrefix(u.Path, prefix) {
			return true
		}
	}
	return false
}

// decodeExchange turns a 2xx exchange into a Response, rejecting bodies
// that declare JSON but are not.
func decodeExchange(ex *exchange) (*Response, error) {
	if declaresJSON(ex.header) && len(bytes.TrimSpace(ex.body)) > 0 && !json.Valid(ex.body) {
		return nil, Classify(ex.status, ex.body, errors.New("invalid JSON in response body"))
	}
	return &Response{
		Data:       ex.body,
		StatusCode: ex.status,
		Headers:    ex.header,
		Replayed:   ex.replayed,
	}, nil
}

func declaresJSON(h http.Header) bool {
	ct := h.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}

// Login authenticates and installs the new session. The response cache is
// cleared because cached entries belong to the previous identity.
func (c *Client) Login(ctx context.Context, username, password string) (*auth.Credentials, error) {
	address := c.ResolveURL(c.cfg.LoginPath)
	id := newCorrelationID()
	c.bus.Emit(observability.Event{Type: observability.RequestStarted, ID: id, Method: http.MethodPost, URL: address})
	start := time.Now()

	creds, err := c.auth.Login(ctx, username, password)
	if err != nil {
		return nil, c.failed(id, http.MethodPost, address, start, classifyAuthError(err))
	}
	c.bus.Emit(observability.Event{
		Type:       observability.RequestEnded,
		ID:         id,
		Method:     http.MethodPost,
		URL:        address,
		StatusCode: http.StatusOK,
		Duration:   time.Since(start),
	})

	c.cache.Clear()
	if err := c.session.Set(*creds); err != nil {
		c.logger.Warn("session could not be persisted", "error", err)
		c.sink.Notify("Signed in, but the session could not be saved", notify.Warning)
		return creds, nil
	}
	c.sink.Notify("Signed in", notify.Success)
	return creds, nil
}

// Logout clears the session, its stored entry and the response cache.
func (c *Client) Logout() error {
	c.cache.Clear()
	if err := c.session.Clear(); err != nil {
		return err
	}
	c.sink.Notify("Signed out", notify.Info)
	return nil
}

// RefreshSession forces a token refresh through the coordinator.
func (c *Client) RefreshSession(ctx context.Context) error {
	return c.coordinator.Refresh(ctx)
}

// Reset drops session-scoped state in memory: the token and the cache
// contents. Stored credentials are left alone. A refresh already in flight
// still settles the requests queued behind it. Safe to call while requests
// are running.
func (c *Client) Reset() {
	c.session.reset()
	c.cache.Clear()
}

// refresh adapts the authenticator to the coordinator, classifying errors.
func (c *Client) refresh(ctx context.Context, token string) (*auth.Credentials, error) {
	creds, err := c.auth.Refresh(ctx, token)
	if err != nil {
		return nil, classifyAuthError(err)
	}
	return creds, nil
}

func classifyAuthError(err error) *output.Error {
	var httpErr *auth.HTTPError
	if errors.As(err, &httpErr) {
		return ClassifyResponse(httpErr.StatusCode, httpErr.Header, httpErr.Body)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return classifyTransport(err)
	}
	return output.ErrParse(err.Error(), err)
}

func newCorrelationID() string {
	return uuid.NewString()
}

// parseNextLink extracts the next URL from a Link header.
// Example: <https://...?page=2>; rel="next", <https://...?page=5>; rel="last"
func parseNextLink(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}

	for part := range strings.SplitSeq(linkHeader, ",") {
		part = strings.TrimSpace(part)
		if strings.Contains(part, `rel="next"`) {
			start := strings.Index(part, "<")
			end := strings.Index(part, ">")
			if start >= 0 && end > start {
				return part[start+1 : end]
			}
		}
	}

	return ""
}
