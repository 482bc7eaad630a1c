package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"merchantd/taler"
)

// ErrShuttingDown is delivered to every waiter when the registry stops.
var ErrShuttingDown = errors.New("exchange registry shutting down")

const (
	backoffInitial   = time.Millisecond
	backoffLimit     = 60 * time.Second
	keysFetchTimeout = 30 * time.Second
)

// WireFeeError reports that an exchange publishes no fee for a wire method.
type WireFeeError struct {
	BaseURL string
	Method  string
}

func (e *WireFeeError) Error() string {
	return fmt.Sprintf("exchange %s publishes no wire fee for method %q", e.BaseURL, e.Method)
}

// TrustedExchange pins a configured master public key to an exchange.
type TrustedExchange struct {
	BaseURL   string
	MasterPub string
}

// FindResult is what a successful Find delivers: a live client, its current
// key set, the wire fee for the requested method, and whether the exchange's
// advertised master key matched the configured one.
type FindResult struct {
	Client  *Client
	Keys    *KeySet
	WireFee taler.Amount
	Trusted bool
}

type findReply struct {
	res FindResult
	err error
}

type findWaiter struct {
	method string
	ch     chan findReply
}

type sessionState int

const (
	statePending sessionState = iota
	stateReady
	stateFailed
)

// session is the registry's per-exchange state. All fields are guarded by
// the registry mutex.
type session struct {
	url       string
	client    *Client
	masterPub string
	pinned    bool

	state      sessionState
	trusted    bool
	keys       *KeySet
	delay      time.Duration
	fetching   bool
	retryArmed bool
	waiters    []*findWaiter
}

// Registry deduplicates exchange sessions by canonical base URL and hands
// out key sets to concurrent callers. Waiters on the same session are served
// in arrival order once the keys are ready.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	http    *http.Client
	logger  *slog.Logger
	masters map[string]string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry builds the registry and opens a session for every configured
// exchange so their keys are warm before the first payment arrives.
func NewRegistry(trusted []TrustedExchange, hc *http.Client, logger *slog.Logger) (*Registry, error) {
	if hc == nil {
		hc = &http.Client{Timeout: defaultRequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sessions: make(map[string]*session),
		http:     hc,
		logger:   logger.With(slog.String("component", "exchange_registry")),
		masters:  make(map[string]string, len(trusted)),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, t := range trusted {
		canon, err := CanonicalBaseURL(t.BaseURL)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("exchange %q: %w", t.BaseURL, err)
		}
		r.masters[canon] = t.MasterPub
	}

	r.mu.Lock()
	for canon := range r.masters {
		s := r.sessionLocked(canon)
		s.pinned = true
		r.ensureFetchLocked(s)
	}
	r.mu.Unlock()
	return r, nil
}

// CanonicalBaseURL lowercases scheme and host while preserving the path,
// including any trailing slash. Two URLs share a session only when their
// canonical forms are byte-identical.
func CanonicalBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse exchange URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("exchange URL %q is not absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}

// Find resolves the exchange at baseURL, blocking until its keys are ready,
// the context ends, or the registry shuts down. An empty wireMethod skips
// the wire fee lookup.
func (r *Registry) Find(ctx context.Context, baseURL, wireMethod string) (FindResult, error) {
	canon, err := CanonicalBaseURL(baseURL)
	if err != nil {
		return FindResult{}, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return FindResult{}, ErrShuttingDown
	}
	s := r.sessionLocked(canon)
	w := &findWaiter{method: wireMethod, ch: make(chan findReply, 1)}
	s.waiters = append(s.waiters, w)
	if s.state == stateReady && s.keys.Expired(time.Now()) {
		s.state = statePending
		s.keys = nil
	}
	if s.state == stateReady {
		r.flushLocked(s)
	} else {
		r.ensureFetchLocked(s)
	}
	r.mu.Unlock()

	select {
	case reply := <-w.ch:
		return reply.res, reply.err
	case <-ctx.Done():
		r.dropWaiter(canon, w)
		return FindResult{}, ctx.Err()
	}
}

// Shutdown stops all retry tasks and fails every queued waiter.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.cancel()
	for _, s := range r.sessions {
		for _, w := range s.waiters {
			w.ch <- findReply{err: ErrShuttingDown}
		}
		s.waiters = nil
	}
}

func (r *Registry) sessionLocked(canon string) *session {
	s := r.sessions[canon]
	if s == nil {
		s = &session{
			url:       canon,
			client:    NewClient(canon, r.http),
			masterPub: r.masters[canon],
			state:     statePending,
		}
		r.sessions[canon] = s
	}
	return s
}

func (r *Registry) ensureFetchLocked(s *session) {
	if s.fetching || s.retryArmed {
		return
	}
	s.fetching = true
	go r.fetch(s)
}

func (r *Registry) fetch(s *session) {
	ctx, cancel := context.WithTimeout(r.ctx, keysFetchTimeout)
	keys, err := s.client.Keys(ctx)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	s.fetching = false
	if r.closed {
		return
	}
	if err != nil {
		s.state = stateFailed
		s.delay = nextDelay(s.delay)
		r.logger.Warn("exchange keys fetch failed",
			slog.String("exchange", s.url),
			slog.Duration("retry_in", s.delay),
			slog.String("error", err.Error()))
		r.armRetryLocked(s)
		return
	}

	s.trusted = s.masterPub != "" && keys.MasterPub == s.masterPub
	if s.masterPub != "" && !s.trusted {
		r.logger.Warn("exchange advertises a different master key than configured",
			slog.String("exchange", s.url))
	}
	s.keys = keys
	s.state = stateReady
	r.logger.Info("exchange keys ready",
		slog.String("exchange", s.url),
		slog.Int("denominations", len(keys.Denoms)),
		slog.Bool("trusted", s.trusted))
	r.flushLocked(s)
}

func (r *Registry) armRetryLocked(s *session) {
	s.retryArmed = true
	delay := s.delay
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		s.retryArmed = false
		if r.closed {
			return
		}
		// Sessions opened on demand stop retrying once nobody waits;
		// configured exchanges are kept warm.
		if len(s.waiters) == 0 && !s.pinned {
			return
		}
		s.state = statePending
		r.ensureFetchLocked(s)
	}()
}

func (r *Registry) flushLocked(s *session) {
	now := time.Now()
	for _, w := range s.waiters {
		res := FindResult{Client: s.client, Keys: s.keys, Trusted: s.trusted}
		if w.method != "" {
			fee, ok := s.keys.WireFee(w.method, now)
			if !ok {
				w.ch <- findReply{err: &WireFeeError{BaseURL: s.url, Method: w.method}}
				continue
			}
			res.WireFee = fee
		}
		w.ch <- findReply{res: res}
	}
	s.waiters = nil
}

func (r *Registry) dropWaiter(canon string, w *findWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[canon]
	if s == nil {
		return
	}
	for i, queued := range s.waiters {
		if queued == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// nextDelay doubles the retry delay up to the cap and shaves off as much as
// a quarter so synchronized retries spread out. Never below the initial
// delay, never reset within a session.
func nextDelay(d time.Duration) time.Duration {
	if d <= 0 {
		d = backoffInitial
	} else {
		d *= 2
		if d > backoffLimit {
			d = backoffLimit
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	if d-jitter < backoffInitial {
		return backoffInitial
	}
	return d - jitter
}
