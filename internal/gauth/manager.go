package gauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

var (
	ErrNotReady      = errors.New("token client not initialized")
	ErrSilentFailure = errors.New("silent authorization failed")
	ErrFlowDismissed = errors.New("authorization dismissed")
	ErrFlowInFlight  = errors.New("authorization flow already in flight")
)

const defaultSilentTimeout = 5 * time.Second

const defaultRevokeURL = "https://oauth2.googleapis.com/revoke"

type FlowKind int

const (
	flowNone FlowKind = iota
	FlowInteractive
	FlowSilent
)

// TokenStore is the tab-scoped slice of the session store the manager needs.
type TokenStore interface {
	SaveToken(token string, expiresAt time.Time)
	ClearToken()
	Token() (string, bool)
	TokenExpired() bool
	LoginHint() string
}

type ManagerOptions struct {
	Store   TokenStore
	Factory ClientFactory
	Config  ClientConfig
	Logger  Logger
	// SilentTimeout bounds a silent flow whose provider never calls back.
	SilentTimeout time.Duration
	RevokeURL     string
	HTTPClient    *http.Client
	OnSignOut     func()
}

// Manager owns the provider token client and is the only path to a valid
// access token. Concurrent callers coalesce onto at most one in-flight
// refresh; every flow completion is routed according to the flow kind
// recorded when it started, so silent failures never surface as errors.
type Manager struct {
	mu            sync.Mutex
	store         TokenStore
	factory       ClientFactory
	config        ClientConfig
	logger        Logger
	silentTimeout time.Duration
	revokeURL     string
	httpClient    *http.Client
	onSignOut     func()
	now           func() time.Time

	client    TokenClient
	baseCtx   context.Context
	flow      FlowKind
	flowSeq   int
	fallback  *time.Timer
	waiters   []chan tokenResult
	expiresAt time.Time
}

type tokenResult struct {
	token string
	err   error
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("client factory is required")
	}
	silentTimeout := opts.SilentTimeout
	if silentTimeout <= 0 {
		silentTimeout = defaultSilentTimeout
	}
	revokeURL := opts.RevokeURL
	if revokeURL == "" {
		revokeURL = defaultRevokeURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Manager{
		store:         opts.Store,
		factory:       opts.Factory,
		config:        opts.Config,
		logger:        opts.Logger,
		silentTimeout: silentTimeout,
		revokeURL:     revokeURL,
		httpClient:    httpClient,
		onSignOut:     opts.OnSignOut,
		now:           time.Now,
		baseCtx:       context.Background(),
	}, nil
}

// Init performs provider discovery. No flow may start before it succeeds.
func (m *Manager) Init(ctx context.Context) error {
	client, err := m.factory(ctx, m.config)
	if err != nil {
		return fmt.Errorf("token client discovery: %w", err)
	}
	m.mu.Lock()
	m.client = client
	m.baseCtx = context.WithoutCancel(ctx)
	m.mu.Unlock()
	return nil
}

func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil
}

// WaitForToken resolves immediately when a live token is cached; otherwise
// the caller joins the waiter queue and at most one silent flow is started.
// All queued waiters settle together when that flow concludes.
func (m *Manager) WaitForToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.client == nil {
		m.mu.Unlock()
		return "", ErrNotReady
	}
	if token, ok := m.store.Token(); ok && !m.store.TokenExpired() {
		m.mu.Unlock()
		return token, nil
	}
	ch := m.enqueueWaiterLocked()
	if m.flow == flowNone {
		m.startFlowLocked(FlowSilent)
	}
	m.mu.Unlock()
	return awaitResult(ctx, ch)
}

// Refresh always starts (or joins) a silent flow, even when a cached token
// looks valid; the remote side may have revoked it.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.client == nil {
		m.mu.Unlock()
		return "", ErrNotReady
	}
	ch := m.enqueueWaiterLocked()
	if m.flow == flowNone {
		m.startFlowLocked(FlowSilent)
	}
	m.mu.Unlock()
	return awaitResult(ctx, ch)
}

// SignIn runs one interactive flow. A dismissed consent UI comes back as
// ErrFlowDismissed, which callers surface softly rather than as an error.
func (m *Manager) SignIn(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.client == nil {
		m.mu.Unlock()
		return "", ErrNotReady
	}
	if m.flow != flowNone {
		m.mu.Unlock()
		return "", ErrFlowInFlight
	}
	ch := m.enqueueWaiterLocked()
	m.startFlowLocked(FlowInteractive)
	m.mu.Unlock()
	return awaitResult(ctx, ch)
}

// SignOut revokes the current token best-effort, clears tab-scoped token
// state and fires the sign-out hook. Revocation failures never block local
// cleanup.
func (m *Manager) SignOut(ctx context.Context) {
	token, ok := m.store.Token()
	if ok {
		m.revoke(ctx, token)
	}
	m.store.ClearToken()
	m.mu.Lock()
	m.expiresAt = time.Time{}
	hook := m.onSignOut
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (m *Manager) enqueueWaiterLocked() chan tokenResult {
	ch := make(chan tokenResult, 1)
	m.waiters = append(m.waiters, ch)
	return ch
}

func awaitResult(ctx context.Context, ch chan tokenResult) (string, error) {
	select {
	case res := <-ch:
		return res.token, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) startFlowLocked(kind FlowKind) {
	m.flow = kind
	m.flowSeq++
	seq := m.flowSeq

	req := TokenRequest{Prompt: PromptConsent}
	if kind == FlowSilent {
		req = TokenRequest{Prompt: PromptNone, LoginHint: m.store.LoginHint()}
		m.fallback = time.AfterFunc(m.silentTimeout, func() {
			m.completeFlow(seq, TokenResponse{}, fmt.Errorf("%w: provider callback timeout", ErrSilentFailure))
		})
	}

	client := m.client
	ctx := m.baseCtx
	go client.RequestAccessToken(ctx, req,
		func(resp TokenResponse) { m.completeFlow(seq, resp, nil) },
		func(terr TokenError) { m.completeFlow(seq, TokenResponse{}, m.routeFlowError(kind, terr)) },
	)
}

// routeFlowError tags provider errors with the kind of the flow they ended:
// anything terminal on a silent flow degrades to ErrSilentFailure, and a
// benign dismissal of an interactive flow to ErrFlowDismissed.
func (m *Manager) routeFlowError(kind FlowKind, terr TokenError) error {
	if kind == FlowSilent {
		return fmt.Errorf("%w: %s", ErrSilentFailure, terr.Code)
	}
	if terr.Dismissal() {
		return fmt.Errorf("%w: %s", ErrFlowDismissed, terr.Code)
	}
	return terr
}

func (m *Manager) completeFlow(seq int, resp TokenResponse, err error) {
	m.mu.Lock()
	if m.flow == flowNone || seq != m.flowSeq {
		// Stale callback or fallback timer for an already-settled flow.
		m.mu.Unlock()
		return
	}
	if m.fallback != nil {
		m.fallback.Stop()
		m.fallback = nil
	}
	m.flow = flowNone
	waiters := m.waiters
	m.waiters = nil

	token := ""
	if err == nil {
		token = resp.AccessToken
		expiresAt := m.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		m.expiresAt = expiresAt
		m.store.SaveToken(token, expiresAt)
	}
	m.mu.Unlock()

	if err != nil && errors.Is(err, ErrSilentFailure) {
		m.logf("silent flow concluded without a session: %v", err)
	}
	for _, ch := range waiters {
		ch <- tokenResult{token: token, err: err}
	}
}

// Token bridges the manager into oauth2.TokenSource so SDK clients pull
// credentials through the same coalesced lifecycle.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.mu.Lock()
	ctx := m.baseCtx
	m.mu.Unlock()
	token, err := m.WaitForToken(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	expiresAt := m.expiresAt
	m.mu.Unlock()
	return &oauth2.Token{AccessToken: token, Expiry: expiresAt}, nil
}

func (m *Manager) revoke(ctx context.Context, token string) {
	endpoint := m.revokeURL + "?token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		m.logf("token revocation skipped: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logf("token revocation failed: %v", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.logf("token revocation returned status %d", resp.StatusCode)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
