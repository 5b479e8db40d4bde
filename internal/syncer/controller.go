package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheetspend/sheetspend/internal/gauth"
	"github.com/sheetspend/sheetspend/internal/ledger"
	"github.com/sheetspend/sheetspend/internal/session"
	"github.com/sheetspend/sheetspend/internal/sheetstore"
)

type Status int

const (
	StatusUnknown Status = iota
	StatusRestoring
	StatusReady
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusRestoring:
		return "restoring"
	case StatusReady:
		return "ready"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

type TokenManager interface {
	WaitForToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
	SignIn(ctx context.Context) (string, error)
	SignOut(ctx context.Context)
}

type RemoteStore interface {
	ResolveStore(ctx context.Context, existingID string) (sheetstore.Resolved, error)
	LoadRecords(ctx context.Context, spreadsheetID string) ([]ledger.Record, error)
	AppendRecord(ctx context.Context, spreadsheetID string, rec ledger.Record) error
	DeleteRecord(ctx context.Context, spreadsheetID, recordID string, cachedSheetID *int64) (int64, bool, error)
}

type ProfileFetcher interface {
	Fetch(ctx context.Context, token string) (gauth.Profile, error)
}

// Notifier carries user-visible, dismissable failure notices. Nothing
// routed through it is fatal.
type Notifier interface {
	Notify(message string)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Draft struct {
	Date     string
	Category string
	Amount   decimal.Decimal
	Comment  string
}

type Options struct {
	Store    *session.Store
	Tokens   TokenManager
	Remote   RemoteStore
	Profiles ProfileFetcher
	Notifier Notifier
	Logger   Logger
	OnStatus func(Status)
}

// Controller orchestrates session restoration, reconciliation against the
// remote store and optimistic local mutation. It is the only writer of the
// cached record sequence; the remote store always wins on conflict but the
// cache is shown immediately.
type Controller struct {
	store    *session.Store
	tokens   TokenManager
	remote   RemoteStore
	profiles ProfileFetcher
	notifier Notifier
	logger   Logger
	onStatus func(Status)

	mu            sync.Mutex
	status        Status
	records       []ledger.Record
	profile       gauth.Profile
	profileLoaded bool
}

func NewController(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("token manager is required")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	return &Controller{
		store:    opts.Store,
		tokens:   opts.Tokens,
		remote:   opts.Remote,
		profiles: opts.Profiles,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		onStatus: opts.OnStatus,
		status:   StatusUnknown,
	}, nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Records() []ledger.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ledger.Record, len(c.records))
	copy(out, c.records)
	return out
}

func (c *Controller) Profile() (gauth.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile, c.profileLoaded
}

// Start restores the stored session. With no durable store identity the
// session is simply unauthenticated. Otherwise cached records become
// visible right away while a proactive silent refresh runs; even a
// locally-unexpired token may already be revoked server-side.
func (c *Controller) Start(ctx context.Context) error {
	snapshot := c.store.GetSnapshot()
	if snapshot.SpreadsheetID == "" {
		c.setStatus(StatusUnauthenticated)
		return nil
	}

	c.mu.Lock()
	c.records = snapshot.Records
	c.mu.Unlock()
	c.setStatus(StatusRestoring)

	token, err := c.tokens.Refresh(ctx)
	if err != nil {
		// An inactive session is the expected outcome here; the durable
		// store identity stays untouched for the next sign-in.
		if !errors.Is(err, gauth.ErrSilentFailure) {
			c.logf("session restore failed: %v", err)
		}
		c.setStatus(StatusUnauthenticated)
		return nil
	}
	return c.afterAuthorized(ctx, token)
}

// SignIn runs an interactive flow. A dismissed consent UI is surfaced
// softly, never as an error.
func (c *Controller) SignIn(ctx context.Context) error {
	token, err := c.tokens.SignIn(ctx)
	if err != nil {
		if errors.Is(err, gauth.ErrFlowDismissed) {
			c.notify("Sign-in was canceled.")
			return nil
		}
		return err
	}
	return c.afterAuthorized(ctx, token)
}

func (c *Controller) afterAuthorized(ctx context.Context, token string) error {
	c.fetchProfileOnce(ctx, token)

	storeID, ok := c.store.SpreadsheetID()
	if !ok {
		resolved, err := c.remote.ResolveStore(ctx, "")
		if err != nil {
			c.notify("Could not open your expense spreadsheet.")
			return fmt.Errorf("resolve store: %w", err)
		}
		if err := c.store.SaveSpreadsheetID(resolved.SpreadsheetID); err != nil {
			return fmt.Errorf("persist store identity: %w", err)
		}
		storeID = resolved.SpreadsheetID
	}

	if err := c.reconcile(ctx, storeID); err != nil {
		// The cached view stays usable; reconciliation is not retried.
		c.logf("reconciliation failed: %v", err)
		c.notify("Could not refresh your expenses.")
	}
	c.setStatus(StatusReady)
	return nil
}

// fetchProfileOnce loads the display profile once per sign-in. Failure is
// cosmetic and never fatal.
func (c *Controller) fetchProfileOnce(ctx context.Context, token string) {
	if c.profiles == nil {
		return
	}
	c.mu.Lock()
	loaded := c.profileLoaded
	c.mu.Unlock()
	if loaded {
		return
	}
	profile, err := c.profiles.Fetch(ctx, token)
	if err != nil {
		c.logf("profile fetch failed: %v", err)
		return
	}
	c.mu.Lock()
	c.profile = profile
	c.profileLoaded = true
	c.mu.Unlock()
	if profile.Email != "" {
		if err := c.store.SaveLoginHint(profile.Email); err != nil {
			c.logf("persisting login hint failed: %v", err)
		}
	}
}

// reconcile replaces the cache with the remote rows. An authorization
// failure self-heals with one silent refresh and one retry.
func (c *Controller) reconcile(ctx context.Context, storeID string) error {
	records, err := c.remote.LoadRecords(ctx, storeID)
	if err != nil && sheetstore.IsAuthError(err) {
		if healErr := c.healAuthorization(ctx); healErr != nil {
			return healErr
		}
		records, err = c.remote.LoadRecords(ctx, storeID)
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.records = records
	c.mu.Unlock()
	if err := c.store.SaveRecords(records); err != nil {
		return fmt.Errorf("persist records: %w", err)
	}
	return nil
}

func (c *Controller) healAuthorization(ctx context.Context) error {
	c.store.ClearToken()
	if _, err := c.tokens.Refresh(ctx); err != nil {
		return fmt.Errorf("re-authorization: %w", err)
	}
	return nil
}

// AddRecord validates the draft, applies it to the local cache first and
// only then confirms against the remote store. A remote failure is
// reported but the optimistic local entry is intentionally kept: the
// user's entry is never silently discarded.
func (c *Controller) AddRecord(ctx context.Context, draft Draft) (ledger.Record, error) {
	if draft.Date == "" {
		draft.Date = time.Now().Format(ledger.DateLayout)
	}
	rec := ledger.Record{
		ID:       ledger.NewID(),
		Date:     draft.Date,
		Category: draft.Category,
		Amount:   draft.Amount,
		Comment:  draft.Comment,
	}
	if err := rec.Validate(); err != nil {
		return ledger.Record{}, err
	}

	c.mu.Lock()
	c.records = append(c.records, rec)
	snapshot := make([]ledger.Record, len(c.records))
	copy(snapshot, c.records)
	c.mu.Unlock()
	if err := c.store.SaveRecords(snapshot); err != nil {
		c.logf("persisting cache failed: %v", err)
	}

	storeID, ok := c.store.SpreadsheetID()
	if !ok {
		c.notify("Expense kept locally; no spreadsheet is connected yet.")
		return rec, nil
	}
	err := c.remote.AppendRecord(ctx, storeID, rec)
	if err != nil && sheetstore.IsAuthError(err) {
		if healErr := c.healAuthorization(ctx); healErr == nil {
			err = c.remote.AppendRecord(ctx, storeID, rec)
		}
	}
	if err != nil {
		c.logf("remote append failed: %v", err)
		c.notify("Saving the expense to the spreadsheet failed. It is kept locally.")
	}
	return rec, nil
}

// RemoveRecord drops the record from the local cache immediately, then
// confirms the removal remotely. The record is not re-inserted on remote
// failure, and deleting an id the remote no longer has is a no-op.
func (c *Controller) RemoveRecord(ctx context.Context, id string) error {
	c.mu.Lock()
	kept := c.records[:0]
	for _, rec := range c.records {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	c.records = kept
	snapshot := make([]ledger.Record, len(c.records))
	copy(snapshot, c.records)
	c.mu.Unlock()
	if err := c.store.SaveRecords(snapshot); err != nil {
		c.logf("persisting cache failed: %v", err)
	}

	storeID, ok := c.store.SpreadsheetID()
	if !ok {
		return nil
	}
	var cachedSheetID *int64
	if sheetID, cached := c.store.SheetID(); cached {
		cachedSheetID = &sheetID
	}
	sheetID, _, err := c.remote.DeleteRecord(ctx, storeID, id, cachedSheetID)
	if err != nil && sheetstore.IsAuthError(err) {
		if healErr := c.healAuthorization(ctx); healErr == nil {
			sheetID, _, err = c.remote.DeleteRecord(ctx, storeID, id, cachedSheetID)
		}
	}
	if err != nil {
		c.logf("remote delete failed: %v", err)
		c.notify("Removing the expense from the spreadsheet failed.")
		return nil
	}
	if cachedSheetID == nil {
		if err := c.store.SaveSheetID(sheetID); err != nil {
			c.logf("caching sheet id failed: %v", err)
		}
	}
	return nil
}

// SignOut wipes every scope unconditionally.
func (c *Controller) SignOut(ctx context.Context) error {
	c.tokens.SignOut(ctx)
	if err := c.store.ClearAll(); err != nil {
		return err
	}
	c.mu.Lock()
	c.records = nil
	c.profile = gauth.Profile{}
	c.profileLoaded = false
	c.mu.Unlock()
	c.setStatus(StatusUnauthenticated)
	return nil
}

func (c *Controller) setStatus(status Status) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	hook := c.onStatus
	c.mu.Unlock()
	if changed && hook != nil {
		hook(status)
	}
}

func (c *Controller) notify(message string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(message)
}

func (c *Controller) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
