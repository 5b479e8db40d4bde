package session

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheetspend/sheetspend/internal/ledger"
)

// tokenExpiryMargin treats tokens this close to expiry as already expired,
// so in-flight remote calls never ride a credential about to lapse.
const tokenExpiryMargin = 60 * time.Second

// Snapshot is one consistent view across both storage scopes, so callers
// never interleave reads mid-decision.
type Snapshot struct {
	Token         string
	TokenExpired  bool
	SpreadsheetID string
	Records       []ledger.Record
	LoginHint     string
}

// Store owns all persisted session state. The access token and its expiry
// live in the tab scope (process memory, gone on restart or sign-out); the
// spreadsheet identity, cached records, login hint, refresh token and numeric
// sheet id live in the durable scope behind a Backend.
//
// Only the sync controller mutates the cached records; no other component
// performs persistence I/O.
type Store struct {
	mu      sync.Mutex
	backend Backend
	now     func() time.Time

	// tab scope
	token     string
	expiresAt time.Time

	// durable scope, loaded lazily
	loaded  bool
	durable persistedSession
}

type persistedSession struct {
	SpreadsheetID string         `json:"spreadsheetId,omitempty"`
	SheetID       *int64         `json:"sheetId,omitempty"`
	LoginHint     string         `json:"loginHint,omitempty"`
	RefreshToken  string         `json:"refreshToken,omitempty"`
	Records       []storedRecord `json:"records,omitempty"`
}

type storedRecord struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Category string `json:"category"`
	Amount   string `json:"amount"`
	Comment  string `json:"comment"`
}

func NewStore(backend Backend) *Store {
	if backend == nil {
		backend = NewInMemoryBackend()
	}
	return &Store{
		backend: backend,
		now:     time.Now,
	}
}

func (s *Store) SaveToken(token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expiresAt = expiresAt
}

func (s *Store) ClearToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

func (s *Store) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", false
	}
	return s.token, true
}

func (s *Store) TokenExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenExpiredLocked()
}

func (s *Store) tokenExpiredLocked() bool {
	if s.token == "" || s.expiresAt.IsZero() {
		return true
	}
	return !s.now().Add(tokenExpiryMargin).Before(s.expiresAt)
}

func (s *Store) SaveSpreadsheetID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadDurableLocked()
	s.durable.SpreadsheetID = id
	return s.saveDurableLocked()
}

func (s *Store) SpreadsheetID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadDurableLocked()
	if s.durable.SpreadsheetID == "" {
		return "", false
	}
	return s.durable.SpreadsheetID, true
}

func (s *Store) SaveSheetID(sheetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadDurableLocked()
	s.durable.SheetID = &sheetID
	return s.saveDurableLocked()
}

func (s *Store) SheetID() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadDurableLocked()
	if s.durable.SheetID == nil {
		return 0, false
	}
	return *s.durable.SheetID, true
}

func (s *Store) SaveLoginHint(hint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadDurableLocked()
	s.durable.LoginHint = hint
	return s.saveDurableLocked()
}

func (s *Store) LoginHint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadDurableLocked()
	return s.durable.LoginHint
}

func (s *Store) SaveRefreshToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadDurableLocked()
	s.durable.RefreshToken = token
	return s.saveDurableLocked()
}

func (s *Store) RefreshToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadDurableLocked()
	if s.durable.RefreshToken == "" {
		return "", false
	}
	return s.durable.RefreshToken, true
}

func (s *Store) SaveRecords(records []ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadDurableLocked()
	stored := make([]storedRecord, 0, len(records))
	for _, rec := range records {
		stored = append(stored, storedRecord{
			ID:       rec.ID,
			Date:     rec.Date,
			Category: rec.Category,
			Amount:   rec.Amount.String(),
			Comment:  rec.Comment,
		})
	}
	s.durable.Records = stored
	return s.saveDurableLocked()
}

// Records never fails: missing or malformed durable data yields an empty
// slice and individual unparsable entries are skipped.
func (s *Store) Records() []ledger.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadDurableLocked()
	return decodeRecordsLocked(s.durable.Records)
}

func decodeRecordsLocked(stored []storedRecord) []ledger.Record {
	records := make([]ledger.Record, 0, len(stored))
	for _, item := range stored {
		amount, err := decimal.NewFromString(item.Amount)
		if err != nil {
			continue
		}
		records = append(records, ledger.Record{
			ID:       item.ID,
			Date:     item.Date,
			Category: item.Category,
			Amount:   amount,
			Comment:  item.Comment,
		})
	}
	return records
}

// ClearAll wipes both scopes. Safe to call with nothing stored.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.loaded = true
	s.durable = persistedSession{}
	return s.saveDurableLocked()
}

func (s *Store) GetSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadDurableLocked()
	return Snapshot{
		Token:         s.token,
		TokenExpired:  s.tokenExpiredLocked(),
		SpreadsheetID: s.durable.SpreadsheetID,
		Records:       decodeRecordsLocked(s.durable.Records),
		LoginHint:     s.durable.LoginHint,
	}
}

func (s *Store) loadDurableLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	snapshot, err := s.backend.Load()
	if err != nil || snapshot == nil {
		s.durable = persistedSession{}
		return
	}
	s.durable = *snapshot
}

func (s *Store) saveDurableLocked() error {
	snapshot := s.durable
	return s.backend.Save(&snapshot)
}
