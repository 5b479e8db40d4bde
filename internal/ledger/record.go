package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrUnknownCategory = errors.New("unknown category")
	ErrInvalidDate     = errors.New("invalid date")
)

const DateLayout = "2006-01-02"

// Record is one expense entry. Identity is assigned client-side at creation
// and never reused; the remote sheet stores it verbatim.
type Record struct {
	ID       string          `json:"id"`
	Date     string          `json:"date"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Comment  string          `json:"comment"`
}

var categories = []string{
	"food",
	"transport",
	"housing",
	"health",
	"leisure",
	"other",
}

func Categories() []string {
	out := make([]string, len(categories))
	copy(out, categories)
	return out
}

func KnownCategory(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, c := range categories {
		if c == tag {
			return true
		}
	}
	return false
}

func NewID() string {
	return uuid.NewString()
}

func (r Record) Validate() error {
	if !r.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !KnownCategory(r.Category) {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, r.Category)
	}
	if _, err := time.Parse(DateLayout, strings.TrimSpace(r.Date)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, r.Date)
	}
	return nil
}

// Header is the fixed first row of the expenses sheet.
func Header() []any {
	return []any{"ID", "Date", "Category", "Amount", "Comment"}
}

// Row renders the record as a sheet row in header column order.
func (r Record) Row() []any {
	return []any{r.ID, r.Date, r.Category, r.Amount.StringFixed(2), r.Comment}
}

// FromRow parses a sheet row back into a Record. Rows whose amount is
// unparsable or non-positive are rejected; a blank id cell gets a fresh
// identity so the row stays addressable for deletes.
func FromRow(row []any) (Record, bool) {
	if len(row) < 4 {
		return Record{}, false
	}
	amount, err := ParseAmount(cell(row, 3))
	if err != nil || !amount.IsPositive() {
		return Record{}, false
	}
	rec := Record{
		ID:       cell(row, 0),
		Date:     cell(row, 1),
		Category: cell(row, 2),
		Amount:   amount,
		Comment:  cell(row, 4),
	}
	if rec.ID == "" {
		rec.ID = NewID()
	}
	return rec, true
}

// ParseAmount accepts both dot and comma decimal separators, since the
// sheet service localizes user-entered values.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	raw = strings.ReplaceAll(raw, ",", ".")
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return amount, nil
}

func cell(row []any, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[idx]))
}
