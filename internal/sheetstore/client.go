package sheetstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/sheetspend/sheetspend/internal/ledger"
)

const (
	// DefaultSpreadsheetTitle is the exact display name the resolver
	// searches for and creates. At most one store per account ever
	// carries it.
	DefaultSpreadsheetTitle = "Sheetspend Expenses"

	sheetTitle  = "Expenses"
	headerRange = sheetTitle + "!A1:E1"
	readWindow  = sheetTitle + "!A2:E10000"
	idColumn    = sheetTitle + "!A2:A10000"
	appendRange = sheetTitle + "!A:E"
)

// Scopes lists the delegated permissions the tracker needs: spreadsheet
// read/write, file-scoped drive access for the name search, and the
// profile/email claims for the display profile.
func Scopes() []string {
	return []string{
		sheets.SpreadsheetsScope,
		drive.DriveFileScope,
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/userinfo.email",
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// TokenSource feeds every request; in production it is the token
	// lifecycle manager.
	TokenSource oauth2.TokenSource
	// HTTPClient bypasses TokenSource entirely; used by tests.
	HTTPClient *http.Client
	// Endpoint overrides both API base URLs; used by tests.
	Endpoint         string
	SpreadsheetTitle string
	Logger           Logger
}

// Client is the stateless request surface against the spreadsheet store.
// It never touches local persistence; callers own all caching.
type Client struct {
	sheets *sheets.Service
	drive  *drive.Service
	title  string
	logger Logger
}

type Resolved struct {
	SpreadsheetID string
	Created       bool
}

func New(ctx context.Context, opts Options) (*Client, error) {
	var clientOpts []option.ClientOption
	switch {
	case opts.HTTPClient != nil:
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	case opts.TokenSource != nil:
		clientOpts = append(clientOpts, option.WithTokenSource(opts.TokenSource))
	default:
		return nil, fmt.Errorf("token source is required")
	}
	sheetsOpts := clientOpts
	driveOpts := clientOpts
	if opts.Endpoint != "" {
		sheetsOpts = append(sheetsOpts, option.WithEndpoint(opts.Endpoint))
		// The drive client strips its conventional base path when the
		// endpoint is overridden; restore it so both services can share
		// one endpoint.
		driveOpts = append(driveOpts, option.WithEndpoint(strings.TrimSuffix(opts.Endpoint, "/")+"/drive/v3/"))
	}
	sheetsService, err := sheets.NewService(ctx, sheetsOpts...)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	driveService, err := drive.NewService(ctx, driveOpts...)
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	title := strings.TrimSpace(opts.SpreadsheetTitle)
	if title == "" {
		title = DefaultSpreadsheetTitle
	}
	return &Client{
		sheets: sheetsService,
		drive:  driveService,
		title:  title,
		logger: opts.Logger,
	}, nil
}

// ResolveStore finds or creates the account's single expense spreadsheet:
// verify the remembered id, else search by exact display name, else create
// a fresh store with the fixed header row.
func (c *Client) ResolveStore(ctx context.Context, existingID string) (Resolved, error) {
	existingID = strings.TrimSpace(existingID)
	if existingID != "" {
		_, err := c.sheets.Spreadsheets.Get(existingID).Fields("spreadsheetId").Context(ctx).Do()
		if err == nil {
			return Resolved{SpreadsheetID: existingID}, nil
		}
		if !isNotFound(err) {
			return Resolved{}, fmt.Errorf("verify spreadsheet %s: %w", existingID, err)
		}
		c.logf("stored spreadsheet %s is gone; searching by name", existingID)
	}

	query := fmt.Sprintf("name = '%s' and mimeType = 'application/vnd.google-apps.spreadsheet' and trashed = false",
		strings.ReplaceAll(c.title, "'", `\'`))
	found, err := c.drive.Files.List().Q(query).Fields("files(id, name)").PageSize(10).Context(ctx).Do()
	if err != nil {
		return Resolved{}, fmt.Errorf("search for spreadsheet: %w", err)
	}
	for _, file := range found.Files {
		if file.Name == c.title {
			return Resolved{SpreadsheetID: file.Id}, nil
		}
	}

	created, err := c.sheets.Spreadsheets.Create(&sheets.Spreadsheet{
		Properties: &sheets.SpreadsheetProperties{Title: c.title},
		Sheets: []*sheets.Sheet{
			{Properties: &sheets.SheetProperties{Title: sheetTitle}},
		},
	}).Context(ctx).Do()
	if err != nil {
		return Resolved{}, fmt.Errorf("create spreadsheet: %w", err)
	}
	header := &sheets.ValueRange{Values: [][]any{ledger.Header()}}
	_, err = c.sheets.Spreadsheets.Values.Update(created.SpreadsheetId, headerRange, header).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return Resolved{}, fmt.Errorf("write header row: %w", err)
	}
	return Resolved{SpreadsheetID: created.SpreadsheetId, Created: true}, nil
}

// LoadRecords bulk-reads the fixed row window. Rows failing validation are
// dropped silently; rows without an id get a fresh one.
func (c *Client) LoadRecords(ctx context.Context, spreadsheetID string) ([]ledger.Record, error) {
	resp, err := c.sheets.Spreadsheets.Values.Get(spreadsheetID, readWindow).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", readWindow, err)
	}
	records := make([]ledger.Record, 0, len(resp.Values))
	dropped := 0
	for _, row := range resp.Values {
		rec, ok := ledger.FromRow(row)
		if !ok {
			dropped++
			continue
		}
		records = append(records, rec)
	}
	if dropped > 0 {
		c.logf("dropped %d malformed rows while loading %s", dropped, spreadsheetID)
	}
	return records, nil
}

// AppendRecord appends one row at the end of the column range. The caller's
// id travels with the row; the store assigns none.
func (c *Client) AppendRecord(ctx context.Context, spreadsheetID string, rec ledger.Record) error {
	values := &sheets.ValueRange{Values: [][]any{rec.Row()}}
	_, err := c.sheets.Spreadsheets.Values.Append(spreadsheetID, appendRange, values).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append to %s: %w", spreadsheetID, err)
	}
	return nil
}

// SheetID fetches the numeric id of the expenses sheet. It is immutable
// for the lifetime of a store, so callers cache it.
func (c *Client) SheetID(ctx context.Context, spreadsheetID string) (int64, error) {
	meta, err := c.sheets.Spreadsheets.Get(spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("spreadsheet metadata: %w", err)
	}
	for _, sheet := range meta.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == sheetTitle {
			return sheet.Properties.SheetId, nil
		}
	}
	if len(meta.Sheets) > 0 && meta.Sheets[0].Properties != nil {
		return meta.Sheets[0].Properties.SheetId, nil
	}
	return 0, fmt.Errorf("spreadsheet %s has no sheets", spreadsheetID)
}

// DeleteRecord removes the row holding the record id. Two phases: locate
// the zero-based row offset through the identity column (correcting for
// the header row), then issue a positional delete. The identity read and
// the metadata fetch run concurrently when no cached sheet id is supplied.
// A missing id is a no-op; it may already be gone from a previous attempt.
func (c *Client) DeleteRecord(ctx context.Context, spreadsheetID, recordID string, cachedSheetID *int64) (sheetID int64, deleted bool, err error) {
	type sheetIDResult struct {
		id  int64
		err error
	}
	var sheetIDCh chan sheetIDResult
	if cachedSheetID == nil {
		sheetIDCh = make(chan sheetIDResult, 1)
		go func() {
			id, fetchErr := c.SheetID(ctx, spreadsheetID)
			sheetIDCh <- sheetIDResult{id: id, err: fetchErr}
		}()
	}

	ids, err := c.sheets.Spreadsheets.Values.Get(spreadsheetID, idColumn).Context(ctx).Do()
	if err != nil {
		if sheetIDCh != nil {
			<-sheetIDCh
		}
		return 0, false, fmt.Errorf("read identity column: %w", err)
	}
	rowOffset := -1
	for i, row := range ids.Values {
		if len(row) > 0 && strings.TrimSpace(fmt.Sprint(row[0])) == recordID {
			rowOffset = i + 1 // header row
			break
		}
	}

	if cachedSheetID != nil {
		sheetID = *cachedSheetID
	} else {
		result := <-sheetIDCh
		if result.err != nil {
			return 0, false, result.err
		}
		sheetID = result.id
	}

	if rowOffset < 0 {
		return sheetID, false, nil
	}

	_, err = c.sheets.Spreadsheets.BatchUpdate(spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			DeleteDimension: &sheets.DeleteDimensionRequest{
				Range: &sheets.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "ROWS",
					StartIndex: int64(rowOffset),
					EndIndex:   int64(rowOffset + 1),
				},
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return sheetID, false, fmt.Errorf("delete row %d: %w", rowOffset, err)
	}
	return sheetID, true, nil
}

// IsAuthError reports whether the remote call failed for authorization
// reasons, which callers self-heal with a silent refresh.
func IsAuthError(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden
	}
	return false
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
