package sheetstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"google.golang.org/api/sheets/v4"

	"github.com/sheetspend/sheetspend/internal/ledger"
)

// fakeGoogle serves just enough of the sheets and drive REST surfaces for
// the client under test; both services share one endpoint.
type fakeGoogle struct {
	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	hits   map[string]int
}

func newFakeGoogle() *fakeGoogle {
	return &fakeGoogle{
		routes: map[string]http.HandlerFunc{},
		hits:   map[string]int{},
	}
}

func (f *fakeGoogle) handle(method, pathSuffix string, handler http.HandlerFunc) {
	f.routes[method+" "+pathSuffix] = handler
}

func (f *fakeGoogle) hitCount(method, pathSuffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[method+" "+pathSuffix]
}

func (f *fakeGoogle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for key, handler := range f.routes {
		parts := strings.SplitN(key, " ", 2)
		if r.Method == parts[0] && strings.HasSuffix(r.URL.Path, parts[1]) {
			f.mu.Lock()
			f.hits[key]++
			f.mu.Unlock()
			handler(w, r)
			return
		}
	}
	http.Error(w, "unexpected request "+r.Method+" "+r.URL.Path, http.StatusTeapot)
}

func newTestClient(t *testing.T, fake *fakeGoogle) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	client, err := New(context.Background(), Options{
		HTTPClient: server.Client(),
		Endpoint:   server.URL + "/",
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	return client, server
}

func writeJSON(t *testing.T, w http.ResponseWriter, payload string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte(payload)); err != nil {
		t.Errorf("write response failed: %v", err)
	}
}

func writeAPIError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
	_, _ = w.Write(body)
}

func TestResolveStoreVerifiesRememberedID(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodGet, "/v4/spreadsheets/S1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"spreadsheetId":"S1"}`)
	})
	client, _ := newTestClient(t, fake)

	resolved, err := client.ResolveStore(context.Background(), "S1")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.SpreadsheetID != "S1" || resolved.Created {
		t.Fatalf("expected verified S1, got %+v", resolved)
	}
	if fake.hitCount(http.MethodGet, "/drive/v3/files") != 0 {
		t.Fatalf("verification success must not search drive")
	}
}

func TestResolveStoreAdoptsSearchResultWhenRememberedIDIsGone(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodGet, "/v4/spreadsheets/SOLD", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, "not found")
	})
	fake.handle(http.MethodGet, "/drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if !strings.Contains(query, "'"+DefaultSpreadsheetTitle+"'") || !strings.Contains(query, "trashed = false") {
			t.Errorf("unexpected search query %q", query)
		}
		writeJSON(t, w, `{"files":[{"id":"S2","name":"`+DefaultSpreadsheetTitle+`"}]}`)
	})
	client, _ := newTestClient(t, fake)

	resolved, err := client.ResolveStore(context.Background(), "SOLD")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.SpreadsheetID != "S2" || resolved.Created {
		t.Fatalf("expected adopted S2, got %+v", resolved)
	}
}

func TestResolveStoreCreatesStoreWithHeaderRow(t *testing.T) {
	var header [][]any
	fake := newFakeGoogle()
	fake.handle(http.MethodGet, "/drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"files":[]}`)
	})
	fake.handle(http.MethodPost, "/v4/spreadsheets", func(w http.ResponseWriter, r *http.Request) {
		var req sheets.Spreadsheet
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode create request failed: %v", err)
		}
		if req.Properties == nil || req.Properties.Title != DefaultSpreadsheetTitle {
			t.Errorf("unexpected create request %+v", req.Properties)
		}
		writeJSON(t, w, `{"spreadsheetId":"SNEW"}`)
	})
	fake.handle(http.MethodPut, "/values/Expenses!A1:E1", func(w http.ResponseWriter, r *http.Request) {
		var vr sheets.ValueRange
		if err := json.NewDecoder(r.Body).Decode(&vr); err != nil {
			t.Errorf("decode header write failed: %v", err)
		}
		header = vr.Values
		writeJSON(t, w, `{}`)
	})
	client, _ := newTestClient(t, fake)

	resolved, err := client.ResolveStore(context.Background(), "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.SpreadsheetID != "SNEW" || !resolved.Created {
		t.Fatalf("expected created store, got %+v", resolved)
	}
	if len(header) != 1 || len(header[0]) != 5 {
		t.Fatalf("expected a 5-column header row, got %v", header)
	}
	if header[0][0] != "ID" || header[0][4] != "Comment" {
		t.Fatalf("unexpected header %v", header[0])
	}
}

func TestLoadRecordsDropsRowsFailingValidation(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodGet, "/values/Expenses!A2:E10000", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"values":[
			["rec_1","2025-03-14","food","12.50","lunch"],
			["rec_2","2025-03-14","food","-1.00","refund"],
			["rec_3","2025-03-14","food","garbage",""],
			["","2025-03-15","other","3,00",""]
		]}`)
	})
	client, _ := newTestClient(t, fake)

	records, err := client.LoadRecords(context.Background(), "S1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 surviving records, got %d", len(records))
	}
	if records[0].ID != "rec_1" {
		t.Fatalf("unexpected first record %+v", records[0])
	}
	if records[1].ID == "" {
		t.Fatalf("expected fresh identity for id-less row")
	}
	want, _ := decimal.NewFromString("3.00")
	if !records[1].Amount.Equal(want) {
		t.Fatalf("expected comma amount normalized to 3.00, got %s", records[1].Amount)
	}
}

func TestAppendRecordCarriesCallerAssignedIdentity(t *testing.T) {
	var appended [][]any
	fake := newFakeGoogle()
	fake.handle(http.MethodPost, ":append", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("valueInputOption"); got != "USER_ENTERED" {
			t.Errorf("expected USER_ENTERED, got %q", got)
		}
		if got := r.URL.Query().Get("insertDataOption"); got != "INSERT_ROWS" {
			t.Errorf("expected INSERT_ROWS, got %q", got)
		}
		var vr sheets.ValueRange
		if err := json.NewDecoder(r.Body).Decode(&vr); err != nil {
			t.Errorf("decode append failed: %v", err)
		}
		appended = vr.Values
		writeJSON(t, w, `{}`)
	})
	client, _ := newTestClient(t, fake)

	amount, _ := decimal.NewFromString("12.50")
	rec := ledger.Record{ID: "rec_9", Date: "2025-03-14", Category: "food", Amount: amount, Comment: "lunch"}
	if err := client.AppendRecord(context.Background(), "S1", rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if len(appended) != 1 || appended[0][0] != "rec_9" {
		t.Fatalf("expected caller identity in appended row, got %v", appended)
	}
	if appended[0][3] != "12.50" {
		t.Fatalf("expected amount cell 12.50, got %v", appended[0][3])
	}
}

func TestDeleteRecordComputesHeaderCorrectedOffset(t *testing.T) {
	var batch sheets.BatchUpdateSpreadsheetRequest
	fake := newFakeGoogle()
	fake.handle(http.MethodGet, "/values/Expenses!A2:A10000", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"values":[["A"],["X"],["C"]]}`)
	})
	fake.handle(http.MethodGet, "/v4/spreadsheets/S1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"sheets":[{"properties":{"sheetId":77,"title":"Expenses"}}]}`)
	})
	fake.handle(http.MethodPost, ":batchUpdate", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode batch update failed: %v", err)
		}
		writeJSON(t, w, `{}`)
	})
	client, _ := newTestClient(t, fake)

	sheetID, deleted, err := client.DeleteRecord(context.Background(), "S1", "X", nil)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !deleted || sheetID != 77 {
		t.Fatalf("expected deletion on sheet 77, got deleted=%v sheetID=%d", deleted, sheetID)
	}
	if len(batch.Requests) != 1 || batch.Requests[0].DeleteDimension == nil {
		t.Fatalf("expected one delete-dimension request, got %+v", batch.Requests)
	}
	dim := batch.Requests[0].DeleteDimension.Range
	if dim.SheetId != 77 || dim.Dimension != "ROWS" || dim.StartIndex != 2 || dim.EndIndex != 3 {
		t.Fatalf("unexpected delete range %+v", dim)
	}
}

func TestDeleteRecordMissingIdentityIsNoOp(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodGet, "/values/Expenses!A2:A10000", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"values":[["A"],["C"]]}`)
	})
	fake.handle(http.MethodGet, "/v4/spreadsheets/S1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"sheets":[{"properties":{"sheetId":77,"title":"Expenses"}}]}`)
	})
	client, _ := newTestClient(t, fake)

	_, deleted, err := client.DeleteRecord(context.Background(), "S1", "X", nil)
	if err != nil {
		t.Fatalf("expected missing id to be a no-op, got %v", err)
	}
	if deleted {
		t.Fatalf("expected no deletion")
	}
	if fake.hitCount(http.MethodPost, ":batchUpdate") != 0 {
		t.Fatalf("no positional delete may be issued for a missing id")
	}
}

func TestDeleteRecordUsesCachedSheetIDWithoutMetadataFetch(t *testing.T) {
	var batch sheets.BatchUpdateSpreadsheetRequest
	fake := newFakeGoogle()
	fake.handle(http.MethodGet, "/values/Expenses!A2:A10000", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"values":[["X"]]}`)
	})
	fake.handle(http.MethodPost, ":batchUpdate", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode batch update failed: %v", err)
		}
		writeJSON(t, w, `{}`)
	})
	client, _ := newTestClient(t, fake)

	cached := int64(55)
	sheetID, deleted, err := client.DeleteRecord(context.Background(), "S1", "X", &cached)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !deleted || sheetID != 55 {
		t.Fatalf("expected cached sheet id 55, got deleted=%v sheetID=%d", deleted, sheetID)
	}
	if fake.hitCount(http.MethodGet, "/v4/spreadsheets/S1") != 0 {
		t.Fatalf("cached sheet id must skip the metadata round-trip")
	}
	if batch.Requests[0].DeleteDimension.Range.StartIndex != 1 {
		t.Fatalf("expected header-corrected start index 1, got %d", batch.Requests[0].DeleteDimension.Range.StartIndex)
	}
}

func TestIsAuthErrorMatchesUnauthorizedAndForbidden(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodGet, "/values/Expenses!A2:E10000", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "token expired")
	})
	client, _ := newTestClient(t, fake)

	_, err := client.LoadRecords(context.Background(), "S1")
	if err == nil {
		t.Fatalf("expected load to fail")
	}
	if !IsAuthError(err) {
		t.Fatalf("expected auth error classification, got %v", err)
	}
	if IsAuthError(context.Canceled) {
		t.Fatalf("context cancellation is not an auth error")
	}
}
