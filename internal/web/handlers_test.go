package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labelflow/relabel/internal/config"
	"github.com/labelflow/relabel/internal/importer"
	"github.com/labelflow/relabel/internal/snapshot"
	"github.com/labelflow/relabel/internal/store"
	"github.com/labelflow/relabel/internal/upload"
)

// memCatalog backs both the import engine and the snapshot builder in
// handler tests, standing in for the PostgreSQL store.
type memCatalog struct {
	mu      sync.Mutex
	orders  map[string]string
	files   map[string]store.LabelFile
	version int64
}

func newMemCatalog() *memCatalog {
	return &memCatalog{
		orders: make(map[string]string),
		files:  make(map[string]store.LabelFile),
	}
}

func (c *memCatalog) UpsertOrder(ctx context.Context, orderID, trackingNo string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[orderID] = trackingNo
	return nil
}

func (c *memCatalog) UpsertLabelFile(ctx context.Context, f store.LabelFile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[f.TrackingNo] = f
	return nil
}

func (c *memCatalog) EnsureSchema(ctx context.Context) error { return nil }

func (c *memCatalog) AllOrders(ctx context.Context) ([]store.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.Order, 0, len(c.orders))
	for id, tn := range c.orders {
		out = append(out, store.Order{OrderID: id, TrackingNo: tn})
	}
	return out, nil
}

func (c *memCatalog) AllLabelFiles(ctx context.Context) ([]store.LabelFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.LabelFile, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, f)
	}
	return out, nil
}

func (c *memCatalog) CurrentSnapshotVersion(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version, nil
}

func (c *memCatalog) NextSnapshotVersion(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	return c.version, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memCatalog) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Data.Root = t.TempDir()
	cfg.Import.MaxFileSize = 10 << 20
	cfg.Import.PreviewRows = 5
	cfg.Import.MaxWaitTime = time.Second
	cfg.Rate.Enabled = false

	catalog := newMemCatalog()

	uploads, err := upload.NewStore(cfg.Data.TmpDir(), time.Minute)
	if err != nil {
		t.Fatalf("upload.NewStore: %v", err)
	}
	snapshots, err := snapshot.New(catalog, cfg.Data.SnapshotDir())
	if err != nil {
		t.Fatalf("snapshot.New: %v", err)
	}
	imports := importer.NewService(catalog, uploads, snapshots, importer.Config{
		PdfDir:  cfg.Data.PdfDir(),
		ZipDir:  cfg.Data.ZipDir(),
		MaxWait: cfg.Import.MaxWaitTime,
	})

	srv := NewServer(cfg, uploads, imports, snapshots, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, catalog
}

func postMultipart(t *testing.T, url, filename, content string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

// readSSE consumes an SSE stream until it ends, returning the decoded
// events in order.
func readSSE(t *testing.T, body io.Reader) []importer.Event {
	t.Helper()
	var events []importer.Event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev importer.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decoding SSE event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestSpreadsheetImportFlow(t *testing.T) {
	ts, catalog := newTestServer(t)

	// Upload: token plus detected columns and preview.
	resp := postMultipart(t, ts.URL+"/import/spreadsheet", "orders.csv", "order,tracking\nO1,T1\nO2,\nO1,T3\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	up := decodeBody[struct {
		Token   string     `json:"token"`
		Columns []string   `json:"columns"`
		Preview [][]string `json:"preview"`
	}](t, resp)
	if up.Token == "" {
		t.Fatal("no token returned")
	}
	if len(up.Columns) != 2 || up.Columns[0] != "order" {
		t.Fatalf("columns = %v", up.Columns)
	}
	if len(up.Preview) != 3 {
		t.Errorf("preview rows = %d, want 3", len(up.Preview))
	}

	// Confirm columns.
	body, _ := json.Marshal(map[string]string{
		"token": up.Token, "orderCol": "order", "trackingCol": "tracking",
	})
	resp2, err := http.Post(ts.URL+"/import/spreadsheet/columns", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("columns POST: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("columns status = %d", resp2.StatusCode)
	}

	// Apply: SSE stream ending with a done event carrying row errors.
	resp3, err := http.Get(fmt.Sprintf("%s/import/spreadsheet/apply?token=%s&orderCol=order&trackingCol=tracking", ts.URL, up.Token))
	if err != nil {
		t.Fatalf("apply GET: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("apply status = %d", resp3.StatusCode)
	}
	if ct := resp3.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("apply content type = %q", ct)
	}

	events := readSSE(t, resp3.Body)
	if len(events) == 0 {
		t.Fatal("no SSE events received")
	}
	last := events[len(events)-1]
	if last.Phase != importer.PhaseDone {
		t.Fatalf("last event = %+v, want done", last)
	}
	if last.Processed != 3 || last.Total != 3 {
		t.Errorf("final progress = %d/%d, want 3/3", last.Processed, last.Total)
	}
	if len(last.Errors) != 1 {
		t.Errorf("final errors = %v, want 1", last.Errors)
	}

	catalog.mu.Lock()
	got := catalog.orders["O1"]
	catalog.mu.Unlock()
	if got != "T3" {
		t.Errorf("O1 = %q, want T3 (last write wins)", got)
	}
}

func TestApplyUnknownToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/import/spreadsheet/apply?token=nope&orderCol=0&trackingCol=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestApplyMissingToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/import/spreadsheet/apply")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadUnsupportedFormat(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postMultipart(t, ts.URL+"/import/spreadsheet", "orders.parquet", "binary stuff")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestUploadEmptySpreadsheet(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postMultipart(t, ts.URL+"/import/spreadsheet", "orders.csv", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestConfirmColumnsUnknownColumn(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postMultipart(t, ts.URL+"/import/spreadsheet", "orders.csv", "order,tracking\nO1,T1\n")
	up := decodeBody[struct {
		Token string `json:"token"`
	}](t, resp)

	body, _ := json.Marshal(map[string]string{
		"token": up.Token, "orderCol": "nope", "trackingCol": "tracking",
	})
	resp2, err := http.Post(ts.URL+"/import/spreadsheet/columns", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp2.StatusCode)
	}
}

func TestMappingEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	// Before any rebuild there is no snapshot at all.
	resp, err := http.Get(ts.URL + "/mapping")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("mapping before rebuild = %d, want 404", resp.StatusCode)
	}

	// A completed apply publishes version 1.
	up := decodeBody[struct {
		Token string `json:"token"`
	}](t, postMultipart(t, ts.URL+"/import/spreadsheet", "orders.csv", "order,tracking\nO1,T1\n"))
	applyResp, err := http.Get(fmt.Sprintf("%s/import/spreadsheet/apply?token=%s&orderCol=order&trackingCol=tracking", ts.URL, up.Token))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	readSSE(t, applyResp.Body)
	applyResp.Body.Close()

	snap := decodeBody[snapshot.Snapshot](t, mustGet(t, ts.URL+"/mapping?version=latest"))
	if snap.Version != 1 {
		t.Errorf("version = %d, want 1", snap.Version)
	}
	// The spreadsheet alone maps no PDFs, so entries stay empty.
	if len(snap.Entries) != 0 {
		t.Errorf("entries = %v, want none without stored PDFs", snap.Entries)
	}

	byVersion := decodeBody[snapshot.Snapshot](t, mustGet(t, ts.URL+"/mapping?version=1"))
	if byVersion.Version != 1 {
		t.Errorf("explicit version = %d, want 1", byVersion.Version)
	}

	resp2 := mustGet(t, ts.URL+"/mapping?version=99")
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown version = %d, want 404", resp2.StatusCode)
	}

	resp3 := mustGet(t, ts.URL+"/mapping?version=bogus")
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus version = %d, want 400", resp3.StatusCode)
	}
}

func mustGet(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func TestSecurityHeaders(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := mustGet(t, ts.URL+"/mapping")
	resp.Body.Close()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.allow("1.2.3.4") {
		t.Error("fourth request should be limited")
	}
	// A different client is unaffected.
	if !rl.allow("5.6.7.8") {
		t.Error("other client should be allowed")
	}
}
