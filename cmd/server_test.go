package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"

	"github.com/airframesio/table-comparator/cmd/comparator"
	"github.com/airframesio/table-comparator/cmd/jobs"
)

var (
	testSource = comparator.EnvironmentConfig{Label: "PROD", Host: "prod.db", Port: 5432, Database: "warehouse"}
	testTarget = comparator.EnvironmentConfig{Label: "DEV", Host: "dev.db", Port: 5432, Database: "warehouse"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockOpen returns an OpenFunc handing out one sqlmock per environment.
func mockOpen(t *testing.T) (prod, dev sqlmock.Sqlmock, open comparator.OpenFunc) {
	t.Helper()
	prodDB, prod, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create prod mock: %v", err)
	}
	devDB, dev, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create dev mock: %v", err)
	}
	t.Cleanup(func() {
		_ = prodDB.Close()
		_ = devDB.Close()
	})

	open = func(_ string, dsn string) (*sql.DB, error) {
		if strings.Contains(dsn, "host=prod.db") {
			return prodDB, nil
		}
		return devDB, nil
	}
	return prod, dev, open
}

func expectIdenticalTable(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectQuery("information_schema.columns").WillReturnRows(
		sqlmock.NewRows([]string{"column_name", "udt_name"}).AddRow("id", "int4").AddRow("name", "text"))
	mock.ExpectQuery(`SELECT \* FROM`).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "alpha").AddRow(int64(2), "beta"))
}

func newTestServer(t *testing.T, open comparator.OpenFunc) *apiServer {
	t.Helper()
	log := discardLogger()
	jobCtx, stopJobs := context.WithCancel(context.Background())
	manager := jobs.NewManager(jobCtx, jobs.Options{Open: open, Logger: log})
	t.Cleanup(func() {
		// Abort queries still in flight, then wait for the workers
		stopJobs()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	srv := newAPIServer(apiServerOptions{
		Manager: manager,
		Catalog: newCatalog(),
		Source:  testSource,
		Target:  testTarget,
		Logger:  log,
	})
	srv.pushInterval = 10 * time.Millisecond
	return srv
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode %q: %v", rec.Body.String(), err)
	}
}

func waitForJob(t *testing.T, srv *apiServer, id string) jobs.StatusSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := srv.manager.Wait(ctx, id)
	if err != nil {
		t.Fatalf("job %s did not finish: %v", id, err)
	}
	return status
}

func TestServerJobLifecycle(t *testing.T) {
	prod, dev, open := mockOpen(t)
	expectIdenticalTable(prod)
	expectIdenticalTable(dev)

	srv := newTestServer(t, open)
	handler := srv.routes()

	rec := doRequest(t, handler, http.MethodPost, "/api/jobs", `{"job_id":"job-1","pairs":[{"source_table":"customers"}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body.String())
	}
	var submitted struct {
		JobID     string `json:"job_id"`
		StatusURL string `json:"status_url"`
	}
	decodeBody(t, rec, &submitted)
	if submitted.JobID != "job-1" || submitted.StatusURL != "/api/jobs/job-1/status" {
		t.Errorf("unexpected submit response: %+v", submitted)
	}

	waitForJob(t, srv, "job-1")

	t.Run("Status", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodGet, "/api/jobs/job-1/status", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var status jobs.StatusSnapshot
		decodeBody(t, rec, &status)
		if status.State != jobs.StateCompleted || status.CanCancel {
			t.Errorf("unexpected status: %+v", status)
		}
		if len(status.Tables) != 1 || status.Tables[0].Status != jobs.TableIdentical {
			t.Errorf("tables = %+v", status.Tables)
		}
	})

	t.Run("Results", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodGet, "/api/jobs/job-1/results?max_missing=5&max_differing=5", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		var result comparator.CappedBatchResult
		decodeBody(t, rec, &result)
		if result.TotalPairs != 1 || result.Identical != 1 || len(result.Results) != 1 {
			t.Errorf("unexpected result: %+v", result)
		}
	})

	t.Run("List", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodGet, "/api/jobs", "")
		var list []jobs.StatusSnapshot
		decodeBody(t, rec, &list)
		if len(list) != 1 || list[0].ID != "job-1" {
			t.Errorf("list = %+v", list)
		}
	})

	t.Run("CancelFinished", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodPost, "/api/jobs/job-1/cancel", "")
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodPost, "/api/jobs", `{"job_id":"job-1","pairs":[{"source_table":"customers"}]}`)
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	if err := prod.ExpectationsWereMet(); err != nil {
		t.Errorf("prod expectations: %v", err)
	}
	if err := dev.ExpectationsWereMet(); err != nil {
		t.Errorf("dev expectations: %v", err)
	}
}

func TestServerRejectsInvalidJobs(t *testing.T) {
	srv := newTestServer(t, nil)
	handler := srv.routes()

	tests := []struct {
		name string
		body string
	}{
		{"NotJSON", `pairs=customers`},
		{"NoPairs", `{"pairs":[]}`},
		{"MissingSourceTable", `{"pairs":[{"target_table":"customers"}]}`},
		{"BadTableName", `{"pairs":[{"source_table":"customers; DROP TABLE x"}]}`},
		{"BadKeyKind", `{"pairs":[{"source_table":"customers","source_key_kind":"composite"}]}`},
		{"NegativeTolerance", `{"pairs":[{"source_table":"customers","float_tolerance":-1}]}`},
		{"UnknownField", `{"pairs":[{"source_table":"customers"}],"prod_password":"secret"}`},
		{"BadJobID", `{"job_id":"../etc","pairs":[{"source_table":"customers"}]}`},
		{"BadSamplingMethod", `{"pairs":[{"source_table":"customers"}],"sampling":{"method":"MIDDLE_N"}}`},
		{"TooManyWorkers", `{"pairs":[{"source_table":"customers"}],"batch":{"parallel":true,"max_workers":1000}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, handler, http.MethodPost, "/api/jobs", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			var body map[string]interface{}
			decodeBody(t, rec, &body)
			if body["success"] != false || body["error"] == "" {
				t.Errorf("unexpected error body: %v", body)
			}
		})
	}

	if len(srv.manager.List()) != 0 {
		t.Error("rejected requests must not create jobs")
	}
}

func TestServerUnknownJob(t *testing.T) {
	srv := newTestServer(t, nil)
	handler := srv.routes()

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/jobs/missing/status"},
		{http.MethodPost, "/api/jobs/missing/cancel"},
		{http.MethodGet, "/api/jobs/missing/results"},
		{http.MethodGet, "/ws/jobs/missing"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := doRequest(t, handler, tc.method, tc.path, "")
			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", rec.Code)
			}
		})
	}

	t.Run("BadCap", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodGet, "/api/jobs/missing/results?max_missing=abc", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestServerResultsBeforeFinish(t *testing.T) {
	prod, _, open := mockOpen(t)
	// The first query blocks until the job context is cancelled at cleanup
	prod.ExpectQuery("SELECT COUNT").WillDelayFor(time.Hour).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

	srv := newTestServer(t, open)
	handler := srv.routes()

	rec := doRequest(t, handler, http.MethodPost, "/api/jobs", `{"job_id":"slow","pairs":[{"source_table":"customers"}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/jobs/slow/results", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/jobs/slow/cancel", "")
	if rec.Code != http.StatusOK {
		t.Errorf("cancel status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestServerTableCatalog(t *testing.T) {
	srv := newTestServer(t, nil)
	handler := srv.routes()

	t.Run("Add", func(t *testing.T) {
		body := `{"table_name":"public.accounts","display_name":"Accounts","prod_primary_keys":"PK_Account","dev_primary_keys":"account_id","ignored_columns":"__year | __month"}`
		rec := doRequest(t, handler, http.MethodPost, "/api/tables", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		rec = doRequest(t, handler, http.MethodPost, "/api/tables", body)
		if rec.Code != http.StatusConflict {
			t.Errorf("duplicate status = %d, want 409", rec.Code)
		}
	})

	t.Run("List", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodGet, "/api/tables", "")
		var tables []TableSuggestion
		decodeBody(t, rec, &tables)
		if len(tables) != 1 {
			t.Fatalf("tables = %+v", tables)
		}
		got := tables[0]
		if got.Name != "public.accounts" || got.DisplayName != "Accounts" {
			t.Errorf("unexpected entry: %+v", got)
		}
		if len(got.SourcePK) != 1 || got.SourcePK[0] != "PK_Account" || got.TargetPK[0] != "account_id" {
			t.Errorf("keys = %v / %v", got.SourcePK, got.TargetPK)
		}
		if len(got.IgnoredColumns) != 2 {
			t.Errorf("ignored = %v", got.IgnoredColumns)
		}
	})

	t.Run("Suggestions", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodGet, "/api/tables/public.accounts/suggestions", "")
		var body struct {
			Found      bool            `json:"found"`
			Suggestion TableSuggestion `json:"suggestion"`
		}
		decodeBody(t, rec, &body)
		if !body.Found || body.Suggestion.DisplayName != "Accounts" {
			t.Errorf("unexpected suggestion: %+v", body)
		}

		rec = doRequest(t, handler, http.MethodGet, "/api/tables/sales.orders/suggestions", "")
		decodeBody(t, rec, &body)
		if body.Found || body.Suggestion.DisplayName != "orders" || body.Suggestion.SourcePK[0] != "id" {
			t.Errorf("unexpected default suggestion: %+v", body)
		}
	})

	t.Run("Update", func(t *testing.T) {
		body := `{"table_name":"public.accounts_v2","display_name":"Accounts v2","prod_primary_keys":"id","dev_primary_keys":"id","ignored_columns":"","key_kind":"natural"}`
		rec := doRequest(t, handler, http.MethodPut, "/api/tables/public.accounts", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		if _, ok := srv.catalog.Lookup("public.accounts"); ok {
			t.Error("old name should be gone after rename")
		}
		s, ok := srv.catalog.Lookup("public.accounts_v2")
		if !ok || s.SourceKeyKind != comparator.KeyKindNatural || s.TargetKeyKind != comparator.KeyKindNatural {
			t.Errorf("renamed entry = %+v, %v", s, ok)
		}

		rec = doRequest(t, handler, http.MethodPut, "/api/tables/public.missing", body)
		if rec.Code != http.StatusNotFound {
			t.Errorf("missing update status = %d, want 404", rec.Code)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodDelete, "/api/tables/public.accounts_v2", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		rec = doRequest(t, handler, http.MethodDelete, "/api/tables/public.accounts_v2", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("second delete status = %d, want 404", rec.Code)
		}
	})

	t.Run("InvalidBody", func(t *testing.T) {
		rec := doRequest(t, handler, http.MethodPost, "/api/tables", `{"table_name":"bad name"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestServerAppliesCatalogToRequests(t *testing.T) {
	srv := newTestServer(t, nil)
	if err := srv.catalog.Add(TableSuggestion{
		Name:     "customers",
		SourcePK: []string{"customer_id"},
		TargetPK: []string{"id"},
	}); err != nil {
		t.Fatal(err)
	}

	pair := srv.catalog.Apply(pairRequest{SourceTable: "public.customers"}.toPair())
	if pair.TargetTable != "public.customers" {
		t.Errorf("target table should default to the source table, got %q", pair.TargetTable)
	}
	if len(pair.SourcePK) != 1 || pair.SourcePK[0] != "customer_id" {
		t.Errorf("source pk = %v", pair.SourcePK)
	}

	pair = srv.catalog.Apply(pairRequest{SourceTable: "customers", SourcePK: "a, b"}.toPair())
	if len(pair.SourcePK) != 2 || pair.SourcePK[1] != "b" {
		t.Errorf("explicit keys should win, got %v", pair.SourcePK)
	}
}

func TestPairRequestToPair(t *testing.T) {
	tolerance := 0.5
	req := pairRequest{
		SourceTable:         "orders",
		TargetTable:         "orders_dev",
		SourcePK:            "id, region",
		IgnoredColumns:      "updated_at\n__year | __month",
		SourceKeyKind:       "surrogate",
		FloatTolerance:      &tolerance,
		SourceFilterColumns: "status, region",
		SourceFilterValues:  "deleted, archived\nEU",
	}
	pair := req.toPair()

	if pair.TargetTable != "orders_dev" || len(pair.SourcePK) != 2 {
		t.Errorf("unexpected pair: %+v", pair)
	}
	if len(pair.IgnoredColumns) != 3 {
		t.Errorf("ignored = %v", pair.IgnoredColumns)
	}
	if pair.SourceKeyKind != comparator.KeyKindSurrogate || pair.TargetKeyKind != comparator.KeyKindAuto {
		t.Errorf("key kinds = %v / %v", pair.SourceKeyKind, pair.TargetKeyKind)
	}
	if pair.FloatTolerance == nil || *pair.FloatTolerance != 0.5 {
		t.Errorf("tolerance = %v", pair.FloatTolerance)
	}
	if got := pair.SourceFilters["status"]; len(got) != 2 || got[1] != "archived" {
		t.Errorf("status filter = %v", got)
	}
	if got := pair.SourceFilters["region"]; len(got) != 1 || got[0] != "EU" {
		t.Errorf("region filter = %v", got)
	}
	if pair.TargetFilters != nil {
		t.Errorf("target filters should be empty, got %v", pair.TargetFilters)
	}

	zero := 0.0
	exact := pairRequest{SourceTable: "orders", FloatTolerance: &zero}.toPair().Normalize()
	if exact.Tolerance() != 0 {
		t.Errorf("explicit zero tolerance = %v, want 0", exact.Tolerance())
	}
	if got := (pairRequest{SourceTable: "orders"}).toPair().Normalize().Tolerance(); got != comparator.DefaultFloatTolerance {
		t.Errorf("unset tolerance = %v, want default", got)
	}
}

func TestTableRequestToSuggestion(t *testing.T) {
	tests := []struct {
		name              string
		req               tableRequest
		wantProd, wantDev comparator.KeyKind
	}{
		{"Unset", tableRequest{TableName: "ledger"}, comparator.KeyKindAuto, comparator.KeyKindAuto},
		{"BothSides", tableRequest{TableName: "ledger", KeyKind: "natural"}, comparator.KeyKindNatural, comparator.KeyKindNatural},
		{"PerSide", tableRequest{TableName: "ledger", ProdKeyKind: "natural", DevKeyKind: "surrogate"}, comparator.KeyKindNatural, comparator.KeyKindSurrogate},
		{"SideOverridesBoth", tableRequest{TableName: "ledger", KeyKind: "surrogate", ProdKeyKind: "natural"}, comparator.KeyKindNatural, comparator.KeyKindSurrogate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.req.toSuggestion()
			if s.SourceKeyKind != tt.wantProd || s.TargetKeyKind != tt.wantDev {
				t.Errorf("key kinds = %v / %v, want %v / %v", s.SourceKeyKind, s.TargetKeyKind, tt.wantProd, tt.wantDev)
			}
		})
	}
}

func TestSamplingOverride(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.sampling = comparator.Sampling{Method: comparator.SamplingLastN, MaxRows: 20000, Enabled: true, Seed: 7}

	if srv.samplingOverride(nil) != nil {
		t.Error("no override expected without a sampling section")
	}

	maxRows := 10
	enabled := false
	got := srv.samplingOverride(&samplingRequest{Method: "random", MaxRows: &maxRows, Enabled: &enabled})
	want := comparator.Sampling{Method: comparator.SamplingRandom, MaxRows: 10, Enabled: false, Seed: 7}
	if *got != want {
		t.Errorf("sampling = %+v, want %+v", *got, want)
	}
}

func TestServerJobWebSocket(t *testing.T) {
	prod, dev, open := mockOpen(t)
	expectIdenticalTable(prod)
	expectIdenticalTable(dev)

	srv := newTestServer(t, open)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	if _, err := srv.submit(jobs.Request{ID: "job-ws", Source: testSource, Target: testTarget, Pairs: []comparator.TablePairConfig{{SourceTable: "customers", TargetTable: "customers"}}}); err != nil {
		t.Fatal(err)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/job-ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var last jobs.StatusSnapshot
	for {
		var msg struct {
			Type string              `json:"type"`
			Data jobs.StatusSnapshot `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("unexpected read error: %v", err)
			}
			break
		}
		if msg.Type != "status" {
			t.Fatalf("unexpected message type %q", msg.Type)
		}
		last = msg.Data
	}

	if last.ID != "job-ws" || last.State != jobs.StateCompleted {
		t.Errorf("last snapshot = %+v", last)
	}
}

func TestServerLogsWebSocket(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logs := make(chan LogMessage, 1)
	go srv.logs.run(ctx, logs)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/logs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.logs.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("log client was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	logs <- LogMessage{Timestamp: "2024-01-01 00:00:00", Level: "INFO", Message: "🚀 Started job job-1"}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got LogMessage
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.Message != "🚀 Started job job-1" || got.Level != "INFO" {
		t.Errorf("log message = %+v", got)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for srv.logs.count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("log client was not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerWritesReports(t *testing.T) {
	prod, dev, open := mockOpen(t)
	expectIdenticalTable(prod)
	expectIdenticalTable(dev)

	dir := t.TempDir()
	srv := newTestServer(t, open)
	reports, err := newReportWriter(ReportConfig{Path: dir, Format: reportJSON}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	srv.reports = reports

	srv.runScheduled([]comparator.TablePairConfig{{SourceTable: "customers", TargetTable: "customers"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.waitReports(ctx); err != nil {
		t.Fatalf("reports did not finish: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "comparison-") || !strings.HasSuffix(entries[0].Name(), ".json") {
		t.Fatalf("unexpected report files: %v", entries)
	}
}

func TestStartSchedule(t *testing.T) {
	srv := newTestServer(t, nil)

	if _, err := srv.startSchedule("not a schedule", nil); !errors.Is(err, ErrScheduleInvalid) {
		t.Errorf("expected ErrScheduleInvalid, got %v", err)
	}

	c, err := srv.startSchedule("0 3 * * *", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Stop()
	if len(c.Entries()) != 1 {
		t.Errorf("entries = %d, want 1", len(c.Entries()))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)
	handler := srv.routes()

	rec := doRequest(t, handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "table_comparator_running_jobs") {
		t.Errorf("metrics missing job gauge: %d", rec.Code)
	}
}
