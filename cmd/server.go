package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/table-comparator/cmd/comparator"
	"github.com/airframesio/table-comparator/cmd/jobs"
)

const (
	maxRequestBody      = 1 << 20
	defaultPushInterval = time.Second
	shutdownTimeout     = 30 * time.Second
)

var ErrInvalidRequest = errors.New("invalid request")

// Job ids end up in report file names and S3 keys
var validJobID = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool {
			return true // Allow all origins for local development
		},
	}

	// Log records for the TUI and the /ws/logs stream
	logBroadcast = make(chan LogMessage, 1000)
)

// clientWrapper wraps a websocket connection with a write mutex to ensure thread-safe writes
type clientWrapper struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// writeJSON safely writes JSON to the websocket connection with mutex protection
func (cw *clientWrapper) writeJSON(v interface{}) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.conn.WriteJSON(v)
}

func (cw *clientWrapper) writeClose(reason string) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}

// WebSocket message types
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type LogMessage struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// logHub fans log messages out to every connected /ws/logs client.
type logHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*clientWrapper
}

func newLogHub() *logHub {
	return &logHub{clients: make(map[*websocket.Conn]*clientWrapper)}
}

func (h *logHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &clientWrapper{conn: conn}
}

func (h *logHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *logHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// run forwards messages from ch until ctx is done.
func (h *logHub) run(ctx context.Context, ch <-chan LogMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			h.broadcast(msg)
		}
	}
}

func (h *logHub) broadcast(msg LogMessage) {
	h.mu.RLock()
	var failedClients []*websocket.Conn
	for conn, wrapper := range h.clients {
		if err := wrapper.writeJSON(msg); err != nil {
			failedClients = append(failedClients, conn)
		}
	}
	h.mu.RUnlock()

	// Clean up failed clients with write lock
	if len(failedClients) > 0 {
		h.mu.Lock()
		for _, conn := range failedClients {
			if wrapper, exists := h.clients[conn]; exists {
				wrapper.conn.Close()
				delete(h.clients, conn)
			}
		}
		h.mu.Unlock()
	}
}

// apiServer exposes the job manager and the table catalog over HTTP.
// Connection settings come only from the server's own configuration.
type apiServer struct {
	manager      *jobs.Manager
	catalog      *Catalog
	v            *viper.Viper
	source       comparator.EnvironmentConfig
	target       comparator.EnvironmentConfig
	sampling     comparator.Sampling
	reports      *reportWriter
	validate     *validator.Validate
	logs         *logHub
	logger       *slog.Logger
	pushInterval time.Duration

	reportsWG sync.WaitGroup
}

type apiServerOptions struct {
	Manager  *jobs.Manager
	Catalog  *Catalog
	Viper    *viper.Viper
	Source   comparator.EnvironmentConfig
	Target   comparator.EnvironmentConfig
	Sampling comparator.Sampling
	Reports  *reportWriter
	Logger   *slog.Logger
}

func newAPIServer(opts apiServerOptions) *apiServer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Viper == nil {
		opts.Viper = viper.New()
	}
	return &apiServer{
		manager:      opts.Manager,
		catalog:      opts.Catalog,
		v:            opts.Viper,
		source:       opts.Source,
		target:       opts.Target,
		sampling:     opts.Sampling,
		reports:      opts.Reports,
		validate:     newRequestValidator(),
		logs:         newLogHub(),
		logger:       opts.Logger,
		pushInterval: defaultPushInterval,
	}
}

func newRequestValidator() *validator.Validate {
	validate := validator.New()
	// Registration only fails for an empty tag or nil func
	_ = validate.RegisterValidation("table_name", func(fl validator.FieldLevel) bool {
		return isValidTableName(fl.Field().String())
	})
	_ = validate.RegisterValidation("job_id", func(fl validator.FieldLevel) bool {
		return validJobID.MatchString(fl.Field().String())
	})
	return validate
}

func (s *apiServer) routes() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/status", s.handleJobStatus).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/results", s.handleJobResults).Methods(http.MethodGet)
	api.HandleFunc("/tables", s.handleListTables).Methods(http.MethodGet)
	api.HandleFunc("/tables", s.handleAddTable).Methods(http.MethodPost)
	api.HandleFunc("/tables/{name}", s.handleUpdateTable).Methods(http.MethodPut)
	api.HandleFunc("/tables/{name}", s.handleDeleteTable).Methods(http.MethodDelete)
	api.HandleFunc("/tables/{name}/suggestions", s.handleTableSuggestions).Methods(http.MethodGet)

	r.HandleFunc("/ws/jobs/{id}", s.handleJobWebSocket)
	r.HandleFunc("/ws/logs", s.handleLogsWebSocket)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// Request bodies

type pairRequest struct {
	SourceTable         string   `json:"source_table" validate:"required,table_name"`
	TargetTable         string   `json:"target_table" validate:"omitempty,table_name"`
	DisplayName         string   `json:"display_name" validate:"max=200"`
	SourcePK            string   `json:"source_pk"`
	TargetPK            string   `json:"target_pk"`
	IgnoredColumns      string   `json:"ignored_columns"`
	IgnoreSourcePK      bool     `json:"ignore_source_pk"`
	IgnoreTargetPK      bool     `json:"ignore_target_pk"`
	SourceKeyKind       string   `json:"source_key_kind" validate:"omitempty,oneof=auto natural surrogate"`
	TargetKeyKind       string   `json:"target_key_kind" validate:"omitempty,oneof=auto natural surrogate"`
	FloatTolerance      *float64 `json:"float_tolerance" validate:"omitempty,gte=0"`
	SourceFilterColumns string   `json:"source_filter_columns"`
	SourceFilterValues  string   `json:"source_filter_values"`
	TargetFilterColumns string   `json:"target_filter_columns"`
	TargetFilterValues  string   `json:"target_filter_values"`
}

type samplingRequest struct {
	Method  string `json:"method" validate:"omitempty,oneof=TOP_N LAST_N RANDOM top_n last_n random"`
	MaxRows *int   `json:"max_rows" validate:"omitempty,gte=0"`
	Enabled *bool  `json:"enabled"`
	Seed    *int64 `json:"seed"`
}

type batchRequest struct {
	Parallel      bool `json:"parallel"`
	MaxWorkers    int  `json:"max_workers" validate:"omitempty,gte=1,lte=64"`
	StopOnFailure bool `json:"stop_on_failure"`
}

type jobRequest struct {
	JobID    string           `json:"job_id" validate:"omitempty,max=128,job_id"`
	Pairs    []pairRequest    `json:"pairs" validate:"required,min=1,dive"`
	Sampling *samplingRequest `json:"sampling"`
	Batch    *batchRequest    `json:"batch"`
}

type tableRequest struct {
	TableName       string `json:"table_name" validate:"required,table_name"`
	DisplayName     string `json:"display_name" validate:"max=200"`
	ProdPrimaryKeys string `json:"prod_primary_keys"`
	DevPrimaryKeys  string `json:"dev_primary_keys"`
	IgnoredColumns  string `json:"ignored_columns"`
	KeyKind         string `json:"key_kind" validate:"omitempty,oneof=auto natural surrogate"`
	ProdKeyKind     string `json:"prod_key_kind" validate:"omitempty,oneof=auto natural surrogate"`
	DevKeyKind      string `json:"dev_key_kind" validate:"omitempty,oneof=auto natural surrogate"`
}

// toPair converts the form-style request into a pair config. Catalog
// suggestions fill whatever the request leaves empty.
func (p pairRequest) toPair() comparator.TablePairConfig {
	pair := comparator.TablePairConfig{
		SourceTable:    strings.TrimSpace(p.SourceTable),
		TargetTable:    strings.TrimSpace(p.TargetTable),
		DisplayName:    strings.TrimSpace(p.DisplayName),
		SourcePK:       comparator.ParsePrimaryKeys(p.SourcePK),
		TargetPK:       comparator.ParsePrimaryKeys(p.TargetPK),
		IgnoredColumns: comparator.ParseIgnoredColumns(p.IgnoredColumns),
		IgnoreSourcePK: p.IgnoreSourcePK,
		IgnoreTargetPK: p.IgnoreTargetPK,
		SourceFilters:  comparator.ParseExclusionFilter(p.SourceFilterColumns, p.SourceFilterValues),
		TargetFilters:  comparator.ParseExclusionFilter(p.TargetFilterColumns, p.TargetFilterValues),
	}
	if pair.TargetTable == "" {
		pair.TargetTable = pair.SourceTable
	}
	// Values were checked by the validator
	pair.SourceKeyKind, _ = comparator.ParseKeyKind(p.SourceKeyKind)
	pair.TargetKeyKind, _ = comparator.ParseKeyKind(p.TargetKeyKind)
	if p.FloatTolerance != nil {
		tolerance := *p.FloatTolerance
		pair.FloatTolerance = &tolerance
	}
	return pair
}

func (t tableRequest) toSuggestion() TableSuggestion {
	// key_kind sets both sides; values were checked by the validator
	kind, _ := comparator.ParseKeyKind(t.KeyKind)
	sourceKind, targetKind := kind, kind
	if t.ProdKeyKind != "" {
		sourceKind, _ = comparator.ParseKeyKind(t.ProdKeyKind)
	}
	if t.DevKeyKind != "" {
		targetKind, _ = comparator.ParseKeyKind(t.DevKeyKind)
	}
	return TableSuggestion{
		Name:           strings.TrimSpace(t.TableName),
		DisplayName:    strings.TrimSpace(t.DisplayName),
		SourcePK:       comparator.ParsePrimaryKeys(t.ProdPrimaryKeys),
		TargetPK:       comparator.ParsePrimaryKeys(t.DevPrimaryKeys),
		IgnoredColumns: comparator.ParseIgnoredColumns(t.IgnoredColumns),
		SourceKeyKind:  sourceKind,
		TargetKeyKind:  targetKind,
	}
}

func (s *apiServer) samplingOverride(req *samplingRequest) *comparator.Sampling {
	if req == nil {
		return nil
	}
	sampling := s.sampling
	if req.Method != "" {
		sampling.Method, _ = comparator.ParseSamplingMethod(req.Method)
	}
	if req.MaxRows != nil {
		sampling.MaxRows = *req.MaxRows
	}
	if req.Enabled != nil {
		sampling.Enabled = *req.Enabled
	}
	if req.Seed != nil {
		sampling.Seed = *req.Seed
	}
	return &sampling
}

func batchOverride(req *batchRequest) *comparator.BatchOptions {
	if req == nil {
		return nil
	}
	return &comparator.BatchOptions{
		Parallel:      req.Parallel,
		MaxWorkers:    req.MaxWorkers,
		StopOnFailure: req.StopOnFailure,
	}
}

// decodeRequest reads a JSON body into dst and validates it.
func (s *apiServer) decodeRequest(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug(fmt.Sprintf("Failed to encode response: %v", err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": err.Error()})
}

// errorStatus maps job and catalog errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, ErrTableNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobExists), errors.Is(err, ErrTableExists),
		errors.Is(err, jobs.ErrJobNotFinished), errors.Is(err, jobs.ErrNotCancellable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Job handlers

func (s *apiServer) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := s.decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pairs := make([]comparator.TablePairConfig, len(req.Pairs))
	for i, p := range req.Pairs {
		pairs[i] = s.catalog.Apply(p.toPair())
	}

	job, err := s.submit(jobs.Request{
		ID:       req.JobID,
		Source:   s.source,
		Target:   s.target,
		Pairs:    pairs,
		Sampling: s.samplingOverride(req.Sampling),
		Batch:    batchOverride(req.Batch),
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":    true,
		"job_id":     job.ID(),
		"status_url": fmt.Sprintf("/api/jobs/%s/status", job.ID()),
	})
}

// submit starts a job and, when reports are configured, writes its report
// once it finishes.
func (s *apiServer) submit(req jobs.Request) (*jobs.Job, error) {
	job, err := s.manager.Submit(req)
	if err != nil {
		return nil, err
	}
	if s.reports != nil {
		s.reportsWG.Add(1)
		go func() {
			defer s.reportsWG.Done()
			<-job.Done()
			s.writeReport(job.ID())
		}()
	}
	return job, nil
}

func (s *apiServer) writeReport(jobID string) {
	result, err := s.manager.Result(jobID)
	if err != nil {
		s.logger.Debug(fmt.Sprintf("No report for job %s: %v", jobID, err))
		return
	}
	if _, err := s.reports.Write(context.Background(), jobID, result); err != nil {
		s.logger.Error(fmt.Sprintf("❌ Report for job %s failed: %v", jobID, err))
	}
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *apiServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *apiServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.RequestCancel(id); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Cancellation requested. The job stops after the current table.",
	})
}

func (s *apiServer) handleJobResults(w http.ResponseWriter, r *http.Request) {
	maxMissing, err := queryInt(r, "max_missing", comparator.DefaultMaxMissing)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxDiffering, err := queryInt(r, "max_differing", comparator.DefaultMaxDiffering)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.manager.Result(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result.Capped(maxMissing, maxDiffering))
}

// queryInt reads a positive integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := cast.ToIntE(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", ErrInvalidRequest, name)
	}
	return n, nil
}

// Catalog handlers

func (s *apiServer) handleListTables(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Tables())
}

func (s *apiServer) handleTableSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestion, found := s.catalog.Suggest(mux.Vars(r)["name"])
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"found":      found,
		"suggestion": suggestion,
	})
}

func (s *apiServer) handleAddTable(w http.ResponseWriter, r *http.Request) {
	var req tableRequest
	if err := s.decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.catalog.Add(req.toSuggestion()); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	s.persistCatalog()
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "message": "Table added successfully"})
}

func (s *apiServer) handleUpdateTable(w http.ResponseWriter, r *http.Request) {
	var req tableRequest
	if err := s.decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.catalog.Update(mux.Vars(r)["name"], req.toSuggestion()); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	s.persistCatalog()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Table updated successfully"})
}

func (s *apiServer) handleDeleteTable(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Remove(mux.Vars(r)["name"]); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	s.persistCatalog()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Table deleted successfully"})
}

// persistCatalog writes catalog edits back to the config file. A failed
// write keeps the in-memory change.
func (s *apiServer) persistCatalog() {
	if err := saveCatalog(s.v, s.catalog); err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️  %v", err))
	}
}

// WebSocket handlers

// handleJobWebSocket pushes status snapshots for one job until it reaches a
// terminal state or the client goes away.
func (s *apiServer) handleJobWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.manager.Get(id)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug(fmt.Sprintf("WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()
	client := &clientWrapper{conn: conn}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for {
		snapshot, err := s.manager.Status(id)
		if err != nil {
			_ = client.writeJSON(WSMessage{Type: "error", Data: err.Error()})
			return
		}
		if err := client.writeJSON(WSMessage{Type: "status", Data: snapshot}); err != nil {
			return
		}
		if snapshot.State.Terminal() {
			_ = client.writeClose("job finished")
			return
		}

		select {
		case <-closed:
			return
		case <-job.Done():
		case <-ticker.C:
		}
	}
}

// handleLogsWebSocket handles WebSocket connections for log streaming
func (s *apiServer) handleLogsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug(fmt.Sprintf("Logs WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	s.logs.add(conn)
	defer s.logs.remove(conn)

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug(fmt.Sprintf("Logs WebSocket error: %v", err))
			}
			return
		}
	}
}

// Schedule

// startSchedule submits the configured pairs on every tick of spec. A tick
// is skipped while the previous scheduled job still runs.
func (s *apiServer) startSchedule(spec string, pairs []comparator.TablePairConfig) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(spec, func() { s.runScheduled(pairs) }); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScheduleInvalid, err)
	}
	c.Start()
	return c, nil
}

func (s *apiServer) runScheduled(pairs []comparator.TablePairConfig) {
	job, err := s.submit(jobs.Request{
		Source: s.source,
		Target: s.target,
		Pairs:  s.catalog.ApplyAll(pairs),
	})
	if err != nil {
		s.logger.Error(fmt.Sprintf("❌ Scheduled comparison failed to start: %v", err))
		return
	}
	s.logger.Info(fmt.Sprintf("⏰ Scheduled comparison started as job %s", job.ID()))
	<-job.Done()
}

// waitReports blocks until pending report writes finish or ctx expires.
func (s *apiServer) waitReports(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.reportsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Command

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the comparison API server",
	Long: `Starts an HTTP server that runs comparison jobs in the background.

Endpoints:
  POST   /api/jobs                       submit a job
  GET    /api/jobs                       list jobs
  GET    /api/jobs/{id}/status           job progress
  POST   /api/jobs/{id}/cancel           cancel after the current table
  GET    /api/jobs/{id}/results          capped results
  GET    /api/tables                     table catalog
  POST   /api/tables                     add a catalog entry
  PUT    /api/tables/{name}              update a catalog entry
  DELETE /api/tables/{name}              remove a catalog entry
  GET    /api/tables/{name}/suggestions  key and ignored-column suggestions
  GET    /ws/jobs/{id}                   live job status
  GET    /ws/logs                        live log stream
  GET    /metrics                        Prometheus metrics

Database connections come from the server configuration only.`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, viper.GetViper())
	},
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 8080, "HTTP listen port")
	serveCmd.Flags().String("schedule", "", "cron expression for comparing the configured pairs (e.g. \"0 3 * * *\")")
	serveCmd.Flags().Duration("jobs-max-age", jobs.DefaultMaxAge, "how long finished jobs stay queryable")
	serveCmd.Flags().Int("jobs-max-count", jobs.DefaultMaxCount, "maximum finished jobs kept")

	addDatabaseFlags(serveCmd)
	addComparisonFlags(serveCmd)
	addReportFlags(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	v := viper.GetViper()
	config, err := loadConfig(v)
	if err != nil {
		return err
	}
	initLogger(config.Debug, config.LogFormat, os.Stdout)

	if err := config.ValidateServer(); err != nil {
		return err
	}
	sampling, _ := config.Sampling.Sampling()

	catalog, err := loadCatalog(v)
	if err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Ignoring table catalog: %v", err))
	}
	watchCatalog(v, catalog)

	var reports *reportWriter
	if config.Report.Enabled() {
		if reports, err = newReportWriter(config.Report, logger); err != nil {
			return err
		}
	}

	ctx, stop := commandContext()
	defer stop()

	manager := jobs.NewManager(context.Background(), jobs.Options{
		Sampling: sampling,
		Batch:    config.Batch.Options(),
		MaxAge:   config.Jobs.MaxAge,
		MaxCount: config.Jobs.MaxCount,
		Logger:   logger,
	})

	srv := newAPIServer(apiServerOptions{
		Manager:  manager,
		Catalog:  catalog,
		Viper:    v,
		Source:   config.Source.Environment(),
		Target:   config.Target.Environment(),
		Sampling: sampling,
		Reports:  reports,
		Logger:   logger,
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go srv.logs.run(hubCtx, logBroadcast)

	if config.Server.Schedule != "" {
		schedule, err := srv.startSchedule(config.Server.Schedule, config.Pairs)
		if err != nil {
			return err
		}
		defer schedule.Stop()
		logger.Info(fmt.Sprintf("⏰ Comparing %d configured pair(s) on schedule %q", len(config.Pairs), config.Server.Schedule))
	}

	addr := fmt.Sprintf(":%d", config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Table Comparator v%s", Version))
	logger.Info(fmt.Sprintf("📊 %s ⇄ %s API listening on http://localhost%s", config.Source.Label, config.Target.Label, addr))
	logger.Info("⌨️  Press Ctrl+C to stop the server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("⚠️  Shutting down, running jobs stop after their current table...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(fmt.Sprintf("⚠️  HTTP shutdown: %v", err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("jobs did not stop in time: %w", err)
	}
	if err := srv.waitReports(shutdownCtx); err != nil {
		return fmt.Errorf("reports did not finish in time: %w", err)
	}
	logger.Info("✅ Server stopped")
	return nil
}
