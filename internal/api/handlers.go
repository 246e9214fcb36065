// Package api provides the HTTP surface for device enrollment, telemetry
// ingestion and fleet inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/darshan-rambhia/fleetlink/internal/apperr"
	"github.com/darshan-rambhia/fleetlink/internal/auth"
	"github.com/darshan-rambhia/fleetlink/internal/broadcast"
	"github.com/darshan-rambhia/fleetlink/internal/cache"
	"github.com/darshan-rambhia/fleetlink/internal/enroll"
	"github.com/darshan-rambhia/fleetlink/internal/ingest"
	"github.com/darshan-rambhia/fleetlink/internal/model"
	"github.com/darshan-rambhia/fleetlink/internal/store"
	"github.com/darshan-rambhia/fleetlink/internal/tunnel"
	"github.com/go-playground/validator/v10"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/darshan-rambhia/fleetlink/docs/swagger"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("wgkey", func(fl validator.FieldLevel) bool {
		_, err := tunnel.ParseKey(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// Config holds the settings the HTTP layer needs.
type Config struct {
	Addr                  string
	APIURL                string
	TunnelServerPublicKey string
	TunnelServerEndpoint  string
	HeartbeatInterval     time.Duration

	RateLimitRequests int
	RateLimitPer      time.Duration
	RateLimitBurst    int
	TrustProxy        bool

	// Verifier guards the operator routes. Nil leaves them open.
	Verifier *auth.Verifier
}

// Server is the HTTP server for fleetlink.
type Server struct {
	config  Config
	cache   *cache.Cache
	store   *store.Store
	enroll  *enroll.Coordinator
	ingest  *ingest.Ingestor
	hub     *broadcast.Hub
	limiter *RateLimiter
	mux     *http.ServeMux
	server  *http.Server

	clientIP func(*http.Request) string
	closing  chan struct{}
}

// NewServer creates a new HTTP server.
func NewServer(cfg Config, c *cache.Cache, s *store.Store, e *enroll.Coordinator, in *ingest.Ingestor, hub *broadcast.Hub) *Server {
	srv := &Server{
		config:   cfg,
		cache:    c,
		store:    s,
		enroll:   e,
		ingest:   in,
		hub:      hub,
		mux:      http.NewServeMux(),
		clientIP: remoteIP,
		closing:  make(chan struct{}),
	}
	if cfg.TrustProxy {
		srv.clientIP = forwardedIP
	}
	srv.limiter = NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPer, cfg.RateLimitBurst, srv.clientIP)

	srv.registerRoutes()

	srv.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      SecurityHeadersMiddleware(RecoveryMiddleware(LoggingMiddleware(srv.limiter.Middleware(srv.mux)))),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv.server.RegisterOnShutdown(func() { close(srv.closing) })

	return srv
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("HTTP server starting", "addr", s.server.Addr)

	go s.limiter.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	// Device agents
	s.mux.HandleFunc("POST /api/enroll", s.handleEnroll)
	s.mux.HandleFunc("GET /api/enroll/validate/{claim_code}", s.handleValidateClaim)
	s.mux.HandleFunc("POST /api/heartbeat/{device_id}", s.handleHeartbeat)
	s.mux.HandleFunc("POST /api/heartbeat/{device_id}/facts", s.handleFacts)

	// Operators
	op := func(h http.HandlerFunc) http.HandlerFunc { return requireOperator(s.config.Verifier, h) }
	s.mux.HandleFunc("GET /api/devices", op(s.handleListDevices))
	s.mux.HandleFunc("POST /api/devices", op(s.handleCreateDevice))
	s.mux.HandleFunc("GET /api/devices/{id}", op(s.handleGetDevice))
	s.mux.HandleFunc("GET /api/devices/{id}/metrics", op(s.handleDeviceMetrics))
	s.mux.HandleFunc("GET /api/fleet", op(s.handleFleet))
	s.mux.HandleFunc("GET /ws", op(s.handleWS))

	// Health check
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Swagger UI
	s.mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
}

// writeJSON marshals v to JSON into a buffer first, then writes it to the
// response. This ensures marshalling errors can be returned as a proper 500.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	writeJSONStatus(w, r, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding JSON response", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.Debug("writing JSON response", "path", r.URL.Path, "error", err)
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error    string `json:"error"`
	Reason   string `json:"reason"`
	DeviceID int64  `json:"device_id,omitempty"`
}

// writeError maps err onto its status code. Causes are logged, never sent.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	status := e.Kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "kind", e.Kind, "reason", e.Reason, "error", e.Err)
	} else {
		slog.Debug("request rejected", "path", r.URL.Path, "kind", e.Kind, "reason", e.Reason, "error", e.Err)
	}
	writeJSONStatus(w, r, status, errorResponse{Error: e.Message, Reason: e.Reason, DeviceID: e.DeviceID})
}

// decodeBody reads a JSON body of at most maxBodyBytes into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.Validation, apperr.ReasonMalformedBody, "Malformed request body", err)
	}
	return nil
}

// validationError converts validator failures into a client error. Missing
// fields are reported separately from malformed ones.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.Validation, apperr.ReasonMalformedBody, "Malformed request body", err)
	}
	var missing, invalid []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
		} else {
			invalid = append(invalid, fe.Field())
		}
	}
	if len(missing) > 0 {
		return apperr.Wrap(apperr.Validation, apperr.ReasonMissingFields, "Missing required fields: "+strings.Join(missing, ", "), err)
	}
	return apperr.Wrap(apperr.Validation, apperr.ReasonMalformedBody, "Invalid fields: "+strings.Join(invalid, ", "), err)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.Validation, apperr.ReasonMalformedBody, "Invalid device id")
	}
	return id, nil
}

// enrollRequest is the body of POST /api/enroll.
type enrollRequest struct {
	ClaimCode       string `json:"claim_code" validate:"required"`
	Hostname        string `json:"hostname" validate:"required,max=253"`
	TunnelPublicKey string `json:"tunnel_public_key" validate:"required,wgkey"`
	model.HardwareDescriptor
}

// enrollResponse is everything an agent needs to bring its tunnel up.
type enrollResponse struct {
	Success                  bool   `json:"success"`
	DeviceID                 int64  `json:"device_id"`
	DeviceName               string `json:"device_name"`
	TunnelAddress            string `json:"tunnel_address"`
	TunnelServerPublicKey    string `json:"tunnel_server_public_key"`
	TunnelServerEndpoint     string `json:"tunnel_server_endpoint"`
	APIURL                   string `json:"api_url"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

// @Summary Enroll a device
// @Description Redeems a claim code, allocates a tunnel address and configures the tunnel peer
// @Accept json
// @Produce json
// @Param body body enrollRequest true "Enrollment request"
// @Success 200 {object} enrollResponse
// @Failure 400 {object} errorResponse "Missing or malformed fields"
// @Failure 404 {object} errorResponse "Invalid or expired claim code"
// @Failure 409 {object} errorResponse "Hardware already enrolled"
// @Failure 500 {object} errorResponse "Tunnel provisioning failed"
// @Failure 507 {object} errorResponse "Address range exhausted"
// @Router /api/enroll [post]
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, validationError(err))
		return
	}

	d, err := s.enroll.Enroll(r.Context(), enroll.Request{
		ClaimCode: strings.TrimSpace(req.ClaimCode),
		Hostname:  req.Hostname,
		PublicKey: req.TunnelPublicKey,
		Hardware:  req.HardwareDescriptor,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, enrollResponse{
		Success:                  true,
		DeviceID:                 d.ID,
		DeviceName:               d.DeviceName,
		TunnelAddress:            d.TunnelAddress,
		TunnelServerPublicKey:    s.config.TunnelServerPublicKey,
		TunnelServerEndpoint:     s.config.TunnelServerEndpoint,
		APIURL:                   s.config.APIURL,
		HeartbeatIntervalSeconds: int(s.config.HeartbeatInterval / time.Second),
	})
}

// validateResponse describes the device a claim code belongs to.
type validateResponse struct {
	Valid      bool   `json:"valid"`
	DeviceName string `json:"device_name,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	OrgName    string `json:"org_name,omitempty"`
	SiteName   string `json:"site_name,omitempty"`
	Error      string `json:"error,omitempty"`
}

// @Summary Validate a claim code
// @Description Reports whether a claim code can be redeemed without consuming it
// @Produce json
// @Param claim_code path string true "Claim code"
// @Success 200 {object} validateResponse
// @Failure 404 {object} validateResponse
// @Router /api/enroll/validate/{claim_code} [get]
func (s *Server) handleValidateClaim(w http.ResponseWriter, r *http.Request) {
	d, err := s.enroll.Validate(r.Context(), strings.TrimSpace(r.PathValue("claim_code")))
	if err != nil {
		e := apperr.From(err)
		if e.Kind != apperr.NotFound {
			writeError(w, r, err)
			return
		}
		writeJSONStatus(w, r, http.StatusNotFound, validateResponse{Valid: false, Error: e.Message})
		return
	}
	writeJSON(w, r, validateResponse{
		Valid:      true,
		DeviceName: d.DeviceName,
		DeviceType: string(d.DeviceClass),
		OrgName:    d.OrgName,
		SiteName:   d.SiteName,
	})
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// @Summary Submit a heartbeat
// @Description Replaces the device's latest snapshot and folds the sample into its 5-minute rollup
// @Accept json
// @Produce json
// @Param device_id path int true "Device ID"
// @Param body body model.HeartbeatReport true "Heartbeat report"
// @Success 200 {object} successResponse
// @Failure 400 {object} errorResponse "Malformed body"
// @Failure 404 {object} errorResponse "Unknown device"
// @Failure 500 {object} errorResponse "Storage failure"
// @Router /api/heartbeat/{device_id} [post]
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "device_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var report model.HeartbeatReport
	if err := decodeBody(w, r, &report); err != nil {
		writeError(w, r, err)
		return
	}

	duplicate, err := s.ingest.Heartbeat(r.Context(), id, report, s.clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := "Heartbeat received"
	if duplicate {
		msg = "Heartbeat already received"
	}
	writeJSON(w, r, successResponse{Success: true, Message: msg})
}

// @Summary Submit device facts
// @Description Appends an arbitrary facts document to the device's history
// @Accept json
// @Produce json
// @Param device_id path int true "Device ID"
// @Param body body object true "Facts document"
// @Success 200 {object} successResponse
// @Failure 400 {object} errorResponse "Malformed body"
// @Failure 404 {object} errorResponse "Unknown device"
// @Failure 500 {object} errorResponse "Storage failure"
// @Router /api/heartbeat/{device_id}/facts [post]
func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "device_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var facts json.RawMessage
	if err := decodeBody(w, r, &facts); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.ingest.RecordFacts(r.Context(), id, facts); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, successResponse{Success: true, Message: "Facts received"})
}

// @Summary List devices
// @Description Lists devices, optionally filtered by status
// @Produce json
// @Security BearerAuth
// @Param status query string false "pending, provisioning, active, offline or suspended"
// @Success 200 {array} model.Device
// @Failure 400 {object} errorResponse "Unknown status"
// @Failure 401 {object} errorResponse
// @Router /api/devices [get]
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	status := model.DeviceStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, r, apperr.New(apperr.Validation, apperr.ReasonMalformedBody, "Unknown status"))
		return
	}
	devices, err := s.store.ListDevices(r.Context(), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if devices == nil {
		devices = []model.Device{}
	}
	writeJSON(w, r, devices)
}

// createDeviceRequest is the body of POST /api/devices.
type createDeviceRequest struct {
	OrgSlug      string `json:"org_slug" validate:"required"`
	SiteSlug     string `json:"site_slug"`
	DeviceName   string `json:"device_name" validate:"required,max=128"`
	DeviceClass  string `json:"device_class" validate:"required,oneof=scanner server"`
	BillingClass string `json:"billing_class" validate:"required,oneof=customer internal"`
}

type createDeviceResponse struct {
	Device    *model.Device `json:"device"`
	ClaimCode string        `json:"claim_code"`
}

// @Summary Create a pending device
// @Description Registers a device awaiting enrollment and returns its claim code
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body createDeviceRequest true "Pending device"
// @Success 201 {object} createDeviceResponse
// @Failure 400 {object} errorResponse
// @Failure 401 {object} errorResponse
// @Router /api/devices [post]
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, validationError(err))
		return
	}
	d, code, err := s.enroll.CreatePending(r.Context(), model.PendingDevice{
		OrgSlug:      req.OrgSlug,
		SiteSlug:     req.SiteSlug,
		DeviceName:   req.DeviceName,
		DeviceClass:  model.DeviceClass(req.DeviceClass),
		BillingClass: model.BillingClass(req.BillingClass),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONStatus(w, r, http.StatusCreated, createDeviceResponse{Device: d, ClaimCode: code})
}

type deviceDetail struct {
	Device      *model.Device      `json:"device"`
	Heartbeat   *model.Heartbeat   `json:"heartbeat"`
	LatestFacts *model.DeviceFacts `json:"latest_facts"`
}

// @Summary Device detail
// @Description Returns a device with its latest heartbeat snapshot and facts
// @Produce json
// @Security BearerAuth
// @Param id path int true "Device ID"
// @Success 200 {object} deviceDetail
// @Failure 404 {object} errorResponse
// @Router /api/devices/{id} [get]
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.lookupDevice(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := deviceDetail{Device: d}

	hb, err := s.store.GetHeartbeat(r.Context(), d.ID)
	switch {
	case err == nil:
		out.Heartbeat = hb
	case !errors.Is(err, store.ErrNotFound):
		writeError(w, r, err)
		return
	}

	facts, err := s.store.GetFacts(r.Context(), d.ID, 1)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(facts) > 0 {
		out.LatestFacts = &facts[0]
	}
	writeJSON(w, r, out)
}

// @Summary Device metrics
// @Description Returns 5-minute rollup buckets for a device
// @Produce json
// @Security BearerAuth
// @Param id path int true "Device ID"
// @Param hours query int false "Hours of history (1-168)" default(24)
// @Success 200 {array} model.RollupBucket
// @Failure 404 {object} errorResponse
// @Router /api/devices/{id}/metrics [get]
func (s *Server) handleDeviceMetrics(w http.ResponseWriter, r *http.Request) {
	d, err := s.lookupDevice(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		if v, err := strconv.Atoi(h); err == nil && v > 0 && v <= 168 {
			hours = v
		}
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	buckets, err := s.store.GetRollups(r.Context(), d.ID, since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if buckets == nil {
		buckets = []model.RollupBucket{}
	}
	writeJSON(w, r, buckets)
}

func (s *Server) lookupDevice(r *http.Request) (*model.Device, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return nil, err
	}
	d, err := s.store.GetDevice(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.NotFound, apperr.ReasonDeviceNotFound, "Device not found", err)
	}
	return d, err
}

// fleetResponse is the live view of the fleet.
type fleetResponse struct {
	Counts        map[model.DeviceStatus]int `json:"counts"`
	Devices       []model.DeviceState        `json:"devices"`
	Subscribers   int                        `json:"subscribers"`
	DroppedEvents uint64                     `json:"dropped_events"`
}

// @Summary Live fleet summary
// @Description Returns per-status counts and the latest state of every device
// @Produce json
// @Security BearerAuth
// @Success 200 {object} fleetResponse
// @Router /api/fleet [get]
func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	snap := s.cache.Snapshot()
	writeJSON(w, r, fleetResponse{
		Counts:        snap.Counts(),
		Devices:       snap.Sorted(),
		Subscribers:   s.hub.Subscribers(),
		DroppedEvents: s.hub.Dropped(),
	})
}

// @Summary Health check
// @Description Returns service health and live device counts
// @Produce json
// @Success 200 {object} map[string]interface{} "Health status"
// @Failure 503 {object} map[string]interface{} "Database unreachable"
// @Router /healthz [get]
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		slog.Warn("health check failed", "error", err)
		writeJSONStatus(w, r, http.StatusServiceUnavailable, map[string]any{
			"status":    "unavailable",
			"timestamp": time.Now().Unix(),
		})
		return
	}
	writeJSON(w, r, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"devices":   s.cache.Snapshot().Counts(),
	})
}
