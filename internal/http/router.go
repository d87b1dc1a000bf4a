package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrgoonie/devpocket-server/internal/kubeconfig"
	"github.com/mrgoonie/devpocket-server/internal/repository"
	"github.com/mrgoonie/devpocket-server/internal/service/auth"
	"github.com/mrgoonie/devpocket-server/internal/service/cluster"
	"github.com/mrgoonie/devpocket-server/internal/service/environment"
	"github.com/mrgoonie/devpocket-server/internal/ws"
	"github.com/mrgoonie/devpocket-server/pkg/crypto"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	clusters *cluster.Registry
	envs     environment.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	provisionTimeout   = 5 * time.Minute
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, clusterSvc *cluster.Registry, envSvc environment.Service, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		clusters: clusterSvc,
		envs:     envSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit("/auth/signup", r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/clusters", r.audit("/clusters", r.handlerAuthRate("/clusters", rateLimitUserWrite, rateWindowDefault, r.handleClusters)))
	r.mux.HandleFunc("/clusters/", r.audit("/clusters/", r.handlerAuthRate("/clusters/", rateLimitUserWrite, rateWindowDefault, r.handleClusterSubroutes)))
	r.mux.HandleFunc("/environments", r.audit("/environments", r.handlerAuthRate("/environments", rateLimitUserWrite, rateWindowDefault, r.handleEnvironments)))
	r.mux.HandleFunc("/environments/", r.audit("/environments/", r.handlerAuthRate("/environments/", rateLimitUserRead, rateWindowDefault, r.handleEnvironmentSubroutes)))
	r.mux.HandleFunc("/ws/environments/", r.audit("/ws/environments/", r.withRateLimit("/ws/environments/", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.handleTerminal)))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":   map[string]any{"id": user.ID, "email": user.Email},
		"tokens": tokens,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   map[string]any{"id": user.ID, "email": user.Email},
		"tokens": tokens,
	})
}

// clusterResponse omits the stored credential payload.
type clusterResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Provider  string    `json:"provider"`
	Region    string    `json:"region"`
	NodeCount int       `json:"node_count"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Router) handleClusters(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name       string `json:"name"`
			Kubeconfig string `json:"kubeconfig"`
			Validate   bool   `json:"validate"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		record, err := r.clusters.Register(req.Context(), cluster.RegisterInput{
			Name:       payload.Name,
			Kubeconfig: payload.Kubeconfig,
			Validate:   payload.Validate,
		})
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, clusterResponse{
			ID:        record.ID,
			Name:      record.Name,
			Status:    record.Status,
			Provider:  record.Provider,
			Region:    record.Region,
			NodeCount: record.NodeCount,
			CreatedAt: record.CreatedAt,
		})
	case http.MethodGet:
		records, err := r.clusters.List(req.Context())
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		out := make([]clusterResponse, 0, len(records))
		for _, record := range records {
			out = append(out, clusterResponse{
				ID:        record.ID,
				Name:      record.Name,
				Status:    record.Status,
				Provider:  record.Provider,
				Region:    record.Region,
				NodeCount: record.NodeCount,
				CreatedAt: record.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleClusterSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/clusters/")
	parts := strings.Split(trimmed, "/")
	clusterID := parts[0]
	if clusterID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodDelete {
			r.methodNotAllowed(w)
			return
		}
		if err := r.clusters.Remove(req.Context(), clusterID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	case len(parts) == 2 && parts[1] == "validate":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		result, err := r.clusters.Validate(req.Context(), clusterID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case len(parts) == 2 && parts[1] == "deactivate":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		if err := r.clusters.Deactivate(req.Context(), clusterID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for environment route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			ClusterID string `json:"cluster_id"`
			Name      string `json:"name"`
			Image     string `json:"image"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		env, err := r.envs.Create(req.Context(), environment.CreateInput{
			UserID:    info.UserID,
			ClusterID: payload.ClusterID,
			Name:      payload.Name,
			Image:     payload.Image,
		})
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		// Provisioning waits on pod readiness, so it runs detached from
		// the request. Failures land in the row's status and last_error.
		go func(environmentID string) {
			ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
			defer cancel()
			if err := r.envs.Provision(ctx, environmentID); err != nil {
				r.logger.Error("environment provisioning failed", "environment_id", environmentID, "error", err)
			}
		}(env.ID)
		writeJSON(w, http.StatusAccepted, env)
	case http.MethodGet:
		envs, err := r.envs.List(req.Context(), info.UserID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envs)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEnvironmentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/environments/")
	parts := strings.Split(trimmed, "/")
	environmentID := parts[0]
	if environmentID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		switch req.Method {
		case http.MethodGet:
			// Fail-soft probe: ownership is enforced when the row is
			// readable, and a degraded snapshot is returned otherwise.
			if !r.checkEnvironmentOwner(w, req, environmentID, true) {
				return
			}
			writeJSON(w, http.StatusOK, r.envs.Info(req.Context(), environmentID))
		case http.MethodDelete:
			if !r.checkEnvironmentOwner(w, req, environmentID, false) {
				return
			}
			if err := r.envs.Delete(req.Context(), environmentID); err != nil {
				r.writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
		default:
			r.methodNotAllowed(w)
		}
	case len(parts) == 2 && parts[1] == "start":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		if !r.checkEnvironmentOwner(w, req, environmentID, false) {
			return
		}
		if err := r.envs.Start(req.Context(), environmentID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
	case len(parts) == 2 && parts[1] == "stop":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		if !r.checkEnvironmentOwner(w, req, environmentID, false) {
			return
		}
		if err := r.envs.Stop(req.Context(), environmentID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	case len(parts) == 2 && parts[1] == "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		if !r.checkEnvironmentOwner(w, req, environmentID, true) {
			return
		}
		tail, _ := strconv.Atoi(req.URL.Query().Get("tail"))
		writeJSON(w, http.StatusOK, map[string]string{
			"logs": r.envs.Logs(req.Context(), environmentID, tail),
		})
	default:
		r.notFound(w)
	}
}

// checkEnvironmentOwner hides environments belonging to other users. On the
// fail-soft routes a datastore failure is tolerated so the probe can still
// produce its degraded answer.
func (r *Router) checkEnvironmentOwner(w http.ResponseWriter, req *http.Request, environmentID string, failSoft bool) bool {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for environment route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return false
	}
	env, err := r.envs.Get(req.Context(), environmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return false
		}
		if failSoft {
			return true
		}
		r.writeServiceError(w, err)
		return false
	}
	if env.UserID != info.UserID {
		r.notFound(w)
		return false
	}
	return true
}

func (r *Router) handleTerminal(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/ws/environments/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[1] != "terminal" || parts[0] == "" {
		r.notFound(w)
		return
	}
	environmentID := parts[0]

	// Browsers cannot set headers on websocket dials, so a query token is
	// accepted as a fallback.
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		token = strings.TrimSpace(req.URL.Query().Get("access_token"))
	}
	user, err := r.auth.Authorize(req.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	env, err := r.envs.Get(req.Context(), environmentID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	if env.UserID != user.ID {
		r.notFound(w)
		return
	}

	command := []string{"/bin/sh"}
	if shell := strings.TrimSpace(req.URL.Query().Get("shell")); shell != "" {
		command = []string{shell}
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	term := ws.NewTerminal(conn, r.logger)
	defer term.Close()
	if err := r.envs.Exec(req.Context(), environmentID, command, term, term, term); err != nil {
		r.logger.Warn("terminal session ended with error", "environment_id", environmentID, "error", err)
		term.WriteStatus("session error: " + err.Error())
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps service-layer error kinds onto HTTP status codes.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, kubeconfig.ErrInvalidDocument),
		errors.Is(err, crypto.ErrInvalidPayload),
		errors.Is(err, cluster.ErrBadKubeconfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cluster.ErrClusterUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			fields = append(fields, "user_id", info.UserID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
