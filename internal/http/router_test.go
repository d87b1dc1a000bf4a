package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mrgoonie/devpocket-server/internal/domain"
	"github.com/mrgoonie/devpocket-server/internal/kubeconfig"
	"github.com/mrgoonie/devpocket-server/internal/repository"
	"github.com/mrgoonie/devpocket-server/internal/service/auth"
	"github.com/mrgoonie/devpocket-server/internal/service/cluster"
	"github.com/mrgoonie/devpocket-server/internal/service/environment"
	"github.com/mrgoonie/devpocket-server/pkg/config"
	"github.com/mrgoonie/devpocket-server/pkg/crypto"
)

func TestHandleSignupAndLogin(t *testing.T) {
	router := setupRouter(t, newEnvRepoStub(), &connsStub{})

	body := strings.NewReader(`{"email":"Dev@Example.com","password":"hunter2secret"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/signup", body)
	rr := httptest.NewRecorder()
	router.handleSignup(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		User struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
		Tokens struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	if created.User.Email != "dev@example.com" {
		t.Fatalf("expected normalized email, got %q", created.User.Email)
	}
	if created.Tokens.AccessToken == "" {
		t.Fatal("expected access token in signup response")
	}

	login := strings.NewReader(`{"email":"dev@example.com","password":"hunter2secret"}`)
	req = httptest.NewRequest(http.MethodPost, "/auth/login", login)
	rr = httptest.NewRecorder()
	router.handleLogin(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 on login, got %d: %s", rr.Code, rr.Body.String())
	}

	bad := strings.NewReader(`{"email":"dev@example.com","password":"wrong-password"}`)
	req = httptest.NewRequest(http.MethodPost, "/auth/login", bad)
	rr = httptest.NewRecorder()
	router.handleLogin(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 on bad password, got %d", rr.Code)
	}
}

func TestCreateEnvironmentRunsDetachedProvisioning(t *testing.T) {
	envRepo := newEnvRepoStub()
	conns := &connsStub{err: assertError("cluster gone")}
	router := setupRouter(t, envRepo, conns)

	body := strings.NewReader(`{"cluster_id":"cl-1","name":"devbox"}`)
	req := httptest.NewRequest(http.MethodPost, "/environments", body)
	req = req.WithContext(withAuth(req.Context(), "user-123"))
	rr := httptest.NewRecorder()
	router.handleEnvironments(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var env domain.Environment
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode environment: %v", err)
	}
	if env.Status != domain.EnvironmentStatusCreating {
		t.Fatalf("expected CREATING in response, got %q", env.Status)
	}

	// Provisioning runs in the background and fails against the stubbed
	// connection manager, so the row must land in ERROR.
	waitFor(t, 2*time.Second, func() bool {
		stored, err := envRepo.GetEnvironmentByID(context.Background(), env.ID)
		if err != nil {
			return false
		}
		return stored.Status == domain.EnvironmentStatusError
	})
}

func TestEnvironmentInfoFailsSoftOnRepositoryError(t *testing.T) {
	envRepo := newEnvRepoStub()
	envRepo.getErr = assertError("datastore unreachable")
	router := setupRouter(t, envRepo, &connsStub{})

	req := httptest.NewRequest(http.MethodGet, "/environments/env-1", nil)
	req = req.WithContext(withAuth(req.Context(), "user-123"))
	rr := httptest.NewRecorder()
	router.handleEnvironmentSubroutes(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 from degraded probe, got %d: %s", rr.Code, rr.Body.String())
	}
	var info environment.Info
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Status != domain.EnvironmentStatusError || info.Namespace != "unknown" {
		t.Fatalf("expected degraded snapshot, got %+v", info)
	}
}

func TestEnvironmentRoutesHideForeignRows(t *testing.T) {
	envRepo := newEnvRepoStub()
	envRepo.envs["env-1"] = &domain.Environment{
		ID:     "env-1",
		UserID: "someone-else",
		Status: domain.EnvironmentStatusRunning,
	}
	router := setupRouter(t, envRepo, &connsStub{})

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/environments/env-1"},
		{http.MethodDelete, "/environments/env-1"},
		{http.MethodPost, "/environments/env-1/stop"},
		{http.MethodGet, "/environments/env-1/logs"},
	} {
		req := httptest.NewRequest(route.method, route.path, nil)
		req = req.WithContext(withAuth(req.Context(), "user-123"))
		rr := httptest.NewRecorder()
		router.handleEnvironmentSubroutes(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected status 404, got %d", route.method, route.path, rr.Code)
		}
	}
}

func TestStopRejectsWrongStateWithBadRequest(t *testing.T) {
	envRepo := newEnvRepoStub()
	envRepo.envs["env-1"] = &domain.Environment{
		ID:     "env-1",
		UserID: "user-123",
		Status: domain.EnvironmentStatusStopped,
	}
	router := setupRouter(t, envRepo, &connsStub{})

	req := httptest.NewRequest(http.MethodPost, "/environments/env-1/stop", nil)
	req = req.WithContext(withAuth(req.Context(), "user-123"))
	rr := httptest.NewRecorder()
	router.handleEnvironmentSubroutes(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for invalid transition, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestWriteServiceErrorMapping(t *testing.T) {
	router := setupRouter(t, newEnvRepoStub(), &connsStub{})

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", repository.ErrNotFound, http.StatusNotFound},
		{"conflict", repository.ErrConflict, http.StatusConflict},
		{"invalid argument", repository.ErrInvalidArgument, http.StatusBadRequest},
		{"invalid kubeconfig", kubeconfig.ErrInvalidDocument, http.StatusBadRequest},
		{"invalid payload", crypto.ErrInvalidPayload, http.StatusBadRequest},
		{"bad credential", cluster.ErrBadKubeconfig, http.StatusBadRequest},
		{"cluster unavailable", cluster.ErrClusterUnavailable, http.StatusServiceUnavailable},
		{"unknown", assertError("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		router.writeServiceError(rr, tc.err)
		if rr.Code != tc.want {
			t.Fatalf("%s: expected status %d, got %d", tc.name, tc.want, rr.Code)
		}
	}
}

func TestHealthzReportsDegradedDatabase(t *testing.T) {
	router := setupRouter(t, newEnvRepoStub(), &connsStub{})
	router.dbHealth = func(context.Context) error { return assertError("connection refused") }

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.handleHealthz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var payload struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("expected degraded status, got %q", payload.Status)
	}
	if payload.Components["database"]["status"] != "down" {
		t.Fatalf("expected database down, got %+v", payload.Components["database"])
	}
}

func TestTerminalRejectsMissingToken(t *testing.T) {
	router := setupRouter(t, newEnvRepoStub(), &connsStub{})

	req := httptest.NewRequest(http.MethodGet, "/ws/environments/env-1/terminal", nil)
	rr := httptest.NewRecorder()
	router.handleTerminal(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

type envRepoStub struct {
	mu     sync.Mutex
	envs   map[string]*domain.Environment
	getErr error
}

func newEnvRepoStub() *envRepoStub {
	return &envRepoStub{envs: make(map[string]*domain.Environment)}
}

func (r *envRepoStub) CreateEnvironment(_ context.Context, env *domain.Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *env
	r.envs[env.ID] = &copy
	return nil
}

func (r *envRepoStub) GetEnvironmentByID(_ context.Context, id string) (*domain.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	env, ok := r.envs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *env
	return &copy, nil
}

func (r *envRepoStub) ListEnvironmentsByUser(_ context.Context, userID string) ([]domain.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Environment
	for _, env := range r.envs {
		if env.UserID == userID {
			out = append(out, *env)
		}
	}
	return out, nil
}

func (r *envRepoStub) UpdateEnvironmentStatus(_ context.Context, update domain.EnvironmentStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[update.EnvironmentID]
	if !ok {
		return repository.ErrNotFound
	}
	env.Status = update.Status
	env.LastError = update.LastError
	return nil
}

func (r *envRepoStub) DeleteEnvironment(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.envs, id)
	return nil
}

type connsStub struct {
	conn *cluster.Conn
	err  error
}

func (c *connsStub) GetClient(context.Context, string) (*cluster.Conn, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.conn, nil
}

type userRepoStub struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newUserRepoStub() *userRepoStub {
	return &userRepoStub{users: make(map[string]*domain.User)}
}

func (u *userRepoStub) CreateUser(_ context.Context, user *domain.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, existing := range u.users {
		if existing.Email == user.Email {
			return repository.ErrConflict
		}
	}
	copy := *user
	u.users[user.ID] = &copy
	return nil
}

func (u *userRepoStub) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, user := range u.users {
		if user.Email == email {
			copy := *user
			return &copy, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (u *userRepoStub) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if user, ok := u.users[id]; ok {
		copy := *user
		return &copy, nil
	}
	return nil, repository.ErrNotFound
}

func setupRouter(t *testing.T, envRepo *envRepoStub, conns *connsStub) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		JWTSecret:            "test-secret",
		AccessTokenTTL:       time.Hour,
		RefreshTokenTTL:      24 * time.Hour,
		EnvironmentImage:     "ubuntu:22.04",
		EnvironmentNamespace: "devpocket-env",
	}
	return &Router{
		logger: logger,
		auth:   auth.New(newUserRepoStub(), logger, cfg),
		envs:   environment.New(envRepo, conns, logger, cfg),
	}
}

func withAuth(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyAuth, authInfo{UserID: userID})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type assertError string

func (e assertError) Error() string { return string(e) }
