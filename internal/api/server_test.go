package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/ringwatch/internal/database"
	"github.com/flowpbx/ringwatch/internal/database/models"
	"github.com/flowpbx/ringwatch/internal/media"
	"github.com/flowpbx/ringwatch/internal/tone"
)

type fakeVerdictRepo struct {
	mu     sync.Mutex
	byID   map[string]*models.Verdict
	nextID int64
}

func newFakeVerdictRepo() *fakeVerdictRepo {
	return &fakeVerdictRepo{byID: make(map[string]*models.Verdict)}
}

func (f *fakeVerdictRepo) Create(_ context.Context, v *models.Verdict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byID[v.SessionID]; exists {
		return fmt.Errorf("duplicate session id %q", v.SessionID)
	}
	f.nextID++
	v.ID = f.nextID
	cp := *v
	f.byID[v.SessionID] = &cp
	return nil
}

func (f *fakeVerdictRepo) GetBySessionID(_ context.Context, sessionID string) (*models.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.byID[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (f *fakeVerdictRepo) List(_ context.Context, filter database.VerdictListFilter) ([]models.Verdict, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []models.Verdict
	for _, v := range f.byID {
		if filter.Tone != "" && v.Tone != filter.Tone {
			continue
		}
		if filter.CallID != "" && v.CallID != filter.CallID {
			continue
		}
		matched = append(matched, *v)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].FinishedAt.After(matched[j].FinishedAt)
	})

	total := len(matched)
	if filter.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (f *fakeVerdictRepo) CountByTone(_ context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, v := range f.byID {
		counts[v.Tone]++
	}
	return counts, nil
}

func (f *fakeVerdictRepo) Delete(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, sessionID)
	return nil
}

type fakeUserRepo struct {
	mu         sync.Mutex
	byUsername map[string]*models.OperatorUser
	nextID     int64
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byUsername: make(map[string]*models.OperatorUser)}
}

func (f *fakeUserRepo) Create(_ context.Context, user *models.OperatorUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byUsername[user.Username]; exists {
		return fmt.Errorf("duplicate username %q", user.Username)
	}
	f.nextID++
	user.ID = f.nextID
	cp := *user
	f.byUsername[user.Username] = &cp
	return nil
}

func (f *fakeUserRepo) GetByID(_ context.Context, id int64) (*models.OperatorUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byUsername {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeUserRepo) GetByUsername(_ context.Context, username string) (*models.OperatorUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byUsername[username]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUserRepo) Count(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.byUsername)), nil
}

var testJWTSecret = []byte("0123456789abcdef0123456789abcdef")

type testEnv struct {
	srv      *Server
	verdicts *fakeVerdictRepo
	users    *fakeUserRepo
}

// newTestEnv builds a server with fake repositories, a real session manager
// on the given port range, and one operator (admin / test-password).
func newTestEnv(t *testing.T, portMin, portMax int) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := media.NewManager(media.ManagerConfig{
		PortMin:  portMin,
		PortMax:  portMax,
		Detector: tone.DefaultConfig(),
	}, nil, nil, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.StopAll)

	hash, err := database.HashPassword("test-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	users := newFakeUserRepo()
	if err := users.Create(context.Background(), &models.OperatorUser{
		Username:     "admin",
		PasswordHash: hash,
	}); err != nil {
		t.Fatalf("seeding operator: %v", err)
	}

	verdicts := newFakeVerdictRepo()
	srv := NewServer(mgr, verdicts, users, testJWTSecret, nil, true)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, verdicts: verdicts, users: users}
}

type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// do performs a request against the router and decodes the envelope.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, apiEnvelope) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshalling request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)

	var env apiEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, env
}

// login returns a bearer token for the seeded operator.
func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	status, env := e.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": "admin", "password": "test-password"})
	if status != http.StatusOK {
		t.Fatalf("login status = %d (%s), want 200", status, env.Error)
	}
	var resp struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login returned an empty token")
	}
	return resp.Token
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 40400, 40410)

	status, e := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	var health struct {
		Status           string `json:"status"`
		ActiveDetections int    `json:"active_detections"`
	}
	if err := json.Unmarshal(e.Data, &health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health.Status != "ok" || health.ActiveDetections != 0 {
		t.Errorf("health = %+v, want ok with 0 detections", health)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, 40412, 40420)

	token := env.login(t)
	if token == "" {
		t.Fatal("empty token")
	}

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"wrong password", map[string]string{"username": "admin", "password": "nope"}, http.StatusUnauthorized},
		{"unknown user", map[string]string{"username": "ghost", "password": "x"}, http.StatusUnauthorized},
		{"missing password", map[string]string{"username": "admin"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, e := env.do(t, http.MethodPost, "/api/v1/auth/login", "", tt.body)
			if status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
			if e.Error == "" {
				t.Error("expected an error message in the envelope")
			}
		})
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, 40422, 40430)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/detections"},
		{http.MethodPost, "/api/v1/detections"},
		{http.MethodGet, "/api/v1/detections/some-id"},
		{http.MethodGet, "/api/v1/verdicts"},
		{http.MethodDelete, "/api/v1/verdicts/some-id"},
	}
	for _, p := range paths {
		status, _ := env.do(t, p.method, p.path, "", nil)
		if status != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", p.method, p.path, status)
		}
	}
}

func TestDetectionLifecycle(t *testing.T) {
	env := newTestEnv(t, 40432, 40440)
	token := env.login(t)

	// Invalid start requests.
	if status, _ := env.do(t, http.MethodPost, "/api/v1/detections", token,
		map[string]any{}); status != http.StatusBadRequest {
		t.Errorf("start without call_id = %d, want 400", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/api/v1/detections", token,
		map[string]any{"call_id": "leg-1", "payload_type": 96}); status != http.StatusBadRequest {
		t.Errorf("start with payload type 96 = %d, want 400", status)
	}

	// Start applies the server default hangup policy.
	status, e := env.do(t, http.MethodPost, "/api/v1/detections", token,
		map[string]any{"call_id": "leg-1"})
	if status != http.StatusCreated {
		t.Fatalf("start status = %d (%s), want 201", status, e.Error)
	}
	var det struct {
		ID           string `json:"id"`
		CallID       string `json:"call_id"`
		Port         int    `json:"port"`
		PayloadType  int    `json:"payload_type"`
		State        string `json:"state"`
		HangupOnBusy bool   `json:"hangup_on_busy"`
	}
	if err := json.Unmarshal(e.Data, &det); err != nil {
		t.Fatalf("decoding detection: %v", err)
	}
	if det.ID == "" || det.CallID != "leg-1" {
		t.Errorf("detection identity = %q/%q, want an id and leg-1", det.ID, det.CallID)
	}
	if det.Port < 40432 || det.Port > 40440 || det.Port%2 != 0 {
		t.Errorf("port = %d, want an even port in 40432-40440", det.Port)
	}
	if det.PayloadType != media.PayloadPCMU || det.State != "listening" {
		t.Errorf("detection = pt %d state %q, want pt 0 listening", det.PayloadType, det.State)
	}
	if !det.HangupOnBusy {
		t.Error("hangup_on_busy = false, want server default true")
	}

	// Explicit policy overrides the default.
	status, e = env.do(t, http.MethodPost, "/api/v1/detections", token,
		map[string]any{"call_id": "leg-2", "hangup_on_busy": false})
	if status != http.StatusCreated {
		t.Fatalf("second start status = %d, want 201", status)
	}
	var det2 struct {
		ID           string `json:"id"`
		HangupOnBusy bool   `json:"hangup_on_busy"`
	}
	if err := json.Unmarshal(e.Data, &det2); err != nil {
		t.Fatalf("decoding detection: %v", err)
	}
	if det2.HangupOnBusy {
		t.Error("hangup_on_busy = true, want explicit false")
	}

	// List shows both sessions.
	status, e = env.do(t, http.MethodGet, "/api/v1/detections", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d, want 200", status)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(e.Data, &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("list returned %d sessions, want 2", len(list))
	}

	// Get by ID.
	status, _ = env.do(t, http.MethodGet, "/api/v1/detections/"+det.ID, token, nil)
	if status != http.StatusOK {
		t.Errorf("get status = %d, want 200", status)
	}
	status, _ = env.do(t, http.MethodGet, "/api/v1/detections/no-such-id", token, nil)
	if status != http.StatusNotFound {
		t.Errorf("get unknown id = %d, want 404", status)
	}

	// Stop removes the session.
	status, _ = env.do(t, http.MethodDelete, "/api/v1/detections/"+det.ID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", status)
	}
	status, _ = env.do(t, http.MethodGet, "/api/v1/detections/"+det.ID, token, nil)
	if status != http.StatusNotFound {
		t.Errorf("get after stop = %d, want 404", status)
	}

	env.do(t, http.MethodDelete, "/api/v1/detections/"+det2.ID, token, nil)
}

func TestVerdictEndpoints(t *testing.T) {
	env := newTestEnv(t, 40442, 40450)
	token := env.login(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	seed := []*models.Verdict{
		{SessionID: "s1", CallID: "call-a", Tone: "busy", FinishCause: "busy", ToneMs: 350, SilenceMs: 350, ElapsedMs: 1400, StartedAt: base, FinishedAt: base.Add(time.Second)},
		{SessionID: "s2", CallID: "call-b", Tone: "ringback", FinishCause: "ringback", StartedAt: base, FinishedAt: base.Add(2 * time.Second)},
		{SessionID: "s3", CallID: "call-c", Tone: "busy", FinishCause: "busy", StartedAt: base, FinishedAt: base.Add(3 * time.Second)},
	}
	for _, v := range seed {
		if err := env.verdicts.Create(context.Background(), v); err != nil {
			t.Fatalf("seeding verdict %s: %v", v.SessionID, err)
		}
	}

	// List with pagination envelope.
	status, e := env.do(t, http.MethodGet, "/api/v1/verdicts", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d, want 200", status)
	}
	var page struct {
		Items []verdictResponse `json:"items"`
		Total int               `json:"total"`
		Limit int               `json:"limit"`
	}
	if err := json.Unmarshal(e.Data, &page); err != nil {
		t.Fatalf("decoding page: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 3 || page.Limit != 50 {
		t.Errorf("page = %d items, total %d, limit %d; want 3/3/50", len(page.Items), page.Total, page.Limit)
	}
	if page.Items[0].SessionID != "s3" {
		t.Errorf("newest verdict = %s, want s3", page.Items[0].SessionID)
	}

	// Tone filter.
	status, e = env.do(t, http.MethodGet, "/api/v1/verdicts?tone=busy", token, nil)
	if status != http.StatusOK {
		t.Fatalf("filtered list status = %d, want 200", status)
	}
	if err := json.Unmarshal(e.Data, &page); err != nil {
		t.Fatalf("decoding page: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("tone=busy total = %d, want 2", page.Total)
	}

	// Invalid query parameters.
	if status, _ = env.do(t, http.MethodGet, "/api/v1/verdicts?tone=dialtone", token, nil); status != http.StatusBadRequest {
		t.Errorf("tone=dialtone = %d, want 400", status)
	}
	if status, _ = env.do(t, http.MethodGet, "/api/v1/verdicts?limit=0", token, nil); status != http.StatusBadRequest {
		t.Errorf("limit=0 = %d, want 400", status)
	}

	// Get one.
	status, e = env.do(t, http.MethodGet, "/api/v1/verdicts/s1", token, nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d, want 200", status)
	}
	var got verdictResponse
	if err := json.Unmarshal(e.Data, &got); err != nil {
		t.Fatalf("decoding verdict: %v", err)
	}
	if got.SessionID != "s1" || got.Tone != "busy" || got.ToneMs != 350 {
		t.Errorf("verdict = %+v, want s1 busy 350ms", got)
	}

	status, _ = env.do(t, http.MethodGet, "/api/v1/verdicts/missing", token, nil)
	if status != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", status)
	}

	// Delete, then the verdict is gone.
	status, _ = env.do(t, http.MethodDelete, "/api/v1/verdicts/s1", token, nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", status)
	}
	status, _ = env.do(t, http.MethodGet, "/api/v1/verdicts/s1", token, nil)
	if status != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", status)
	}
	status, _ = env.do(t, http.MethodDelete, "/api/v1/verdicts/s1", token, nil)
	if status != http.StatusNotFound {
		t.Errorf("delete missing = %d, want 404", status)
	}
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t, 40452, 40460)

	// No metrics handler mounted.
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("metrics without handler = %d, want 404", rec.Code)
	}
}
