package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/metronome/internal/database"
	"github.com/dandantas/metronome/internal/membership"
	"github.com/dandantas/metronome/internal/model"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeJobs []model.JobStats

func (f fakeJobs) Jobs() []model.JobStats { return f }

type fakeRuns struct{ runs []model.JobRun }

func (f fakeRuns) ListByJob(_ context.Context, job string, page, limit int) ([]model.JobRun, int64, error) {
	var out []model.JobRun
	for _, r := range f.runs {
		if r.Job == job {
			out = append(out, r)
		}
	}
	return out, int64(len(out)), nil
}

type fakeStore struct {
	mu   sync.Mutex
	defs map[string]model.JobDefinition
}

func newFakeStore() *fakeStore {
	return &fakeStore{defs: make(map[string]model.JobDefinition)}
}

func (s *fakeStore) Create(_ context.Context, def *model.JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[def.Name]; ok {
		return fmt.Errorf("job definition '%s': %w", def.Name, database.ErrDuplicate)
	}
	s.defs[def.Name] = *def
	return nil
}

func (s *fakeStore) GetByName(_ context.Context, name string) (*model.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[name]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &def, nil
}

func (s *fakeStore) List(context.Context, int, int) ([]model.JobDefinition, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.JobDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	return out, int64(len(out)), nil
}

func (s *fakeStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[name]; !ok {
		return database.ErrNotFound
	}
	delete(s.defs, name)
	return nil
}

type countingSyncer struct{ n int }

func (s *countingSyncer) SyncDefinitions(context.Context) error {
	s.n++
	return nil
}

func newTestRouter(t *testing.T, pingErr error) (http.Handler, *fakeStore, *countingSyncer) {
	t.Helper()
	tracker := membership.NewTracker()
	tracker.AddMember(model.Member{Address: "a", Roles: []string{"worker"}, UpNumber: 1})
	tracker.AddMember(model.Member{Address: "b", Roles: []string{"api"}, UpNumber: 2})

	jobs := fakeJobs{{Name: "report", Schedule: "*/5 * * * * *", Policy: model.PolicyGlobalSingleton, Executed: 3}}
	runs := fakeRuns{runs: []model.JobRun{{Job: "report", TickID: "t1", Status: model.RunSucceeded}}}
	store := newFakeStore()
	syncer := &countingSyncer{}

	router := NewRouter(
		NewHealthHandler(fakePinger{err: pingErr}, tracker, "b", "test"),
		NewClusterHandler(tracker),
		NewJobHandler(jobs, runs),
		NewJobDefinitionHandler(store, syncer),
	)
	return router.Handler(), store, syncer
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthAndReady(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
	var health HealthResponse
	decode(t, rec, &health)
	assert.Equal(t, "connected", health.MongoDB)
	assert.Equal(t, "b", health.Node)

	rec = do(t, h, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadyResponse
	decode(t, rec, &ready)
	assert.True(t, ready.Member)
	assert.Equal(t, "a", ready.Leader)

	h, _, _ = newTestRouter(t, errors.New("down"))
	rec = do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestClusterEndpoints(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/cluster/leader", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var leader model.Member
	decode(t, rec, &leader)
	assert.Equal(t, "a", leader.Address)

	rec = do(t, h, http.MethodGet, "/api/v1/cluster/leader?role=api", "")
	decode(t, rec, &leader)
	assert.Equal(t, "b", leader.Address)

	rec = do(t, h, http.MethodGet, "/api/v1/cluster/leader?role=nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/cluster/is-leader?role=api&address=b", "")
	var isLeader IsLeaderResponse
	decode(t, rec, &isLeader)
	assert.True(t, isLeader.IsLeader)

	rec = do(t, h, http.MethodGet, "/api/v1/cluster/is-leader?address=b", "")
	decode(t, rec, &isLeader)
	assert.False(t, isLeader.IsLeader)

	rec = do(t, h, http.MethodGet, "/api/v1/cluster/is-leader", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/cluster/members", "")
	var members MembersResponse
	decode(t, rec, &members)
	require.Equal(t, 2, members.Total)
	assert.Equal(t, "a", members.Members[0].Address)
}

func TestJobEndpoints(t *testing.T) {
	h, _, _ := newTestRouter(t, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list JobListResponse
	decode(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, int64(3), list.Results[0].Executed)

	rec = do(t, h, http.MethodGet, "/api/v1/jobs/report", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/jobs/report/runs?limit=500", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs RunListResponse
	decode(t, rec, &runs)
	assert.Equal(t, int64(1), runs.Total)
	assert.Equal(t, 100, runs.Limit)

	rec = do(t, h, http.MethodGet, "/api/v1/jobs/report/other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobDefinitionEndpoints(t *testing.T) {
	h, store, syncer := newTestRouter(t, nil)
	body := `{"name":"hook","enabled":true,"schedule":"*/5 * *","policy":"global_singleton","webhook":{"url":"http://example.com/hook"}}`

	rec := do(t, h, http.MethodPost, "/api/v1/job-definitions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created CreateResponse
	decode(t, rec, &created)
	assert.Equal(t, "hook", created.Name)
	assert.Equal(t, 1, syncer.n)

	def, err := store.GetByName(context.Background(), "hook")
	require.NoError(t, err)
	assert.Equal(t, "POST", def.Webhook.Method)
	assert.False(t, def.Metadata.CreatedAt.IsZero())

	rec = do(t, h, http.MethodPost, "/api/v1/job-definitions", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/job-definitions", `{"name":"bad","schedule":"nope","webhook":{"url":"http://x"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/job-definitions", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/job-definitions", "")
	var list DefinitionListResponse
	decode(t, rec, &list)
	assert.Equal(t, int64(1), list.Total)

	rec = do(t, h, http.MethodGet, "/api/v1/job-definitions/hook", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/v1/job-definitions/hook", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, syncer.n)

	rec = do(t, h, http.MethodDelete, "/api/v1/job-definitions/hook", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodPut, "/api/v1/job-definitions/hook", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
