package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unimanager/internal/domain"
	"unimanager/internal/scheduler"
)

type fakeJobs struct {
	err error
}

func (f fakeJobs) Trigger(_ context.Context, job string) (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	if job != scheduler.JobBilling {
		return nil, scheduler.ErrUnknownJob
	}
	return scheduler.BillingReport{Checked: 2, Billed: 2, Amount: "0.20"}, nil
}

type fakeStore struct {
	pingErr error
	logs    []domain.AuditLog
	limit   atomic.Int64
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	f.limit.Store(int64(limit))
	return f.logs, nil
}

type fakeFeed struct{}

func (fakeFeed) ServeWs(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }

func newTestServer(jobs JobRunner, store *fakeStore, token string) *httptest.Server {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "unimanager_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	api := &Server{
		Jobs:     jobs,
		Store:    store,
		Audit:    store,
		Events:   fakeFeed{},
		Gatherer: reg,
		Token:    token,
		Logger:   zap.NewNop(),
	}
	return httptest.NewServer(api.Handler())
}

func do(t *testing.T, method, url, token string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(fakeJobs{}, &fakeStore{}, "secret")
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	down := newTestServer(fakeJobs{}, &fakeStore{pingErr: errors.New("database is locked")}, "secret")
	defer down.Close()
	resp, _ = do(t, http.MethodGet, down.URL+"/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsAreUnauthenticated(t *testing.T) {
	srv := newTestServer(fakeJobs{}, &fakeStore{}, "secret")
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "unimanager_test_total 1")
}

func TestRunJob(t *testing.T) {
	srv := newTestServer(fakeJobs{}, &fakeStore{}, "secret")
	defer srv.Close()

	resp, _ := do(t, http.MethodPost, srv.URL+"/jobs/billing", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs/billing", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/jobs/billing", "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"checked":2,"billed":2,"failed":0,"amount":"0.20"}`, body)

	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs/backup", "secret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunJobStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"overlap", scheduler.ErrJobRunning, http.StatusConflict},
		{"provider", fmt.Errorf("%w: timeout", domain.ErrExternalProvider), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(fakeJobs{err: tt.err}, &fakeStore{}, "")
			defer srv.Close()

			resp, _ := do(t, http.MethodPost, srv.URL+"/jobs/sweep", "")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestListAudit(t *testing.T) {
	store := &fakeStore{logs: []domain.AuditLog{{ID: 7, Action: "vm_created", VMID: "vm-1"}}}
	srv := newTestServer(fakeJobs{}, store, "")
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/audit?limit=5", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "vm_created")
	assert.EqualValues(t, 5, store.limit.Load())

	resp, _ = do(t, http.MethodGet, srv.URL+"/audit?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventFeedAcceptsQueryToken(t *testing.T) {
	srv := newTestServer(fakeJobs{}, &fakeStore{}, "secret")
	defer srv.Close()

	resp, _ := do(t, http.MethodGet, srv.URL+"/ws/events?token=secret", "")
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/ws/events", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
