package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	pingErr error
	stats   sql.DBStats
}

func (f *fakeDB) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeDB) GetStats() sql.DBStats { return f.stats }

type fakeUpstream struct{ err error }

func (f *fakeUpstream) HealthCheck(ctx context.Context) error { return f.err }

func get(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz_ReportsPoolStats(t *testing.T) {
	db := &fakeDB{stats: sql.DBStats{OpenConnections: 3, InUse: 1, Idle: 2, WaitCount: 7}}
	rec := get(t, healthMux(db, &fakeUpstream{}), "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok db_open=3 db_in_use=1 db_idle=2 db_wait_count=7\n", rec.Body.String())
}

func TestHealthz_WithoutDatabase(t *testing.T) {
	rec := get(t, healthMux(nil, &fakeUpstream{}), "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestHealthz_Unavailable(t *testing.T) {
	tests := []struct {
		name string
		db   database
		up   *fakeUpstream
		want string
	}{
		{name: "database down", db: &fakeDB{pingErr: errors.New("connection refused")}, up: &fakeUpstream{}, want: "database health check failed"},
		{name: "analysis service down", db: nil, up: &fakeUpstream{err: errors.New("502")}, want: "analysis service health check failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, healthMux(tt.db, tt.up), "/healthz")
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, healthMux(nil, &fakeUpstream{}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}
