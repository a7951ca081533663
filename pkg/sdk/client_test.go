package sdk

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunJobSendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/jobs/billing":
			_, _ = w.Write([]byte(`{"checked":3,"billed":2,"failed":1,"amount":"0.20"}`))
		case "/jobs/sweep":
			http.Error(w, "job already running", http.StatusConflict)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	report, err := NewClient(srv.URL, "tok").RunJob("billing")
	require.NoError(t, err)
	assert.Equal(t, "0.20", report["amount"])
	assert.EqualValues(t, 2, report["billed"])

	_, err = NewClient(srv.URL, "tok").RunJob("sweep")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "job already running")

	_, err = NewClient(srv.URL, "").RunJob("billing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestEventsURL(t *testing.T) {
	u, err := NewClient("https://ops.example.com/", "a b").EventsURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://ops.example.com/ws/events?token=a+b", u)

	u, err = NewClient("http://127.0.0.1:8080", "").EventsURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/ws/events", u)
}
