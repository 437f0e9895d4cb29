package ridelinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsTokenAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		_ = json.NewEncoder(w).Encode(map[string]any{
			"succeeded":   []map[string]any{{"id": "a", "operation_type": "ride.cancel"}},
			"rescheduled": []any{},
			"expired":     []any{},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	pass, err := c.ProcessRetries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/v0/retry/process", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	require.Len(t, pass.Succeeded, 1)
	assert.Equal(t, "ride.cancel", pass.Succeeded[0].OperationType)
}

func TestClientReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"unauthorized"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Row(context.Background(), "3")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "unauthorized")
}

func TestEventsPageQuery(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"id":4,"type":"row.added"}],"next_cursor":"4"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, "t").EventsPage(context.Background(), 10, "9")
	require.NoError(t, err)
	assert.Equal(t, "cursor=9&limit=10", query)
	assert.Equal(t, "4", page.NextCursor)
	require.Len(t, page.Items, 1)
}
