package httpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rangeHandler serves content honoring single-range requests the way the
// backend package server does.
func rangeHandler(content []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(content)
			return
		}

		var start, end int
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
			http.Error(w, "bad range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= len(content) {
			end = len(content) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}
}

func TestGetRange(t *testing.T) {
	content := []byte("0123456789abcdef")
	srv := httptest.NewServer(rangeHandler(content))
	defer srv.Close()

	c := NewClient("", 0, false)

	resp, err := c.GetRange(context.Background(), srv.URL, 4, 7)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, []byte("4567"), resp.Body)
}

func TestGetRangeServerWithoutRangeSupport(t *testing.T) {
	content := []byte("full body")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content) // ignores Range
	}))
	defer srv.Close()

	c := NewClient("", 0, false)

	resp, err := c.GetRange(context.Background(), srv.URL, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, content, resp.Body)
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var doc map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
		assert.Equal(t, "vci_upload", doc["kind"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient("", 0, false)
	resp, err := c.PostJSON(context.Background(), srv.URL, []byte(`{"kind":"vci_upload"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestBaseURLJoining(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/health") {
			w.Write([]byte("ok"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/v1", 0, false)
	resp, err := c.Get(context.Background(), "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("ok"), resp.Body)
}
