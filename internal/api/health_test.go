package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ashureev/textbook-companion/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

func TestHealth(t *testing.T) {
	repo, err := store.Open("sqlite", filepath.Join(t.TempDir(), "health.db"))
	require.NoError(t, err)

	h := NewHealthHandler(repo, fixedCount(3))
	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 3, body["connections"])

	require.NoError(t, repo.Close())
	w = httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
