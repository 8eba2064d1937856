package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/textbook-companion/internal/auth"
	"github.com/ashureev/textbook-companion/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestTokenCommandIssuesValidToken(t *testing.T) {
	secret := "cli-test-secret-with-enough-bytes!!"
	stdout, _, err := executeCLI(t, "", "token", "--secret", secret, "--subject", "alice", "--role", "tutor")
	require.NoError(t, err)

	claims, err := auth.ValidateToken([]byte(secret), strings.TrimSpace(stdout))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "tutor", claims.Role)
}

func TestTokenCommandReadsSecretFromEnv(t *testing.T) {
	t.Setenv("COMPANION_SECRET", "env-secret-with-enough-bytes-here!!")
	stdout, _, err := executeCLI(t, "", "token")
	require.NoError(t, err)

	_, err = auth.ValidateToken([]byte("env-secret-with-enough-bytes-here!!"), strings.TrimSpace(stdout))
	assert.NoError(t, err)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	_, _, err := executeCLI(t, "", "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--secret")
}

func TestChatRequiresTextbookAndCredentials(t *testing.T) {
	_, _, err := executeCLI(t, "", "chat", "--token", "t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--textbook")

	_, _, err = executeCLI(t, "", "chat", "--textbook", "tb-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--token or --secret")
}

func TestChatFallsBackToHTTPWithoutChannel(t *testing.T) {
	var queries []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/user_sessions/{uid}/chat_sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(domain.Session{ID: "s-new", UserSessionID: r.PathValue("uid")})
	})
	mux.HandleFunc("POST /api/chat_sessions/{id}/text_generation", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		queries = append(queries, body["query"])
		assert.Equal(t, "s-new", r.PathValue("id"))
		assert.Equal(t, "tb-1", body["textbook_id"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"response":     "Water moves across a membrane.",
			"sources":      []string{"p7"},
			"session_name": "Osmosis",
		})
	})
	// No /ws handler: the channel never connects.
	srv := httptest.NewServer(mux)
	defer srv.Close()

	stdout, stderr, err := executeCLI(t, "What is osmosis?\n\n",
		"chat", "--server", srv.URL, "--token", "tok-1", "--textbook", "tb-1", "--user-session", "u1")
	require.NoError(t, err)

	assert.Equal(t, []string{"What is osmosis?"}, queries)
	assert.Contains(t, stdout, "Water moves across a membrane.")
	assert.Contains(t, stdout, "sources: p7")
	assert.Contains(t, stderr, "[session: Osmosis]")
	assert.Contains(t, stderr, "[new session s-new]")
}
