package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqwacloud/transfercore/internal/store"
	"github.com/aqwacloud/transfercore/pkg/config"
	"github.com/aqwacloud/transfercore/pkg/logger"
	"github.com/aqwacloud/transfercore/pkg/provider"
	"github.com/aqwacloud/transfercore/pkg/transfer"
)

// stubClient is a minimal provider.Client whose transfers always succeed.
type stubClient struct {
	provider provider.Provider
	valid    bool
}

func (s *stubClient) Provider() provider.Provider { return s.provider }

func (s *stubClient) ListChildren(context.Context, string, string, int) (*provider.ChildPage, error) {
	return &provider.ChildPage{}, nil
}

func (s *stubClient) GetMetadata(_ context.Context, fileID string) (*provider.FileDescriptor, error) {
	return &provider.FileDescriptor{ID: fileID, Name: fileID, Kind: provider.KindFile, Size: 4}, nil
}

func (s *stubClient) DownloadBytes(context.Context, string) ([]byte, error) {
	return []byte("data"), nil
}

func (s *stubClient) UploadBytes(_ context.Context, data []byte, targetName, _ string) (*provider.FileDescriptor, error) {
	return &provider.FileDescriptor{ID: "up-" + targetName, Name: targetName, Kind: provider.KindFile, Size: int64(len(data))}, nil
}

func (s *stubClient) RefreshAccessToken(context.Context, string) (*provider.Token, error) {
	return &provider.Token{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (s *stubClient) ValidateToken(context.Context) bool { return s.valid }

func testServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()

	log := logger.New(&logger.Config{Level: logger.ErrorLevel, Format: logger.TextFormat, Output: io.Discard})

	factories := map[provider.Provider]provider.ClientFactory{
		provider.ProviderGoogle: func(conn *provider.Connection) (provider.Client, error) {
			return &stubClient{provider: provider.ProviderGoogle, valid: true}, nil
		},
		provider.ProviderMicrosoft: func(conn *provider.Connection) (provider.Client, error) {
			return &stubClient{provider: provider.ProviderMicrosoft, valid: true}, nil
		},
	}

	jobStore := store.NewMemoryStore()
	notifier := transfer.NewNotifier()

	sessionCfg := transfer.DefaultSessionConfig()
	sessionCfg.UseQueue = false
	sessionCfg.MonitorSourceFiles = false
	manager := transfer.NewSessionManager(sessionCfg, factories, jobStore, nil, notifier, log)

	scheduler := transfer.NewScheduler(manager, log)

	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second}
	return NewServer(cfg, manager, nil, scheduler, jobStore, notifier, log), jobStore
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func sessionPayload() map[string]interface{} {
	expires := time.Now().Add(time.Hour).Format(time.RFC3339)
	return map[string]interface{}{
		"user_id": "user-1",
		"source": map[string]interface{}{
			"id": "src-conn", "provider": "google",
			"access_token": "tok", "expires_at": expires,
		},
		"dest": map[string]interface{}{
			"id": "dst-conn", "provider": "microsoft",
			"access_token": "tok", "expires_at": expires,
		},
		"files": []map[string]interface{}{
			{"id": "f1", "name": "doc.txt", "kind": "file", "size": 4},
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := testServer(t)
	w := doJSON(t, server.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	server, jobStore := testServer(t)
	handler := server.Handler()

	w := doJSON(t, handler, http.MethodPost, "/api/v1/sessions", sessionPayload())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		ID   string `json:"id"`
		Jobs []struct {
			ID string `json:"id"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Len(t, created.Jobs, 1)
	jobID := created.Jobs[0].ID

	// The direct pipeline runs in the background; poll the job endpoint.
	require.Eventually(t, func() bool {
		w := doJSON(t, handler, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var job struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
			return false
		}
		return job.Status == "completed"
	}, 3*time.Second, 20*time.Millisecond)

	w = doJSON(t, handler, http.MethodGet, "/api/v1/usage?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var usage struct {
		TotalTransfers int64 `json:"total_transfers"`
		TotalBytes     int64 `json:"total_bytes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	assert.Equal(t, int64(1), usage.TotalTransfers)
	assert.Equal(t, int64(4), usage.TotalBytes)

	jobs, err := jobStore.ListJobsByUser("user-1", "")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	w = doJSON(t, handler, http.MethodDelete, "/api/v1/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestStartSessionRejectsBadPayload(t *testing.T) {
	server, _ := testServer(t)
	handler := server.Handler()

	w := doJSON(t, handler, http.MethodPost, "/api/v1/sessions", map[string]interface{}{"user_id": "u"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Folder-only input is a 400, not a server error.
	payload := sessionPayload()
	payload["files"] = []map[string]interface{}{{"id": "d1", "name": "docs", "kind": "folder"}}
	w = doJSON(t, handler, http.MethodPost, "/api/v1/sessions", payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobEndpointsUnknownID(t *testing.T) {
	server, _ := testServer(t)
	handler := server.Handler()

	w := doJSON(t, handler, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, handler, http.MethodGet, "/api/v1/jobs/1b4e28ba-2fa1-11d2-883f-0016d3cca427", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/api/v1/jobs/1b4e28ba-2fa1-11d2-883f-0016d3cca427/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidateConnectionEndpoint(t *testing.T) {
	server, _ := testServer(t)
	handler := server.Handler()

	expires := time.Now().Add(time.Hour).Format(time.RFC3339)
	w := doJSON(t, handler, http.MethodPost, "/api/v1/connections/validate", map[string]interface{}{
		"user_id": "user-1",
		"connection": map[string]interface{}{
			"id": "conn-1", "provider": "google",
			"access_token": "tok", "expires_at": expires,
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
}

func TestScheduleEndpoints(t *testing.T) {
	server, _ := testServer(t)
	handler := server.Handler()

	expires := time.Now().Add(time.Hour).Format(time.RFC3339)
	conn := func(id, p string) map[string]interface{} {
		return map[string]interface{}{
			"id": id, "provider": p, "access_token": "tok", "expires_at": expires,
		}
	}

	w := doJSON(t, handler, http.MethodPost, "/api/v1/schedules", map[string]interface{}{
		"user_id":       "user-1",
		"cron_spec":     "0 3 * * *",
		"source":        conn("src", "google"),
		"dest":          conn("dst", "microsoft"),
		"source_folder": "root",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, handler, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.ID)

	w = doJSON(t, handler, http.MethodPost, "/api/v1/schedules", map[string]interface{}{
		"user_id":   "user-1",
		"cron_spec": "not a cron spec",
		"source":    conn("src", "google"),
		"dest":      conn("dst", "microsoft"),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, handler, http.MethodDelete, "/api/v1/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestEventsEndpointStreams(t *testing.T) {
	server, _ := testServer(t)

	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Trigger a transfer so the stream has something to deliver.
	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/sessions", sessionPayload())
	require.Equal(t, http.StatusCreated, w.Code)

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	body := string(buf[:n])
	assert.Contains(t, body, "event:")
	assert.Contains(t, body, "job_id")
}
