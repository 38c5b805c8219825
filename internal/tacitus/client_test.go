package tacitus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockTacitusServer serves body with status for every request and records the paths hit
func mockTacitusServer(t *testing.T, status int, body string) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu    sync.Mutex
		paths []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), paths...)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://nas:8000", "http://nas:8000"},
		{"http://nas:8000/", "http://nas:8000"},
		{"http://nas:8000//", "http://nas:8000"},
		{"  http://nas:8000/api/ ", "http://nas:8000/api"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeBaseURL(tt.in))
		})
	}
}

func TestClient_Fetch(t *testing.T) {
	logger := zap.NewNop()

	t.Run("decodes drives", func(t *testing.T) {
		server, paths := mockTacitusServer(t, http.StatusOK,
			`{"result": [{"serial_number": "S1", "temperature": 42, "smart_status_passed": true, "power_mode": null}]}`)

		client := NewClient(server.URL+"/", logger)
		snap, err := client.Fetch(context.Background(), ResourceDrives)
		require.NoError(t, err)

		assert.Equal(t, []string{"/drives/"}, paths())
		assert.Equal(t, ResourceDrives, snap.Resource)
		require.Equal(t, 1, snap.Len())
		assert.False(t, snap.FetchedAt.IsZero())

		record := snap.Records[0]
		serial, ok := record.String("serial_number")
		assert.True(t, ok)
		assert.Equal(t, "S1", serial)

		temp, ok := record.Lookup("temperature")
		assert.True(t, ok)
		assert.Equal(t, float64(42), temp)

		_, ok = record.Lookup("power_mode")
		assert.False(t, ok, "null fields are absent")
	})

	t.Run("empty result is a valid snapshot", func(t *testing.T) {
		server, _ := mockTacitusServer(t, http.StatusOK, `{"result": []}`)

		snap, err := NewClient(server.URL, logger).Fetch(context.Background(), ResourceZpools)
		require.NoError(t, err)
		assert.Equal(t, 0, snap.Len())
		assert.NotNil(t, snap.Records)
	})

	t.Run("non-2xx status is unavailable", func(t *testing.T) {
		server, _ := mockTacitusServer(t, http.StatusServiceUnavailable, `{"detail": "busy"}`)

		_, err := NewClient(server.URL, logger).Fetch(context.Background(), ResourceDrives)
		require.Error(t, err)

		code, ok := IsUnavailable(err)
		assert.True(t, ok)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Contains(t, err.Error(), "HTTP status code 503")
		assert.False(t, errors.Is(err, ErrUnreachable))
	})

	t.Run("connection refused is unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := NewClient(url, logger).Fetch(context.Background(), ResourceDrives)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("deadline is unreachable", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := NewClient(server.URL, logger).Fetch(ctx, ResourceDrives)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnreachable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("malformed bodies are invalid", func(t *testing.T) {
		bodies := map[string]string{
			"not json":        `<html>oops</html>`,
			"top level array": `[{"serial_number": "S1"}]`,
			"missing result":  `{"results": []}`,
			"null result":     `{"result": null}`,
			"object result":   `{"result": {"serial_number": "S1"}}`,
			"scalar element":  `{"result": [1, 2]}`,
			"null element":    `{"result": [null]}`,
		}

		for name, body := range bodies {
			t.Run(name, func(t *testing.T) {
				server, _ := mockTacitusServer(t, http.StatusOK, body)

				snap, err := NewClient(server.URL, logger).Fetch(context.Background(), ResourceDrives)
				assert.Nil(t, snap)
				assert.ErrorIs(t, err, ErrResponseInvalid)
			})
		}
	})

	t.Run("oversized body is invalid", func(t *testing.T) {
		body := `{"result": [{"name": "` + strings.Repeat("x", maxResponseBytes) + `"}]}`
		server, _ := mockTacitusServer(t, http.StatusOK, body)

		_, err := NewClient(server.URL, logger).Fetch(context.Background(), ResourceZpools)
		assert.ErrorIs(t, err, ErrResponseInvalid)
	})
}

func TestParseResource(t *testing.T) {
	r, err := ParseResource(" Zpools ")
	require.NoError(t, err)
	assert.Equal(t, ResourceZpools, r)
	assert.Equal(t, "/zpools/", r.Path())

	_, err = ParseResource("fans")
	assert.Error(t, err)
}

func TestRecord_String(t *testing.T) {
	record := Record{"name": "tank", "id": float64(7), "ok": true, "nested": map[string]any{"a": 1}}

	v, ok := record.String("name")
	assert.True(t, ok)
	assert.Equal(t, "tank", v)

	v, ok = record.String("id")
	assert.True(t, ok)
	assert.Equal(t, "7", v)

	v, ok = record.String("ok")
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	_, ok = record.String("nested")
	assert.False(t, ok)

	_, ok = record.String("missing")
	assert.False(t, ok)
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()

	_, err := mock.Fetch(context.Background(), ResourceDrives)
	_, isUnavailable := IsUnavailable(err)
	assert.True(t, isUnavailable, "unconfigured resources answer 404")

	mock.SetRecords(ResourceDrives, Record{"serial_number": "S1"})
	snap, err := mock.Fetch(context.Background(), ResourceDrives)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())

	mock.SetError(ResourceDrives, ErrUnreachable)
	_, err = mock.Fetch(context.Background(), ResourceDrives)
	assert.ErrorIs(t, err, ErrUnreachable)

	assert.Equal(t, 3, mock.Calls(ResourceDrives))
	assert.Equal(t, 0, mock.Calls(ResourceZpools))
}
