package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dyluth/warren/internal/broker"
	"github.com/dyluth/warren/internal/commit"
	"github.com/dyluth/warren/internal/coordinator"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/pkg/casstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var fastCommit = commit.Options{
	MaxBatchSize:   50,
	MinBatchSize:   1,
	MaxLatency:     10 * time.Millisecond,
	SettleInterval: 2 * time.Millisecond,
	CheckInterval:  2 * time.Millisecond,
}

type fixture struct {
	server *Server
	mgr    *broker.Manager
	store  *casstore.Store
	gate   chan struct{}
}

// echo returns the payload, fails messages sent by "mallory" and blocks on gate when set.
func echo(gate chan struct{}) broker.ProcessorFunc {
	return func(ctx context.Context, qm *broker.QueuedMessage) ([]byte, error) {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if qm.Message.Sender == "mallory" {
			return nil, errors.New("refused")
		}
		return qm.Message.Payload, nil
	}
}

func setupServer(t *testing.T, queueSize int, gated bool, ping func(context.Context) error) *fixture {
	t.Helper()
	f := &fixture{}
	if gated {
		f.gate = make(chan struct{})
	}

	backend, err := casstore.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	f.store = casstore.New(backend, casstore.Options{})

	coord, err := coordinator.New(coordinator.Options{})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New()
	require.NoError(t, m.Register(reg))
	require.NoError(t, metrics.RegisterStore(reg, f.store))

	f.mgr, err = broker.NewManager(broker.Deps{
		Processor:   echo(f.gate),
		Coordinator: coord,
		Store:       f.store,
		Logger:      zaptest.NewLogger(t),
		Metrics:     m,
	}, broker.ManagerOptions{Broker: broker.Options{QueueSize: queueSize, Commit: fastCommit}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.mgr.StopAll(context.Background()) })

	f.server, err = New(Deps{
		Manager:     f.mgr,
		Coordinator: coord,
		Store:       f.store,
		Ping:        ping,
		Gatherer:    reg,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestNew_RequiresManager(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := setupServer(t, 0, false, func(context.Context) error { return nil })
		w := f.do(t, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "healthy", decode[HealthResponse](t, w).Status)
	})

	t.Run("unhealthy when ping fails", func(t *testing.T) {
		f := setupServer(t, 0, false, func(context.Context) error { return errors.New("redis down") })
		w := f.do(t, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decode[HealthResponse](t, w)
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "redis down", resp.Error)
	})

	t.Run("method not allowed", func(t *testing.T) {
		f := setupServer(t, 0, false, nil)
		w := f.do(t, http.MethodPost, "/healthz", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestPostMessage_AcceptsAndCommits(t *testing.T) {
	f := setupServer(t, 0, false, nil)

	w := f.do(t, http.MethodPost, "/rooms/general/messages", `{"id":"m1","sender":"alice","payload":{"text":"hi"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[AcceptedResponse](t, w)
	assert.Equal(t, "general", resp.RoomID)
	assert.Equal(t, int64(1), resp.Seq)
	assert.Equal(t, "m1", resp.MessageID)
	assert.Equal(t, "accepted", resp.Status)

	w = f.do(t, http.MethodPost, "/rooms/general/messages?wait=true", `{"id":"m2","payload":{"text":"again"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode[AcceptedResponse](t, w)
	assert.Equal(t, int64(2), resp.Seq)
	assert.Equal(t, "committed", resp.Status)

	// m1 was accepted earlier on the same lane, so it is committed too.
	w = f.do(t, http.MethodGet, "/rooms/general/log", "")
	require.Equal(t, http.StatusOK, w.Code)
	log := decode[broker.RoomLog](t, w)
	require.Len(t, log.Records, 2)
	assert.NotEmpty(t, log.Version)
	assert.Equal(t, "m1", log.Records[0].MessageID)
	assert.JSONEq(t, `{"text":"hi"}`, string(log.Records[0].Result))
	assert.Equal(t, "m2", log.Records[1].MessageID)
}

func TestPostMessage_EmptyBodyGetsAnID(t *testing.T) {
	f := setupServer(t, 0, false, nil)
	w := f.do(t, http.MethodPost, "/rooms/general/messages", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEmpty(t, decode[AcceptedResponse](t, w).MessageID)
}

func TestPostMessage_Errors(t *testing.T) {
	t.Run("invalid json", func(t *testing.T) {
		f := setupServer(t, 0, false, nil)
		w := f.do(t, http.MethodPost, "/rooms/general/messages", "{nope")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_json", decode[map[string]string](t, w)["error"])
	})

	t.Run("queue full", func(t *testing.T) {
		f := setupServer(t, 1, true, nil)
		defer close(f.gate)

		require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/rooms/busy/messages", `{}`).Code)
		b, ok := f.mgr.Broker("busy")
		require.True(t, ok)
		require.Eventually(t, func() bool { return b.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)

		require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/rooms/busy/messages", `{}`).Code)
		w := f.do(t, http.MethodPost, "/rooms/busy/messages", `{}`)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "queue_full", decode[map[string]string](t, w)["error"])
	})

	t.Run("stopped", func(t *testing.T) {
		f := setupServer(t, 0, false, nil)
		require.NoError(t, f.mgr.StopAll(context.Background()))
		w := f.do(t, http.MethodPost, "/rooms/general/messages", `{}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("processing failure with wait", func(t *testing.T) {
		f := setupServer(t, 0, false, nil)
		w := f.do(t, http.MethodPost, "/rooms/general/messages?wait=1", `{"sender":"mallory"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		resp := decode[AcceptedResponse](t, w)
		assert.Equal(t, "failed", resp.Status)
		assert.Contains(t, resp.Error, "refused")
	})
}

func TestStats(t *testing.T) {
	f := setupServer(t, 0, false, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/rooms/general/messages?wait=true", `{}`).Code)

	w := f.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[StatsResponse](t, w)
	require.Contains(t, resp.Rooms, "general")
	assert.Equal(t, int64(1), resp.Rooms["general"].Processed)
	require.NotNil(t, resp.Coordinator)
	assert.Equal(t, 1, resp.Coordinator.ByStatus[coordinator.StatusCompleted])
	require.NotNil(t, resp.Store)
	assert.Equal(t, int64(1), resp.Store.Writes)
	assert.Nil(t, resp.Ingest)

	w = f.do(t, http.MethodGet, "/rooms", "")
	assert.Equal(t, []string{"general"}, decode[map[string][]string](t, w)["rooms"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupServer(t, 0, false, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/rooms/general/messages?wait=true", `{}`).Code)

	w := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `warren_messages_processed_total{room="general"} 1`)
	assert.Contains(t, body, "warren_cas_writes_total")
}

func TestRoomLog_WithoutStore(t *testing.T) {
	f := setupServer(t, 0, false, nil)
	s, err := New(Deps{Manager: f.mgr})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms/general/log", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "metrics are off without a gatherer")
}

func TestStartAndShutdown(t *testing.T) {
	f := setupServer(t, 0, false, nil)
	require.NoError(t, f.server.Start("127.0.0.1:0"))

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", f.server.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	_, err = http.Get(fmt.Sprintf("http://%s/healthz", f.server.Addr()))
	assert.Error(t, err)
}
