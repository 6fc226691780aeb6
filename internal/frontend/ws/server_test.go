package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orbitando/orbital-host/internal/bridge"
	"github.com/orbitando/orbital-host/pkg/protocol"
)

type fakeController struct {
	mu       sync.Mutex
	rows     []bridge.RowFields
	started  int
	stopped  int
	applyErr error
}

func (f *fakeController) Apply(_ context.Context, rows []bridge.RowFields) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return 0, f.applyErr
	}
	f.rows = rows
	return int32(len(rows)), nil
}

func (f *fakeController) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeController) Status(context.Context) protocol.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return protocol.Status{
		Readiness: "ready",
		Module:    "fake",
		Stats:     &protocol.Stats{Running: f.started > f.stopped},
	}
}

func dial(t *testing.T, ctrl Controller) *websocket.Conn {
	t.Helper()
	srv, err := NewServer(ctrl, zaptest.NewLogger(t))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello protocol.Reply
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, protocol.TypeState, hello.Type)
	require.Equal(t, "ready", hello.State.Readiness)
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg string) protocol.Reply {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	var reply protocol.Reply
	require.NoError(t, conn.ReadJSON(&reply))
	return reply
}

func TestApplyCommand(t *testing.T) {
	ctrl := &fakeController{}
	conn := dial(t, ctrl)

	reply := roundTrip(t, conn, `{"type":"APPLY","id":"a1","rows":[{"rx":"0.3","ry":"0.2","w":"1","s":"16"},{"s":"3.7"}]}`)
	assert.Equal(t, protocol.Result("a1", 2), reply)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, []bridge.RowFields{
		{RX: "0.3", RY: "0.2", W: "1", S: "16"},
		{S: "3.7"},
	}, ctrl.rows)
}

func TestApplyFailureIsReported(t *testing.T) {
	ctrl := &fakeController{applyErr: errors.New("entry point 'apply_inputs_from_js' unavailable")}
	conn := dial(t, ctrl)

	reply := roundTrip(t, conn, `{"type":"APPLY","id":"a2","rows":[{}]}`)
	assert.Equal(t, protocol.TypeError, reply.Type)
	assert.Equal(t, "a2", reply.ID)
	assert.Contains(t, reply.Error, "unavailable")
}

func TestStartStopStatus(t *testing.T) {
	ctrl := &fakeController{}
	conn := dial(t, ctrl)

	assert.Equal(t, protocol.Result("s", 0), roundTrip(t, conn, `{"type":"START","id":"s"}`))

	reply := roundTrip(t, conn, `{"type":"STATUS","id":"q"}`)
	require.Equal(t, protocol.TypeState, reply.Type)
	assert.True(t, reply.State.Stats.Running)

	assert.Equal(t, protocol.Result("t", 0), roundTrip(t, conn, `{"type":"STOP","id":"t"}`))
	reply = roundTrip(t, conn, `{"type":"STATUS"}`)
	assert.False(t, reply.State.Stats.Running)

	assert.Equal(t, 1, ctrl.started)
	assert.Equal(t, 1, ctrl.stopped)
}

func TestInvalidCommandsKeepConnection(t *testing.T) {
	ctrl := &fakeController{}
	conn := dial(t, ctrl)

	for _, msg := range []string{
		`{"type":"LAUNCH","id":"x1"}`,
		`{"type":"APPLY","id":"x2","rows":[{"rx":0.3}]}`,
		`garbage`,
	} {
		reply := roundTrip(t, conn, msg)
		assert.Equal(t, protocol.TypeError, reply.Type, msg)
		assert.NotEmpty(t, reply.Error, msg)
	}

	reply := roundTrip(t, conn, `{"type":"LAUNCH","id":"x3"}`)
	assert.Equal(t, "x3", reply.ID)

	assert.Equal(t, protocol.TypeResult, roundTrip(t, conn, `{"type":"START"}`).Type)
}

func TestSchemaRoute(t *testing.T) {
	srv, err := NewServer(&fakeController{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/schema.json", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"APPLY"`)
}

func TestServeStopsOnCancel(t *testing.T) {
	srv, err := NewServer(&fakeController{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	assert.NoError(t, <-done)
}
