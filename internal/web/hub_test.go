package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"argus-powermeter/pkg/cps"
	"argus-powermeter/pkg/peripheral"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedStatus() peripheral.Status {
	return peripheral.Status{
		State:      peripheral.Connected,
		Conn:       7,
		Subscribed: true,
		Notifier: peripheral.NotifierStats{
			Sent:     12,
			Failed:   1,
			Last:     cps.Measurement{Flags: cps.FlagCrankRevolutionDataPresent, InstantaneousPower: 215},
			Counters: cps.Counters{CumulativeRevs: 12, LastEventTime: 3072},
		},
	}
}

func TestStatusEndpoint(t *testing.T) {
	log, _ := test.NewNullLogger()
	hub := NewHub(connectedStatus, nil, log)

	rec := httptest.NewRecorder()
	hub.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "statusUpdate", got["type"])
	assert.Equal(t, "connected", got["state"])
	assert.Equal(t, float64(7), got["conn"])
	assert.Equal(t, true, got["subscribed"])
	assert.Equal(t, float64(215), got["power"])
	assert.Equal(t, float64(3072), got["eventTime"])
}

func TestStatusUpdateWithoutConnection(t *testing.T) {
	u := newStatusUpdate(peripheral.Status{State: peripheral.Advertising, Conn: peripheral.NoConnection})
	assert.Equal(t, -1, u.Conn)
	assert.False(t, u.Subscribed)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketReceivesPush(t *testing.T) {
	log, _ := test.NewNullLogger()
	hub := NewHub(connectedStatus, nil, log)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	hub.push()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var update StatusUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "statusUpdate", update.Type)
	assert.Equal(t, peripheral.Connected, update.State)
	assert.Equal(t, uint64(12), update.Sent)
	assert.Equal(t, uint16(12), update.CrankRevs)
}

func TestShutdownMessageCancels(t *testing.T) {
	log, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(connectedStatus, cancel, log)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "shutdown"}))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown message did not cancel the context")
	}
}

func TestSetPowerMessage(t *testing.T) {
	log, _ := test.NewNullLogger()
	hub := NewHub(connectedStatus, nil, log)
	got := make(chan int16, 1)
	hub.EnablePowerControl(func(w int16) { got <- w })
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "setPower", "payload": map[string]int{}}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "setPower", "payload": map[string]int{"watts": 320}}))

	select {
	case w := <-got:
		assert.Equal(t, int16(320), w)
	case <-time.After(time.Second):
		t.Fatal("setPower was not applied")
	}
}
