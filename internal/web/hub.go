// Package web serves the live status dashboard feed.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"argus-powermeter/pkg/peripheral"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	broadcastInterval = 500 * time.Millisecond
	shutdownTimeout   = 5 * time.Second
	writeWait         = time.Second
)

// StatusFunc returns the current peripheral snapshot.
type StatusFunc func() peripheral.Status

// StatusUpdate is the message pushed to dashboards.
type StatusUpdate struct {
	Type       string           `json:"type"`
	State      peripheral.State `json:"state"`
	Conn       int              `json:"conn"`
	Subscribed bool             `json:"subscribed"`
	Sent       uint64           `json:"sent"`
	Failed     uint64           `json:"failed"`
	Power      int16            `json:"power"`
	CrankRevs  uint16           `json:"crankRevs"`
	EventTime  uint16           `json:"eventTime"`
}

func newStatusUpdate(st peripheral.Status) StatusUpdate {
	conn := int(st.Conn)
	if st.Conn == peripheral.NoConnection {
		conn = -1
	}
	return StatusUpdate{
		Type:       "statusUpdate",
		State:      st.State,
		Conn:       conn,
		Subscribed: st.Subscribed,
		Sent:       st.Notifier.Sent,
		Failed:     st.Notifier.Failed,
		Power:      st.Notifier.Last.InstantaneousPower,
		CrankRevs:  st.Notifier.Counters.CumulativeRevs,
		EventTime:  st.Notifier.Counters.LastEventTime,
	}
}

// Hub broadcasts status updates to websocket clients.
type Hub struct {
	status   StatusFunc
	cancel   context.CancelFunc
	setPower func(watts int16)
	log      logrus.FieldLogger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub returns a hub. cancel is called when a dashboard asks for shutdown.
func NewHub(status StatusFunc, cancel context.CancelFunc, log logrus.FieldLogger) *Hub {
	return &Hub{
		status:   status,
		cancel:   cancel,
		log:      log.WithField("component", "web"),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]bool),
	}
}

// EnablePowerControl lets dashboards override the notified power with
// setPower messages. Call before serving.
func (h *Hub) EnablePowerControl(set func(watts int16)) {
	h.setPower = set
}

// Handler returns the hub routes.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/status", h.handleStatus)
	return mux
}

// Run serves addr until ctx is done.
func (h *Hub) Run(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: h.Handler()}

	errCh := make(chan error, 1)
	go func() {
		h.log.Infof("Web server listening on %s", addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go h.broadcast(ctx)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	h.log.Info("Shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		h.log.WithError(err).Warn("Web server shutdown")
	}
	h.closeClients()
	return nil
}

func (h *Hub) broadcast(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.push()
		}
	}
}

// push sends one status update to every client, dropping clients whose
// write fails.
func (h *Hub) push() {
	msg, err := json.Marshal(newStatusUpdate(h.status()))
	if err != nil {
		h.log.WithError(err).Error("Failed to encode status")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		_ = client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

func (h *Hub) closeClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(newStatusUpdate(h.status())); err != nil {
		h.log.WithError(err).Warn("Failed to write status")
	}
}

type clientMessage struct {
	Type    string `json:"type"`
	Payload struct {
		Watts *int16 `json:"watts"`
	} `json:"payload"`
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	log := h.log.WithField("remote", conn.RemoteAddr())
	log.Info("Dashboard connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		log.Info("Dashboard disconnected")
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "setPower":
			if h.setPower == nil || msg.Payload.Watts == nil {
				log.Warn("Ignoring setPower message")
				continue
			}
			log.WithField("watts", *msg.Payload.Watts).Info("Power set from dashboard")
			h.setPower(*msg.Payload.Watts)
		case "shutdown":
			log.Warn("Shutdown requested from dashboard")
			if h.cancel != nil {
				h.cancel()
			}
		default:
			log.WithField("type", msg.Type).Debug("Ignoring dashboard message")
		}
	}
}
