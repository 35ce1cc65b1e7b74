package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/tsweb"

	"github.com/tensora-ai/densityview/internal/httputil"
	"github.com/tensora-ai/densityview/internal/monitoring"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

// serveWS upgrades to a websocket and sends the current snapshot followed by
// every published snapshot as a JSON text message.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("[API] websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	id, snaps := s.snaps.Subscribe()
	defer s.snaps.Unsubscribe(id)

	// The read loop only watches for close and pong frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v interface{}) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	if err := write(s.snaps.Current()); err != nil {
		return
	}

	ping := time.NewTicker(s.pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := write(snap); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// LiveState is the body of /debug/live.
type LiveState struct {
	Enabled   bool   `json:"enabled"`
	Countdown int    `json:"countdown"`
	Period    string `json:"period"`
	AreaID    string `json:"area_id"`
}

// AttachAdminRoutes mounts the snapshot tail and live scheduler state under
// /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("live", "Live mode scheduler state", func(w http.ResponseWriter, r *http.Request) {
		c := s.dash.Controls()
		httputil.WriteJSONOK(w, LiveState{
			Enabled:   c.Live,
			Countdown: c.Countdown,
			Period:    s.dash.Live().Period().String(),
			AreaID:    c.AreaID,
		})
	})

	// Server-Sent Events of every published snapshot.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.snaps.Subscribe()
		defer s.snaps.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case snap, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(snap)
				if err != nil {
					monitoring.Logf("[API] tail encode: %v", err)
					continue
				}
				if _, err := w.Write([]byte(fmt.Sprintf("data: %s\n\n", payload))); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
