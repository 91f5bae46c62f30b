package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"pkt.systems/shellwarden/internal/logx"
	"pkt.systems/shellwarden/schema"
)

const (
	streamKeepalive = 25 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsReadLimit     = 64 << 10
)

// StreamEvent is sent to SSE and WebSocket clients. Output events carry a
// snapshot; state events carry the shell state after a transition.
type StreamEvent struct {
	Type      string                 `json:"type"`
	Snapshot  *schema.OutputSnapshot `json:"snapshot,omitempty"`
	State     schema.ShellState      `json:"state,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func outputEvent(snapshot schema.OutputSnapshot) StreamEvent {
	return StreamEvent{Type: "output", Snapshot: &snapshot, Timestamp: nowUTC()}
}

func stateEvent(state schema.ShellState) StreamEvent {
	return StreamEvent{Type: "state", State: state, Timestamp: nowUTC()}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.WithRemote(r.Context(), r.RemoteAddr)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	states, unsubscribeStates := s.states.Subscribe()
	defer unsubscribeStates()
	ch, unsubscribe := s.session.ObserveOutput()
	defer unsubscribe()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	log.Info("http stream opened")
	sent := 0
	for {
		select {
		case <-r.Context().Done():
			log.Info("http stream closed", "events", sent)
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case state, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			if err := writeSSEvent(w, 0, stateEvent(state)); err != nil {
				log.Debug("http stream write failed", "err", err)
				return
			}
			flusher.Flush()
			sent++
		case snapshot, ok := <-ch:
			if !ok {
				log.Info("http stream closed", "events", sent)
				return
			}
			if err := writeSSEvent(w, snapshot.Seq, outputEvent(snapshot)); err != nil {
				log.Debug("http stream write failed", "err", err)
				return
			}
			flusher.Flush()
			sent++
		}
	}
}

func writeSSEvent(w http.ResponseWriter, id uint64, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, strings.TrimSpace(string(data)))
	return err
}

// handleWebSocket streams snapshots as JSON text messages. Text or binary
// messages from the client are forwarded to the shell's stdin.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logx.WithRemote(r.Context(), r.RemoteAddr)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("http websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := s.session.SendInput(data); err != nil {
				log.Debug("http websocket input dropped", "err", err)
			}
		}
	}()

	states, unsubscribeStates := s.states.Subscribe()
	defer unsubscribeStates()
	ch, unsubscribe := s.session.ObserveOutput()
	defer unsubscribe()

	log.Info("http websocket opened")
	for {
		var event StreamEvent
		select {
		case <-ctx.Done():
			log.Info("http websocket closed")
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case state, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			event = stateEvent(state)
		case snapshot, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			event = outputEvent(snapshot)
		}
		if err := writeWSEvent(ctx, conn, event); err != nil {
			log.Debug("http websocket write failed", "err", err)
			return
		}
	}
}

func writeWSEvent(ctx context.Context, conn *websocket.Conn, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
