package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/toolforge/core/infra/bus"
	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/tool"
)

const writeWait = 10 * time.Second

// streamClient is one websocket subscriber. toolID narrows the feed to a
// single tool; empty means every tool.
type streamClient struct {
	toolID string
	ch     chan tool.Event
	done   chan struct{}
}

func (c *streamClient) wants(ev tool.Event) bool {
	return c.toolID == "" || c.toolID == ev.ToolID
}

// startBusTaps subscribes to every tool event and fans it out to the
// websocket clients. The returned function detaches the tap and stops the
// broadcast loop.
func (s *server) startBusTaps() func() {
	stop := make(chan struct{})
	if s.events == nil {
		return func() {}
	}
	unsub, err := s.events.Subscribe(bus.AllEvents, func(ev tool.Event) {
		select {
		case s.eventsCh <- ev:
		default:
			logging.Warn("api-gateway", "event dropped", "type", ev.Type, "tool_id", ev.ToolID)
		}
	})
	if err != nil {
		logging.Error("api-gateway", "bus subscribe failed", "subject", bus.AllEvents, "error", err)
		unsub = func() {}
	}

	go func() {
		for {
			select {
			case <-stop:
				return
			case ev := <-s.eventsCh:
				s.broadcast(ev)
			}
		}
	}()
	return func() {
		unsub()
		close(stop)
	}
}

// broadcast delivers ev to every interested client, dropping clients whose
// buffer is full.
func (s *server) broadcast(ev tool.Event) {
	var slow []*streamClient
	s.clientsMu.RLock()
	for c := range s.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.ch <- ev:
		default:
			slow = append(slow, c)
		}
	}
	s.clientsMu.RUnlock()

	if len(slow) == 0 {
		return
	}
	s.clientsMu.Lock()
	for _, c := range slow {
		if _, ok := s.clients[c]; ok {
			delete(s.clients, c)
			close(c.done)
		}
	}
	s.clientsMu.Unlock()
	logging.Warn("api-gateway", "dropped slow stream clients", "count", len(slow))
}

func (s *server) register(c *streamClient) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *server) unregister(c *streamClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.done)
	}
	s.clientsMu.Unlock()
}

// handleStream upgrades to a websocket and relays tool events. The
// per-tool feed is open to the tool's maintainers; the global feed needs
// an admin.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	toolID := r.PathValue("id")
	if toolID == "" {
		if err := actor.Require(tool.RoleAdmin); err != nil {
			writeError(w, r, err)
			return
		}
	} else {
		if err := actor.Require(tool.RoleContributor); err != nil {
			writeError(w, r, err)
			return
		}
		t, err := s.svc.Lifecycle.GetTool(r.Context(), actor, toolID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := actor.RequireMaintainer(t); err != nil {
			writeError(w, r, err)
			return
		}
	}

	// Register before the handshake completes so no event published after
	// the client connects is missed.
	client := &streamClient{toolID: toolID, ch: make(chan tool.Event, clientBuffer), done: make(chan struct{})}
	s.register(client)
	defer s.unregister(client)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("api-gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("api-gateway", "ws connected", "remote", r.RemoteAddr, "tool_id", toolID, "user_id", actor.UserID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-client.ch:
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Error("api-gateway", "encode event failed", "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-client.done:
			return
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
