package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/webagent/internal/agent"
	"github.com/michaelbrown/webagent/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // served on a trusted network
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type    string `json:"type"` // "message", "cancel" or "reset"
	Content string `json:"content"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
	Args    any    `json:"args,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	s    *Server
}

func (c *wsConn) send(v wsOutgoing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		c.s.logger.Warnw("websocket marshal error", "error", err)
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.s.logger.Debugw("websocket write error", "error", err)
	}
}

// handleRunWebSocket keeps one conversation per connection. Each message
// starts a streaming run over the tools live at that moment.
func (s *Server) handleRunWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	c := &wsConn{conn: conn, s: s}
	var conv *agent.Agent

	// Runs happen in a goroutine so the read loop can see "cancel".
	var (
		runMu   sync.Mutex
		current string
		done    chan struct{}
	)
	defer func() {
		runMu.Lock()
		id, wait := current, done
		runMu.Unlock()
		if id != "" {
			s.runs.Cancel(id)
			<-wait
		}
	}()

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debugw("websocket read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case "cancel":
			runMu.Lock()
			id := current
			runMu.Unlock()
			if id != "" {
				s.runs.Cancel(id)
			}
			continue
		case "reset":
			runMu.Lock()
			busy := current != ""
			runMu.Unlock()
			if busy {
				c.send(wsOutgoing{Type: "error", Content: "a run is in progress"})
				continue
			}
			conv = nil
			c.send(wsOutgoing{Type: "reset"})
			continue
		case "message":
			if msg.Content == "" {
				c.send(wsOutgoing{Type: "error", Content: "invalid message"})
				continue
			}
		default:
			c.send(wsOutgoing{Type: "error", Content: "invalid message"})
			continue
		}

		runMu.Lock()
		if current != "" {
			runMu.Unlock()
			c.send(wsOutgoing{Type: "error", Content: "a run is in progress"})
			continue
		}

		a, run := s.newAgent()
		if conv != nil {
			a.Load(conv.History())
		}
		conv = a
		run.Input = msg.Content
		s.audit.BeginRun(r.Context(), run)
		// Detached from the upgrade request; cancelled through the tracker.
		ctx, finish := s.runs.Start(context.Background(), run.ID)
		current, done = run.ID, make(chan struct{})
		finished := done
		runMu.Unlock()

		go func() {
			defer close(finished)
			out := s.streamRun(ctx, c, a, run, msg.Content)
			finish()
			runMu.Lock()
			current = ""
			runMu.Unlock()
			c.send(out)
		}()
	}
}

// streamRun executes one run, forwarding agent events, and returns the
// final "done" or "error" message.
func (s *Server) streamRun(ctx context.Context, c *wsConn, a *agent.Agent, run *storage.AgentRun, content string) wsOutgoing {
	a.OnTextDelta = func(delta string) {
		c.send(wsOutgoing{Type: "text_delta", Content: delta, RunID: run.ID})
	}
	a.OnToolCall = func(name string, args map[string]any) {
		c.send(wsOutgoing{Type: "tool_call", Name: name, Args: args, RunID: run.ID})
	}
	a.OnToolResult = func(name string, result string) {
		c.send(wsOutgoing{Type: "tool_result", Name: name, Content: result, RunID: run.ID})
	}

	res, err := a.RunStreaming(ctx, content)
	s.audit.FinishRun(ctx, run, res, err, a.History())

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return wsOutgoing{Type: "error", Content: "interrupted", RunID: run.ID}
		}
		return wsOutgoing{Type: "error", Content: err.Error(), RunID: run.ID}
	}
	return wsOutgoing{Type: "done", Content: res.Content, RunID: run.ID}
}
