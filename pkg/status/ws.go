// Websocket client handling and live notification streams
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package status

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wsClient is one connected websocket frontend.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// send queues a message; a stalled client drops messages rather than
// blocking the host.
func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.Debugf("dropping message to websocket client %d", c.id)
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warnf("websocket read error: %v", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.send(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}

	result, err := c.server.dispatchMethod(req.Method, req.Params)
	if err != nil {
		c.send(rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: -32000, Message: err.Error()}})
		return
	}
	c.send(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// dispatchMethod routes a websocket RPC call.
func (s *Server) dispatchMethod(method string, params json.RawMessage) (any, error) {
	switch method {
	case "server.info":
		hostname, _ := os.Hostname()
		return map[string]any{
			"hostname": hostname,
			"version":  Version,
		}, nil
	case "instruments.list":
		return map[string]any{"instruments": s.instrumentStatuses()}, nil
	case "run.status":
		return s.scheduler.Status(), nil
	case "run.start":
		var req RunRequest
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, err
			}
		}
		p, err := s.buildParams(req)
		if err != nil {
			return nil, err
		}
		if err := s.scheduler.Start(p); err != nil {
			return nil, err
		}
		return s.scheduler.Status(), nil
	case "run.plan":
		var req RunRequest
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, err
			}
		}
		p, err := s.buildParams(req)
		if err != nil {
			return nil, err
		}
		plan, err := s.planSteps(p)
		if err != nil {
			return nil, err
		}
		return map[string]any{"steps": plan}, nil
	case "run.stop":
		if err := s.scheduler.Stop(); err != nil {
			return nil, err
		}
		return s.scheduler.Status(), nil
	case "telemetry.history":
		history := s.sampler.History()
		samples := make([]sampleJSON, len(history))
		for i, sample := range history {
			samples[i] = sampleToJSON(sample)
		}
		return map[string]any{"samples": samples}, nil
	}
	return nil, &rpcMethodError{method: method}
}

type rpcMethodError struct{ method string }

func (e *rpcMethodError) Error() string {
	return "method not found: " + e.method
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.logger.Debugf("websocket client %d connected", client.id)

	go client.writePump()
	client.readPump()
}

func (s *Server) removeClient(client *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
	s.logger.Debugf("websocket client %d disconnected", client.id)
}

func (s *Server) broadcast(msg any) {
	s.wsClientMu.RLock()
	clients := make([]*wsClient, 0, len(s.wsClients))
	for _, c := range s.wsClients {
		clients = append(clients, c)
	}
	s.wsClientMu.RUnlock()

	for _, c := range clients {
		c.send(msg)
	}
}

// sampleBroadcastLoop forwards composite telemetry samples to all
// connected clients as notifications.
func (s *Server) sampleBroadcastLoop() {
	ch := s.sampler.Subscribe()
	defer s.sampler.Unsubscribe(ch)

	for s.running.Load() {
		sample, ok := <-ch
		if !ok {
			return
		}
		s.broadcast(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_sample",
			"params":  []any{sampleToJSON(sample)},
		})
	}
}

// eventBroadcastLoop forwards calibration run events.
func (s *Server) eventBroadcastLoop() {
	for s.running.Load() {
		ev, ok := <-s.scheduler.Events()
		if !ok {
			return
		}
		params := map[string]any{
			"kind":       ev.Kind.String(),
			"step":       ev.Step,
			"target_ppm": ev.TargetPPM,
			"time":       ev.Time.Format(time.RFC3339Nano),
		}
		if ev.Message != "" {
			params["message"] = ev.Message
		}
		if ev.Err != nil {
			params["error"] = ev.Err.Error()
		}
		s.broadcast(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_run_event",
			"params":  []any{params},
		})
	}
}
