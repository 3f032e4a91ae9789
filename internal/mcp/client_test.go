package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// mockTransport is a test double for the Transport interface.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]*Response // method -> canned response
	sent      []Request            // captured requests
	notifs    []Notification       // captured notifications
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string]*Response),
	}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	}
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	}
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)
	resp, ok := m.responses[req.Method]
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

func addInitialize(mt *mockTransport) {
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo{Name: "test-catalog", Version: "1.0.0"},
	})
}

func TestCallPerformsHandshakeOnce(t *testing.T) {
	mt := newMockTransport()
	addInitialize(mt)
	mt.addResponse("tools/search", map[string]any{"tools": []any{}})

	client := NewClient(mt, nil)
	for i := 0; i < 3; i++ {
		if _, err := client.Call(context.Background(), "tools/search", nil); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}

	var initCount int
	for _, req := range mt.sent {
		if req.Method == "initialize" {
			initCount++
		}
	}
	if initCount != 1 {
		t.Errorf("initialize sent %d times, want 1", initCount)
	}
	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notifications = %v, want one notifications/initialized", mt.notifs)
	}
}

func TestCallReturnsRPCError(t *testing.T) {
	mt := newMockTransport()
	addInitialize(mt)
	mt.addError("tools/execute", -32602, "invalid params")

	client := NewClient(mt, nil)
	_, err := client.Call(context.Background(), "tools/execute", nil)
	if err == nil {
		t.Fatal("Call should surface JSON-RPC error")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32602 {
		t.Errorf("err = %v, want RPCError code -32602", err)
	}
}

func TestCallRequestIDsIncrement(t *testing.T) {
	mt := newMockTransport()
	addInitialize(mt)
	mt.addResponse("ping", map[string]any{})

	client := NewClient(mt, nil)
	for i := 0; i < 2; i++ {
		if _, err := client.Call(context.Background(), "ping", nil); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}

	seen := make(map[int64]bool)
	for _, req := range mt.sent {
		if seen[req.ID] {
			t.Errorf("duplicate JSON-RPC id %d", req.ID)
		}
		seen[req.ID] = true
	}
}

func TestCloseClosesTransport(t *testing.T) {
	mt := newMockTransport()
	client := NewClient(mt, nil)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mt.closed {
		t.Error("transport not closed")
	}
}
