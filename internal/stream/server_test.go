package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/qqbroker/adapter/internal/model"
)

type fakeInvoker struct {
	response *model.UpstreamResponse
	err      error
	calls    []string
}

func (f *fakeInvoker) Call(_ context.Context, action string, _ any, _ time.Duration) (*model.UpstreamResponse, error) {
	f.calls = append(f.calls, action)
	return f.response, f.err
}

func dialClient(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) model.ServerEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env model.ServerEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestConnectReceivesWelcome(t *testing.T) {
	invoker := &fakeInvoker{response: &model.UpstreamResponse{Status: "ok"}}
	srv := New(Config{}, invoker, Whitelist{}, zerolog.Nop())
	go srv.hub.Run()

	mux := srv.mux()
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	conn := dialClient(t, httpSrv)
	defer conn.Close()

	env := readEnvelope(t, conn)
	if env.Type != model.EnvelopeWelcome {
		t.Fatalf("expected welcome envelope, got %+v", env)
	}
}

func TestPingPong(t *testing.T) {
	invoker := &fakeInvoker{response: &model.UpstreamResponse{Status: "ok"}}
	srv := New(Config{}, invoker, Whitelist{}, zerolog.Nop())
	go srv.hub.Run()

	httpSrv := httptest.NewServer(srv.mux())
	defer httpSrv.Close()

	conn := dialClient(t, httpSrv)
	defer conn.Close()
	readEnvelope(t, conn) // welcome

	req, _ := json.Marshal(model.ClientEnvelope{Type: model.ClientPing})
	conn.WriteMessage(websocket.TextMessage, req)

	env := readEnvelope(t, conn)
	if env.Type != model.EnvelopePong {
		t.Fatalf("expected pong, got %+v", env)
	}
}

func TestInvokeRejectedByGroupWhitelist(t *testing.T) {
	invoker := &fakeInvoker{response: &model.UpstreamResponse{Status: "ok"}}
	wl := Whitelist{Groups: map[int64]bool{111: true}}
	srv := New(Config{}, invoker, wl, zerolog.Nop())
	go srv.hub.Run()

	httpSrv := httptest.NewServer(srv.mux())
	defer httpSrv.Close()

	conn := dialClient(t, httpSrv)
	defer conn.Close()
	readEnvelope(t, conn) // welcome

	params, _ := json.Marshal(map[string]any{"group_id": 222})
	req, _ := json.Marshal(model.ClientEnvelope{Type: model.ClientInvoke, RequestID: "r1", Action: "send_group_msg", Params: params})
	conn.WriteMessage(websocket.TextMessage, req)

	env := readEnvelope(t, conn)
	if env.Type != model.EnvelopeResult || env.OK == nil || *env.OK {
		t.Fatalf("expected rejected result, got %+v", env)
	}
	if env.Error != "group_not_in_whitelist" {
		t.Fatalf("expected group_not_in_whitelist, got %q", env.Error)
	}
	if len(invoker.calls) != 0 {
		t.Fatalf("upstream should not have been called, calls=%v", invoker.calls)
	}
}

func TestInvokeAllowedPassesThrough(t *testing.T) {
	invoker := &fakeInvoker{response: &model.UpstreamResponse{Status: "ok", Data: json.RawMessage(`{"message_id":1}`)}}
	srv := New(Config{}, invoker, Whitelist{}, zerolog.Nop())
	go srv.hub.Run()

	httpSrv := httptest.NewServer(srv.mux())
	defer httpSrv.Close()

	conn := dialClient(t, httpSrv)
	defer conn.Close()
	readEnvelope(t, conn) // welcome

	params, _ := json.Marshal(map[string]any{"group_id": 222, "message": "hi"})
	req, _ := json.Marshal(model.ClientEnvelope{Type: model.ClientInvoke, RequestID: "r2", Action: "send_group_msg", Params: params})
	conn.WriteMessage(websocket.TextMessage, req)

	env := readEnvelope(t, conn)
	if env.Type != model.EnvelopeResult || env.OK == nil || !*env.OK {
		t.Fatalf("expected successful result, got %+v", env)
	}
	if len(invoker.calls) != 1 || invoker.calls[0] != "send_group_msg" {
		t.Fatalf("expected one send_group_msg call, got %v", invoker.calls)
	}
}

func TestHealthEndpoint(t *testing.T) {
	invoker := &fakeInvoker{}
	srv := New(Config{}, invoker, Whitelist{}, zerolog.Nop())
	go srv.hub.Run()

	httpSrv := httptest.NewServer(srv.mux())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSystemSnapshotEndpointOnlyMountedWhenConfigured(t *testing.T) {
	invoker := &fakeInvoker{}
	srv := New(Config{}, invoker, Whitelist{}, zerolog.Nop())
	go srv.hub.Run()

	httpSrv := httptest.NewServer(srv.mux())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/metrics/system")
	if err != nil {
		t.Fatalf("GET /metrics/system: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when snapshot func unset, got %d", resp.StatusCode)
	}

	srv.SetSystemSnapshotFunc(func() any { return map[string]float64{"cpu_percent": 12.5} })
	httpSrv2 := httptest.NewServer(srv.mux())
	defer httpSrv2.Close()

	resp2, err := http.Get(httpSrv2.URL + "/metrics/system")
	if err != nil {
		t.Fatalf("GET /metrics/system: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp2.StatusCode)
	}
	var payload map[string]float64
	if err := json.NewDecoder(resp2.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["cpu_percent"] != 12.5 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestAuthTokenRouteGatedByEnvironment(t *testing.T) {
	invoker := &fakeInvoker{}
	srv := New(Config{AuthRequired: true, AuthSecret: "s3cr3t", TokenTTL: time.Hour, Environment: "production"}, invoker, Whitelist{}, zerolog.Nop())
	go srv.hub.Run()

	httpSrv := httptest.NewServer(srv.mux())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/auth/token")
	if err != nil {
		t.Fatalf("GET /auth/token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected /auth/token to be absent in production, got %d", resp.StatusCode)
	}
}

func TestAuthTokenRouteAvailableOutsideProduction(t *testing.T) {
	invoker := &fakeInvoker{}
	srv := New(Config{AuthRequired: true, AuthSecret: "s3cr3t", TokenTTL: time.Hour, Environment: "development"}, invoker, Whitelist{}, zerolog.Nop())
	go srv.hub.Run()

	httpSrv := httptest.NewServer(srv.mux())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/auth/token")
	if err != nil {
		t.Fatalf("GET /auth/token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	invoker := &fakeInvoker{}
	srv := New(Config{}, invoker, Whitelist{}, zerolog.Nop())
	go srv.hub.Run()

	httpSrv := httptest.NewServer(srv.mux())
	defer httpSrv.Close()

	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		conn := dialClient(t, httpSrv)
		defer conn.Close()
		readEnvelope(t, conn) // welcome
		conns = append(conns, conn)
	}

	// Give the hub a moment to finish registering all three clients
	// before broadcasting.
	time.Sleep(50 * time.Millisecond)
	srv.Broadcast(map[string]string{"text": "hello all"})

	for _, conn := range conns {
		env := readEnvelope(t, conn)
		if env.Type != model.EnvelopeMessage {
			t.Fatalf("expected message envelope, got %+v", env)
		}
	}
}
