package upstream

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
)

// echoServer is a minimal OneBot-ish test gateway: it answers every
// action request with an {echo, status:"ok"} response, except for the
// action name "slow" (never answered, to exercise Call timeouts) and
// "boom" (closes the connection instead of answering).
func echoServer(t *testing.T) (*httptest.Server, func(event any)) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case connCh <- conn:
		default:
		}

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Action string `json:"action"`
				Echo   string `json:"echo"`
			}
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			switch frame.Action {
			case "slow":
				continue
			case "boom":
				conn.Close()
				return
			default:
				resp := map[string]any{"echo": frame.Echo, "status": "ok", "retcode": 0}
				out, _ := json.Marshal(resp)
				conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))

	pushEvent := func(event any) {
		conn := <-connCh
		out, _ := json.Marshal(event)
		conn.WriteMessage(websocket.TextMessage, out)
	}

	return srv, pushEvent
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := Config{
		URL:                url,
		RequestTimeoutMs:   500,
		AutoWaitOpen:       true,
		RateMaxConcurrency: 4,
		RateMinIntervalMs:  0,
	}
	c := New(cfg, zerolog.Nop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.WaitOpen(time.Second) {
		t.Fatal("client did not become open")
	}
	return c
}

func TestCallRoundTrip(t *testing.T) {
	srv, _ := echoServer(t)
	defer srv.Close()

	c := newTestClient(t, wsURL(srv.URL))
	defer c.Close(websocket.CloseNormalClosure, "test done")

	resp, err := c.Call(context.Background(), "get_status", nil, 0)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("expected ok response, got %+v", resp)
	}
}

func TestCallTimeout(t *testing.T) {
	srv, _ := echoServer(t)
	defer srv.Close()

	c := newTestClient(t, wsURL(srv.URL))
	defer c.Close(websocket.CloseNormalClosure, "test done")

	_, err := c.Call(context.Background(), "slow", nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending entry leaked after timeout, count=%d", c.PendingCount())
	}
}

func TestCallFailsWhenNotOpenAndNoAutoWait(t *testing.T) {
	cfg := Config{URL: "ws://127.0.0.1:1/nope", RequestTimeoutMs: 100, AutoWaitOpen: false, RateMaxConcurrency: 1}
	c := New(cfg, zerolog.Nop())

	_, err := c.Call(context.Background(), "get_status", nil, 0)
	if err == nil {
		t.Fatal("expected error when connection never opened")
	}
}

func TestEventDispatchedToOnEvent(t *testing.T) {
	srv, pushEvent := echoServer(t)
	defer srv.Close()

	c := newTestClient(t, wsURL(srv.URL))
	defer c.Close(websocket.CloseNormalClosure, "test done")

	pushEvent(map[string]any{"post_type": "message", "message_type": "private", "user_id": 123})

	select {
	case raw := <-c.OnEvent:
		_, postType, ok := classifyForTest(raw)
		if !ok || postType != "message" {
			t.Fatalf("unexpected classified event: postType=%q ok=%v", postType, ok)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func classifyForTest(raw []byte) (string, string, bool) {
	var env struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", "", false
	}
	return env.Echo, env.PostType, env.Echo != "" || env.PostType != ""
}

func TestConnectionCloseFailsPendingCalls(t *testing.T) {
	srv, _ := echoServer(t)

	c := newTestClient(t, wsURL(srv.URL))
	defer c.Close(websocket.CloseNormalClosure, "test done")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "slow", nil, 2*time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	srv.Close() // drops the TCP connection out from under the client

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after server closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was never resolved after disconnect")
	}
}
