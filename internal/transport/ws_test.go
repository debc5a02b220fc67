package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxwire/voxwire/internal/transport"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server whose handler receives the
// accepted connection. The server closes with the test.
func startServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *transport.WSChannel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := transport.Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestWSChannelSendsBinaryAndControl(t *testing.T) {
	t.Parallel()

	type received struct {
		kind websocket.MessageType
		data []byte
	}
	got := make(chan received, 2)
	srv := startServer(t, func(conn *websocket.Conn) {
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for i := 0; i < 2; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			kind, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			got <- received{kind: kind, data: data}
		}
	})

	ch := dial(t, srv)
	if err := ch.Send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send binary: %v", err)
	}
	if err := ch.SendControl(transport.ControlMessage{Type: transport.ControlTurnComplete}); err != nil {
		t.Fatalf("send control: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case r := <-got:
			switch r.kind {
			case websocket.MessageBinary:
				if len(r.data) != 3 {
					t.Fatalf("binary frame mangled: %v", r.data)
				}
			case websocket.MessageText:
				msg, err := transport.DecodeControl(r.data)
				if err != nil || msg.Type != transport.ControlTurnComplete {
					t.Fatalf("bad control frame: %v %v", msg, err)
				}
			}
		case <-time.After(3 * time.Second):
			t.Fatal("server did not receive both frames")
		}
	}
}

func TestWSChannelDispatchesIncoming(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn) {
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn.Write(ctx, websocket.MessageBinary, []byte{9, 9})
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"buffer_pressure","level":"high"}`))
		// Malformed text frames must be skipped, not kill the channel.
		conn.Write(ctx, websocket.MessageText, []byte(`{{nope`))
		<-release
	})
	defer close(release)

	var mu sync.Mutex
	var audio [][]byte
	var controls []transport.ControlMessage
	done := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch, err := transport.Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	ch.OnBinary(func(data []byte) {
		mu.Lock()
		audio = append(audio, data)
		mu.Unlock()
	})
	ch.OnControl(func(msg transport.ControlMessage) {
		mu.Lock()
		controls = append(controls, msg)
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("control message never dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(audio) != 1 || len(audio[0]) != 2 {
		t.Fatalf("want one binary frame, got %v", audio)
	}
	if len(controls) != 1 || controls[0].Level != "high" {
		t.Fatalf("want one pressure advisory, got %v", controls)
	}
	if !ch.Open() {
		t.Fatal("channel must survive a malformed control frame")
	}
}

func TestWSChannelCloseFiresHandlerOnce(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn) {
		<-block
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer close(block)

	ch := dial(t, srv)

	var mu sync.Mutex
	fired := 0
	ch.OnClose(func(err error) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	ch.Close()
	ch.Close()

	if ch.Open() {
		t.Fatal("closed channel must not report open")
	}
	if err := ch.Send([]byte{1}); err == nil {
		t.Fatal("send on a closed channel must fail")
	}

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("close handler must fire exactly once, fired %d times", fired)
	}
}

func TestWSChannelRemoteDeathSurfacesError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn) {
		conn.CloseNow()
	})

	ch := dial(t, srv)
	closed := make(chan error, 1)
	ch.OnClose(func(err error) { closed <- err })

	select {
	case err := <-closed:
		if err == nil {
			t.Fatal("abnormal remote close must surface an error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("close handler never fired")
	}
	if ch.Open() {
		t.Fatal("dead channel must not report open")
	}
}

func TestWSChannelPing(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn) {
		// Keep a reader active so the library answers pings with pongs.
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	ch := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	ch.Close()
	if err := ch.Ping(ctx); err == nil {
		t.Fatal("ping on a closed channel must fail")
	}
}
