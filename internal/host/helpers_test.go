package host

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/acolita/clihost/internal/config"
)

// feedServer is a WebSocket feed whose handler sees each connection's index.
type feedServer struct {
	url    string
	conns  atomic.Int32
	mu     sync.Mutex
	hellos []string
}

func newFeedServer(t *testing.T, handler func(ctx context.Context, n int, c *websocket.Conn)) *feedServer {
	t.Helper()
	fs := &feedServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		n := int(fs.conns.Add(1))
		_, hello, err := c.Read(r.Context())
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.hellos = append(fs.hellos, string(hello))
		fs.mu.Unlock()

		handler(r.Context(), n, c)
	}))
	t.Cleanup(srv.Close)
	fs.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return fs
}

func (fs *feedServer) Hellos() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.hellos...)
}

// send writes frames and then holds the connection open until the client
// leaves.
func send(frames ...string) func(ctx context.Context, n int, c *websocket.Conn) {
	return func(ctx context.Context, _ int, c *websocket.Conn) {
		for _, f := range frames {
			if err := c.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		_, _, _ = c.Read(ctx)
	}
}

// closedURL returns the address of a server that is no longer listening.
func closedURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	return url
}

func testConfig(url string) config.Config {
	cfg := *config.DefaultConfig()
	cfg.Feed.URL = url
	cfg.Feed.InitialBackoff = 10 * time.Millisecond
	cfg.Feed.MaxBackoff = 50 * time.Millisecond
	cfg.Feed.PingInterval = time.Minute
	cfg.Readiness.QuietThreshold = 10 * time.Millisecond
	cfg.Readiness.QuietTimeout = 200 * time.Millisecond
	cfg.Inject.WakeKeys = ""
	cfg.Inject.Preprompt = ""
	cfg.Inject.PrepromptDelay = 0
	cfg.Inject.Submit = "\r"
	cfg.Inject.SubmitDelay = time.Millisecond
	return cfg
}
