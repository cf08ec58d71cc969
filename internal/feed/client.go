package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/acolita/clihost/internal/adapters/realclock"
	"github.com/acolita/clihost/internal/ports"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultReadLimit    = 16 << 20
	frameBuffer         = 256
	minPingTimeout      = 5 * time.Second
)

// ErrTransport marks connection-level failures: dial errors, read errors,
// keepalive timeouts and the peer closing the connection.
var ErrTransport = errors.New("feed transport error")

// DialOptions configures Dial.
type DialOptions struct {
	PingInterval time.Duration // keepalive interval; negative disables pings
	ReadLimit    int64         // max frame size in bytes
	Clock        ports.Clock
}

// Conn is an open feed connection. Frames are read continuously in the
// background so keepalive pings are answered even while the caller is busy.
type Conn struct {
	url    string
	ws     *websocket.Conn
	frames chan []byte
	err    error // set before frames is closed
	cancel context.CancelFunc
	clock  ports.Clock

	closeOnce sync.Once
}

// Dial connects to the feed at url.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.Clock == nil {
		opts.Clock = realclock.New()
	}

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, url, err)
	}
	ws.SetReadLimit(opts.ReadLimit)

	pumpCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:    url,
		ws:     ws,
		frames: make(chan []byte, frameBuffer),
		cancel: cancel,
		clock:  opts.Clock,
	}

	go c.readPump(pumpCtx)
	if opts.PingInterval > 0 {
		go c.keepalive(pumpCtx, opts.PingInterval)
	}

	return c, nil
}

// URL returns the address this connection was dialed with.
func (c *Conn) URL() string {
	return c.url
}

func (c *Conn) readPump(ctx context.Context) {
	defer close(c.frames)

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				c.err = fmt.Errorf("%w: connection closed", ErrTransport)
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				c.err = fmt.Errorf("%w: closed by server", ErrTransport)
			default:
				c.err = fmt.Errorf("%w: read: %w", ErrTransport, err)
			}
			return
		}

		select {
		case c.frames <- data:
		case <-ctx.Done():
			c.err = fmt.Errorf("%w: connection closed", ErrTransport)
			return
		}
	}
}

func (c *Conn) keepalive(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			pingCtx, cancel := context.WithTimeout(ctx, max(interval, minPingTimeout))
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("feed keepalive failed", slog.String("error", err.Error()))
					c.ws.Close(websocket.StatusGoingAway, "keepalive timeout")
				}
				return
			}
		}
	}
}

// Send writes one text frame.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	return nil
}

// SendHello announces this host to the server.
func (c *Conn) SendHello(ctx context.Context, pid int) error {
	return c.Send(ctx, Hello(pid))
}

// Next returns the next inbound frame in arrival order. Once the connection
// has failed it returns an error wrapping ErrTransport.
func (c *Conn) Next(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.frames:
		if !ok {
			return nil, c.err
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the background reader and closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	})
	return err
}
