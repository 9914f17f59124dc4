// Package wsstore is a tree store client speaking to a remote tree over a
// websocket.
//
// Every call is a request frame carrying a random id; the reader goroutine
// routes the response with the same id back to the waiting caller. Watches are
// named by the client, so notifications can be routed before the server has
// acknowledged the watch. Frames are CBOR or JSON depending on the negotiated
// subprotocol.
//
// A lost connection is final for a Client: every open watch ends with
// [constants.ErrConnectionLost] and later calls fail with
// [constants.ErrStoreUnavailable]. Reconnecting means dialing a new Client.
package wsstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nodeart/dalbridge/internal/codec"
	"github.com/nodeart/dalbridge/internal/rand"
	"github.com/nodeart/dalbridge/internal/rpc"
	"github.com/nodeart/dalbridge/internal/tree"
	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

// DefaultDialer is the gorilla default dialer with compression enabled and
// both frame codecs offered, CBOR first.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      codec.Subprotocols(),
}

type Option func(c *Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithTimeout bounds each request round-trip. Zero leaves it to the context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.Timeout = d
	}
}

// WithSubprotocol restricts negotiation to one codec ("cbor" or "json").
func WithSubprotocol(name string) Option {
	return func(c *Client) {
		d := *c.dialer
		d.Subprotocols = []string{name}
		c.dialer = &d
	}
}

func WithHeader(h http.Header) Option {
	return func(c *Client) {
		c.header = h
	}
}

type Client struct {
	Timeout time.Duration

	dialer *gorilla.Dialer
	header http.Header
	logger zerolog.Logger
	codec  codec.Codec

	conn *gorilla.Conn
	// connLock serializes writes; gorilla allows one concurrent writer.
	connLock sync.Mutex

	responseChannels     map[string]chan rpc.Response
	responseChannelsLock sync.RWMutex

	hub         *tree.Hub
	watches     map[string]*tree.Watch
	watchesLock sync.RWMutex

	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

var _ treestore.Client = (*Client)(nil)

// Dial connects to a tree store server. A base URL without a path gets "/rpc".
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != constants.WebsocketScheme && u.Scheme != constants.WebsocketSecureScheme {
		return nil, fmt.Errorf("wsstore: unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/rpc"
	}

	c := &Client{
		Timeout:          constants.DefaultWSTimeout,
		dialer:           DefaultDialer,
		logger:           zerolog.Nop(),
		responseChannels: make(map[string]chan rpc.Response),
		hub:              tree.NewHub(),
		watches:          make(map[string]*tree.Watch),
		closeCh:          make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	conn, res, err := c.dialer.DialContext(ctx, u.String(), c.header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrStoreUnavailable, err)
	}
	defer res.Body.Close()

	c.conn = conn
	c.codec = codec.ForSubprotocol(conn.Subprotocol())
	c.logger = c.logger.With().Str("url", u.String()).Str("codec", c.codec.Subprotocol()).Logger()

	go c.readLoop()

	return c, nil
}

func (c *Client) Push(ctx context.Context, prefix string, value any) (string, error) {
	prefix, err := treestore.Clean(prefix)
	if err != nil {
		return "", err
	}
	data, err := tree.Encode(value)
	if err != nil {
		return "", err
	}
	res, err := c.send(ctx, &rpc.Request{Method: rpc.Push, Path: prefix, Value: data})
	if err != nil {
		return "", err
	}
	if res.Key == "" {
		return "", fmt.Errorf("wsstore: push to %q returned no key", prefix)
	}
	return res.Key, nil
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	path, err := treestore.Clean(path)
	if err != nil {
		return err
	}
	data, err := tree.Encode(value)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, &rpc.Request{Method: rpc.Set, Path: path, Value: data})
	return err
}

func (c *Client) Get(ctx context.Context, path string) (treestore.Snapshot, error) {
	path, err := treestore.Clean(path)
	if err != nil {
		return treestore.Snapshot{}, err
	}
	res, err := c.send(ctx, &rpc.Request{Method: rpc.Get, Path: path})
	if err != nil {
		return treestore.Snapshot{}, err
	}
	if res.Snapshot == nil {
		return treestore.NewSnapshot(path, nil), nil
	}
	return *res.Snapshot, nil
}

func (c *Client) Remove(ctx context.Context, path string) error {
	path, err := treestore.Clean(path)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, &rpc.Request{Method: rpc.Remove, Path: path})
	return err
}

func (c *Client) Watch(ctx context.Context, path string, fn treestore.Listener) (treestore.Handle, error) {
	path, err := treestore.Clean(path)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("wsstore: nil listener for %q", path)
	}

	w, err := c.hub.Add(path, fn, treestore.NewSnapshot(path, nil))
	if err != nil {
		return nil, err
	}
	id := rand.NewRequestID(constants.RequestIDLength)
	c.watchesLock.Lock()
	c.watches[id] = w
	c.watchesLock.Unlock()

	if _, err := c.send(ctx, &rpc.Request{Method: rpc.Watch, Path: path, WatchID: id}); err != nil {
		c.forget(id)
		w.Cancel()
		return nil, err
	}
	return &remoteWatch{Watch: w, id: id, client: c}, nil
}

type remoteWatch struct {
	*tree.Watch
	id     string
	client *Client
	once   sync.Once
}

// Cancel detaches locally right away and tells the server in the background.
func (r *remoteWatch) Cancel() {
	r.once.Do(func() {
		r.Watch.Cancel()
		r.client.forget(r.id)
		if r.client.closed.Load() {
			return
		}
		go r.client.unwatch(r.id)
	})
}

func (c *Client) unwatch(id string) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = constants.DefaultWSTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := c.send(ctx, &rpc.Request{Method: rpc.Unwatch, WatchID: id}); err != nil {
		c.logger.Debug().Err(err).Str("watch_id", id).Msg("unwatch failed")
	}
}

func (c *Client) forget(id string) {
	c.watchesLock.Lock()
	defer c.watchesLock.Unlock()
	delete(c.watches, id)
}

// Watches is the number of watches open on this client.
func (c *Client) Watches() int {
	return c.hub.Len()
}

// Done is closed once the connection is gone, whether by Close or by loss.
func (c *Client) Done() <-chan struct{} {
	return c.closeCh
}

func (c *Client) send(ctx context.Context, req *rpc.Request) (*rpc.Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	select {
	case <-c.closeCh:
		return nil, c.unavailable()
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	req.ID = rand.NewRequestID(constants.RequestIDLength)
	responseChan, err := c.createResponseChannel(req.ID)
	if err != nil {
		return nil, err
	}
	defer c.removeResponseChannel(req.ID)

	if err := c.write(req); err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrStoreUnavailable, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", constants.ErrTimeout, req.Method, req.Path)
		}
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, fmt.Errorf("%w: %s %s", constants.ErrConnectionLost, req.Method, req.Path)
	case res := <-responseChan:
		if res.Error != nil {
			return nil, res.Error
		}
		if res.Result == nil {
			return &rpc.Result{}, nil
		}
		return res.Result, nil
	}
}

func (c *Client) unavailable() error {
	if c.closed.Load() {
		return constants.ErrClosed
	}
	return fmt.Errorf("%w: %v", constants.ErrStoreUnavailable, c.closeErr)
}

func (c *Client) createResponseChannel(id string) (chan rpc.Response, error) {
	c.responseChannelsLock.Lock()
	defer c.responseChannelsLock.Unlock()

	if _, ok := c.responseChannels[id]; ok {
		return nil, fmt.Errorf("wsstore: request id %v already in use", id)
	}

	ch := make(chan rpc.Response, 1)
	c.responseChannels[id] = ch

	return ch, nil
}

func (c *Client) removeResponseChannel(id string) {
	c.responseChannelsLock.Lock()
	defer c.responseChannelsLock.Unlock()
	delete(c.responseChannels, id)
}

func (c *Client) getResponseChannel(id string) (chan rpc.Response, bool) {
	c.responseChannelsLock.RLock()
	defer c.responseChannelsLock.RUnlock()
	ch, ok := c.responseChannels[id]
	return ch, ok
}

func (c *Client) write(v any) error {
	data, err := c.codec.Marshal(v)
	if err != nil {
		return err
	}
	messageType := gorilla.TextMessage
	if c.codec.Binary() {
		messageType = gorilla.BinaryMessage
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Error().Err(err).Msg("connection lost")
			}
			c.shutdown(err)
			return
		}
		// Handled inline: notifications for one watch must keep their order.
		c.handleResponse(data)
	}
}

func (c *Client) handleResponse(data []byte) {
	var res rpc.Response
	if err := c.codec.Unmarshal(data, &res); err != nil {
		c.logger.Error().Err(err).Msg("undecodable frame")
		return
	}

	if res.ID != "" {
		responseChan, ok := c.getResponseChannel(res.ID)
		if !ok {
			c.logger.Warn().Str("id", res.ID).Msg("unavailable response channel")
			return
		}
		responseChan <- res
		return
	}

	n := res.Notification
	if n == nil {
		if res.Error != nil {
			c.logger.Error().Int("code", res.Error.Code).Msg(res.Error.Message)
		}
		return
	}

	c.watchesLock.RLock()
	w, ok := c.watches[n.WatchID]
	c.watchesLock.RUnlock()
	if !ok {
		c.logger.Debug().Str("watch_id", n.WatchID).Msg("notification for unknown watch")
		return
	}
	if n.Error != nil {
		c.forget(n.WatchID)
		w.End(n.Error)
		return
	}
	w.Offer(n.Snapshot)
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.closeCh)
		c.hub.Terminate(fmt.Errorf("%w: %v", constants.ErrConnectionLost, cause))

		c.watchesLock.Lock()
		c.watches = make(map[string]*tree.Watch)
		c.watchesLock.Unlock()
	})
}

// Close sends a close frame and tears the connection down. Open watches end
// with constants.ErrConnectionLost.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.connLock.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	err := c.conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(constants.CloseMessageCode, ""))
	c.connLock.Unlock()
	if err != nil && !errors.Is(err, gorilla.ErrCloseSent) {
		c.logger.Debug().Err(err).Msg("failed to write close message")
	}

	c.shutdown(constants.ErrClosed)
	return c.conn.Close()
}
