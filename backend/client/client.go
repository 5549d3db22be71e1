// Package client speaks the feed protocol from the client side. Session
// tests use it to drive real connections.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adwski/sharefeed/backend/codec"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultCloseDeadline    = time.Second
)

var (
	ErrDial = errors.New("unable to connect")
)

type Client struct {
	conn *websocket.Conn
	wmx  sync.Mutex
}

// Dial connects to a feed websocket endpoint, e.g. ws://localhost:3000/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) QueryAll() error {
	return c.SendRaw(codec.AppendQueryAll(nil))
}

func (c *Client) QuerySingle(id int32) error {
	return c.SendRaw(codec.AppendQuerySingle(nil, id))
}

func (c *Client) SendText(text string) error {
	return c.SendRaw(codec.AppendSendText(nil, text))
}

func (c *Client) SendFile(name string, data []byte) error {
	return c.SendRaw(codec.AppendSendFile(nil, name, data))
}

// SendRaw writes frame as a single binary message.
func (c *Client) SendRaw(frame []byte) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", opcodeOf(frame), err)
	}
	return nil
}

// Next waits for the next server frame. The ctx deadline becomes the read
// deadline; after a timed out read the client can only be closed.
func (c *Client) Next(ctx context.Context) (codec.ServerFrame, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return codec.ServerFrame{}, err
	}
	for {
		mt, b, err := c.conn.ReadMessage()
		if err != nil {
			return codec.ServerFrame{}, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return codec.DecodeServerFrame(b)
	}
}

// Close performs the closing handshake and closes the connection.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultCloseDeadline))
	return c.conn.Close()
}

// Drop closes the underlying connection without a closing handshake.
func (c *Client) Drop() error {
	return c.conn.Close()
}

// SendTextMessage writes s as a websocket text message. The feed protocol
// is binary only, servers are expected to skip it.
func (c *Client) SendTextMessage(s string) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()

	return c.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func opcodeOf(frame []byte) codec.Opcode {
	if len(frame) == 0 {
		return 0
	}
	return codec.Opcode(frame[0])
}
