package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeWait = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsConn carries control messages as binary websocket frames.
type wsConn struct {
	ws    *websocket.Conn
	codec Codec

	wmu       sync.Mutex
	closeOnce sync.Once
}

// Dial opens a control connection to the coordinator websocket at url.
func Dial(ctx context.Context, url string, codec Codec) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", url, err)
	}
	return newWSConn(ws, codec), nil
}

// Upgrade accepts a participant's control connection on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request, codec Codec) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws, codec), nil
}

func newWSConn(ws *websocket.Conn, codec Codec) *wsConn {
	if codec == nil {
		codec = DefaultCodec
	}
	return &wsConn{ws: ws, codec: codec}
}

func (c *wsConn) Send(ctx context.Context, m Message) error {
	b, err := encodeMessage(c.codec, m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return c.mapErr(ctx, err)
	}
	return nil
}

// Recv reads the next message. Cancelling ctx interrupts the read and leaves
// the connection unusable.
func (c *wsConn) Recv(ctx context.Context) (Message, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return Message{}, c.mapErr(ctx, err)
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		return decodeMessage(c.codec, data)
	}
}

func (c *wsConn) mapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}
