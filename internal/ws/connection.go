package ws

import (
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one established client-side WebSocket link with a write
// mutex for serializing outbound frames.
type Connection struct {
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the handshake completed

	lastRead atomic.Int64 // unix nanos of the last byte read from the server
	writeMu  sync.Mutex   // serializes writes to this connection
}

func newConnection(c net.Conn) *Connection {
	conn := &Connection{Conn: c, CreatedAt: time.Now()}
	conn.touch()
	return conn
}

func (c *Connection) touch() {
	c.lastRead.Store(time.Now().UnixNano())
}

// LastActivity returns when data was last read from the server, including
// control frames such as pongs.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// Write writes raw bytes under the write mutex. The control-frame handler
// used while reading writes pong and close replies through it.
func (c *Connection) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.Write(p)
}

// WriteMessage sends a masked WebSocket text frame. The frame is encoded in
// full before the write mutex is taken so it reaches the socket in a single
// write.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	var buf bytes.Buffer
	if err := wsutil.WriteClientMessage(&buf, ws.OpText, data); err != nil {
		return err
	}
	return c.writeRaw(buf.Bytes(), timeout)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing(timeout time.Duration) error {
	var buf bytes.Buffer
	if err := ws.WriteFrame(&buf, ws.MaskFrameInPlace(ws.NewPingFrame(nil))); err != nil {
		return err
	}
	return c.writeRaw(buf.Bytes(), timeout)
}

// WriteClose sends a normal-closure close frame.
func (c *Connection) WriteClose(timeout time.Duration) error {
	var buf bytes.Buffer
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	if err := ws.WriteFrame(&buf, ws.MaskFrameInPlace(ws.NewCloseFrame(body))); err != nil {
		return err
	}
	return c.writeRaw(buf.Bytes(), timeout)
}

func (c *Connection) writeRaw(p []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.Conn.Write(p)
	return err
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// reader returns an io.ReadWriter for wsutil's read helpers: reads come from
// src and refresh the activity clock, writes go through the write mutex.
func (c *Connection) reader(src io.Reader) io.ReadWriter {
	return struct {
		io.Reader
		io.Writer
	}{&activityReader{r: src, c: c}, c}
}

type activityReader struct {
	r io.Reader
	c *Connection
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.c.touch()
	}
	return n, err
}
