package gateway

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/blukai/stabparty/internal/protocol"
	"github.com/blukai/stabparty/internal/wsframe"
	"github.com/matryer/is"
	"github.com/phuslu/log"
)

func silentLogger() *log.Logger {
	logger := log.DefaultLogger
	logger.Writer = &log.IOWriter{Writer: io.Discard}
	return &logger
}

func TestAcceptKey(t *testing.T) {
	is := is.New(t)

	// rfc 6455 section 4.2.2 example
	is.Equal(AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="), "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
}

func TestReadRequestParsesUpgrade(t *testing.T) {
	is := is.New(t)

	raw := "GET /ws HTTP/1.1\r\n" +
		"Host: 192.168.1.10:8443\r\n" +
		"UPGRADE: WebSocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"\r\n"

	req, leftover, err := readRequest(strings.NewReader(raw))
	is.NoErr(err)
	is.Equal(len(leftover), 0)
	is.Equal(req.method, "GET")
	is.Equal(req.path, "/ws")
	// header keys are case-insensitive
	is.Equal(req.header("upgrade"), "WebSocket")
	is.True(req.isWebSocketUpgrade())
}

func TestReadRequestKeepsPipelinedBytes(t *testing.T) {
	is := is.New(t)

	frame := wsframe.Encode(wsframe.OpText, []byte(`{"type":"shake"}`))
	raw := append([]byte("GET /ws HTTP/1.1\r\nUpgrade: websocket\r\nSec-WebSocket-Key: x\r\n\r\n"), frame...)

	_, leftover, err := readRequest(bytes.NewReader(raw))
	is.NoErr(err)
	is.True(bytes.Equal(leftover, frame))
}

func TestReadRequestPlainHTTP(t *testing.T) {
	is := is.New(t)

	req, _, err := readRequest(strings.NewReader("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	is.NoErr(err)
	is.True(!req.isWebSocketUpgrade())

	req, _, err = readRequest(strings.NewReader("POST /ws HTTP/1.1\r\nUpgrade: websocket\r\nSec-WebSocket-Key: x\r\n\r\n"))
	is.NoErr(err)
	is.True(!req.isWebSocketUpgrade()) // must be a GET
}

func TestCompleteUpgradeResponse(t *testing.T) {
	is := is.New(t)

	req := &httpRequest{
		method: "GET",
		path:   "/ws",
		headers: map[string]string{
			"upgrade":           "websocket",
			"sec-websocket-key": "dGhlIHNhbXBsZSBub25jZQ==",
		},
	}

	var out bytes.Buffer
	s := &Server{logger: silentLogger()}
	is.NoErr(s.completeUpgrade(&out, req))

	want := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n" +
		"\r\n"
	is.Equal(out.String(), want)
}

// connHarness wires a Conn to the near end of a net.Pipe and records
// callbacks.
type connHarness struct {
	conn *Conn
	peer net.Conn

	messages chan protocol.Message
	closed   chan string
}

func newConnHarness(t *testing.T, leftover []byte) *connHarness {
	t.Helper()

	near, peer := net.Pipe()
	h := &connHarness{
		conn:     newConn(near, leftover, silentLogger()),
		peer:     peer,
		messages: make(chan protocol.Message, 16),
		closed:   make(chan string, 1),
	}
	h.conn.onMessage = func(_ string, msg protocol.Message) { h.messages <- msg }
	h.conn.onClose = func(id string) { h.closed <- id }

	go h.conn.readLoop()
	t.Cleanup(func() { _ = h.peer.Close() })
	return h
}

func (h *connHarness) recvMessage(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-h.messages:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func (h *connHarness) recvFrame(t *testing.T) wsframe.Frame {
	t.Helper()

	_ = h.peer.SetReadDeadline(time.Now().Add(time.Second))
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		frame, _, err := wsframe.Decode(buf)
		if err == nil {
			return frame
		}
		n, err := h.peer.Read(chunk)
		if err != nil {
			t.Fatalf("could not read frame: %v", err)
		}
		buf = append(buf, chunk[:n]...)
	}
}

func (h *connHarness) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-h.closed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func mask(payload []byte, key [4]byte) []byte {
	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b ^ key[i%4]
	}
	return masked
}

// clientFrame builds a masked client-role frame (small payloads only).
func clientFrame(opcode byte, payload []byte) []byte {
	key := [4]byte{0x01, 0x02, 0x03, 0x04}
	buf := []byte{0x80 | opcode, 0x80 | byte(len(payload))}
	buf = append(buf, key[:]...)
	return append(buf, mask(payload, key)...)
}

func TestConnDispatchesTextFrames(t *testing.T) {
	is := is.New(t)

	h := newConnHarness(t, nil)

	_, err := h.peer.Write(clientFrame(wsframe.OpText, []byte(`{"type":"join","playerName":"zoe"}`)))
	is.NoErr(err)

	msg, ok := h.recvMessage(t).(*protocol.Join)
	is.True(ok)
	is.Equal(msg.PlayerName, "zoe")
}

func TestConnHandlesLeftoverBytes(t *testing.T) {
	is := is.New(t)

	// the frame arrived glued to the upgrade request, before the first read
	h := newConnHarness(t, wsframe.Encode(wsframe.OpText, []byte(`{"type":"shake"}`)))

	_, ok := h.recvMessage(t).(*protocol.Shake)
	is.True(ok)
}

func TestConnDropsMessageNoise(t *testing.T) {
	is := is.New(t)

	h := newConnHarness(t, nil)

	// garbage json must not kill the connection
	_, err := h.peer.Write(clientFrame(wsframe.OpText, []byte(`{"type":"wat"`)))
	is.NoErr(err)
	_, err = h.peer.Write(clientFrame(wsframe.OpText, []byte(`{"type":"shake"}`)))
	is.NoErr(err)

	_, ok := h.recvMessage(t).(*protocol.Shake)
	is.True(ok)
}

func TestConnAnswersPing(t *testing.T) {
	is := is.New(t)

	h := newConnHarness(t, nil)

	_, err := h.peer.Write(clientFrame(wsframe.OpPing, []byte("marco")))
	is.NoErr(err)

	frame := h.recvFrame(t)
	is.Equal(frame.Opcode, wsframe.OpPong)
	is.Equal(string(frame.Payload), "marco")
}

func TestConnEchoesCloseStatus(t *testing.T) {
	is := is.New(t)

	h := newConnHarness(t, nil)

	_, err := h.peer.Write(clientFrame(wsframe.OpClose, []byte{0x03, 0xe8, 'b', 'y', 'e'}))
	is.NoErr(err)

	frame := h.recvFrame(t)
	is.Equal(frame.Opcode, wsframe.OpClose)
	is.Equal(frame.Payload, []byte{0x03, 0xe8}) // status only, reason dropped

	h.waitClosed(t)
	is.True(!h.conn.IsOpen())
}

func TestConnClosesOnOversizedFrame(t *testing.T) {
	is := is.New(t)

	h := newConnHarness(t, nil)

	// header alone declares 2 MiB; the close must happen without the
	// payload ever being sent
	_, err := h.peer.Write([]byte{0x81, 127, 0, 0, 0, 0, 0, 0x20, 0, 0})
	is.NoErr(err)

	frame := h.recvFrame(t)
	is.Equal(frame.Opcode, wsframe.OpClose)
	h.waitClosed(t)
}

func TestConnSendAfterCloseIsNoop(t *testing.T) {
	is := is.New(t)

	h := newConnHarness(t, nil)

	// peer vanishes; the conn notices and closes
	_ = h.peer.Close()
	h.waitClosed(t)

	is.NoErr(h.conn.Send(&protocol.Oof{}))
}

func TestConnCloseIsIdempotent(t *testing.T) {
	is := is.New(t)

	h := newConnHarness(t, nil)

	_ = h.peer.Close()
	h.conn.Close()
	h.conn.Close()
	h.waitClosed(t)

	// only one disconnect notification total
	select {
	case <-h.closed:
		t.Fatal("disconnect notification fired twice")
	case <-time.After(50 * time.Millisecond):
	}
	is.True(!h.conn.IsOpen())
}
