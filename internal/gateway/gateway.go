// Package gateway terminates the single TCP port everything rides on: TLS
// handshake, plain HTTPS requests for the web client files, and the
// hand-rolled RFC 6455 websocket upgrade + framing for controllers. One
// goroutine per socket drives an explicit per-connection state machine; the
// session layer above serializes its own maps.
package gateway

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/blukai/stabparty/internal/debug"
	"github.com/blukai/stabparty/internal/protocol"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

// rfc 6455 section 1.3
const wsKeyMagic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxRequestSize bounds the buffered http request head before the blank line.
const maxRequestSize = 16 << 10

type connState int

const (
	stateAccepting connState = iota
	stateHandshaking
	stateWaitRequest
	stateUpgraded
	stateDone
	stateError
)

// FileResponder answers the non-upgrade branch: a plain https request for the
// web client assets. The gateway closes the stream afterwards (single
// request, Connection: close).
type FileResponder interface {
	Respond(w io.Writer, method, path string) error
}

// Handler receives connection lifecycle and message callbacks. All three are
// invoked from per-connection goroutines.
type Handler interface {
	HandleConnect(connID string)
	HandleMessage(connID string, msg protocol.Message)
	HandleDisconnect(connID string)
}

type Server struct {
	ln      net.Listener
	tlsConf *tls.Config
	files   FileResponder
	handler Handler

	logger *log.Logger

	mu    sync.Mutex
	conns map[string]*Conn

	wg sync.WaitGroup
}

func NewServer(network, address string, tlsConf *tls.Config, files FileResponder, logger *log.Logger) (*Server, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Server{
		ln:      ln,
		tlsConf: tlsConf,
		files:   files,

		logger: logger,

		conns: make(map[string]*Conn),
	}, nil
}

// SetHandler wires the session layer in. Must be called before Run; the
// session manager needs the server as its sender first, hence the two-step
// construction.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// Addr can be useful to retrieve the server's address when it was constructed
// with ":0".
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) Run(ctx context.Context) error {
	debug.Assert(s.handler != nil, "SetHandler must be called before Run")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runAccept(ctx)
	}()

	<-ctx.Done()

	err := s.ln.Close()

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	s.wg.Wait()
	return err
}

func (s *Server) runAccept(ctx context.Context) {
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error().
				Msgf("could not accept: %v", err)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, raw)
		}()
	}
}

// serveConn drives one socket through the accept state machine until it is
// either upgraded (and then owned by a Conn until it dies) or answered and
// closed.
func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	state := stateAccepting
	var stream *tls.Conn
	var request *httpRequest
	var leftover []byte

	for state != stateDone && state != stateError && state != stateUpgraded {
		switch state {
		case stateAccepting:
			stream = tls.Server(raw, s.tlsConf)
			state = stateHandshaking

		case stateHandshaking:
			if err := stream.HandshakeContext(ctx); err != nil {
				s.logger.Debug().
					Str("remote", raw.RemoteAddr().String()).
					Msgf("tls handshake failed: %v", err)
				state = stateError
				break
			}
			state = stateWaitRequest

		case stateWaitRequest:
			req, rest, err := readRequest(stream)
			if err != nil {
				s.logger.Debug().
					Str("remote", raw.RemoteAddr().String()).
					Msgf("could not read request: %v", err)
				state = stateError
				break
			}
			request = req
			leftover = rest

			if request.isWebSocketUpgrade() {
				if err := s.completeUpgrade(stream, request); err != nil {
					s.logger.Error().
						Msgf("could not complete upgrade: %v", err)
					state = stateError
					break
				}
				state = stateUpgraded
				break
			}

			if err := s.files.Respond(stream, request.method, request.path); err != nil {
				s.logger.Error().
					Str("path", request.path).
					Msgf("could not respond: %v", err)
			}
			state = stateDone
		}
	}

	switch state {
	case stateUpgraded:
		s.adoptConn(stream, leftover)
	case stateDone, stateError:
		// stream.Close sends the tls close-notify; closing raw alone
		// would leave the client with a truncation error
		if stream != nil {
			_ = stream.Close()
		} else {
			_ = raw.Close()
		}
	}
}

// adoptConn registers an upgraded stream and runs its read loop to
// completion.
func (s *Server) adoptConn(stream *tls.Conn, leftover []byte) {
	conn := newConn(stream, leftover, s.logger)
	conn.onMessage = s.handler.HandleMessage
	conn.onClose = func(id string) {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		s.handler.HandleDisconnect(id)
	}

	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()

	s.logger.Info().
		Str("conn", conn.ID()).
		Str("remote", stream.RemoteAddr().String()).
		Msg("client connected")
	s.handler.HandleConnect(conn.ID())

	conn.readLoop()
}

// Send serializes msg into a single text frame for one connection. Unknown
// connection ids are a no-op (the client may have just died).
func (s *Server) Send(connID string, msg protocol.Message) error {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Send(msg)
}

// Broadcast sends msg to every upgraded connection, aggregating per-client
// failures. One bad connection never affects the others.
func (s *Server) Broadcast(msg protocol.Message) error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs error
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			s.logger.Error().
				Str("conn", c.ID()).
				Msgf("could not send broadcast: %v", err)

			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

type httpRequest struct {
	method  string
	path    string
	headers map[string]string
}

func (r *httpRequest) header(key string) string {
	return r.headers[strings.ToLower(key)]
}

func (r *httpRequest) isWebSocketUpgrade() bool {
	return r.method == "GET" &&
		strings.EqualFold(r.header("Upgrade"), "websocket") &&
		r.header("Sec-WebSocket-Key") != ""
}

// readRequest accumulates bytes from the stream until the header-terminating
// blank line, then parses the request line and headers. Bytes that arrived
// after the blank line (a client may pipeline its first frame) are returned
// so the connection layer can seed its read buffer with them.
func readRequest(stream io.Reader) (*httpRequest, []byte, error) {
	var buf []byte
	chunk := make([]byte, 4096)
	end := -1
	for end < 0 {
		if len(buf) > maxRequestSize {
			return nil, nil, fmt.Errorf("request head too large (%d bytes)", len(buf))
		}
		n, err := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			end = bytes.Index(buf, []byte("\r\n\r\n"))
		}
		if err != nil {
			if end >= 0 {
				break
			}
			return nil, nil, fmt.Errorf("could not read request head: %w", err)
		}
	}

	head := buf[:end]
	leftover := append([]byte{}, buf[end+4:]...)

	lines := strings.Split(string(head), "\r\n")
	parts := strings.Split(strings.TrimSpace(lines[0]), " ")
	if len(parts) < 2 {
		return nil, nil, fmt.Errorf("malformed request line: %q", lines[0])
	}

	req := &httpRequest{
		method:  parts[0],
		path:    parts[1],
		headers: make(map[string]string),
	}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		req.headers[key] = strings.TrimSpace(line[colon+1:])
	}

	return req, leftover, nil
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client's
// Sec-WebSocket-Key (rfc 6455 section 4.2.2).
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + wsKeyMagic))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (s *Server) completeUpgrade(stream io.Writer, req *httpRequest) error {
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(req.header("Sec-WebSocket-Key")) + "\r\n" +
		"\r\n"

	_, err := stream.Write([]byte(response))
	return err
}

// LocalIPAddress guesses the lan address phones should point their browsers
// at. The dial never sends a packet; it only makes the kernel pick a route.
func LocalIPAddress() string {
	conn, err := net.DialTimeout("udp4", "8.8.8.8:53", time.Second)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
