// Package rtsp implements the RTSP negotiator (C4): a tolerant RTSP/1.0
// TCP server handling OPTIONS/DESCRIBE/SETUP/ANNOUNCE/PLAY, grounded on the
// teacher's RTSP client parser (pkg/rtsp/client.go), generalized from
// client-side response parsing to server-side request parsing.
package rtsp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/abhiaagarwal/moonshine-go/internal/session"
)

// Ports names the configured UDP ports returned in SETUP responses.
type Ports struct {
	Video   int
	Audio   int
	Control int
}

// SessionManager is the subset of *session.Manager the RTSP negotiator
// drives.
type SessionManager interface {
	SetStreamContext(video session.VideoStreamContext, audio session.AudioStreamContext) error
	StartSession() error
	GetSessionContext() (*session.SessionContext, error)
}

// maxPacketSize is the MTU-safe upper bound on a video RTP payload chunk;
// Moonlight clients request 1024 or 1392 in practice.
const maxPacketSize = 1392

// Server is the RTSP negotiator.
type Server struct {
	log     *slog.Logger
	ports   Ports
	manager SessionManager

	listener net.Listener
	ready    chan struct{}
}

// New constructs an RTSP Server. It does not start listening until Serve
// is called.
func New(log *slog.Logger, ports Ports, manager SessionManager) *Server {
	return &Server{log: log, ports: ports, manager: manager, ready: make(chan struct{})}
}

// Addr blocks until Serve has bound its listener, then returns its address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// Serve binds addr and accepts connections until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener
	close(s.ready)
	s.log.Info("rtsp server listening", "address", addr)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept connection: %w", err)
			}
		}
		go s.handleConnection(conn)
	}
}

// request is the result of tolerantly parsing one RTSP/1.0 message.
type request struct {
	method  string
	target  string
	version string
	headers map[string]string
	body    []byte
}

// handleConnection parses exactly one request, responds, and half-closes
// the connection. Moonlight opens a fresh TCP connection per request, so a
// connection must never be reused for a second request.
func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		conn.Close()
	}()

	req, err := readRequest(conn)
	if err != nil {
		s.log.Error("failed to read rtsp request", "error", err)
		return
	}

	cseq, err := strconv.Atoi(req.headers["CSeq"])
	if err != nil {
		s.log.Error("rtsp request missing or invalid CSeq header", "error", err)
		return
	}

	s.log.Debug("received rtsp request", "method", req.method, "target", req.target)

	if !s.permittedClient(conn) {
		s.log.Warn("rejecting rtsp request from non-permitted client", "remote", conn.RemoteAddr())
		if _, err := conn.Write([]byte(statusResponse(cseq, 403, "Forbidden"))); err != nil {
			s.log.Error("failed to write rtsp response", "error", err)
		}
		return
	}

	var resp string
	switch req.method {
	case "OPTIONS":
		resp = s.handleOptions(cseq)
	case "DESCRIBE":
		resp = s.handleDescribe(cseq)
	case "SETUP":
		resp = s.handleSetup(req, cseq)
	case "ANNOUNCE":
		resp = s.handleAnnounce(req, cseq)
	case "PLAY":
		resp = s.handlePlay(cseq)
	default:
		s.log.Warn("received request with unsupported method", "method", req.method)
		resp = statusResponse(cseq, 400, "Bad Request")
	}

	if _, err := conn.Write([]byte(resp)); err != nil {
		s.log.Error("failed to write rtsp response", "error", err)
	}
}

// readRequest reads one RTSP message from conn, applying the textual
// rewrites Moonlight's non-conformant requests need before any structural
// parsing happens: bare "streamid" transport params and non-URI "PLAY /"
// targets are rewritten into syntactically valid request lines.
func readRequest(conn net.Conn) (*request, error) {
	reader := bufio.NewReader(conn)

	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}
	requestLine = rewrite(requestLine)

	parts := strings.Fields(strings.TrimSpace(requestLine))
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed request line: %q", requestLine)
	}

	req := &request{
		method:  parts[0],
		target:  parts[1],
		version: parts[2],
		headers: make(map[string]string),
	}

	contentLength := 0
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read header line: %w", err)
		}
		line = rewrite(strings.TrimRight(line, "\r\n"))
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		req.headers[key] = value
		if strings.EqualFold(key, "Content-Length") {
			contentLength, _ = strconv.Atoi(value)
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(reader, body); err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.body = body
	}

	return req, nil
}

// permittedClient reports whether conn's peer may issue RTSP requests: once
// a session is active, only the client address recorded at launch is
// trusted, per SessionContext.PermittedClient. Before a session exists
// there is nothing to enforce yet, so every peer is allowed through.
func (s *Server) permittedClient(conn net.Conn) bool {
	ctx, err := s.manager.GetSessionContext()
	if err != nil || ctx == nil || ctx.PermittedClient == nil {
		return true
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.Equal(ctx.PermittedClient)
}

func rewrite(s string) string {
	s = strings.ReplaceAll(s, "PLAY /", "PLAY rtsp://localhost/")
	s = strings.ReplaceAll(s, "streamid", "rtsp://localhost?streamid")
	return s
}

func statusResponse(cseq int, code int, reason string) string {
	return fmt.Sprintf("RTSP/1.0 %d %s\r\nCSeq: %d\r\n\r\n", code, reason, cseq)
}

func (s *Server) handleOptions(cseq int) string {
	return fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: %d\r\nPublic: OPTIONS DESCRIBE SETUP PLAY\r\n\r\n", cseq)
}

const sdpDescription = `v=0
o=- 0 0 IN IP4 127.0.0.1
s=No Name
t=0 0
a=tool:libavformat LIBAVFORMAT_VERSION
m=video 0 RTP/AVP 96
b=AS:2000
a=rtpmap:96 H264/90000
a=fmtp:96 packetization-mode=1
a=control:streamid=0
`

func (s *Server) handleDescribe(cseq int) string {
	return fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: %d\r\nContent-Length: %d\r\n\r\n%s",
		cseq, len(sdpDescription), sdpDescription)
}

func (s *Server) handleSetup(req *request, cseq int) string {
	// Example target: rtsp://localhost?streamid=video/13/0
	idx := strings.Index(req.target, "streamid=")
	if idx < 0 {
		s.log.Warn("no streamid query parameter in SETUP request")
		return statusResponse(cseq, 400, "Bad Request")
	}
	remainder := req.target[idx+len("streamid="):]
	kind := strings.SplitN(remainder, "/", 2)[0]

	var port int
	switch kind {
	case "video":
		port = s.ports.Video
	case "audio":
		port = s.ports.Audio
	case "control":
		port = s.ports.Control
	default:
		s.log.Warn("unknown stream kind in SETUP request", "kind", kind)
		return statusResponse(cseq, 400, "Bad Request")
	}

	s.log.Info("responding to SETUP", "stream", kind, "server_port", port)
	return fmt.Sprintf(
		"RTSP/1.0 200 OK\r\nCSeq: %d\r\nSession: MoonshineSession;timeout = 90\r\nTransport: server_port=%d\r\n\r\n",
		cseq, port,
	)
}

func (s *Server) handleAnnounce(req *request, cseq int) string {
	attrs := parseSDPAttributes(req.body)

	width, err := intAttr(attrs, "x-nv-video[0].clientViewportWd")
	if err != nil {
		s.log.Warn("failed to parse announce attribute", "attribute", "x-nv-video[0].clientViewportWd", "error", err)
		return statusResponse(cseq, 400, "Bad Request")
	}
	height, err := intAttr(attrs, "x-nv-video[0].clientViewportHt")
	if err != nil {
		s.log.Warn("failed to parse announce attribute", "attribute", "x-nv-video[0].clientViewportHt", "error", err)
		return statusResponse(cseq, 400, "Bad Request")
	}
	fps, err := intAttr(attrs, "x-nv-video[0].maxFPS")
	if err != nil {
		s.log.Warn("failed to parse announce attribute", "attribute", "x-nv-video[0].maxFPS", "error", err)
		return statusResponse(cseq, 400, "Bad Request")
	}
	packetSize, err := intAttr(attrs, "x-nv-video[0].packetSize")
	if err != nil {
		s.log.Warn("failed to parse announce attribute", "attribute", "x-nv-video[0].packetSize", "error", err)
		return statusResponse(cseq, 400, "Bad Request")
	}
	if packetSize <= 0 || packetSize > maxPacketSize {
		s.log.Warn("announce packet size out of bounds", "packet_size", packetSize)
		return statusResponse(cseq, 400, "Bad Request")
	}
	bitrate, err := intAttr(attrs, "x-nv-vqos[0].bw.maximumBitrateKbps")
	if err != nil {
		s.log.Warn("failed to parse announce attribute", "attribute", "x-nv-vqos[0].bw.maximumBitrateKbps", "error", err)
		return statusResponse(cseq, 400, "Bad Request")
	}
	bitrate *= 1024 // kbps -> bps
	minFEC, err := intAttr(attrs, "x-nv-vqos[0].fec.minRequiredFecPackets")
	if err != nil {
		s.log.Warn("failed to parse announce attribute", "attribute", "x-nv-vqos[0].fec.minRequiredFecPackets", "error", err)
		return statusResponse(cseq, 400, "Bad Request")
	}
	videoQoS, ok := attrs["x-nv-vqos[0].qosTrafficType"]
	if !ok {
		s.log.Warn("failed to parse announce attribute", "attribute", "x-nv-vqos[0].qosTrafficType")
		return statusResponse(cseq, 400, "Bad Request")
	}

	video := session.VideoStreamContext{
		Width:             width,
		Height:            height,
		FPS:               fps,
		PacketSize:        packetSize,
		BitrateBPS:        bitrate,
		MinimumFECPackets: minFEC,
		QoS:               videoQoS != "0",
	}

	packetDuration, err := intAttr(attrs, "x-nv-aqos.packetDuration")
	if err != nil {
		s.log.Warn("failed to parse announce attribute", "attribute", "x-nv-aqos.packetDuration", "error", err)
		return statusResponse(cseq, 400, "Bad Request")
	}
	audioQoS, ok := attrs["x-nv-aqos.qosTrafficType"]
	if !ok {
		s.log.Warn("failed to parse announce attribute", "attribute", "x-nv-aqos.qosTrafficType")
		return statusResponse(cseq, 400, "Bad Request")
	}

	audio := session.AudioStreamContext{
		PacketDurationMS: packetDuration,
		QoS:              audioQoS != "0",
	}

	if err := s.manager.SetStreamContext(video, audio); err != nil {
		s.log.Error("failed to set stream context", "error", err)
		return statusResponse(cseq, 500, "Internal Server Error")
	}

	return fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: %d\r\n\r\n", cseq)
}

func (s *Server) handlePlay(cseq int) string {
	if err := s.manager.StartSession(); err != nil {
		s.log.Error("failed to start session", "error", err)
		return statusResponse(cseq, 500, "Internal Server Error")
	}
	return fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: %d\r\n\r\n", cseq)
}

// parseSDPAttributes extracts "a=<key>:<value>" lines from an SDP body into
// a flat map, which is all ANNOUNCE's x-nv-* attributes need.
func parseSDPAttributes(body []byte) map[string]string {
	attrs := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "a=") {
			continue
		}
		line = strings.TrimPrefix(line, "a=")
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		attrs[line[:idx]] = strings.TrimSpace(line[idx+1:])
	}
	return attrs
}

func intAttr(attrs map[string]string, key string) (int, error) {
	value, ok := attrs[key]
	if !ok {
		return 0, fmt.Errorf("no %s attribute present", key)
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("attribute %s can't be parsed: %w", key, err)
	}
	return n, nil
}
