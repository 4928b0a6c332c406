package rtsp_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abhiaagarwal/moonshine-go/internal/rtsp"
	"github.com/abhiaagarwal/moonshine-go/internal/session"
)

type fakeManager struct {
	mu               sync.Mutex
	video            session.VideoStreamContext
	audio            session.AudioStreamContext
	streamContextSet bool
	started          bool
	sessionContext   *session.SessionContext
}

func (m *fakeManager) GetSessionContext() (*session.SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionContext, nil
}

func (m *fakeManager) SetStreamContext(video session.VideoStreamContext, audio session.AudioStreamContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.video = video
	m.audio = audio
	m.streamContextSet = true
	return nil
}

func (m *fakeManager) StartSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, manager rtsp.SessionManager) *rtsp.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := rtsp.New(testLogger(), rtsp.Ports{Video: 47998, Audio: 48000, Control: 47999}, manager)
	go func() {
		if err := srv.Serve(ctx, "127.0.0.1:0"); err != nil && ctx.Err() == nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	return srv
}

func sendRawRequest(t *testing.T, addr net.Addr, raw string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	var rest strings.Builder
	rest.WriteString(statusLine)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		rest.WriteString(line)
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	return rest.String()
}

func TestOptionsRequest(t *testing.T) {
	srv := startServer(t, &fakeManager{})
	resp := sendRawRequest(t, srv.Addr(), "OPTIONS rtsp://localhost RTSP/1.0\r\nCSeq: 1\r\n\r\n")

	if !strings.HasPrefix(resp, "RTSP/1.0 200 OK") {
		t.Fatalf("unexpected response: %q", resp)
	}
	if !strings.Contains(resp, "Public: OPTIONS DESCRIBE SETUP PLAY") {
		t.Errorf("missing Public header: %q", resp)
	}
}

func TestSetupRewritesBareStreamid(t *testing.T) {
	srv := startServer(t, &fakeManager{})
	resp := sendRawRequest(t, srv.Addr(), "SETUP streamid=video/13/0 RTSP/1.0\r\nCSeq: 2\r\n\r\n")

	if !strings.HasPrefix(resp, "RTSP/1.0 200 OK") {
		t.Fatalf("unexpected response: %q", resp)
	}
	if !strings.Contains(resp, "server_port=47998") {
		t.Errorf("expected video port 47998: %q", resp)
	}
	if !strings.Contains(resp, "MoonshineSession;timeout = 90") {
		t.Errorf("missing session header: %q", resp)
	}
}

func TestPlayRewritesBareSlashTarget(t *testing.T) {
	manager := &fakeManager{}
	srv := startServer(t, manager)
	resp := sendRawRequest(t, srv.Addr(), "PLAY / RTSP/1.0\r\nCSeq: 3\r\n\r\n")

	if !strings.HasPrefix(resp, "RTSP/1.0 200 OK") {
		t.Fatalf("unexpected response: %q", resp)
	}

	manager.mu.Lock()
	started := manager.started
	manager.mu.Unlock()
	if !started {
		t.Error("expected StartSession to have been called")
	}
}

func TestAnnounceParsesAttributesAndSetsStreamContext(t *testing.T) {
	manager := &fakeManager{}
	srv := startServer(t, manager)

	body := "v=0\r\n" +
		"a=x-nv-video[0].clientViewportWd:1920\r\n" +
		"a=x-nv-video[0].clientViewportHt:1080\r\n" +
		"a=x-nv-video[0].maxFPS:60\r\n" +
		"a=x-nv-video[0].packetSize:1024\r\n" +
		"a=x-nv-vqos[0].bw.maximumBitrateKbps:10000\r\n" +
		"a=x-nv-vqos[0].fec.minRequiredFecPackets:2\r\n" +
		"a=x-nv-vqos[0].qosTrafficType:1\r\n" +
		"a=x-nv-aqos.packetDuration:5\r\n" +
		"a=x-nv-aqos.qosTrafficType:0\r\n"

	req := fmt.Sprintf("ANNOUNCE rtsp://localhost/ RTSP/1.0\r\nCSeq: 4\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	resp := sendRawRequest(t, srv.Addr(), req)

	if !strings.HasPrefix(resp, "RTSP/1.0 200 OK") {
		t.Fatalf("unexpected response: %q", resp)
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()
	if !manager.streamContextSet {
		t.Fatal("expected SetStreamContext to have been called")
	}
	if manager.video.Width != 1920 || manager.video.Height != 1080 {
		t.Errorf("video dimensions = %dx%d, want 1920x1080", manager.video.Width, manager.video.Height)
	}
	if manager.video.BitrateBPS != 10000*1024 {
		t.Errorf("bitrate = %d, want %d (kbps converted to bps)", manager.video.BitrateBPS, 10000*1024)
	}
	if !manager.video.QoS {
		t.Error("expected video QoS to be true")
	}
	if manager.audio.QoS {
		t.Error("expected audio QoS to be false")
	}
}

func TestAnnounceMissingAttributeReturnsBadRequest(t *testing.T) {
	srv := startServer(t, &fakeManager{})
	body := "v=0\r\n"
	req := fmt.Sprintf("ANNOUNCE rtsp://localhost/ RTSP/1.0\r\nCSeq: 5\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	resp := sendRawRequest(t, srv.Addr(), req)

	if !strings.HasPrefix(resp, "RTSP/1.0 400") {
		t.Fatalf("expected 400 response for missing attributes, got: %q", resp)
	}
}

func announceBody(packetSize int) string {
	return fmt.Sprintf("v=0\r\n"+
		"a=x-nv-video[0].clientViewportWd:1920\r\n"+
		"a=x-nv-video[0].clientViewportHt:1080\r\n"+
		"a=x-nv-video[0].maxFPS:60\r\n"+
		"a=x-nv-video[0].packetSize:%d\r\n"+
		"a=x-nv-vqos[0].bw.maximumBitrateKbps:10000\r\n"+
		"a=x-nv-vqos[0].fec.minRequiredFecPackets:2\r\n"+
		"a=x-nv-vqos[0].qosTrafficType:1\r\n"+
		"a=x-nv-aqos.packetDuration:5\r\n"+
		"a=x-nv-aqos.qosTrafficType:0\r\n", packetSize)
}

func TestAnnounceRejectsZeroPacketSize(t *testing.T) {
	srv := startServer(t, &fakeManager{})
	body := announceBody(0)
	req := fmt.Sprintf("ANNOUNCE rtsp://localhost/ RTSP/1.0\r\nCSeq: 6\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	resp := sendRawRequest(t, srv.Addr(), req)

	if !strings.HasPrefix(resp, "RTSP/1.0 400") {
		t.Fatalf("expected 400 response for packet_size=0, got: %q", resp)
	}
}

func TestAnnounceRejectsOversizedPacketSize(t *testing.T) {
	srv := startServer(t, &fakeManager{})
	body := announceBody(65000)
	req := fmt.Sprintf("ANNOUNCE rtsp://localhost/ RTSP/1.0\r\nCSeq: 7\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	resp := sendRawRequest(t, srv.Addr(), req)

	if !strings.HasPrefix(resp, "RTSP/1.0 400") {
		t.Fatalf("expected 400 response for oversized packet_size, got: %q", resp)
	}
}

func TestRejectsRequestFromNonPermittedClient(t *testing.T) {
	manager := &fakeManager{
		sessionContext: &session.SessionContext{
			PermittedClient: net.ParseIP("203.0.113.5"),
		},
	}
	srv := startServer(t, manager)

	resp := sendRawRequest(t, srv.Addr(), "OPTIONS rtsp://localhost RTSP/1.0\r\nCSeq: 8\r\n\r\n")

	if !strings.HasPrefix(resp, "RTSP/1.0 403") {
		t.Fatalf("expected 403 response from non-permitted client, got: %q", resp)
	}
}
