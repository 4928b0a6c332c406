package video_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/abhiaagarwal/moonshine-go/internal/encoder"
	"github.com/abhiaagarwal/moonshine-go/internal/streaming/video"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHeaderMarshalFixedSize(t *testing.T) {
	h := video.Header{
		SequenceNumber: 7,
		FrameNumber:    42,
		ShardIndex:     2,
		DataShards:     6,
		FECShards:      2,
		Flags:          video.FlagStartOfFrame | video.FlagIDR,
	}
	buf := h.Marshal()
	if len(buf) != video.HeaderSize {
		t.Fatalf("Marshal produced %d bytes, want %d", len(buf), video.HeaderSize)
	}
}

func TestServeDropsPacketsBeforePING(t *testing.T) {
	src := encoder.NewSoftwareSource(64, 64, 200)
	streamer := video.New(testLogger(), video.Config{
		Port:              0,
		PacketSize:        512,
		FECPercentage:     20,
		MinimumFECPackets: 1,
	}, src)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- streamer.Serve(ctx) }()

	// Packets produced here have nowhere to go (no PING received yet); the
	// streamer should simply run without error until ctx expires.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestServeDeliversPacketsAfterPING(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP client socket: %v", err)
	}
	clientAddr := listener.LocalAddr().(*net.UDPAddr)
	defer listener.Close()

	src := encoder.NewSoftwareSource(32, 32, 200)
	streamer := video.New(testLogger(), video.Config{
		Port:              48998,
		PacketSize:        256,
		FECPercentage:     20,
		MinimumFECPackets: 1,
	}, src)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go streamer.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	serverAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 48998}
	if _, err := listener.WriteToUDP([]byte("PING"), serverAddr); err != nil {
		t.Fatalf("send PING: %v", err)
	}

	listener.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 2048)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected to receive a video packet after PING: %v", err)
	}
	if n < video.HeaderSize {
		t.Errorf("received packet shorter than header: %d bytes", n)
	}
	_ = clientAddr
}
