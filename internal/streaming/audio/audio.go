// Package audio implements the audio streamer (C8): analogous to the video
// streamer but smaller, framing encoded audio frames (Opus, produced
// upstream) with a 16-byte header and spreading Reed-Solomon FEC across
// consecutive, non-overlapping windows of four frames instead of per-frame;
// the window does not slide, so each frame is covered by exactly one window.
package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"github.com/abhiaagarwal/moonshine-go/internal/encoder"
	"github.com/abhiaagarwal/moonshine-go/internal/fec"
)

// HeaderSize is the size in bytes of the Moonlight audio header.
const HeaderSize = 16

// windowSize is the number of audio frames batched before computing FEC
// parity across them, per spec.
const windowSize = 4

const qosTOS = 160
const outboundQueueCapacity = 1024

// Header is the per-packet metadata identifying a shard's position within
// its four-frame FEC window.
type Header struct {
	SequenceNumber uint32
	WindowNumber   uint32
	ShardIndex     uint16
	DataShards     uint16
	FECShards      uint16
}

// Marshal encodes h into a fixed HeaderSize-byte buffer.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], h.WindowNumber)
	binary.BigEndian.PutUint16(buf[8:10], h.ShardIndex)
	binary.BigEndian.PutUint16(buf[10:12], h.DataShards)
	binary.BigEndian.PutUint16(buf[12:14], h.FECShards)
	return buf
}

// Config is the streaming behaviour derived from the negotiated
// AudioStreamContext and static configuration.
type Config struct {
	Port              int
	FECPercentage     int
	MinimumFECPackets int
	QoS               bool
}

// Streamer batches frames from an encoder.AudioSource into FEC-protected
// windows and emits them to the discovered client address.
type Streamer struct {
	log    *slog.Logger
	cfg    Config
	source encoder.AudioSource

	conn       *net.UDPConn
	clientAddr atomic.Pointer[net.UDPAddr]
	sequence   atomic.Uint32
	outbound   chan []byte
}

// New builds a Streamer; call Serve to bind its socket and start pumping
// frames.
func New(log *slog.Logger, cfg Config, source encoder.AudioSource) *Streamer {
	return &Streamer{
		log:      log,
		cfg:      cfg,
		source:   source,
		outbound: make(chan []byte, outboundQueueCapacity),
	}
}

// Serve binds the audio UDP socket and runs until ctx is cancelled.
func (s *Streamer) Serve(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.cfg.Port})
	if err != nil {
		return fmt.Errorf("audio: listen on UDP port %d: %w", s.cfg.Port, err)
	}
	s.conn = conn
	defer conn.Close()

	if s.cfg.QoS {
		if err := ipv4.NewConn(conn).SetTOS(qosTOS); err != nil {
			s.log.Warn("failed to set QoS TOS on audio socket", "error", err)
		}
	}

	s.log.Info("audio streamer listening", "port", s.cfg.Port)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go s.readDiscovery(ctx)
	go s.produce(ctx)

	return s.drain(ctx)
}

func (s *Streamer) readDiscovery(ctx context.Context) {
	buf := make([]byte, 1024)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("audio discovery read failed", "error", err)
			}
			return
		}
		if string(buf[:n]) == "PING" {
			s.clientAddr.Store(addr)
			s.log.Debug("discovered audio client address", "address", addr)
			continue
		}
		s.log.Warn("received unknown message on audio socket", "length", n)
	}
}

// produce accumulates frames into windowSize-frame batches and emits each
// batch's FEC-coded shards onto the outbound queue.
func (s *Streamer) produce(ctx context.Context) {
	window := make([][]byte, 0, windowSize)
	var windowNumber uint32

	for frame := range s.source.Frames(ctx) {
		window = append(window, frame.Data)
		if len(window) < windowSize {
			continue
		}

		packets, err := s.encodeWindow(window, windowNumber)
		if err != nil {
			s.log.Warn("failed to fec-encode audio window", "error", err, "window", windowNumber)
		} else {
			for _, packet := range packets {
				s.enqueue(packet)
			}
		}
		window = window[:0]
		windowNumber++
	}
}

// encodeWindow builds the FEC-coded shards for one four-frame window and
// prepends the wire header to each.
func (s *Streamer) encodeWindow(frames [][]byte, windowNumber uint32) ([][]byte, error) {
	dataShards := windowSize
	fecShards := fec.ShardCount(dataShards, s.cfg.FECPercentage, s.cfg.MinimumFECPackets)

	shardSize := 0
	for _, frame := range frames {
		if len(frame) > shardSize {
			shardSize = len(frame)
		}
	}

	shards := make([][]byte, dataShards+fecShards)
	for i := range shards {
		shards[i] = make([]byte, shardSize)
	}
	for i, frame := range frames {
		copy(shards[i], frame)
	}

	rs, err := fec.NewEncoder(dataShards, fecShards)
	if err != nil {
		return nil, fmt.Errorf("audio: build fec encoder: %w", err)
	}
	if err := rs.Encode(shards); err != nil {
		return nil, fmt.Errorf("audio: encode fec parity: %w", err)
	}

	total := dataShards + fecShards
	packets := make([][]byte, total)
	for i, shard := range shards {
		header := Header{
			SequenceNumber: s.sequence.Add(1),
			WindowNumber:   windowNumber,
			ShardIndex:     uint16(i),
			DataShards:     uint16(dataShards),
			FECShards:      uint16(fecShards),
		}
		packet := make([]byte, 0, HeaderSize+len(shard))
		packet = append(packet, header.Marshal()...)
		packet = append(packet, shard...)
		packets[i] = packet
	}
	return packets, nil
}

func (s *Streamer) enqueue(packet []byte) {
	select {
	case s.outbound <- packet:
		return
	default:
	}

	select {
	case <-s.outbound:
		s.log.Debug("dropped oldest outbound audio packet, queue full")
	default:
	}
	select {
	case s.outbound <- packet:
	default:
	}
}

func (s *Streamer) drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case packet := <-s.outbound:
			addr := s.clientAddr.Load()
			if addr == nil {
				continue
			}
			if _, err := s.conn.WriteToUDP(packet, addr); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Debug("failed to write audio packet", "error", err)
			}
		}
	}
}
