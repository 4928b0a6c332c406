// Package video implements the video streamer (C7): it pulls encoded NAL
// units from an encoder.Source, fragments and FEC-protects them, and emits
// them over UDP to whichever client address last sent a PING on the
// socket.
package video

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/pion/rtp"
	"golang.org/x/net/ipv4"

	"github.com/abhiaagarwal/moonshine-go/internal/encoder"
	"github.com/abhiaagarwal/moonshine-go/internal/fec"
)

// HeaderSize is the size in bytes of the Moonlight-specific RTP-extended
// header prepended to every outbound packet: a standard 12-byte RTP fixed
// header (github.com/pion/rtp) followed by 44 bytes of Moonlight framing
// and FEC metadata.
const HeaderSize = 56

const rtpFixedHeaderSize = 12
const videoPayloadType = 96

// Flag bits carried in Header.Flags.
const (
	FlagStartOfFrame byte = 1 << iota
	FlagEndOfFrame
	FlagIDR
)

// qosTOS is the IP TOS byte applied to the video socket when QoS is
// requested: 160 = 0xA0, i.e. DSCP 101000 (CS5) with both ECN bits clear.
const qosTOS = 160

// outboundQueueCapacity is the bounded size of the packet queue between
// fragmentation and the UDP socket; overflow drops the oldest packet.
const outboundQueueCapacity = 1024

// Header is the per-packet metadata the client uses to reassemble frames
// and drive Reed-Solomon reconstruction. It embeds a standard RTP fixed
// header so the sequence number and marker bit carry their usual meaning,
// extended with the Moonlight-specific shard/FEC fields.
type Header struct {
	SequenceNumber uint16
	FrameNumber    uint32
	ShardIndex     uint32
	DataShards     uint32
	FECShards      uint32
	Flags          byte
}

// Marshal encodes h into a fixed HeaderSize-byte buffer: a standard RTP
// fixed header followed by the Moonlight extension fields.
func (h Header) Marshal() []byte {
	rtpHeader := rtp.Header{
		Version:        2,
		Marker:         h.Flags&FlagEndOfFrame != 0,
		PayloadType:    videoPayloadType,
		SequenceNumber: h.SequenceNumber,
		Timestamp:      h.FrameNumber,
	}
	fixed, err := rtpHeader.Marshal()
	if err != nil {
		// rtp.Header.Marshal only fails on malformed extensions, which this
		// header never sets.
		fixed = make([]byte, rtpFixedHeaderSize)
	}

	buf := make([]byte, HeaderSize)
	copy(buf, fixed)
	extension := buf[rtpFixedHeaderSize:]
	binary.BigEndian.PutUint32(extension[0:4], h.FrameNumber)
	binary.BigEndian.PutUint32(extension[4:8], h.ShardIndex)
	binary.BigEndian.PutUint32(extension[8:12], h.DataShards)
	binary.BigEndian.PutUint32(extension[12:16], h.FECShards)
	extension[16] = h.Flags
	return buf
}

// Config is the streaming behaviour derived from the negotiated
// VideoStreamContext and static configuration.
type Config struct {
	Port              int
	PacketSize        int
	FECPercentage     int
	MinimumFECPackets int
	QoS               bool
}

// Streamer fragments NAL units from a Source into FEC-protected packets and
// emits them to the discovered client address.
type Streamer struct {
	log    *slog.Logger
	cfg    Config
	source encoder.Source

	conn        *net.UDPConn
	clientAddr  atomic.Pointer[net.UDPAddr]
	sequence    atomic.Uint32
	outbound    chan []byte
}

// New builds a Streamer; call Serve to bind its socket and start pumping
// frames.
func New(log *slog.Logger, cfg Config, source encoder.Source) *Streamer {
	return &Streamer{
		log:      log,
		cfg:      cfg,
		source:   source,
		outbound: make(chan []byte, outboundQueueCapacity),
	}
}

// RequestIDR marks the next produced frame as an IDR frame.
func (s *Streamer) RequestIDR() {
	s.source.RequestIDR()
}

// Serve binds the video UDP socket, and runs until ctx is cancelled.
func (s *Streamer) Serve(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.cfg.Port})
	if err != nil {
		return fmt.Errorf("video: listen on UDP port %d: %w", s.cfg.Port, err)
	}
	s.conn = conn
	defer conn.Close()

	if s.cfg.QoS {
		if err := ipv4.NewConn(conn).SetTOS(qosTOS); err != nil {
			s.log.Warn("failed to set QoS TOS on video socket", "error", err)
		}
	}

	s.log.Info("video streamer listening", "port", s.cfg.Port)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go s.readDiscovery(ctx)
	go s.produce(ctx)

	return s.drain(ctx)
}

// readDiscovery watches for the unencrypted PING bytes-literal the client
// sends to announce its address, per the spec's dynamic discovery scheme.
func (s *Streamer) readDiscovery(ctx context.Context) {
	buf := make([]byte, 1024)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("video discovery read failed", "error", err)
			}
			return
		}
		if string(buf[:n]) == "PING" {
			s.clientAddr.Store(addr)
			s.log.Debug("discovered video client address", "address", addr)
			continue
		}
		s.log.Warn("received unknown message on video socket", "length", n)
	}
}

// produce pulls NAL units from the source and pushes fragmented, FEC-coded
// packets onto the bounded outbound queue.
func (s *Streamer) produce(ctx context.Context) {
	for nal := range s.source.NALs(ctx) {
		packets, err := s.fragment(nal)
		if err != nil {
			s.log.Warn("failed to fragment frame", "error", err, "frame_number", nal.FrameNumber)
			continue
		}
		for _, packet := range packets {
			s.enqueue(packet)
		}
	}
}

// fragment splits a NAL unit into packet_size-byte data shards, computes
// Reed-Solomon parity, and prepends the wire header to every resulting
// shard.
func (s *Streamer) fragment(nal encoder.NAL) ([][]byte, error) {
	dataShards := (len(nal.Data) + s.cfg.PacketSize - 1) / s.cfg.PacketSize
	if dataShards == 0 {
		dataShards = 1
	}
	fecShards := fec.ShardCount(dataShards, s.cfg.FECPercentage, s.cfg.MinimumFECPackets)

	// Pad to a whole number of packet_size shards so SplitPad cuts exactly
	// packet_size bytes per shard; the last data shard is zero-filled.
	padded := make([]byte, dataShards*s.cfg.PacketSize)
	copy(padded, nal.Data)
	shards, err := fec.SplitPad(padded, dataShards, fecShards)
	if err != nil {
		return nil, fmt.Errorf("video: split frame: %w", err)
	}
	rs, err := fec.NewEncoder(dataShards, fecShards)
	if err != nil {
		return nil, fmt.Errorf("video: build fec encoder: %w", err)
	}
	if err := rs.Encode(shards); err != nil {
		return nil, fmt.Errorf("video: encode fec parity: %w", err)
	}

	total := dataShards + fecShards
	packets := make([][]byte, total)
	for i, shard := range shards {
		var flags byte
		if i == 0 {
			flags |= FlagStartOfFrame
		}
		if i == total-1 {
			flags |= FlagEndOfFrame
		}
		if nal.IsIDR {
			flags |= FlagIDR
		}

		header := Header{
			SequenceNumber: uint16(s.sequence.Add(1)),
			FrameNumber:    nal.FrameNumber,
			ShardIndex:     uint32(i),
			DataShards:     uint32(dataShards),
			FECShards:      uint32(fecShards),
			Flags:          flags,
		}
		packet := make([]byte, 0, HeaderSize+len(shard))
		packet = append(packet, header.Marshal()...)
		packet = append(packet, shard...)
		packets[i] = packet
	}
	return packets, nil
}

// enqueue pushes a packet onto the bounded outbound queue, dropping the
// oldest packet on overflow.
func (s *Streamer) enqueue(packet []byte) {
	select {
	case s.outbound <- packet:
		return
	default:
	}

	select {
	case <-s.outbound:
		s.log.Debug("dropped oldest outbound video packet, queue full")
	default:
	}
	select {
	case s.outbound <- packet:
	default:
	}
}

// drain writes queued packets to whichever client address was last
// discovered, dropping packets produced before the first PING.
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
				s.log.Debug("failed to write video packet", "error", err)
			}
		}
	}
}
