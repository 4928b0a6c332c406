// Package control implements the session's reliable control channel (C6):
// a kcp-go reliable datagram endpoint carrying AES-128-GCM encrypted,
// length-framed messages between the client and the host.
package control

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/xtaci/kcp-go/v5"
)

// MessageType is the 16-bit discriminator carried in every frame header.
type MessageType uint16

// Recognised control message types. 0x0100 and 0x0200 each carry two
// distinct meanings in the wire protocol; dispatch tells the two 0x0100
// meanings apart by payload length and always treats 0x0200 as TERMINATION
// (see dispatch below).
const (
	MessageStartAudioOrInputData    MessageType = 0x0100
	MessageLegacyIDROrTermination   MessageType = 0x0200
	MessageInvalidateReferenceFrames MessageType = 0x0302
	MessageLossStats                MessageType = 0x0305
	MessageFrameStats                MessageType = 0x0307
	MessageRumbleData                MessageType = 0x0109
)

const nonceSize = 12
const headerSize = 4

// EncodeFrame encrypts plaintext under key with a nonce built from counter,
// and wraps it in the {u16 type, u16 length, nonce, ciphertext} framing.
func EncodeFrame(key []byte, counter uint64, msgType MessageType, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint64(nonce[nonceSize-8:], counter)

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	body := make([]byte, 0, nonceSize+len(ciphertext))
	body = append(body, nonce...)
	body = append(body, ciphertext...)

	frame := make([]byte, 0, headerSize+len(body))
	frame = binary.BigEndian.AppendUint16(frame, uint16(msgType))
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(body)))
	frame = append(frame, body...)
	return frame, nil
}

// DecodeFrame parses a single framed message and decrypts its payload.
func DecodeFrame(key []byte, raw []byte) (MessageType, []byte, error) {
	if len(raw) < headerSize {
		return 0, nil, fmt.Errorf("control: frame shorter than header")
	}
	msgType := MessageType(binary.BigEndian.Uint16(raw[0:2]))
	length := int(binary.BigEndian.Uint16(raw[2:4]))
	if len(raw) < headerSize+length {
		return msgType, nil, fmt.Errorf("control: truncated frame body")
	}
	body := raw[headerSize : headerSize+length]
	if len(body) < nonceSize {
		return msgType, nil, fmt.Errorf("control: body shorter than nonce")
	}
	nonce := body[:nonceSize]
	ciphertext := body[nonceSize:]

	gcm, err := newGCM(key)
	if err != nil {
		return msgType, nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return msgType, nil, fmt.Errorf("control: decrypt payload: %w", err)
	}
	return msgType, plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("control: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("control: new gcm: %w", err)
	}
	return gcm, nil
}

// Handlers are invoked from the connection's own goroutine as decoded
// messages arrive; they must not block for long.
type Handlers struct {
	RequestIDR func()
	Terminate  func()
	InputData  func(data []byte)
}

// Server accepts reliable control connections and dispatches decrypted
// messages to Handlers.
type Server struct {
	log      *slog.Logger
	handlers Handlers

	keyMu sync.RWMutex
	key   []byte

	failures *failureWindow
}

// New builds a control Server bound to no socket yet; call Serve to start
// accepting connections. key is the session's initial control-channel key.
func New(log *slog.Logger, handlers Handlers, key []byte) *Server {
	return &Server{
		log:      log,
		handlers: handlers,
		key:      key,
		failures: newFailureWindow(),
	}
}

// UpdateKey rotates the key used to decrypt subsequently received frames.
func (s *Server) UpdateKey(key []byte) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	s.key = key
}

func (s *Server) currentKey() []byte {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.key
}

// Serve listens on addr and accepts control connections until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := kcp.ListenWithOptions(addr, nil, 0, 0)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info("control channel listening", "address", addr)
	for {
		conn, err := listener.AcceptKCP()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("control: accept connection: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn *kcp.UDPSession) {
	defer conn.Close()
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if ctx.Err() == nil {
				s.log.Debug("control connection read failed", "error", err)
			}
			return
		}
		length := binary.BigEndian.Uint16(header[2:4])
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			s.log.Debug("control connection body read failed", "error", err)
			return
		}

		raw := make([]byte, 0, headerSize+len(body))
		raw = append(raw, header...)
		raw = append(raw, body...)
		s.dispatch(raw)
	}
}

// dispatch decodes one frame and routes it to the appropriate handler.
// 0x0100 carries both START_A (empty payload) and INPUT_DATA (non-empty
// payload); 0x0200 carries both the legacy REQUEST_IDR_FRAME and
// TERMINATION, and since INVALIDATE_REFERENCE_FRAMES (0x0302) superseded
// the legacy IDR request, 0x0200 is treated solely as TERMINATION.
func (s *Server) dispatch(raw []byte) {
	msgType, plaintext, err := DecodeFrame(s.currentKey(), raw)
	fatal := s.failures.record(err == nil)
	if err != nil {
		s.log.Debug("dropping control packet, decrypt failed", "error", err)
		if fatal {
			s.log.Error("control channel decrypt failure rate exceeded threshold, terminating session")
			if s.handlers.Terminate != nil {
				s.handlers.Terminate()
			}
		}
		return
	}

	switch msgType {
	case MessageStartAudioOrInputData:
		if len(plaintext) == 0 {
			s.log.Debug("received START_A")
			return
		}
		if s.handlers.InputData != nil {
			s.handlers.InputData(plaintext)
		}

	case MessageLegacyIDROrTermination:
		s.log.Debug("received TERMINATION")
		if s.handlers.Terminate != nil {
			s.handlers.Terminate()
		}

	case MessageInvalidateReferenceFrames:
		if s.handlers.RequestIDR != nil {
			s.handlers.RequestIDR()
		}

	case MessageLossStats, MessageFrameStats:
		// No-op in this implementation; adaptive bitrate policy is out of scope.

	case MessageRumbleData:
		s.log.Warn("received RUMBLE_DATA on control channel, dropping (host-to-client only)")

	default:
		s.log.Warn("dropping unrecognised control message type", "type", fmt.Sprintf("0x%04x", uint16(msgType)))
	}
}

// failureWindow tracks the decrypt outcome of the last 100 packets.
type failureWindow struct {
	mu       sync.Mutex
	outcomes [100]bool
	count    int
	idx      int
}

func newFailureWindow() *failureWindow {
	return &failureWindow{}
}

// record stores whether a packet decrypted successfully and reports
// whether the failure rate over a full window now exceeds 50%.
func (f *failureWindow) record(success bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.outcomes[f.idx] = !success
	f.idx = (f.idx + 1) % len(f.outcomes)
	if f.count < len(f.outcomes) {
		f.count++
	}
	if f.count < len(f.outcomes) {
		return false
	}

	failures := 0
	for _, failed := range f.outcomes {
		if failed {
			failures++
		}
	}
	return failures*2 > f.count
}
