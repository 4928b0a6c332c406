// Package encoder defines the boundary between this host and whatever
// produces encoded video frames. Capture and hardware encoding are
// deliberately opaque: a real implementation would bind a GPU context and
// call into a vendor encoder, but nothing in this package assumes that.
package encoder

import (
	"context"
	"encoding/binary"
	"time"
)

// NAL is a single encoded access unit ready for fragmentation by the video
// streamer.
type NAL struct {
	Data        []byte
	IsIDR       bool
	FrameNumber uint32
}

// Source produces a stream of NAL units and accepts out-of-band IDR
// requests from the control channel.
type Source interface {
	// NALs returns a channel of encoded frames. The channel closes when ctx
	// is cancelled.
	NALs(ctx context.Context) <-chan NAL
	// RequestIDR asks the next produced frame to carry the IDR flag.
	RequestIDR()
}

// SoftwareSource is a software-only Source for environments without a real
// capture/encode pipeline: it emits deterministic synthetic frames at a
// fixed rate so the video streamer can be exercised without GPU hardware.
type SoftwareSource struct {
	width, height, fps int
	idrRequested       chan struct{}
}

// NewSoftwareSource builds a synthetic frame source at the given resolution
// and frame rate.
func NewSoftwareSource(width, height, fps int) *SoftwareSource {
	if fps <= 0 {
		fps = 60
	}
	return &SoftwareSource{
		width:        width,
		height:       height,
		fps:          fps,
		idrRequested: make(chan struct{}, 1),
	}
}

// RequestIDR marks the next frame produced as an IDR frame.
func (s *SoftwareSource) RequestIDR() {
	select {
	case s.idrRequested <- struct{}{}:
	default:
	}
}

// NALs implements Source.
func (s *SoftwareSource) NALs(ctx context.Context) <-chan NAL {
	out := make(chan NAL, 4)
	go func() {
		defer close(out)
		interval := time.Second / time.Duration(s.fps)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var frameNumber uint32
		forceIDR := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.idrRequested:
				forceIDR = true
			case <-ticker.C:
				nal := s.synthesize(frameNumber, forceIDR)
				forceIDR = false
				select {
				case out <- nal:
				case <-ctx.Done():
					return
				}
				frameNumber++
			}
		}
	}()
	return out
}

// synthesize builds a reproducible, frame-number-dependent payload sized
// roughly proportional to the configured resolution, standing in for a
// real encoder's bitstream.
func (s *SoftwareSource) synthesize(frameNumber uint32, idr bool) NAL {
	size := (s.width*s.height)/64 + 4
	data := make([]byte, size)
	binary.BigEndian.PutUint32(data[:4], frameNumber)
	for i := 4; i < len(data); i++ {
		data[i] = byte((int(frameNumber) + i) % 256)
	}
	return NAL{Data: data, IsIDR: idr, FrameNumber: frameNumber}
}

// AudioFrame is a single opaque encoded audio frame, typically Opus.
type AudioFrame struct {
	Data        []byte
	FrameNumber uint32
}

// AudioSource produces a stream of encoded audio frames at a fixed cadence.
type AudioSource interface {
	// Frames returns a channel of encoded audio frames. The channel closes
	// when ctx is cancelled.
	Frames(ctx context.Context) <-chan AudioFrame
}

// SoftwareAudioSource emits deterministic synthetic audio frames at a fixed
// packet duration, standing in for a real Opus encoder.
type SoftwareAudioSource struct {
	packetDurationMS int
}

// NewSoftwareAudioSource builds a synthetic audio source emitting one frame
// every packetDurationMS milliseconds.
func NewSoftwareAudioSource(packetDurationMS int) *SoftwareAudioSource {
	if packetDurationMS <= 0 {
		packetDurationMS = 5
	}
	return &SoftwareAudioSource{packetDurationMS: packetDurationMS}
}

// Frames implements AudioSource.
func (s *SoftwareAudioSource) Frames(ctx context.Context) <-chan AudioFrame {
	out := make(chan AudioFrame, 8)
	go func() {
		defer close(out)
		ticker := time.NewTicker(time.Duration(s.packetDurationMS) * time.Millisecond)
		defer ticker.Stop()

		var frameNumber uint32
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				data := make([]byte, 160)
				binary.BigEndian.PutUint32(data[:4], frameNumber)
				select {
				case out <- AudioFrame{Data: data, FrameNumber: frameNumber}:
				case <-ctx.Done():
					return
				}
				frameNumber++
			}
		}
	}()
	return out
}
