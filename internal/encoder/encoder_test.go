package encoder_test

import (
	"context"
	"testing"
	"time"

	"github.com/abhiaagarwal/moonshine-go/internal/encoder"
)

func TestSoftwareSourceFirstFrameIsIDR(t *testing.T) {
	src := encoder.NewSoftwareSource(64, 64, 200)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	nals := src.NALs(ctx)
	select {
	case nal := <-nals:
		if !nal.IsIDR {
			t.Error("expected the first produced frame to be an IDR frame")
		}
		if nal.FrameNumber != 0 {
			t.Errorf("FrameNumber = %d, want 0", nal.FrameNumber)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first frame")
	}
}

func TestSoftwareSourceRequestIDRAffectsNextFrame(t *testing.T) {
	src := encoder.NewSoftwareSource(64, 64, 200)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	nals := src.NALs(ctx)
	<-nals // drain the forced-IDR first frame

	src.RequestIDR()

	select {
	case nal := <-nals:
		if !nal.IsIDR {
			t.Error("expected the frame after RequestIDR to carry the IDR flag")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the IDR frame")
	}
}

func TestSoftwareSourceStopsOnContextCancel(t *testing.T) {
	src := encoder.NewSoftwareSource(32, 32, 500)
	ctx, cancel := context.WithCancel(context.Background())

	nals := src.NALs(ctx)
	<-nals
	cancel()

	select {
	case _, ok := <-nals:
		if ok {
			// A frame may have already been buffered before cancellation;
			// drain until the channel closes.
			for range nals {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("channel did not close after context cancellation")
	}
}

func TestSoftwareAudioSourceProducesFrames(t *testing.T) {
	src := encoder.NewSoftwareAudioSource(5)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	frames := src.Frames(ctx)
	select {
	case frame := <-frames:
		if len(frame.Data) == 0 {
			t.Error("expected a non-empty synthetic audio frame")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first audio frame")
	}
}

func TestSynthesizedFramesAreDeterministicallySized(t *testing.T) {
	src := encoder.NewSoftwareSource(128, 64, 300)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	nals := src.NALs(ctx)
	nal := <-nals
	wantSize := (128*64)/64 + 4
	if len(nal.Data) != wantSize {
		t.Errorf("frame size = %d, want %d", len(nal.Data), wantSize)
	}
}
