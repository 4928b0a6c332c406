package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/abhiaagarwal/moonshine-go/internal/config"
	"github.com/abhiaagarwal/moonshine-go/internal/control"
	"github.com/abhiaagarwal/moonshine-go/internal/encoder"
	"github.com/abhiaagarwal/moonshine-go/internal/session"
	"github.com/abhiaagarwal/moonshine-go/internal/streaming/audio"
	"github.com/abhiaagarwal/moonshine-go/internal/streaming/video"
)

// shutdownGrace bounds how long Stop waits for the three data-plane workers
// to drain, per spec.md §5's 500ms shutdown target.
const shutdownGrace = 500 * time.Millisecond

// terminator is the narrow capability cmd/moonshine hands to a workerGroup
// so a TERMINATION control message (or a fatal decrypt-failure rate) can
// reach the Session Manager without the session package itself holding a
// handle back into the manager (see SPEC_FULL.md §6.3 / spec.md §9's
// manager/session cycle-breaking note).
type terminator interface {
	StopSession() error
}

// workerGroup is the concrete session.WorkerGroup cmd/moonshine supplies to
// the Session Manager: it owns the control channel and the video/audio
// streamers for exactly one running Session.
type workerGroup struct {
	log        *slog.Logger
	cfg        *config.Config
	terminator terminator

	cancel context.CancelFunc
	wg     sync.WaitGroup

	control *control.Server
	video   *video.Streamer
}

func newWorkerGroup(log *slog.Logger, cfg *config.Config, term terminator) *workerGroup {
	return &workerGroup{log: log, cfg: cfg, terminator: term}
}

// Start implements session.WorkerGroup.
func (w *workerGroup) Start(parent context.Context, sessionCtx session.SessionContext, videoCtx session.VideoStreamContext, audioCtx session.AudioStreamContext) error {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel

	videoSource := encoder.NewSoftwareSource(videoCtx.Width, videoCtx.Height, videoCtx.FPS)
	audioSource := encoder.NewSoftwareAudioSource(audioCtx.PacketDurationMS)

	videoStreamer := video.New(w.log.With("worker", "video"), video.Config{
		Port:              w.cfg.Address.VideoPort,
		PacketSize:        videoCtx.PacketSize,
		FECPercentage:     w.cfg.Stream.FECPercentage,
		MinimumFECPackets: videoCtx.MinimumFECPackets,
		QoS:               videoCtx.QoS,
	}, videoSource)
	w.video = videoStreamer

	audioStreamer := audio.New(w.log.With("worker", "audio"), audio.Config{
		Port:              w.cfg.Address.AudioPort,
		FECPercentage:     w.cfg.Stream.FECPercentage,
		MinimumFECPackets: 0,
		QoS:               audioCtx.QoS,
	}, audioSource)

	controlServer := control.New(w.log.With("worker", "control"), control.Handlers{
		RequestIDR: videoStreamer.RequestIDR,
		Terminate:  w.handleTerminate,
		InputData:  func(data []byte) {},
	}, sessionCtx.Key)
	w.control = controlServer

	w.wg.Add(3)
	go func() {
		defer w.wg.Done()
		if err := controlServer.Serve(ctx, fmt.Sprintf(":%d", w.cfg.Address.ControlPort)); err != nil {
			w.log.Error("control channel exited", "error", err)
		}
	}()
	go func() {
		defer w.wg.Done()
		if err := videoStreamer.Serve(ctx); err != nil {
			w.log.Error("video streamer exited", "error", err)
		}
	}()
	go func() {
		defer w.wg.Done()
		if err := audioStreamer.Serve(ctx); err != nil {
			w.log.Error("audio streamer exited", "error", err)
		}
	}()

	return nil
}

// handleTerminate is invoked from the control channel's own goroutine when
// a TERMINATION message arrives, or when the decrypt-failure rate crosses
// the session-fatal threshold.
func (w *workerGroup) handleTerminate() {
	go func() {
		if err := w.terminator.StopSession(); err != nil {
			w.log.Error("failed to stop session after termination", "error", err)
		}
	}()
}

// Stop implements session.WorkerGroup: it cancels every worker's context
// and waits up to shutdownGrace for them to drain their sockets.
func (w *workerGroup) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(shutdownGrace):
		return fmt.Errorf("workers: shutdown exceeded %s grace period", shutdownGrace)
	}
}

// UpdateKeys implements session.WorkerGroup.
func (w *workerGroup) UpdateKeys(key []byte) error {
	if w.control == nil {
		return fmt.Errorf("workers: control channel not started")
	}
	w.control.UpdateKey(key)
	return nil
}

// RequestIDR implements session.WorkerGroup.
func (w *workerGroup) RequestIDR() {
	if w.video != nil {
		w.video.RequestIDR()
	}
}
