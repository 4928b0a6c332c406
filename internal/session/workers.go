package session

import "context"

// WorkerGroup is the capability handle the Session Manager holds for the
// three UDP data-plane workers (C6/C7/C8). It never reaches back into the
// Manager's state, satisfying the ownership rule in the data model: workers
// hold channel endpoints, never a reference to the Manager.
type WorkerGroup interface {
	// Start spawns the control/video/audio workers for the given contexts.
	Start(ctx context.Context, session SessionContext, video VideoStreamContext, audio AudioStreamContext) error
	// Stop signals every worker to shut down and waits for them to drain.
	Stop(ctx context.Context) error
	// UpdateKeys rotates the control channel's AES key mid-session.
	UpdateKeys(key []byte) error
	// RequestIDR broadcasts an IDR frame request to the video encoder.
	RequestIDR()
}

// WorkerFactory builds a fresh WorkerGroup for a new Session. Supplied by
// cmd/moonshine so internal/session stays decoupled from internal/control
// and internal/streaming.
type WorkerFactory func() WorkerGroup
