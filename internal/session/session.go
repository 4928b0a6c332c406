package session

import "context"

// Session is the active combination of SessionContext + running worker
// handles + a cancellable context; the stream contexts are held by the
// Manager alongside it. Exactly zero or one Session
// exists in the process at any time; it is owned exclusively by the
// Manager.
type Session struct {
	context SessionContext
	state   State
	workers WorkerGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(parent context.Context, sessionContext SessionContext, workers WorkerGroup) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		context: sessionContext,
		state:   StateCreated,
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Context returns a snapshot of the session's SessionContext.
func (s *Session) Context() SessionContext { return s.context }

// IsRunning reports whether the session is in the Running state.
func (s *Session) IsRunning() bool { return s.state == StateRunning }
