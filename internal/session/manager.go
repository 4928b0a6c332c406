// Package session implements the Session Manager (C5): a single-owner
// actor that serialises lifecycle transitions across the pairing
// front-end, the RTSP negotiator, and the streaming workers, grounded on
// the worker-goroutine-over-command-channel shape the teacher's command
// queue uses for its own serialized API calls.
package session

import (
	"context"
	"fmt"
	"log/slog"
)

const commandQueueCapacity = 10

type opKind int

const (
	opSetStreamContext opKind = iota
	opGetSessionContext
	opInitializeSession
	opStartSession
	opStopSession
	opUpdateKeys
)

type commandMsg struct {
	kind opKind

	video          VideoStreamContext
	audio          AudioStreamContext
	sessionContext SessionContext
	keys           []byte

	replyErr     chan error
	replyContext chan *SessionContext
}

// Manager is a handle to the running Session Manager actor. It is cheap to
// copy and safe for concurrent use, matching the teacher's CommandQueue
// handle shape.
type Manager struct {
	commands chan commandMsg
}

// New starts the Session Manager actor and returns a handle to it. newWorkers
// builds a fresh WorkerGroup each time a session transitions to Running.
func New(log *slog.Logger, newWorkers WorkerFactory) *Manager {
	m := &Manager{commands: make(chan commandMsg, commandQueueCapacity)}
	go runActor(log, newWorkers, m.commands)
	return m
}

func (m *Manager) SetStreamContext(video VideoStreamContext, audio AudioStreamContext) error {
	reply := make(chan error, 1)
	m.commands <- commandMsg{kind: opSetStreamContext, video: video, audio: audio, replyErr: reply}
	return <-reply
}

func (m *Manager) GetSessionContext() (*SessionContext, error) {
	reply := make(chan *SessionContext, 1)
	m.commands <- commandMsg{kind: opGetSessionContext, replyContext: reply}
	return <-reply, nil
}

func (m *Manager) InitializeSession(ctx SessionContext) error {
	reply := make(chan error, 1)
	m.commands <- commandMsg{kind: opInitializeSession, sessionContext: ctx, replyErr: reply}
	return <-reply
}

func (m *Manager) StartSession() error {
	reply := make(chan error, 1)
	m.commands <- commandMsg{kind: opStartSession, replyErr: reply}
	return <-reply
}

func (m *Manager) StopSession() error {
	reply := make(chan error, 1)
	m.commands <- commandMsg{kind: opStopSession, replyErr: reply}
	return <-reply
}

func (m *Manager) UpdateKeys(keys []byte) error {
	reply := make(chan error, 1)
	m.commands <- commandMsg{kind: opUpdateKeys, keys: keys, replyErr: reply}
	return <-reply
}

// actorState is only ever touched by the actor goroutine.
type actorState struct {
	session             *Session
	videoStreamContext  *VideoStreamContext
	audioStreamContext  *AudioStreamContext
}

func runActor(log *slog.Logger, newWorkers WorkerFactory, commands chan commandMsg) {
	log.Debug("session manager waiting for commands")

	state := &actorState{}
	shutdown := make(chan struct{})

	for {
		select {
		case <-shutdown:
			log.Debug("closing session")
			if state.session != nil {
				state.session.cancel()
			}
			state.session = nil
			shutdown = make(chan struct{})

		case cmd, ok := <-commands:
			if !ok {
				log.Debug("command channel closed")
				return
			}
			handleCommand(log, newWorkers, state, cmd, &shutdown)
		}
	}
}

func handleCommand(log *slog.Logger, newWorkers WorkerFactory, state *actorState, cmd commandMsg, shutdown *chan struct{}) {
	switch cmd.kind {
	case opSetStreamContext:
		if state.session == nil {
			log.Warn("can't set stream context without an active session")
			cmd.replyErr <- fmt.Errorf("no active session")
			return
		}
		video := cmd.video
		audio := cmd.audio
		state.videoStreamContext = &video
		state.audioStreamContext = &audio
		cmd.replyErr <- nil

	case opGetSessionContext:
		if state.session == nil {
			cmd.replyContext <- nil
			return
		}
		ctx := state.session.Context()
		cmd.replyContext <- &ctx

	case opInitializeSession:
		if state.session != nil {
			log.Warn("can't initialize a session, one is already active")
			cmd.replyErr <- fmt.Errorf("session already active")
			return
		}
		state.session = newSession(context.Background(), cmd.sessionContext, nil)
		state.videoStreamContext = nil
		state.audioStreamContext = nil
		cmd.replyErr <- nil

	case opStartSession:
		if state.session == nil {
			log.Warn("can't start a session, none has been created yet")
			cmd.replyErr <- fmt.Errorf("no session created")
			return
		}
		if state.session.IsRunning() {
			log.Info("session already running")
			cmd.replyErr <- nil
			return
		}
		if state.videoStreamContext == nil {
			log.Warn("can't start a stream without a video stream context")
			cmd.replyErr <- fmt.Errorf("missing video stream context")
			return
		}
		if state.audioStreamContext == nil {
			log.Warn("can't start a stream without an audio stream context")
			cmd.replyErr <- fmt.Errorf("missing audio stream context")
			return
		}

		workers := newWorkers()
		if err := workers.Start(state.session.ctx, state.session.context, *state.videoStreamContext, *state.audioStreamContext); err != nil {
			log.Error("failed to start session workers", "error", err)
			closeAndTrigger(*shutdown)
			cmd.replyErr <- err
			return
		}
		state.session.workers = workers
		state.session.state = StateRunning
		cmd.replyErr <- nil

	case opStopSession:
		if state.session == nil {
			log.Debug("trying to stop session, but none is active")
			cmd.replyErr <- nil
			return
		}
		if state.session.workers != nil {
			if err := state.session.workers.Stop(state.session.ctx); err != nil {
				log.Error("error stopping session workers", "error", err)
			}
		}
		state.session.cancel()
		state.session.state = StateGone
		state.session = nil
		cmd.replyErr <- nil

	case opUpdateKeys:
		if state.session == nil {
			log.Warn("can't update session keys, there is no session created yet")
			cmd.replyErr <- fmt.Errorf("no session created")
			return
		}
		if state.session.workers == nil {
			cmd.replyErr <- fmt.Errorf("session workers not started")
			return
		}
		cmd.replyErr <- state.session.workers.UpdateKeys(cmd.keys)
	}
}

// closeAndTrigger closes the current shutdown channel. runActor observes it
// on its next select, cancels and drops the session (back to Absent), and
// installs a fresh channel for the next cycle.
func closeAndTrigger(shutdown chan struct{}) {
	close(shutdown)
}
