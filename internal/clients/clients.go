// Package clients implements the paired-client registry (C2): the set of
// Moonlight clients that have completed pairing, plus the in-flight
// PendingClient state the handshake itself mutates. All operations are
// serialized through a single actor goroutine draining a command channel,
// the same shape the command queue in the teacher's streaming relay uses.
package clients

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"

	moonshinecrypto "github.com/abhiaagarwal/moonshine-go/internal/crypto"
)

// Client is a persistently paired device. Invariant: once pairing
// completes, Key is non-empty and never changes for the client's lifetime.
type Client struct {
	UniqueID    string
	Certificate *x509.Certificate
	Key         []byte // AES-128 key derived during pairing
}

// PendingClient tracks a handshake in progress. Fields that only gain a
// value in a later step are nil until then, mirroring the original
// implementation's Option<T> fields.
type PendingClient struct {
	ID               string
	Certificate      *x509.Certificate
	Salt             [16]byte
	Key              []byte
	ServerSecret     []byte
	ServerChallenge  []byte
	ClientHash       []byte

	pinOnce   sync.Once
	pinNotify chan struct{}
}

func newPendingClient(id string, cert *x509.Certificate, salt [16]byte) *PendingClient {
	return &PendingClient{
		ID:          id,
		Certificate: cert,
		Salt:        salt,
		pinNotify:   make(chan struct{}),
	}
}

// NotifyPIN unblocks any goroutine waiting in WaitForPIN. Safe to call more
// than once; only the first call has an effect.
func (p *PendingClient) NotifyPIN() {
	p.pinOnce.Do(func() { close(p.pinNotify) })
}

// WaitForPIN blocks until NotifyPIN is called or ctx is done.
func (p *PendingClient) WaitForPIN(ctx context.Context) error {
	select {
	case <-p.pinNotify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type persistedClient struct {
	UniqueID    string `toml:"unique_id"`
	Certificate string `toml:"certificate"` // hex
	Key         string `toml:"key"`         // hex
}

type persistedState struct {
	Clients []persistedClient `toml:"clients"`
}

// Registry is the actor-serialized store of paired and pending clients.
type Registry struct {
	log       *slog.Logger
	statePath string

	commands chan command
	done     chan struct{}
}

type command struct {
	execute func(s *registryState)
	reply   chan struct{}
}

// registryState is only ever touched by the actor goroutine.
type registryState struct {
	clients  map[string]*Client
	pending  map[string]*PendingClient
	log      *slog.Logger
	statePath string
}

// New constructs a Registry backed by statePath, loading any existing
// persisted clients. The actor goroutine is started immediately.
func New(statePath string, log *slog.Logger) (*Registry, error) {
	clients, err := loadState(statePath)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		log:       log,
		statePath: statePath,
		commands:  make(chan command, 32),
		done:      make(chan struct{}),
	}

	state := &registryState{
		clients:   clients,
		pending:   make(map[string]*PendingClient),
		log:       log,
		statePath: statePath,
	}

	go r.run(state)
	return r, nil
}

func (r *Registry) run(state *registryState) {
	defer close(r.done)
	for cmd := range r.commands {
		cmd.execute(state)
		if cmd.reply != nil {
			close(cmd.reply)
		}
	}
}

func (r *Registry) do(fn func(s *registryState)) {
	reply := make(chan struct{})
	r.commands <- command{execute: fn, reply: reply}
	<-reply
}

// Close stops the actor goroutine. No further calls may be made afterward.
func (r *Registry) Close() {
	close(r.commands)
	<-r.done
}

// StartPairing registers a new PendingClient for id, rejecting a second
// concurrent pairing attempt for the same unique_id.
func (r *Registry) StartPairing(id string, cert *x509.Certificate, salt [16]byte) (*PendingClient, error) {
	var pending *PendingClient
	var err error
	r.do(func(s *registryState) {
		if _, exists := s.pending[id]; exists {
			err = fmt.Errorf("pairing already in progress for client %s", id)
			return
		}
		pending = newPendingClient(id, cert, salt)
		s.pending[id] = pending
	})
	return pending, err
}

// SubmitPIN derives the pairing key from salt and pin for the pending
// client id, stores it, and unblocks any goroutine waiting in
// PendingClient.WaitForPIN. This is what the operator-facing /pin endpoint
// calls.
func (r *Registry) SubmitPIN(id, pin string) error {
	var err error
	r.do(func(s *registryState) {
		pending, ok := s.pending[id]
		if !ok {
			err = fmt.Errorf("no pairing in progress for %s", id)
			return
		}
		pending.Key = moonshinecrypto.DeriveKey(pending.Salt[:], pin)
		pending.NotifyPIN()
	})
	return err
}

// Pending returns the in-flight PendingClient for id, if any.
func (r *Registry) Pending(id string) (*PendingClient, bool) {
	var pending *PendingClient
	var ok bool
	r.do(func(s *registryState) {
		pending, ok = s.pending[id]
	})
	return pending, ok
}

// AddClient promotes a completed PendingClient into the persisted registry.
// Idempotent: pairing a unique_id that is already registered overwrites the
// prior entry rather than erroring, since every client from a given vendor
// shares a single unique_id.
func (r *Registry) AddClient(id string) error {
	var err error
	r.do(func(s *registryState) {
		pending, ok := s.pending[id]
		if !ok {
			err = fmt.Errorf("no pending client for %s", id)
			return
		}
		if pending.Key == nil {
			err = fmt.Errorf("pending client %s has not completed key derivation", id)
			return
		}
		s.clients[id] = &Client{
			UniqueID:    id,
			Certificate: pending.Certificate,
			Key:         pending.Key,
		}
		delete(s.pending, id)
		if saveErr := saveState(s.statePath, s.clients); saveErr != nil {
			s.log.Error("failed to persist client registry", "error", saveErr)
		}
	})
	return err
}

// DropPending discards the in-flight PendingClient for id, used when a
// handshake step fails cryptographic verification or the PIN wait times
// out. A dropped id may immediately restart pairing from getservercert.
func (r *Registry) DropPending(id string) {
	r.do(func(s *registryState) {
		delete(s.pending, id)
	})
}

// Get returns the paired Client for id, if any.
func (r *Registry) Get(id string) (*Client, bool) {
	var client *Client
	var ok bool
	r.do(func(s *registryState) {
		client, ok = s.clients[id]
	})
	return client, ok
}

func loadState(path string) (map[string]*Client, error) {
	clients := make(map[string]*Client)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return clients, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}

	var state persistedState
	if err := toml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}

	for _, pc := range state.Clients {
		certDER, err := hex.DecodeString(pc.Certificate)
		if err != nil {
			return nil, fmt.Errorf("decode certificate for %s: %w", pc.UniqueID, err)
		}
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			return nil, fmt.Errorf("parse certificate for %s: %w", pc.UniqueID, err)
		}
		key, err := hex.DecodeString(pc.Key)
		if err != nil {
			return nil, fmt.Errorf("decode key for %s: %w", pc.UniqueID, err)
		}
		clients[pc.UniqueID] = &Client{UniqueID: pc.UniqueID, Certificate: cert, Key: key}
	}
	return clients, nil
}

// saveState writes clients to path by atomic rename: write to a temp file
// in the same directory, then rename over the target.
func saveState(path string, clients map[string]*Client) error {
	state := persistedState{Clients: make([]persistedClient, 0, len(clients))}
	for _, c := range clients {
		state.Clients = append(state.Clients, persistedClient{
			UniqueID:    c.UniqueID,
			Certificate: hex.EncodeToString(c.Certificate.Raw),
			Key:         hex.EncodeToString(c.Key),
		})
	}

	data, err := toml.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.toml.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename state file into place: %w", err)
	}
	return nil
}
