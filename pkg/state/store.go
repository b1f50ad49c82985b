// Package state owns the shared coordination document: agent presence
// and the task backlog, persisted as one JSON file at the repository root.
//
// Every mutation is read-whole, modify, write-whole, bump version. Writes
// are atomic on the local filesystem (temp file + rename), so a reader
// never sees a half-written document. Nothing here is mutually exclusive
// across processes or even across goroutines: exclusivity against the peer
// agent comes only from the replication transport's commit/push
// serialization, and callers inside one process must serialize themselves.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/killer4nano/sync-claude-agents/pkg/protocol"
)

// ErrNoDocument is returned by Read when the shared document does not
// exist yet. It is distinct from a parse failure (*protocol.CorruptDocumentError).
var ErrNoDocument = errors.New("shared document not found")

// ErrTaskCompleted is returned when assigning a task that is already done.
var ErrTaskCompleted = errors.New("task already completed")

// errNoChange aborts an update without writing.
var errNoChange = errors.New("no change")

// Filter selects tasks. Zero-valued fields match everything; set fields
// are AND-combined.
type Filter struct {
	Status     protocol.TaskStatus
	AssignedTo string
}

func (f Filter) match(t *protocol.Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
		return false
	}
	return true
}

// Store reads and writes the shared document on behalf of one agent.
type Store struct {
	root    string
	path    string
	agentID string
	peerID  string
	log     *zap.Logger

	// lastVersion is the version this process most recently wrote.
	lastVersion atomic.Int64

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
	// newID generates task ids.
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithPeer sets the peer agent id (default: the conventional peer of agentID).
func WithPeer(peerID string) Option {
	return func(s *Store) { s.peerID = peerID }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

// New returns a Store for the document under root, acting as agentID.
func New(root, agentID string, opts ...Option) *Store {
	s := &Store{
		root:    root,
		path:    filepath.Join(root, protocol.StateFile),
		agentID: agentID,
		peerID:  protocol.DefaultPeerOf(agentID),
		log:     zap.NewNop(),
		nowFunc: time.Now,
		newID:   func() string { return "task-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("state")
	return s
}

// Path returns the document's file path.
func (s *Store) Path() string { return s.path }

// AgentID returns the identity this store writes as.
func (s *Store) AgentID() string { return s.agentID }

// PeerID returns the other agent's identity.
func (s *Store) PeerID() string { return s.peerID }

// LastVersion returns the document version this process last wrote, or 0.
func (s *Store) LastVersion() int { return int(s.lastVersion.Load()) }

func (s *Store) now() time.Time {
	return s.nowFunc().UTC().Truncate(time.Millisecond)
}

// Initialize creates the document with idle entries for both agents if it
// does not exist. An existing document is left untouched, even if corrupt.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat shared document: %w", err)
	}

	now := s.now()
	doc := &protocol.Document{
		Agents: map[string]protocol.AgentState{
			s.agentID: {Status: protocol.AgentIdle, LastSeen: now},
			s.peerID:  {Status: protocol.AgentIdle, LastSeen: now},
		},
		Tasks: []protocol.Task{},
	}
	if err := s.Write(ctx, doc); err != nil {
		return fmt.Errorf("create shared document: %w", err)
	}
	s.log.Info("created shared document", zap.String("path", s.path))
	return nil
}

// Read loads and parses the document.
func (s *Store) Read(ctx context.Context) (*protocol.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNoDocument, err)
		}
		return nil, fmt.Errorf("read shared document: %w", err)
	}
	var doc protocol.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &protocol.CorruptDocumentError{Path: s.path, Err: err}
	}
	return &doc, nil
}

// Write increments doc.Version and persists the whole document atomically.
// On failure doc.Version is restored.
func (s *Store) Write(ctx context.Context, doc *protocol.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc.Version++
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		doc.Version--
		return fmt.Errorf("encode shared document: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(s.path, data); err != nil {
		doc.Version--
		return err
	}
	s.lastVersion.Store(int64(doc.Version))
	s.log.Debug("wrote shared document", zap.Int("version", doc.Version))
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), protocol.StateTempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil { //nolint:gosec // shared document is committed to the repo
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// update runs fn against a freshly read document and writes the result.
// fn returning errNoChange skips the write.
func (s *Store) update(ctx context.Context, fn func(doc *protocol.Document) error) error {
	doc, err := s.Read(ctx)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	return s.Write(ctx, doc)
}
