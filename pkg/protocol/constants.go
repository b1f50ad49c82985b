package protocol

import "time"

// File and directory names used inside a shared repository checkout.
const (
	// StateFile is the shared document at the repository root.
	StateFile = ".sync-state.json"

	// StateTempPattern is the os.CreateTemp pattern used for atomic writes
	// of StateFile. Leftovers from a crash must never be committed.
	StateTempPattern = ".sync-state-*.tmp"

	// LockPrefix prefixes every lock artifact file name.
	LockPrefix = ".sync-lock-"

	// HomeDir is the user-level state directory (e.g., ~/.sync-agents)
	// holding PID files and journal databases. It is never replicated.
	HomeDir = ".sync-agents"
)

// Default agent identities. Exactly two agents take part in a pair.
const (
	DefaultAgentID = "agent-1"
	DefaultPeerID  = "agent-2"
)

// Protocol timing constants.
const (
	// StaleAfter is how old a lock artifact may get before another agent
	// may steal it.
	StaleAfter = 5 * time.Minute

	// ActiveWithin is the liveness window for an agent's lastSeen.
	ActiveWithin = 5 * time.Minute

	// LockRetryInterval is the fixed poll interval while a lock is held by the peer.
	LockRetryInterval = time.Second

	// DefaultLockTimeout bounds a single Acquire call.
	DefaultLockTimeout = 30 * time.Second

	// DefaultClaimAttempts bounds how many tasks NextTask tries before
	// reporting that no task is available.
	DefaultClaimAttempts = 3

	// DefaultPushRetries is how many times a rejected push is retried
	// after re-pulling.
	DefaultPushRetries = 3
)

// DefaultPeerOf returns the conventional peer of a default agent id.
func DefaultPeerOf(agentID string) string {
	if agentID == DefaultPeerID {
		return DefaultAgentID
	}
	return DefaultPeerID
}
