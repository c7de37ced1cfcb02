package hive

import "sync"

// StepState is the portion of Context steps fill in as they run. Each field
// is written exactly once by its producing step; later steps assert
// presence rather than re-deriving the value.
type StepState struct {
	Evaluation        *string // the evaluated derivation path
	Build             *string // the built artifact path
	KeyAgentDirectory *string // the key-agent helper's directory on the node
}

// Context is the mutable per-node state threaded through one pipeline run.
// It is created fresh per node, lives for exactly one pipeline execution,
// and is never shared between nodes.
type Context struct {
	Name Name
	Node *Node

	HivePath  string
	Modifiers Modifiers
	Goal      Goal
	Reboot    bool
	NoKeys    bool

	State StepState

	// Lock is the shared interactive-prompt lock handle; it is the single
	// resource genuinely shared across concurrently-running contexts.
	Lock InteractivePromptLock
}

// InteractivePromptLock is the narrow surface Context needs from the
// single-permit semaphore in internal/lock, kept here to avoid a dependency
// cycle between hive and lock.
type InteractivePromptLock interface {
	Acquire()
	Release()
	Available() bool
}

// noopLock satisfies InteractivePromptLock for tests and non-interactive
// contexts that never need real mutual exclusion.
type noopLock struct{ mu sync.Mutex }

func (l *noopLock) Acquire()        {}
func (l *noopLock) Release()        {}
func (l *noopLock) Available() bool { return true }

// NoopLock returns a lock implementation that never blocks; useful for
// fully non-interactive runs and for tests that don't exercise the real
// semaphore.
func NoopLock() InteractivePromptLock { return &noopLock{} }
