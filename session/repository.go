package session

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/agentloom/agentloom/types"
)

// idPattern is the only shape a session id may take. Anything else is
// rejected before any storage access (path-escape defense).
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID rejects session identifiers that could escape the session
// namespace. Must be called before any filesystem or key access.
func ValidateID(id string) error {
	if id == "" {
		return types.NewError(types.ErrSessionInvalidID, "session id is empty")
	}
	if !idPattern.MatchString(id) {
		return types.NewErrorf(types.ErrSessionInvalidID,
			"session id %q contains characters outside [A-Za-z0-9_-]", id)
	}
	return nil
}

// Repository persists and loads session state. Implementations must hold
// an exclusive, timeout-bounded per-session lock around every write; lock
// acquisition failure surfaces as a LOCK_TIMEOUT error, never an
// indefinite block.
type Repository interface {
	// Create persists a brand-new session together with a one-time
	// snapshot of the originating specification. Fails with
	// SESSION_ALREADY_EXISTS when the id is taken.
	Create(ctx context.Context, state *State, specSnapshot []byte) error
	// Load reads the full session state.
	Load(ctx context.Context, id string) (*State, error)
	// Save checkpoints the session state. Lightweight: the spec snapshot
	// written at Create time is left untouched.
	Save(ctx context.Context, state *State) error
	// LoadSnapshot returns the specification snapshot stored at Create.
	LoadSnapshot(ctx context.Context, id string) ([]byte, error)
	// Exists reports whether a session with the id exists.
	Exists(ctx context.Context, id string) (bool, error)
	// List returns all known session ids.
	List(ctx context.Context) ([]string, error)
}

// EncodeState serializes a State into its two persisted records: the
// session record (metadata, variables, runtime, usage, artifacts) and the
// pattern state record.
func EncodeState(s *State) (sessionRec, patternRec []byte, err error) {
	sessionRec, err = json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, nil, types.NewError(types.ErrSessionCorrupted,
			"encoding session record").WithCause(err)
	}
	pattern := s.Pattern
	if pattern == nil {
		pattern = NewPatternState()
	}
	patternRec, err = json.MarshalIndent(pattern, "", "  ")
	if err != nil {
		return nil, nil, types.NewError(types.ErrSessionCorrupted,
			"encoding pattern state").WithCause(err)
	}
	return sessionRec, patternRec, nil
}

// DecodeState is the inverse of EncodeState.
func DecodeState(sessionRec, patternRec []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(sessionRec, &s); err != nil {
		return nil, types.NewError(types.ErrSessionCorrupted,
			"decoding session record").WithCause(err)
	}
	// Decode into an empty map so legacy records without a version key
	// keep reporting version 0.
	var pattern PatternState
	if len(patternRec) > 0 {
		if err := json.Unmarshal(patternRec, &pattern); err != nil {
			return nil, types.NewError(types.ErrSessionCorrupted,
				"decoding pattern state").WithCause(err)
		}
	}
	if pattern == nil {
		pattern = NewPatternState()
	}
	s.Pattern = pattern
	return &s, nil
}
