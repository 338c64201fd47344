package session

import (
	"context"
	"sync"

	"github.com/agentloom/agentloom/types"
)

// MemoryRepository is an in-memory Repository for tests and embedding.
// State round-trips through the same encoding as the durable backends, so
// tests observe exactly the shapes a reloaded session would have.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*memoryRecord
}

type memoryRecord struct {
	sessionRec []byte
	patternRec []byte
	snapshot   []byte
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*memoryRecord)}
}

// Create implements Repository.
func (r *MemoryRepository) Create(ctx context.Context, state *State, specSnapshot []byte) error {
	if err := ValidateID(state.Metadata.ID); err != nil {
		return err
	}
	sessionRec, patternRec, err := EncodeState(state)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[state.Metadata.ID]; ok {
		return types.NewErrorf(types.ErrSessionExists,
			"session %q already exists", state.Metadata.ID)
	}
	r.sessions[state.Metadata.ID] = &memoryRecord{
		sessionRec: sessionRec,
		patternRec: patternRec,
		snapshot:   append([]byte(nil), specSnapshot...),
	}
	return nil
}

// Save implements Repository.
func (r *MemoryRepository) Save(ctx context.Context, state *State) error {
	if err := ValidateID(state.Metadata.ID); err != nil {
		return err
	}
	sessionRec, patternRec, err := EncodeState(state)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[state.Metadata.ID]
	if !ok {
		return types.NewErrorf(types.ErrSessionNotFound,
			"session %q not found", state.Metadata.ID)
	}
	rec.sessionRec = sessionRec
	rec.patternRec = patternRec
	return nil
}

// Load implements Repository.
func (r *MemoryRepository) Load(ctx context.Context, id string) (*State, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	rec, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrSessionNotFound, "session %q not found", id)
	}
	return DecodeState(rec.sessionRec, rec.patternRec)
}

// LoadSnapshot implements Repository.
func (r *MemoryRepository) LoadSnapshot(ctx context.Context, id string) ([]byte, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok || len(rec.snapshot) == 0 {
		return nil, types.NewErrorf(types.ErrSessionNotFound,
			"session %q has no spec snapshot", id)
	}
	return append([]byte(nil), rec.snapshot...), nil
}

// Exists implements Repository.
func (r *MemoryRepository) Exists(ctx context.Context, id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok, nil
}

// List implements Repository.
func (r *MemoryRepository) List(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}
