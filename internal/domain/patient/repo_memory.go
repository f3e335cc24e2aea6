package patient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type patientRepoMemory struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]*Patient
	order    []uuid.UUID
	now      func() time.Time
}

// NewMemoryRepo returns a mutex-guarded in-process store.
func NewMemoryRepo() Repository {
	return &patientRepoMemory{
		patients: make(map[uuid.UUID]*Patient),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *patientRepoMemory) Create(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.ID = newID()
	p.CreatedAt = r.now()
	p.UpdatedAt = p.CreatedAt
	r.patients[p.ID] = p.Clone()
	r.order = append(r.order, p.ID)
	return nil
}

func (r *patientRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (r *patientRepoMemory) Update(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.patients[p.ID]
	if !ok {
		return ErrNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = r.now()
	r.patients[p.ID] = p.Clone()
	return nil
}

func (r *patientRepoMemory) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.order)
	if limit <= 0 || offset < 0 {
		return []*Patient{}, total, nil
	}
	out := make([]*Patient, 0, limit)
	for i := offset; i < total && len(out) < limit; i++ {
		out = append(out, r.patients[r.order[i]].Clone())
	}
	return out, total, nil
}
