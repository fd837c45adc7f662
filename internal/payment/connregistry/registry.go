// Package connregistry keeps the process-wide map from charge to its live
// stream connection. It never opens or closes connections itself.
package connregistry

import (
	"sync"

	"github.com/smallbiznis/pixwatch/internal/payment/domain"
)

type Registry[C any] struct {
	mu    sync.Mutex
	conns map[domain.ChargeID]C
}

func New[C any]() *Registry[C] {
	return &Registry[C]{conns: make(map[domain.ChargeID]C)}
}

func (r *Registry[C]) Get(id domain.ChargeID) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Set stores conn for id, replacing any previous entry. Callers close the
// replaced connection before calling Set.
func (r *Registry[C]) Set(id domain.ChargeID, conn C) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = conn
}

func (r *Registry[C]) Delete(id domain.ChargeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// CompareAndDelete removes the entry only while it still holds conn.
func (r *Registry[C]) CompareAndDelete(id domain.ChargeID, match func(C) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok || !match(conn) {
		return false
	}
	delete(r.conns, id)
	return true
}

func (r *Registry[C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
