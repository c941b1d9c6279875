package notify

import (
	"sync"

	"github.com/google/uuid"
)

const DefaultReconcilerCapacity = 1024

// Reconciler 在單一連線上過濾重複送達的通知
// 補發與即時推送可能送出同一則通知，只有第一次看到的 ID 會被放行
// 只保留最近 capacity 個 ID，最舊的先被淘汰
type Reconciler struct {
	mu       sync.Mutex
	capacity int
	seen     map[uuid.UUID]struct{}
	order    []uuid.UUID
}

func NewReconciler(capacity int) *Reconciler {
	if capacity <= 0 {
		capacity = DefaultReconcilerCapacity
	}
	return &Reconciler{
		capacity: capacity,
		seen:     make(map[uuid.UUID]struct{}, capacity),
		order:    make([]uuid.UUID, 0, capacity),
	}
}

// Accept 回傳該通知是否為第一次出現
func (r *Reconciler) Accept(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	if len(r.order) == r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	return true
}
