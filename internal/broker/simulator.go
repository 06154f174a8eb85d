package broker

import (
	"fmt"

	"barsim/internal/domain"
)

// Simulator is the in-memory order book of one run. Orders are kept in
// submission order and get sequential IDs so repeated runs produce identical
// trade lists. It is not safe for concurrent use.
type Simulator struct {
	seq     int
	pending []*domain.Order
}

// NewSimulator creates an empty order book.
func NewSimulator() *Simulator {
	return &Simulator{}
}

// NextID returns the next order ID without registering an order.
func (s *Simulator) NextID() string {
	s.seq++
	return fmt.Sprintf("O-%06d", s.seq)
}

// Submit registers a copy of o as pending and returns it. An empty ID is
// replaced with the next sequential ID.
func (s *Simulator) Submit(o domain.Order) *domain.Order {
	if o.ID == "" {
		o.ID = s.NextID()
	}
	o.Status = domain.OrderStatusPending
	p := &o
	s.pending = append(s.pending, p)
	return p
}

// Pending returns the pending orders for symbol in submission order. An empty
// symbol returns every pending order.
func (s *Simulator) Pending(symbol string) []*domain.Order {
	var out []*domain.Order
	for _, o := range s.pending {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

// Len returns the number of pending orders.
func (s *Simulator) Len() int {
	return len(s.pending)
}

// Resolve removes the order from the book with the given final status.
func (s *Simulator) Resolve(id string, status domain.OrderStatus) bool {
	for i, o := range s.pending {
		if o.ID == id {
			o.Status = status
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Cancel removes a pending order by ID.
func (s *Simulator) Cancel(id string) bool {
	return s.Resolve(id, domain.OrderStatusCancelled)
}

// CancelWhere cancels every pending order matching pred and returns copies of
// the canceled orders.
func (s *Simulator) CancelWhere(pred func(*domain.Order) bool) []domain.Order {
	return s.removeWhere(pred, domain.OrderStatusCancelled)
}

// Expire removes orders whose ExpireAfterBars window has elapsed at timeline
// index barIndex and returns copies of them.
func (s *Simulator) Expire(barIndex int) []domain.Order {
	return s.removeWhere(func(o *domain.Order) bool {
		return o.ExpireAfterBars > 0 && barIndex-o.SignalBar >= o.ExpireAfterBars
	}, domain.OrderStatusExpired)
}

func (s *Simulator) removeWhere(pred func(*domain.Order) bool, status domain.OrderStatus) []domain.Order {
	var (
		kept    = s.pending[:0]
		removed []domain.Order
	)
	for _, o := range s.pending {
		if pred(o) {
			o.Status = status
			removed = append(removed, *o)
			continue
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
	return removed
}
