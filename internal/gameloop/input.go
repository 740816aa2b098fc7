package gameloop

// edgeSet tracks which members of a key or button space are held, applying
// the per-tick merge rules:
//
//   - a press of a held member fires nothing but still counts as arrived
//   - a release of a member that arrived this tick is deferred until after
//     the step, in arrival order
//   - a release of a member that is not held is ignored
//   - a press of a member with a deferred release cancels that release
type edgeSet[T comparable] struct {
	held     map[T]bool
	arrived  map[T]bool
	order    []T
	deferred map[T]bool
	down, up func(T)
}

func newEdgeSet[T comparable]() *edgeSet[T] {
	return &edgeSet[T]{
		held:     make(map[T]bool),
		arrived:  make(map[T]bool),
		deferred: make(map[T]bool),
	}
}

func (s *edgeSet[T]) press(v T) {
	if !s.arrived[v] {
		s.arrived[v] = true
		s.order = append(s.order, v)
	}
	if s.held[v] {
		delete(s.deferred, v)
		return
	}
	s.held[v] = true
	if s.down != nil {
		s.down(v)
	}
}

func (s *edgeSet[T]) release(v T) {
	if !s.held[v] {
		return
	}
	if s.arrived[v] {
		s.deferred[v] = true
		return
	}
	delete(s.held, v)
	if s.up != nil {
		s.up(v)
	}
}

// settle fires deferred releases and starts a new tick.
func (s *edgeSet[T]) settle() {
	for _, v := range s.order {
		if !s.deferred[v] {
			continue
		}
		delete(s.held, v)
		if s.up != nil {
			s.up(v)
		}
	}
	clear(s.arrived)
	clear(s.deferred)
	s.order = s.order[:0]
}
