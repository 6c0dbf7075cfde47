package scheduler

// Snapshot lists up to limit upcoming entries (all when limit <= 0).
func (s *Service) Snapshot(limit int) Snapshot {
	s.mu.Lock()
	running := s.sup != nil && !s.closed
	pending := s.q.Len()
	ready := len(s.ready)
	up := s.q.Upcoming(limit)
	items := make([]EntryInfo, 0, len(up))
	for _, e := range up {
		items = append(items, e.info())
	}
	s.mu.Unlock()

	return Snapshot{
		Running:    running,
		Pending:    pending,
		Ready:      ready,
		Dispatched: s.dispatched.Load(),
		Violations: s.violations.Load(),
		Heartbeat:  s.Heartbeat(),
		Upcoming:   items,
	}
}
