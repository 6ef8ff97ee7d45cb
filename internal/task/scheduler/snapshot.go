package scheduler

import (
	"cmp"
	"slices"
)

// Jobs lists live jobs in registration order followed by orphans.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	live := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		live = append(live, j)
	}
	out := make([]JobInfo, 0, len(s.jobs)+len(s.orphans))
	slices.SortFunc(live, func(a, b *job) int { return cmp.Compare(a.seq, b.seq) })
	for _, j := range live {
		out = append(out, JobInfo{
			ID:      j.spec.ID,
			Task:    j.spec.Task,
			Trigger: j.spec.Trigger.String(),
			Timeout: j.spec.Options.Timeout,
			Next:    j.next,
			Prev:    j.prev,
			Running: j.state.Running(),
		})
	}
	orphans := make([]JobInfo, 0, len(s.orphans))
	for _, rec := range s.orphans {
		orphans = append(orphans, JobInfo{
			ID:       rec.ID,
			Task:     rec.Task,
			Trigger:  rec.TriggerKind + "(" + rec.TriggerSpec + ")",
			Orphaned: true,
		})
	}
	s.mu.Unlock()
	slices.SortFunc(orphans, func(a, b JobInfo) int { return cmp.Compare(a.ID, b.ID) })
	return append(out, orphans...)
}

func (s *Service) Snapshot() Snapshot {
	jobs := s.Jobs()
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.running,
		Timezone: s.loc.String(),
		Jobs:     jobs,
	}
	eng := s.engine
	s.mu.Unlock()
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
