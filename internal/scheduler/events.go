package scheduler

import "zhihupub/internal/eventbus"

func (s *Service) emit(typ string, payload map[string]any) {
	s.bus.Publish(typ, payload)
}

// Bus returns the event bus tasks are published on.
func (s *Service) Bus() *eventbus.Bus { return s.bus }
