package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zhihupub/internal/domain"
	"zhihupub/internal/eventbus"
	logx "zhihupub/pkg/logx"
)

// Watch turns task_update events whose status is in NotifyStatuses into
// notifications until ctx ends.
func (s *Service) Watch(ctx context.Context, bus *eventbus.Bus) error {
	err := bus.Consume(ctx, func(e eventbus.Event) {
		n, ok := s.fromEvent(e)
		if !ok {
			return
		}
		if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrDisabled) {
			s.log.Debug("notify task event failed", logx.Err(err))
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) fromEvent(e eventbus.Event) (Notification, bool) {
	if e.Type != eventbus.TypeTaskUpdate {
		return Notification{}, false
	}
	status, _ := e.Payload["status"].(string)
	if deferred, _ := e.Payload["deferred"].(bool); deferred || !s.watches(status) {
		return Notification{}, false
	}
	return formatTaskEvent(status, e.Payload), true
}

func (s *Service) watches(status string) bool {
	s.mu.Lock()
	statuses := s.cfg.NotifyStatuses
	s.mu.Unlock()
	if len(statuses) == 0 {
		return status == string(domain.StatusFailed)
	}
	for _, st := range statuses {
		if strings.EqualFold(st, status) {
			return true
		}
	}
	return false
}

func formatTaskEvent(status string, p map[string]any) Notification {
	task := fmt.Sprint(p["task_id"])
	var b strings.Builder
	prio := 5
	switch domain.Status(status) {
	case domain.StatusFailed:
		prio = 7
		fmt.Fprintf(&b, "Publish failed: task %s", task)
		if n, ok := p["retry_count"]; ok {
			fmt.Fprintf(&b, " (retry %v)", n)
		}
	case domain.StatusSuccess:
		fmt.Fprintf(&b, "Published: task %s", task)
	default:
		fmt.Fprintf(&b, "Task %s is %s", task, status)
	}
	if v, ok := p["account_id"]; ok {
		fmt.Fprintf(&b, "\naccount: %v", v)
	}
	if v, ok := p["article_id"]; ok {
		fmt.Fprintf(&b, "\narticle: %v", v)
	}
	if v, ok := p["article_url"].(string); ok && v != "" {
		fmt.Fprintf(&b, "\nurl: %s", v)
	}
	if v, ok := p["error"].(string); ok && v != "" {
		fmt.Fprintf(&b, "\nerror: %s", v)
	}
	// keyed without the error text
	return Notification{Priority: prio, Text: b.String(), Key: task + "|" + status + "|" + fmt.Sprint(p["retry_count"])}
}
