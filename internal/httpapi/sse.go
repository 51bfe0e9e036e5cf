package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"zhihupub/internal/eventbus"
	logx "zhihupub/pkg/logx"
)

// stream serves the task event stream as text/event-stream. Events are
// data-only lines whose JSON carries the type; idle periods get a
// ": heartbeat <unix>" comment.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported", Code: "internal"})
		return
	}

	ctx := r.Context()
	if streams := s.streamsContext(); streams != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(streams, cancel)
		defer stop()
	}

	// subscribe before "connected" so nothing published after it is missed
	sub := s.deps.Bus.Subscribe()
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	connected, _ := json.Marshal(map[string]string{"type": eventbus.TypeConnected, "message": "stream connected"})
	if _, err := fmt.Fprintf(w, "data: %s\n\n", connected); err != nil {
		return
	}
	fl.Flush()

	log := s.log.With(logx.Uint64("sub", sub.ID()))
	log.Debug("event stream opened", logx.Int("subscribers", s.deps.Bus.Len()))
	defer log.Debug("event stream closed")

	for {
		e, err := sub.Recv(ctx)
		if err != nil {
			if errors.Is(err, eventbus.ErrClosed) && sub.Dropped() {
				log.Warn("event stream dropped: client too slow")
			}
			return
		}
		if e.Type == eventbus.TypeHeartbeat {
			_, err = fmt.Fprintf(w, ": heartbeat %d\n\n", e.Time.Unix())
		} else {
			var payload []byte
			if payload, err = json.Marshal(e); err != nil {
				log.Warn("event not serializable", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		if err != nil {
			return
		}
		fl.Flush()
	}
}
