package server

import (
	"context"
	"net/http"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// handleEvents upgrades the connection to a websocket and forwards task
// snapshots as the worker saves them. The first message is the current
// state, the last one is a terminal state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, err := s.tasks.Subscribe(ctx, t.ID)
	if err != nil {
		logger.Errorf(ctx, "unable to subscribe to task %q: %v", t.ID, err)
		httpError(w, http.StatusInternalServerError, "unable to subscribe to the task")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered the request
		logger.Debugf(ctx, "unable to upgrade the events request: %v", err)
		return
	}
	defer conn.Close()

	// the feed is write-only, the read pump only notices the close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(t); err != nil {
		return
	}
	if t.State.Terminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u, chOpen := <-updates:
			if !chOpen {
				return
			}
			if err := conn.WriteJSON(u); err != nil {
				return
			}
			if u.State.Terminal() {
				return
			}
		}
	}
}
