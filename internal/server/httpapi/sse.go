package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dmitrijs2005/examkeeper/internal/common"
)

// tickInterval is the wall-clock cadence of the countdown stream.
const tickInterval = 1 * time.Second

// persistEveryTicks matches the service-side persistence cadence: the
// in-memory countdown is flushed to the queue document on every fifth tick.
const persistEveryTicks = 5

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleExamEvents is the live exam stream: one goroutine per connection
// ticking the session countdown at 1 Hz. The connection context cancels the
// loop, and a dropped connection parks the session exactly once.
func (s *Server) handleExamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	user := userFrom(r.Context())
	testID := mux.Vars(r)["testId"]
	ctx := r.Context()

	remaining, err := s.exam.SessionRemaining(ctx, user.ID, testID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	log := s.logger.With("test_id", testID, "examinee_id", user.ID)
	log.Info(ctx, "exam stream opened")

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			// client went away; park the session with its time preserved
			if err := s.exam.Disconnect(context.WithoutCancel(ctx), user.ID, testID); err != nil {
				log.Error(ctx, "error parking disconnected session", "error", err)
			}
			log.Info(ctx, "exam stream closed by client")
			return

		case <-ticker.C:
			ticks++
			remaining = remaining.Tick()

			if err := writeEvent(w, flusher, "TIMER", remaining); err != nil {
				continue
			}

			if remaining.IsZero() {
				if err := s.exam.ForceEnd(ctx, user.ID, testID); err != nil {
					log.Error(ctx, "error force-ending session", "error", err)
				}
				_ = writeEvent(w, flusher, "END TEST", remaining)
				log.Info(ctx, "exam stream closed, time exhausted")
				return
			}

			if ticks%persistEveryTicks == 0 {
				if err := s.exam.PersistRemaining(ctx, user.ID, testID, remaining); err != nil {
					if errors.Is(err, common.ErrorStateViolation) || errors.Is(err, common.ErrorNotFound) {
						// the session left the ACTIVE queue underneath us
						_ = writeEvent(w, flusher, "END TEST", remaining)
						log.Info(ctx, "exam stream closed, session no longer active")
						return
					}
					log.Warn(ctx, "error persisting remaining time", "error", err)
				}
				ended, err := s.exam.TestEnded(ctx, testID)
				if err == nil && ended {
					_ = writeEvent(w, flusher, "END TEST", remaining)
					log.Info(ctx, "exam stream closed, test ended")
					return
				}
			}
		}
	}
}
