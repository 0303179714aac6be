package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/luthienresearch/luthien/events"
	"github.com/luthienresearch/luthien/wire"
)

// ActivitySource is the subscription side of the event surface. Both the
// pulse topic and the in-process broker satisfy it.
type ActivitySource interface {
	Subscribe(ctx context.Context) (<-chan events.Event, <-chan error, context.CancelFunc, error)
}

// activityStream serves GET /activity/stream: an SSE feed of pipeline
// events throttled by a per-connection token bucket.
func (s *Server) activityStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.authorized(r) {
		writeError(w, openaiDialect, wire.NewError(wire.KindUnauthorized, "missing or invalid credentials"))
		return
	}

	evs, errs, cancel, err := s.activity.Subscribe(ctx)
	if err != nil {
		writeError(w, openaiDialect, wire.Classify(err))
		return
	}
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	limiter := rate.NewLimiter(rate.Limit(s.rate), s.rate)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil {
				log.Printf(ctx, "activity subscription: %v", err)
			}
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf(ctx, "activity encode: %v", err)
				continue
			}
			frame := wire.Frame{Event: ev.Type, Data: data}
			if _, err := w.Write(frame.Encode()); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
