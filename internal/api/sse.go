package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/comigor/llmrelay/internal/orchestrator"
)

var errStreamingUnsupported = errors.New("streaming not supported")

// sseSink writes orchestrator events as `data: {json}` frames. Headers are
// sent with the first event, so a request rejected before any event can
// still be answered with a plain JSON error.
type sseSink struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSESink(ctx context.Context, w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	return &sseSink{ctx: ctx, w: w, flusher: flusher}, nil
}

func (s *sseSink) Send(e orchestrator.Event) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream; charset=utf-8")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// stream runs req on o and writes the events to w.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, o *orchestrator.Orchestrator, req orchestrator.Request) {
	sink, err := newSSESink(r.Context(), w)
	if err != nil {
		s.sendJSONError(w, r, err)
		return
	}
	_, err = o.Stream(r.Context(), req, sink)
	if err == nil {
		return
	}
	if !sink.started {
		s.sendJSONError(w, r, err)
		return
	}
	// already reported in band, or the client is gone
	s.reqLog(r).Info("stream ended early", "session_id", req.SessionID, "model", req.Model, "error", err)
}
