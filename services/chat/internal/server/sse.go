package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"pdfchat/services/chat/internal/app"
)

const pingInterval = 15 * time.Second

var errStreamClosed = errors.New("stream closed")

// sseSink writes a query's events as Server-Sent Events. It implements
// app.StreamSink; every write goes through one mutex so the keepalive
// goroutine never interleaves with event frames.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu     sync.Mutex
	opened bool
	closed bool
	failed error
	stop   chan struct{}
	done   chan struct{}

	pingEvery time.Duration
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{
		w:         w,
		rc:        http.NewResponseController(w),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		pingEvery: pingInterval,
	}
}

func (s *sseSink) Open(start app.StreamStart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return errors.New("stream already open")
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(threadIDHeader, start.ThreadID)
	h.Set(threadCreatedHeader, strconv.FormatBool(start.Created))
	s.w.WriteHeader(http.StatusOK)
	s.opened = true
	go s.keepalive()
	if err := s.writeEventLocked("thread", map[string]any{"threadId": start.ThreadID, "created": start.Created}); err != nil {
		s.closed = true
		close(s.stop)
		return err
	}
	return nil
}

func (s *sseSink) Chunk(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeEventLocked("chunk", map[string]string{"text": text})
}

func (s *sseSink) Close(end app.StreamEnd) {
	s.mu.Lock()
	if s.closed || !s.opened {
		s.mu.Unlock()
		return
	}
	switch end.Outcome {
	case app.OutcomeCompleted:
		_ = s.writeEventLocked("done", map[string]string{"threadId": end.ThreadID, "messageId": end.MessageID})
	case app.OutcomeCancelled:
		_ = s.writeEventLocked("cancelled", map[string]string{"threadId": end.ThreadID, "messageId": end.MessageID, "reason": end.Reason})
	default:
		payload := map[string]string{"code": app.ErrorCode(end.Err), "error": streamErrorMessage(end.Err)}
		if end.MessageID != "" {
			payload["messageId"] = end.MessageID
		}
		_ = s.writeEventLocked("error", payload)
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()
	<-s.done
}

// keepalive writes a comment line periodically until Close.
func (s *sseSink) keepalive() {
	defer close(s.done)
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.failed == nil && !s.closed {
				if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
					s.failed = err
				} else if err := s.rc.Flush(); err != nil {
					s.failed = err
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *sseSink) writeEventLocked(event string, payload any) error {
	if s.closed {
		return errStreamClosed
	}
	if s.failed != nil {
		return s.failed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.failed = err
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.failed = err
		return err
	}
	return nil
}

func streamErrorMessage(err error) string {
	switch {
	case err == nil:
		return "stream failed"
	case errors.Is(err, app.ErrUpstream):
		return "generation failed"
	default:
		return "could not save the response"
	}
}

// started reports whether response headers were sent.
func (s *sseSink) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}
