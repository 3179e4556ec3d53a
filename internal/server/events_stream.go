package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/sentinel/internal/events"
)

// handleEventsStream serves GET /events/stream over Server-Sent Events,
// fanning out every published events.Event (or a types-filtered subset) to
// the connected client. Grounded on the teacher's unified events stream
// handler; simplified because events.Event already carries its own
// MarshalJSON, so there's no per-field map to rebuild before encoding.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	var allowed map[events.EventType]bool
	if raw := r.URL.Query().Get("types"); raw != "" {
		allowed = make(map[events.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			allowed[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	eventChan := make(chan events.Event, 100)
	unsubs := make([]func(), 0, len(events.Topics))
	for _, topic := range events.Topics {
		if allowed != nil && !allowed[topic] {
			continue
		}
		topic := topic
		unsub := s.bus.Subscribe(topic, func(ev events.Event) {
			select {
			case eventChan <- ev:
			default:
				s.log.Warn().Str("event_type", string(ev.Type)).Msg("SSE client channel full, dropping event")
			}
		})
		unsubs = append(unsubs, unsub)
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case ev := <-eventChan:
			payload, err := ev.MarshalJSON()
			if err != nil {
				s.log.Error().Err(err).Msg("failed to marshal event for SSE")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}
