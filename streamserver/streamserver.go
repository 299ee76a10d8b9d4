// Package streamserver exposes the decision stream over a websocket so an
// operator tool can tail an agent's reasoning live instead of polling the
// admin API's /decisions endpoint. This is purely a read-only tap: nothing
// here can influence a running agent.
package streamserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/nhbvault/agentd/decisionstream"
)

// Server upgrades HTTP connections to websockets and streams newly-appended
// decision entries as they land.
type Server struct {
	stream   *decisionstream.Stream
	logger   *slog.Logger
	poll     time.Duration
}

// New builds a Server polling the stream's in-memory tail every poll
// interval for entries appended since the connection opened. A zero poll
// falls back to one second.
func New(stream *decisionstream.Stream, logger *slog.Logger, poll time.Duration) *Server {
	if poll <= 0 {
		poll = time.Second
	}
	return &Server{stream: stream, logger: logger, poll: poll}
}

// ServeHTTP implements http.Handler, upgrading the request to a websocket
// and streaming decisions until the client disconnects or the request
// context is cancelled.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Mark what is already in the ring as seen before the handshake
	// completes, so anything appended after the client connects is sent.
	lastSeen := ""
	if recent := s.stream.RecentDecisions(); len(recent) > 0 {
		lastSeen = recent[len(recent)-1].ID
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("streamserver: accept failed", slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := r.Context()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries := s.stream.RecentDecisions()
			fresh := entries
			if lastSeen != "" {
				fresh = newSince(entries, &lastSeen)
			} else if len(entries) > 0 {
				lastSeen = entries[len(entries)-1].ID
			}
			for _, entry := range fresh {
				if err := wsjson.Write(ctx, conn, entry); err != nil {
					s.logger.Info("streamserver: client disconnected", slog.Any("error", err))
					return
				}
			}
		}
	}
}

// newSince returns the entries after the last one whose ID matches
// *lastSeen, then advances *lastSeen to the newest entry's ID. With an empty
// *lastSeen it only records the newest ID and returns nothing.
// RecentDecisions is oldest-first, a capped ring, so *lastSeen can age out
// of the ring between polls; the whole current ring is then returned.
func newSince(entries []decisionstream.DecisionEntry, lastSeen *string) []decisionstream.DecisionEntry {
	if len(entries) == 0 {
		return nil
	}
	if *lastSeen == "" {
		*lastSeen = entries[len(entries)-1].ID
		return nil
	}
	cut := -1
	for i, e := range entries {
		if e.ID == *lastSeen {
			cut = i
			break
		}
	}
	*lastSeen = entries[len(entries)-1].ID
	if cut == -1 {
		return entries
	}
	return entries[cut+1:]
}
