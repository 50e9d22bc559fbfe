package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/calmcompanion/internal/eventlog"
	"github.com/ent0n29/calmcompanion/internal/protocol"
)

const (
	feedReadTimeout  = 120 * time.Second
	feedPingInterval = 30 * time.Second
	feedBuffer       = 128
)

// handleEventsWS streams event log entries to one websocket client. All writes
// happen on the writer goroutine; the read loop only forwards parsed client
// messages to it.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event feed not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.feed.Subscribe(feedBuffer)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	control := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing the conn unblocks ReadMessage when the writer gives up.
		defer conn.Close()
		defer cancel()
		s.writeFeed(ctx, conn, events, control)
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			msg = protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			}
		}
		select {
		case <-ctx.Done():
			break readLoop
		case control <- msg:
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) writeFeed(ctx context.Context, conn *websocket.Conn, events <-chan eventlog.Event, control <-chan any) {
	var kinds map[string]bool
	write := func(v any) bool {
		_ = conn.SetWriteDeadline(writeDeadline())
		return conn.WriteJSON(v) == nil
	}
	if !write(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "connected"}) {
		return
	}

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(writeDeadline())
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if kinds != nil && !kinds[string(ev.Kind)] {
				continue
			}
			if !write(feedEvent(ev)) {
				return
			}
		case msg := <-control:
			switch m := msg.(type) {
			case protocol.ClientSubscribe:
				kinds = nil
				if len(m.Kinds) > 0 {
					kinds = make(map[string]bool, len(m.Kinds))
					for _, k := range m.Kinds {
						kinds[k] = true
					}
				}
				if !write(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "subscribed"}) {
					return
				}
				// The backlog may repeat events already streamed; Seq
				// identifies duplicates.
				if m.Backlog > 0 {
					backlog := s.feed.Recent(m.Backlog)
					for i := len(backlog) - 1; i >= 0; i-- {
						if kinds != nil && !kinds[string(backlog[i].Kind)] {
							continue
						}
						if !write(feedEvent(backlog[i])) {
							return
						}
					}
				}
			case protocol.ClientPing:
				if !write(protocol.Pong{Type: protocol.TypePong, TSMs: m.TSMs}) {
					return
				}
			case protocol.ErrorEvent:
				if !write(m) {
					return
				}
			}
		}
	}
}

func feedEvent(ev eventlog.Event) protocol.FeedEvent {
	return protocol.FeedEvent{
		Type:      protocol.TypeFeedEvent,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Kind:      string(ev.Kind),
		Payload:   ev.Payload,
	}
}
