package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"milestonemarket/core/events"
	"milestonemarket/services/indexer"
)

const (
	wsWriteTimeout = 10 * time.Second
	streamPage     = 500
)

type streamPayload struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func parseEventFilter(r *http.Request) (indexer.Filter, error) {
	query := r.URL.Query()
	filter := indexer.Filter{Type: strings.TrimSpace(query.Get("type"))}
	if raw := query.Get("escrow"); raw != "" {
		addr, err := parseAddress(raw)
		if err != nil {
			return filter, err
		}
		filter.Escrow = addr.Hex()
	}
	if raw := query.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid after %q", raw)
		}
		filter.After = after
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, fmt.Errorf("invalid limit %q", raw)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (s *server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event index unavailable", Code: "unavailable"})
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	found, err := s.index.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("event query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "event query failed", Code: "internal"})
		return
	}
	if found == nil {
		found = []indexer.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": found})
}

// exportEvents returns the filtered index as a parquet file. Without a limit
// every matching event is exported.
func (s *server) exportEvents(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event index unavailable", Code: "unavailable"})
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var buf bytes.Buffer
	rows, err := s.index.ExportParquet(r.Context(), &buf, filter)
	if err != nil {
		s.logger.Error("event export failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "event export failed", Code: "internal"})
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", `attachment; filename="events.parquet"`)
	w.Header().Set("X-Export-Rows", strconv.Itoa(rows))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// streamEvents replays journal records after the "after" cursor and then
// tails live events until the client disconnects.
func (s *server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event stream unavailable", Code: "unavailable"})
		return
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeBadRequest(w, fmt.Errorf("invalid after %q", raw))
			return
		}
		after = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, after); err != nil {
		if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
			s.logger.Warn("event stream ended", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *server) stream(ctx context.Context, conn *websocket.Conn, after uint64) error {
	// Subscribe before replaying so nothing emitted in between is lost; the
	// sequence cursor drops what the replay already sent.
	updates, cancel := s.feed.Subscribe()
	defer cancel()

	last, err := s.replay(ctx, conn, after)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			if rec.Sequence > last+1 {
				// Records were dropped for this subscriber.
				if last, err = s.replay(ctx, conn, last); err != nil {
					return err
				}
			}
			if rec.Sequence <= last {
				continue
			}
			if err := writeStreamPayload(ctx, conn, streamPayloadFromRecord(rec)); err != nil {
				return err
			}
			last = rec.Sequence
		}
	}
}

// replay pages journal records after the cursor to the client and returns the
// last sequence sent.
func (s *server) replay(ctx context.Context, conn *websocket.Conn, after uint64) (uint64, error) {
	for {
		page, err := s.feed.Range(after, streamPage)
		if err != nil {
			return after, err
		}
		for _, rec := range page {
			if err := writeStreamPayload(ctx, conn, streamPayloadFromRecord(rec)); err != nil {
				return after, err
			}
			after = rec.Sequence
		}
		if len(page) < streamPage {
			return after, nil
		}
	}
}

func streamPayloadFromRecord(rec events.Record) streamPayload {
	return streamPayload{Sequence: rec.Sequence, Type: rec.Type, Attributes: rec.Attributes}
}

func writeStreamPayload(ctx context.Context, conn *websocket.Conn, payload streamPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

type advanceRequest struct {
	Seconds int64 `json:"seconds"`
}

func (s *server) getClock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"now": s.market.Now(), "simulated": s.market.Simulated()})
}

// advanceClock moves simulated time forward. Only the registry owner may
// drive the clock.
func (s *server) advanceClock(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if caller != s.market.Owner() {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "only the registry owner may advance the clock", Code: "unauthorized"})
		return
	}
	var req advanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	now, err := s.market.Advance(time.Duration(req.Seconds) * time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"now": now, "simulated": true})
}

// Feed joins the persistent journal used for replay with the live
// broadcaster.
type Feed struct {
	*events.Journal
	*events.Broadcaster
}
