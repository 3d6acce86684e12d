package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"nftmarket/observability"
	"nftmarket/services/marketd/market"
	"nftmarket/services/marketd/models"
)

const (
	wsWriteTimeout    = 10 * time.Second
	defaultStreamPoll = time.Second
	streamBatchSize   = 200
)

var streamEntities = map[string]bool{
	"listing":    true,
	"offer":      true,
	"order":      true,
	"collection": true,
}

type activityPayload struct {
	ID        uuid.UUID       `json:"id"`
	Entity    string          `json:"entity"`
	EntityID  uuid.UUID       `json:"entity_id"`
	ActorID   *uuid.UUID      `json:"actor_id,omitempty"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func activityPayloadFrom(event models.Event) activityPayload {
	payload := activityPayload{
		ID:        event.ID,
		Entity:    event.Entity,
		EntityID:  event.EntityID,
		Action:    event.Action,
		CreatedAt: event.CreatedAt.UTC(),
	}
	if event.ActorID != uuid.Nil {
		actor := event.ActorID
		payload.ActorID = &actor
	}
	if event.Details != "" && json.Valid([]byte(event.Details)) {
		payload.Details = json.RawMessage(event.Details)
	}
	return payload
}

// ActivityStream tails the marketplace audit trail over a websocket. The
// optional since parameter (RFC 3339) replays older events first; entity
// restricts the feed to one kind of record.
func (s *Server) ActivityStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	cursor := time.Now().UTC()
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		cursor = parsed.UTC()
	}
	entity := strings.ToLower(strings.TrimSpace(query.Get("entity")))
	if entity != "" && !streamEntities[entity] {
		writeBadRequest(w, "entity must be one of listing, offer, order, collection")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Warn("activity stream upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	defer observability.Events().StreamOpened()()

	ctx := conn.CloseRead(r.Context())
	if err := s.streamActivity(ctx, conn, cursor, entity); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Error("activity stream failed", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamActivity(ctx context.Context, conn *websocket.Conn, since time.Time, entity string) error {
	ticker := time.NewTicker(s.streamPoll)
	defer ticker.Stop()

	cursor := market.ActivityCursor{At: since}
	for {
		events, err := s.market.Activity(ctx, cursor, streamBatchSize)
		if err != nil {
			return err
		}
		for _, event := range events {
			cursor = market.ActivityCursor{At: event.CreatedAt, AfterID: event.ID}
			if entity != "" && event.Entity != entity {
				continue
			}
			if err := writeActivity(ctx, conn, event); err != nil {
				return err
			}
			observability.Events().RecordStreamed(event.Entity)
		}
		if len(events) == streamBatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func writeActivity(ctx context.Context, conn *websocket.Conn, event models.Event) error {
	data, err := json.Marshal(activityPayloadFrom(event))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
