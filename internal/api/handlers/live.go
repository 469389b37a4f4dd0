package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	apierrors "github.com/prudhvinik1/fieldsync/internal/api/errors"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/services"
	"github.com/prudhvinik1/fieldsync/internal/syncerr"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 2 * pingInterval
	writeWait      = 10 * time.Second
	maxClientFrame = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	frameSynced = "synced"
	frameError  = "error"
)

// liveFrame is a server-to-client websocket frame. Change frames carry a
// committed event; notice frames carry the feed payload in data. Only the
// synced frame carries a cursor: live events may arrive from several
// instances, so their order says nothing about sequence.
type liveFrame struct {
	Type   string              `json:"type"`
	Change *models.ChangeEvent `json:"change,omitempty"`
	Data   json.RawMessage     `json:"data,omitempty"`
	Cursor string              `json:"cursor,omitempty"`
	Error  *apierrors.Detail   `json:"error,omitempty"`
}

// clientFrame is what a client may send over the live socket.
type clientFrame struct {
	Type     string                        `json:"type"`
	Location *services.UpdateLocationInput `json:"location,omitempty"`
}

type liveSession struct {
	conn      *websocket.Conn
	sessionID uuid.UUID
	actor     models.Actor
	sub       *feed.Subscription
	replies   chan liveFrame
	logger    *slog.Logger
}

// Live handles GET /sessions/{sessionID}/live. The socket first replays the
// change log after ?cursor=, sends a synced frame, then streams live events
// and notices until either side closes.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cursor := r.URL.Query().Get("cursor")
	if _, err := feed.DecodeCursor(cursor); err != nil {
		h.fail(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	a := actor(r)
	ls := &liveSession{
		conn:      conn,
		sessionID: sessionID,
		actor:     a,
		sub:       h.Feed.Subscribe(sessionID, a.ID),
		replies:   make(chan liveFrame, 8),
		logger:    h.logger.With(slog.String("session_id", sessionID.String()), slog.String("actor", a.ID)),
	}
	defer h.Feed.Unsubscribe(ls.sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if _, err := h.Presence.Join(ctx, a, sessionID); err != nil {
		ls.logger.Warn("presence join failed", slog.Any("error", err))
	}
	defer func() {
		if err := h.Presence.Leave(context.WithoutCancel(ctx), a, sessionID); err != nil {
			ls.logger.Warn("presence leave failed", slog.Any("error", err))
		}
	}()

	go func() {
		defer cancel()
		h.readLoop(ctx, ls)
	}()

	if err := h.catchUp(ctx, ls, cursor); err != nil {
		ls.logger.Warn("live catch-up failed", slog.Any("error", err))
		_, detail := apierrors.Describe(err)
		_ = ls.write(liveFrame{Type: frameError, Error: &detail})
		return
	}

	ls.logger.Info("live session started")
	h.writeLoop(ctx, ls)
	ls.logger.Info("live session ended", slog.Any("reason", ls.sub.Err()))
}

// catchUp replays every page after cursor, then tells the client where the
// replay ended.
func (h *Handler) catchUp(ctx context.Context, ls *liveSession, cursor string) error {
	for {
		batch, err := h.Feed.ChangesSince(ctx, ls.sessionID, cursor)
		if err != nil {
			return err
		}
		for _, event := range batch.Events {
			if !ls.sub.Admit(event) {
				continue
			}
			if err := ls.write(liveFrame{Type: string(feed.MessageChange), Change: event}); err != nil {
				return err
			}
		}
		cursor = batch.NextCursor
		if !batch.HasMore {
			break
		}
	}
	return ls.write(liveFrame{Type: frameSynced, Cursor: cursor})
}

func (h *Handler) writeLoop(ctx context.Context, ls *liveSession) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ls.sub.Done():
			reason := "subscription closed"
			if err := ls.sub.Err(); err != nil {
				reason = err.Error()
			}
			ls.close(websocket.CloseTryAgainLater, reason)
			return

		case msg := <-ls.sub.C():
			frame := liveFrame{Type: string(msg.Type), Data: msg.Data}
			if msg.Type == feed.MessageChange {
				if msg.Change == nil || !ls.sub.Admit(msg.Change) {
					continue
				}
				frame.Change = msg.Change
			}
			if err := ls.write(frame); err != nil {
				return
			}

		case frame := <-ls.replies:
			if err := ls.write(frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := ls.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := h.Presence.Heartbeat(ctx, ls.actor, ls.sessionID); err != nil {
				ls.logger.Warn("presence heartbeat failed", slog.Any("error", err))
			}
		}
	}
}

// readLoop handles client frames until the socket fails or the client leaves.
// It never writes to the socket; replies go through ls.replies.
func (h *Handler) readLoop(ctx context.Context, ls *liveSession) {
	ls.conn.SetReadLimit(maxClientFrame)
	_ = ls.conn.SetReadDeadline(time.Now().Add(pongWait))
	ls.conn.SetPongHandler(func(string) error {
		return ls.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := ls.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ls.logger.Warn("live read failed", slog.Any("error", err))
			}
			return
		}
		_ = ls.conn.SetReadDeadline(time.Now().Add(pongWait))

		var err error
		switch frame.Type {
		case "heartbeat":
			err = h.Presence.Heartbeat(ctx, ls.actor, ls.sessionID)
		case "location":
			if frame.Location == nil {
				err = syncerr.Invalid("location", "is required")
				break
			}
			_, err = h.Locations.Update(ctx, ls.actor, ls.sessionID, *frame.Location)
		case "leave":
			return
		default:
			err = syncerr.Invalid("type", "unknown frame type %q", frame.Type)
		}
		if err != nil {
			ls.reply(ctx, err)
		}
	}
}

func (ls *liveSession) reply(ctx context.Context, err error) {
	status, detail := apierrors.Describe(err)
	if status == http.StatusInternalServerError {
		ls.logger.Error("live frame failed", slog.Any("error", err))
	}
	select {
	case ls.replies <- liveFrame{Type: frameError, Error: &detail}:
	case <-ctx.Done():
	}
}

func (ls *liveSession) write(frame liveFrame) error {
	_ = ls.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ls.conn.WriteJSON(frame); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			ls.logger.Debug("live write failed", slog.Any("error", err))
		}
		return err
	}
	return nil
}

func (ls *liveSession) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ls.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
