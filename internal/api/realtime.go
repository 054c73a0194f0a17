package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/terra-clan/progress-engine/internal/models"
	"github.com/terra-clan/progress-engine/internal/realtime"
	"github.com/terra-clan/progress-engine/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	outboundBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// userTables are the tables whose changes a signed-in user is told about
var userTables = []string{
	storage.TableChallengeProgress,
	storage.TableProjects,
	storage.TableStats,
	storage.TableLikes,
}

// RealtimeMessage is one frame on the realtime socket.
// Server frames: connected, change, notification, refreshed, error.
// Client frames: refresh.
type RealtimeMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

func (s *Server) handleRealtimeWS(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	// Open the trackers first so they refetch on the same changes the client sees
	if _, ok := s.session(w, r); !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	slog.Info("realtime websocket connected", "user_id", identity.MaskedUserID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan RealtimeMessage, outboundBuffer)
	push := func(msg RealtimeMessage) {
		select {
		case out <- msg:
		default:
			slog.Warn("realtime client too slow, dropping message", "user_id", identity.MaskedUserID(), "type", msg.Type)
		}
	}

	filter := realtime.Filter{UserID: identity.UserID}
	for _, table := range userTables {
		unsub, err := s.feed.Subscribe(ctx, table, filter, func(c realtime.Change) {
			push(RealtimeMessage{Type: "change", Data: c})
		})
		if err != nil {
			slog.Error("failed to subscribe realtime client", "table", table, "error", err)
			s.sendRealtimeError(conn, "failed to subscribe to changes")
			return
		}
		defer unsub()
	}

	stopListening := s.broadcaster.Listen(identity.UserID, func(n models.Notification) {
		push(RealtimeMessage{Type: "notification", Data: n})
	})
	defer stopListening()

	push(RealtimeMessage{Type: "connected", Data: map[string]string{"user_id": identity.UserID}})

	var wg sync.WaitGroup

	// Outbound frames and keepalive pings -> WebSocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		defer cancel()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-out:
				if err := s.sendRealtimeMessage(conn, msg); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					slog.Debug("failed to send ping", "error", err)
					return
				}
				// an open socket keeps the tracker session alive
				if _, err := s.registry.Get(ctx, *identity); err != nil {
					slog.Debug("failed to touch tracker session", "error", err)
				}
			}
		}
	}()

	// Client frames -> trackers
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()

		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("websocket read error", "error", err)
				}
				return
			}

			var msg RealtimeMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				slog.Debug("invalid message format", "error", err)
				continue
			}

			switch msg.Type {
			case "refresh":
				push(s.refreshSession(ctx, *identity))
			}
		}
	}()

	wg.Wait()
	slog.Info("realtime websocket disconnected", "user_id", identity.MaskedUserID())
}

// refreshSession refetches everything the user's trackers hold
func (s *Server) refreshSession(ctx context.Context, identity models.Identity) RealtimeMessage {
	sess, err := s.registry.Get(ctx, identity)
	if err != nil {
		return RealtimeMessage{Type: "error", Data: "failed to open session"}
	}

	if err := sess.Challenges.Refresh(ctx); err != nil {
		slog.Warn("manual refresh failed", "user_id", identity.MaskedUserID(), "error", err)
		return RealtimeMessage{Type: "error", Data: "refresh failed, please try again"}
	}
	if err := sess.Portfolio.Refresh(ctx); err != nil {
		slog.Warn("manual refresh failed", "user_id", identity.MaskedUserID(), "error", err)
		return RealtimeMessage{Type: "error", Data: "refresh failed, please try again"}
	}
	return RealtimeMessage{Type: "refreshed"}
}

func (s *Server) sendRealtimeMessage(conn *websocket.Conn, msg RealtimeMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal realtime message", "error", err)
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("failed to send realtime message", "error", err)
		return err
	}
	return nil
}

func (s *Server) sendRealtimeError(conn *websocket.Conn, message string) {
	s.sendRealtimeMessage(conn, RealtimeMessage{
		Type: "error",
		Data: message,
	})
}
