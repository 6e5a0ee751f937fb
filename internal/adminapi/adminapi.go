// Package adminapi exposes two HTTP surfaces over the broker core: a
// webhook ingestion endpoint that turns inbound Telegram updates into
// internal/events.Event values the internal/batcher.Batcher can consume
// as a producer, and a set of bearer-token-protected introspection/
// control endpoints for operators. Grounded on
// plugin/chat_apps/channels/telegram/webhook.go's WebhookHandler
// (request verification, update decoding) and base.go's ChatChannel
// shape, rebuilt on github.com/labstack/echo/v4 instead of a bare
// net/http handler since the access-list reload and chat-reset controls
// need a concrete transport to listen on, and echo is the one web
// framework available for it.
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/chatbroker/internal/access"
	"github.com/hrygo/chatbroker/internal/events"
	"github.com/hrygo/chatbroker/internal/expirestore"
)

// bearerAuth builds an echo middleware that requires a valid
// HMAC-signed (HS256/HS384/HS512) JWT
// in the Authorization: Bearer header, hand-rolled against
// golang-jwt/jwt/v5 directly (there is no echo-jwt dependency in the
// pack's go.mod; adding one would be an ungrounded new dependency for a
// single middleware this small).
func bearerAuth(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authz := c.Request().Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(authz, "Bearer ")
			if !ok || tokenStr == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.NewHTTPError(http.StatusUnauthorized, "unexpected signing method")
				}
				return secret, nil
			})
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			return next(c)
		}
	}
}

// Store is the subset of internal/expirestore.Store the admin
// introspection endpoint reports on.
type Store interface {
	Count() int
	Keys() []string
	Remove(key string)
}

var _ Store = (*expirestore.Store)(nil)

// Server wraps an echo.Echo exposing the webhook + admin surfaces.
type Server struct {
	echo   *echo.Echo
	logger *slog.Logger

	events chan events.Event

	store     Store
	allowed   *access.List
	premium   *access.List
	orderSeq  int64
	jwtSecret []byte
}

// Config configures a Server.
type Config struct {
	Store          Store
	AllowedList    *access.List
	PremiumList    *access.List
	JWTSecret      string
	EventQueueSize int // default 1024
}

// New builds a Server. A blank JWTSecret disables the admin group's auth
// middleware entirely (development convenience only — operators must
// set one in any deployment reachable from outside localhost).
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventQueueSize == 0 {
		cfg.EventQueueSize = 1024
	}
	s := &Server{
		echo:      echo.New(),
		logger:    logger,
		events:    make(chan events.Event, cfg.EventQueueSize),
		store:     cfg.Store,
		allowed:   cfg.AllowedList,
		premium:   cfg.PremiumList,
		jwtSecret: []byte(cfg.JWTSecret),
	}
	s.echo.HideBanner = true
	s.echo.Use(middleware.Recover())
	s.routes()
	return s
}

// Events returns the channel of ingested events, to be passed as one of
// internal/batcher.Batcher.Run's producer channels.
func (s *Server) Events() <-chan events.Event { return s.events }

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.POST("/webhook/telegram", s.handleTelegramWebhook)

	admin := s.echo.Group("/admin")
	if len(s.jwtSecret) > 0 {
		admin.Use(bearerAuth(s.jwtSecret))
	}
	admin.GET("/stats", s.handleStats)
	admin.POST("/chats/:id/reset", s.handleResetChat)
	admin.POST("/access/reload", s.handleReloadAccess)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleTelegramWebhook decodes a Telegram Update, maps it to an
// internal/events.Event, and enqueues it for the batcher. Mirrors
// WebhookHandler.HandleWebhook's decode step but stops at producing the
// broker's own Event type rather than a chat_apps.IncomingMessage — this
// package has no concept of a generic multi-platform IncomingMessage; the
// concrete messenger transport stays out of the broker core.
func (s *Server) handleTelegramWebhook(c echo.Context) error {
	var update tgbotapi.Update
	if err := json.NewDecoder(c.Request().Body).Decode(&update); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid update payload"})
	}

	ev, ok := telegramUpdateToEvent(&update, s.nextOrderID())
	if !ok {
		// Updates this broker doesn't model (e.g. inline queries) are
		// acknowledged but dropped, matching Telegram's own
		// fire-and-forget webhook contract.
		return c.NoContent(http.StatusOK)
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Warn("adminapi: event queue full, dropping update", "chat_id", ev.ChatID)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) nextOrderID() int64 {
	s.orderSeq++
	return s.orderSeq
}

// telegramUpdateToEvent maps a tgbotapi.Update to one internal
// events.Event, classifying commands, button callbacks and plain
// messages ("Event kinds").
func telegramUpdateToEvent(u *tgbotapi.Update, orderID int64) (events.Event, bool) {
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		chatID := ""
		if cq.Message != nil && cq.Message.Chat != nil {
			chatID = strconv.FormatInt(cq.Message.Chat.ID, 10)
		}
		return events.Event{
			ChatID:   chatID,
			OrderID:  orderID,
			Kind:     events.KindAction,
			Username: cq.From.UserName,
			ActionID: cq.Data,
		}, chatID != ""

	case u.Message != nil && u.Message.Chat != nil:
		m := u.Message
		chatID := strconv.FormatInt(m.Chat.ID, 10)
		username := m.From.UserName
		if strings.HasPrefix(m.Text, "/") {
			name, args, _ := strings.Cut(strings.TrimPrefix(m.Text, "/"), " ")
			return events.Event{
				ChatID:   chatID,
				OrderID:  orderID,
				Kind:     events.KindCommand,
				Username: username,
				Command:  name,
				Args:     args,
			}, true
		}
		return events.Event{
			ChatID:   chatID,
			OrderID:  orderID,
			Kind:     events.KindMessage,
			Username: username,
			Content:  []events.ContentItem{{Kind: events.ContentText, Text: m.Text}},
		}, true

	default:
		return events.Event{}, false
	}
}

// handleStats reports the expiring store's entry count and keys for
// operators ("externally observable" surface is otherwise
// nonexistent — this is the one read-only window into runtime state).
func (s *Server) handleStats(c echo.Context) error {
	resp := map[string]any{
		"chat_state_count": 0,
	}
	if s.store != nil {
		resp["chat_state_count"] = s.store.Count()
		resp["chat_state_keys"] = s.store.Keys()
	}
	return c.JSON(http.StatusOK, resp)
}

// handleResetChat removes a chat's cached history and UI state from the
// expiring store, without requiring the operator to wait for natural
// expiration. The chat's state machine lives in its Session, not in the
// store, and keeps its current state.
func (s *Server) handleResetChat(c echo.Context) error {
	id := c.Param("id")
	if s.store != nil {
		s.store.Remove(id + "_state")
	}
	return c.JSON(http.StatusOK, map[string]string{"chat_id": id, "status": "reset"})
}

// handleReloadAccess forces the next admission check to re-read
// ids.txt/premium_ids.txt from disk 
func (s *Server) handleReloadAccess(c echo.Context) error {
	if s.allowed != nil {
		s.allowed.Reload()
	}
	if s.premium != nil {
		s.premium.Reload()
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reloaded"})
}

// IssueAdminToken mints a JWT bearer token for the admin group, signed
// with the server's configured secret. Exported for Go callers; no HTTP
// route or cmd/chatbroker command exposes it.
func (s *Server) IssueAdminToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// Start runs the echo server on addr until the process exits; callers
// typically run it in its own goroutine alongside internal/batcher.Run.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops the HTTP server via echo.Close, closing listeners and
// active connections at once without waiting for in-flight requests.
func (s *Server) Shutdown() error {
	return s.echo.Close()
}
