package sse

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kizunalab/kizuna-server/cache"
	"github.com/kizunalab/kizuna-server/config"
	mw "github.com/kizunalab/kizuna-server/middleware"
	"github.com/kizunalab/kizuna-server/model"
	"github.com/kizunalab/kizuna-server/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const announceChannel = "announce"

// Handler handles the SSE endpoint.
type Handler struct {
	db        *gorm.DB
	pubsub    cache.PubSub
	publisher *notify.Publisher
	sec       config.SecurityConfig
	c         cache.Cache
	logger    *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(db *gorm.DB, pubsub cache.PubSub, publisher *notify.Publisher, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	return &Handler{db: db, pubsub: pubsub, publisher: publisher, c: c, sec: sec, logger: logger}
}

// ServeSSE handles GET /sse?token=<jwt>.
// It streams journey events for every relationship the authenticated account
// is a party to, plus system announcements. On connect the cached recent
// backlog is replayed so a client that reconnects misses nothing visible.
func (h *Handler) ServeSSE(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	exists, err := h.c.Exists(ctx, "session:"+tokenStr)
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}

	var rels []model.Relationship
	err = h.db.Select("id").
		Where("initiator_id = ? OR partner_id = ?", claims.AccountID, claims.AccountID).
		Find(&rels).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// Set SSE headers.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	channels := make([]string, 0, len(rels)+1)
	channels = append(channels, announceChannel)
	for _, rel := range rels {
		channels = append(channels, notify.RelationshipChannel(rel.ID))
	}
	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, channels...)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer unsub()

	// Send initial connected event.
	fmt.Fprintf(c.Writer, "event: connected\ndata: {}\n\n")
	c.Writer.Flush()

	// Replay the cached backlog, oldest first.
	for _, rel := range rels {
		recent, err := h.publisher.Recent(c.Request.Context(), rel.ID)
		if err != nil {
			continue
		}
		for i := len(recent) - 1; i >= 0; i-- {
			fmt.Fprintf(c.Writer, "event: journey\ndata: %s\n\n", recent[i])
		}
	}
	c.Writer.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			event := "journey"
			if msg.Channel == announceChannel {
				event = "announce"
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

// Announce publishes an announcement message to all SSE subscribers.
func (h *Handler) Announce(ctx context.Context, message string) error {
	return h.pubsub.Publish(ctx, announceChannel, message)
}
