package webhooks

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/idgen"
)

// Handler provides HTTP endpoints for webhook management. Every route acts
// on the signer's own subscriptions.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher, logger *slog.Logger) *Handler {
	return &Handler{store: store, dispatcher: dispatcher, logger: logger}
}

// RegisterProtectedRoutes sets up signed webhook routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL string `json:"url" binding:"required"`
	// Events defaults to every event type.
	Events []string `json:"events"`
}

// CreateWebhook handles POST /webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	owner, ok := auth.GetSigner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Signed request required"})
		return
	}

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	for _, e := range req.Events {
		if !ValidEvent(e) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
				"allowed": EventTypes,
			})
			return
		}
	}
	if err := h.dispatcher.ValidateURL(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Owner:     owner,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		if errors.Is(err, ErrLimitReached) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "limit_reached",
				"message": "Webhook limit reached",
				"limit":   MaxSubscriptionsPerOwner,
			})
			return
		}
		h.logger.Error("create webhook failed", "owner", owner.Short(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // shown once
		"usage": gin.H{
			"signature": "HMAC-SHA256(secret, timestamp + \".\" + body), hex, prefixed sha256=",
			"header":    HeaderSignature,
			"timestamp": HeaderTimestamp,
		},
	})
}

// ListWebhooks handles GET /webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	owner, ok := auth.GetSigner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Signed request required"})
		return
	}

	subs, err := h.store.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		h.logger.Error("list webhooks failed", "owner", owner.Short(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /webhooks/:id. Other owners' subscriptions
// are reported as not found.
func (h *Handler) DeleteWebhook(c *gin.Context) {
	owner, ok := auth.GetSigner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Signed request required"})
		return
	}
	id := c.Param("id")

	sub, err := h.store.Get(c.Request.Context(), id)
	if err == nil && sub.Owner != owner {
		err = ErrNotFound
	}
	if err == nil {
		err = h.store.Delete(c.Request.Context(), id)
	}
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		h.logger.Error("delete webhook failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}
	h.dispatcher.Forget(id)

	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
}
