package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/keys"
)

// Handler exposes reconciliation reports.
type Handler struct {
	runner    *Runner
	authority keys.PublicKey
}

// NewHandler creates a handler. Only authority may trigger a run.
func NewHandler(runner *Runner, authority keys.PublicKey) *Handler {
	return &Handler{runner: runner, authority: authority}
}

// RegisterRoutes sets up the read-only report route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.lastReport)
}

// RegisterProtectedRoutes sets up the on-demand run route.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/run", h.trigger)
}

func (h *Handler) lastReport(c *gin.Context) {
	rep := h.runner.Last()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "no_report",
			"message": "Reconciliation has not run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

func (h *Handler) trigger(c *gin.Context) {
	signer, ok := auth.GetSigner(c)
	if !ok || signer != h.authority {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only the marketplace authority may run reconciliation",
		})
		return
	}

	rep, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
			"report":  rep,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}
