package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/idtoken"

	"storysync/internal/notification"
	"storysync/internal/sync/domain"
	"storysync/internal/sync/repository"
	"storysync/internal/sync/usecase"
	"storysync/pkg/config"
)

// Notifier consumes decoded mailbox notifications. Implemented by
// internal/notification.
type Notifier interface {
	HandleNotification(ctx context.Context, messageID string, n notification.GmailNotification)
}

type Handler struct {
	orchestrator usecase.Orchestrator
	notifier     Notifier
	checkpoints  repository.CheckpointRepository
	ledger       repository.LedgerRepository
	retries      repository.RetryRepository
	config       *config.Config
}

func NewHandler(
	orchestrator usecase.Orchestrator,
	notifier Notifier,
	checkpoints repository.CheckpointRepository,
	ledger repository.LedgerRepository,
	retries repository.RetryRepository,
	cfg *config.Config,
) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		notifier:     notifier,
		checkpoints:  checkpoints,
		ledger:       ledger,
		retries:      retries,
		config:       cfg,
	}
}

func (h *Handler) Start(addr string) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	SetupRoutes(r, h)

	log.Printf("[API] Listening on %s", addr)
	return r.Run(addr)
}

// pushEnvelope is the wrapper Pub/Sub push delivery puts around the topic
// message. Data is base64 of the original payload.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// HandlePush accepts Pub/Sub push deliveries of mailbox notifications. The
// endpoint always returns success for well-formed envelopes, even when the
// notification is stale or for another account, so Pub/Sub does not retry
// deliveries that carry no new information.
func (h *Handler) HandlePush(c *gin.Context) {
	if h.config.PushAudience != "" {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}
		if _, err := idtoken.Validate(c.Request.Context(), token, h.config.PushAudience); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid push token"})
			return
		}
	}

	if h.notifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notification service not running"})
		return
	}

	var envelope pushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed push envelope"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message data is not valid base64"})
		return
	}

	var n notification.GmailNotification
	if err := json.Unmarshal(data, &n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message data is not a mailbox notification"})
		return
	}

	// The cycle outlives the request; acknowledge immediately.
	go h.notifier.HandleNotification(context.Background(), envelope.Message.MessageID, n)

	c.Status(http.StatusNoContent)
}

// TriggerSync lets an operator force a cycle without waiting for a
// notification.
func (h *Handler) TriggerSync(c *gin.Context) {
	go func() {
		if err := h.orchestrator.Trigger(context.Background()); err != nil {
			log.Printf("[API] Manually triggered cycle failed: %v", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "cycle triggered"})
}

// GetCheckpoint reports the persisted mailbox checkpoint.
func (h *Handler) GetCheckpoint(c *gin.Context) {
	cp, err := h.checkpoints.Get()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read checkpoint"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint": cp.String()})
}

// ResetCheckpoint force-sets the checkpoint. Operator escape hatch for a
// mailbox that was re-created or migrated.
func (h *Handler) ResetCheckpoint(c *gin.Context) {
	var body struct {
		Checkpoint string `json:"checkpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "checkpoint is required"})
		return
	}

	value, err := strconv.ParseUint(body.Checkpoint, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "checkpoint must be a decimal history id"})
		return
	}

	if err := h.checkpoints.Reset(domain.Checkpoint(value)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset checkpoint"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint": body.Checkpoint})
}

// GetLedger lists the delivery ledger.
func (h *Handler) GetLedger(c *gin.Context) {
	records, err := h.ledger.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// GetRetries lists the stories waiting for a retry.
func (h *Handler) GetRetries(c *gin.Context) {
	pending, err := h.retries.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read pending retries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retries": pending})
}
