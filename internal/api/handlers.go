package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/service"
	"github.com/mkravn/callfence/internal/worker"
	"go.uber.org/zap"
)

type entryService interface {
	AddUserEntry(ctx context.Context, pattern string, action core.Action, label string) (*core.Entry, error)
	RemoveUserEntry(ctx context.Context, id string) error
	UserEntries(ctx context.Context) ([]*core.Entry, error)
}

type statusService interface {
	Status(ctx context.Context) (*service.Status, error)
}

type updateQueue interface {
	Submit(ctx context.Context, job worker.Job) error
}

type handler struct {
	entries entryService
	status  statusService
	queue   updateQueue
	logger  *zap.Logger
}

const handlerTimeout = 30 * time.Second

func NewHandler(es entryService, ss statusService, q updateQueue, logger *zap.Logger) *handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &handler{entries: es, status: ss, queue: q, logger: logger}
}

func (h *handler) getStatus(c *gin.Context) {
	ctx, canc := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer canc()

	st, err := h.status.Status(ctx)
	if err != nil {
		h.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, NewStatusResponse(st))
}

func (h *handler) triggerUpdate(c *gin.Context) {
	if err := h.queue.Submit(c.Request.Context(), worker.Job{
		Kind:      worker.JobUpdate,
		Requested: "api",
	}); err != nil {
		h.errorResponse(c, err)
		return
	}
	h.logger.Info("update requested",
		zap.String("reqid", GetRequestID(c)),
	)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *handler) createEntry(c *gin.Context) {
	req := CreateEntryRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequestResponse(c, err)
		return
	}
	action, err := parseActionParam(req.Action)
	if err != nil {
		h.badRequestResponse(c, err)
		return
	}

	ctx, canc := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer canc()

	entry, err := h.entries.AddUserEntry(ctx, req.Pattern, action, req.Label)
	if err != nil {
		h.errorResponse(c, err)
		return
	}
	SetEntryID(c, entry.ID)

	// Push the new entry out without waiting for the next periodic run.
	if err := h.queue.Submit(c.Request.Context(), worker.Job{
		Kind:      worker.JobUpdate,
		Requested: "api entry add",
	}); err != nil {
		h.logger.Error("enqueue after entry add failed",
			zap.String("reqid", GetRequestID(c)),
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
	}
	c.JSON(http.StatusCreated, NewEntryResponse(entry))
}

func (h *handler) listEntries(c *gin.Context) {
	ctx, canc := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer canc()

	entries, err := h.entries.UserEntries(ctx)
	if err != nil {
		h.errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, NewEntriesListResponse(entries))
}

func (h *handler) deleteEntry(c *gin.Context) {
	id := c.Param("id")
	SetEntryID(c, id)
	ctx, canc := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer canc()

	if err := h.entries.RemoveUserEntry(ctx, id); err != nil {
		h.errorResponse(c, err)
		return
	}
	if err := h.queue.Submit(c.Request.Context(), worker.Job{
		Kind:      worker.JobUpdate,
		Requested: "api entry delete",
	}); err != nil {
		h.logger.Error("enqueue after entry delete failed",
			zap.String("reqid", GetRequestID(c)),
			zap.String("entry_id", id),
			zap.Error(err),
		)
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *handler) deleteAllEntries(c *gin.Context) {
	if err := h.queue.Submit(c.Request.Context(), worker.Job{
		Kind:      worker.JobRemoveAll,
		Requested: "api",
	}); err != nil {
		h.errorResponse(c, err)
		return
	}
	h.logger.Info("remove everything requested",
		zap.String("reqid", GetRequestID(c)),
	)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *handler) badRequestResponse(c *gin.Context, err error) {
	if c != nil && err != nil {
		c.Error(err) //nolint:errcheck
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "bad request",
		"details": err.Error(),
	})
}

func (h *handler) errorResponse(c *gin.Context, err error) {
	if c != nil && err != nil {
		c.Error(err) //nolint:errcheck
	}
	if err == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal server error",
		})
		return
	}

	if appErr, ok := core.AsAppError(err); ok {
		s := appErr.HTTPStatus()
		p := gin.H{
			"error": appErr.PublicMessage(),
			"code":  appErr.Code,
		}
		if appErr.SafeToShow {
			switch {
			case appErr.Err != nil:
				p["details"] = appErr.Err.Error()
			case appErr.Message != "":
				p["details"] = appErr.Message
			}
		}
		h.logger.Warn("handler error",
			zap.String("reqid", GetRequestID(c)),
			zap.String("entry_id", GetEntryID(c)),
			zap.String("error", err.Error()),
		)
		c.AbortWithStatusJSON(s, p)
		return
	}

	h.logger.Error("handler unknown error",
		zap.String("reqid", GetRequestID(c)),
		zap.String("entry_id", GetEntryID(c)),
		zap.String("error", err.Error()),
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error": "internal server error",
	})
}
