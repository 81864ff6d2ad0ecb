package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pocketledger/budget/internal/record"
	"github.com/pocketledger/budget/internal/remote"
)

type handler struct {
	repo   Repository
	logger zerolog.Logger
}

func (h *handler) routes(router *gin.Engine, secret []byte) {
	router.GET("/health", h.health)

	records := router.Group("/api/v1/owners/:owner/records", authMiddleware(secret), requireOwner())
	records.GET("", h.list)
	records.POST("", h.create)
	records.GET("/:id", h.get)
	records.PUT("/:id", h.update)
	records.DELETE("/:id", h.delete)
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, record.ErrValidation):
		abort(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, record.ErrNotFound):
		abort(c, http.StatusNotFound, err.Error())
	default:
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		abort(c, http.StatusInternalServerError, "internal error")
	}
}

func bindFields(c *gin.Context) (record.Fields, error) {
	var w remote.WireFields
	if err := c.ShouldBindJSON(&w); err != nil {
		return record.Fields{}, &record.ValidationError{Field: "body", Reason: err.Error()}
	}
	return w.Fields()
}

func (h *handler) list(c *gin.Context) {
	stored, err := h.repo.List(c.Request.Context(), c.Param("owner"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := remote.ListResponse{Records: make([]remote.WireRecord, 0, len(stored))}
	for _, s := range stored {
		out.Records = append(out.Records, remote.StoredToWire(s))
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) create(c *gin.Context) {
	f, err := bindFields(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	s, created, err := h.repo.Create(c.Request.Context(), c.Param("owner"), f, c.GetHeader(remote.IdempotencyHeader))
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, remote.StoredToWire(s))
}

func (h *handler) get(c *gin.Context) {
	s, err := h.repo.Get(c.Request.Context(), c.Param("owner"), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, remote.StoredToWire(s))
}

func (h *handler) update(c *gin.Context) {
	f, err := bindFields(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	s, err := h.repo.Update(c.Request.Context(), c.Param("owner"), c.Param("id"), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, remote.StoredToWire(s))
}

func (h *handler) delete(c *gin.Context) {
	if err := h.repo.Delete(c.Request.Context(), c.Param("owner"), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// requestLogger logs each request through zerolog.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
