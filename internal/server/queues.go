package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterledger/internal/queue"
)

const defaultDeadLetterLimit = 100

type queueResponse struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Pending int    `json:"pending"`
}

func (s *Server) lookupQueue(c *gin.Context) (*queue.Queue, bool) {
	name := c.Param("queue")
	for _, q := range s.queues.All() {
		if q.Name() == name {
			return q, true
		}
	}
	AbortWithError(c, ErrNotFound)
	return nil, false
}

func (s *Server) GetQueue(c *gin.Context) {
	q, ok := s.lookupQueue(c)
	if !ok {
		return
	}
	pending, err := q.Len(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, queueResponse{Name: q.Name(), Backend: q.Backend().Name(), Pending: pending})
}

func (s *Server) ListDeadLetters(c *gin.Context) {
	q, ok := s.lookupQueue(c)
	if !ok {
		return
	}
	limit := defaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	dead, err := q.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if dead == nil {
		dead = []queue.DeadLetter{}
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": dead})
}
