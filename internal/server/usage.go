package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/meterledger/internal/usage/domain"
)

func (s *Server) RecordUsage(c *gin.Context) {
	var req usagedomain.RecordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(HeaderIdempotencyKey)
	}

	event, err := s.usageSvc.Record(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, event)
}
