package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/meterledger/internal/billing/domain"
)

type enqueueResponse struct {
	Accepted bool `json:"accepted"`
}

// TriggerBilling queues a billing run for the pair. A repeated
// Idempotency-Key inside the dedup window is accepted=false.
func (s *Server) TriggerBilling(c *gin.Context) {
	var req billingdomain.TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	if req.SubscriberID == "" {
		AbortWithError(c, billingdomain.ErrInvalidSubscriber)
		return
	}
	if req.ResourceID == "" {
		AbortWithError(c, billingdomain.ErrInvalidResource)
		return
	}

	accepted, err := s.dispatcher.EnqueueBilling(c.Request.Context(), req, c.GetHeader(HeaderIdempotencyKey))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, enqueueResponse{Accepted: accepted})
}
