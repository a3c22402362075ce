package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterledger/internal/authorization"
	paymentdomain "github.com/smallbiznis/meterledger/internal/payment/domain"
)

func (s *Server) RecordTopup(c *gin.Context) {
	var req paymentdomain.TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	if err := validatePaymentTarget(req.UserID, req.Reference); err != nil {
		AbortWithError(c, err)
		return
	}

	accepted, err := s.dispatcher.EnqueueTopup(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, enqueueResponse{Accepted: accepted})
}

func (s *Server) RecordPayout(c *gin.Context) {
	var req paymentdomain.PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	if err := validatePaymentTarget(req.UserID, req.Reference); err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, authorization.ObjectPayment, authorization.ActionPaymentPayout, req.UserID); err != nil {
		AbortWithError(c, err)
		return
	}

	accepted, err := s.dispatcher.EnqueuePayout(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, enqueueResponse{Accepted: accepted})
}

// validatePaymentTarget rejects requests that could never be laned or
// deduplicated. Amount checks stay with the payment service.
func validatePaymentTarget(userID, reference string) error {
	if strings.TrimSpace(userID) == "" {
		return paymentdomain.ErrInvalidUser
	}
	if strings.TrimSpace(reference) == "" {
		return paymentdomain.ErrInvalidReference
	}
	return nil
}
