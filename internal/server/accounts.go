package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	settlementdomain "github.com/smallbiznis/meterledger/internal/settlement/domain"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/db/pagination"
)

type balanceResponse struct {
	UserID  string        `json:"user_id"`
	Balance amount.Amount `json:"balance"`
}

// Settle queues a settlement in the user's lane. Settlement never runs on the
// request path.
func (s *Server) Settle(c *gin.Context) {
	userID := ownerFromPath(c)
	accepted, err := s.dispatcher.ScheduleSettlement(c.Request.Context(), userID, c.GetHeader(HeaderIdempotencyKey))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, enqueueResponse{Accepted: accepted})
}

func (s *Server) GetBalance(c *gin.Context) {
	userID := ownerFromPath(c)
	balance, err := s.settlementSvc.Balance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

func (s *Server) ListHistory(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.settlementSvc.History(c.Request.Context(), settlementdomain.ListHistoryRequest{
		UserID:     ownerFromPath(c),
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListActivities(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	status, err := parseActivityStatus(c.Query("status"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ledgerSvc.List(c.Request.Context(), ledgerdomain.ListActivitiesRequest{
		UserID:     ownerFromPath(c),
		Status:     status,
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func parseActivityStatus(value string) (ledgerdomain.Status, error) {
	switch status := ledgerdomain.Status(strings.ToLower(strings.TrimSpace(value))); status {
	case "", ledgerdomain.StatusPending, ledgerdomain.StatusSettled:
		return status, nil
	}
	return "", newValidationError("status", "invalid_status", "status must be pending or settled")
}
