package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/pkg/log/ctxlogger"
)

func chargeIDParam(c *gin.Context) (paymentdomain.ChargeID, bool) {
	id := paymentdomain.ChargeID(strings.TrimSpace(c.Param("id")))
	if !id.Valid() {
		AbortWithError(c, paymentdomain.ErrInvalidChargeID)
		return "", false
	}
	c.Request = c.Request.WithContext(ctxlogger.ContextWithChargeID(c.Request.Context(), id.String()))
	return id, true
}

func (s *Server) GetPayment(c *gin.Context) {
	id, ok := chargeIDParam(c)
	if !ok {
		return
	}

	snap, err := s.watcher.Snapshot(id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": snap})
}

func (s *Server) WatchPayment(c *gin.Context) {
	id, ok := chargeIDParam(c)
	if !ok {
		return
	}

	snap, err := s.watcher.Watch(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": snap})
}

func (s *Server) ConfirmPayment(c *gin.Context) {
	id, ok := chargeIDParam(c)
	if !ok {
		return
	}

	resp, err := s.watcher.ConfirmManually(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) StopPaymentTracking(c *gin.Context) {
	id, ok := chargeIDParam(c)
	if !ok {
		return
	}

	if !s.watcher.Stop(id) {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"charge_id": id.String(), "stopped": true}})
}

func (s *Server) ResetPaymentTracking(c *gin.Context) {
	id, ok := chargeIDParam(c)
	if !ok {
		return
	}

	snap, err := s.watcher.Reset(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": snap})
}
