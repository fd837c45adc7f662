package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/smallbiznis/pixwatch/internal/checkout/domain"
	"github.com/smallbiznis/pixwatch/pkg/db/pagination"
)

type listRecordsQuery struct {
	pagination.Pagination
	Status        string `form:"status"`
	CustomerEmail string `form:"customer_email"`
}

func (q listRecordsQuery) request() checkoutdomain.ListRequest {
	return checkoutdomain.ListRequest{
		PageToken:     q.PageToken,
		PageSize:      q.PageSize,
		Status:        strings.TrimSpace(q.Status),
		CustomerEmail: strings.TrimSpace(q.CustomerEmail),
	}
}

func (s *Server) SubmitCheckout(c *gin.Context) {
	var req checkoutdomain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.checkoutSvc.Submit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListBookings(c *gin.Context) {
	var query listRecordsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.checkoutSvc.ListBookings(c.Request.Context(), query.request())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListCases(c *gin.Context) {
	var query listRecordsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.checkoutSvc.ListCases(c.Request.Context(), query.request())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelBooking(c *gin.Context) {
	if err := s.checkoutSvc.CancelBooking(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) CancelCase(c *gin.Context) {
	if err := s.checkoutSvc.CancelCase(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
