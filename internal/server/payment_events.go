package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/internal/payment/liveevents"
	"github.com/smallbiznis/pixwatch/internal/payment/watch"
)

// StreamPaymentEvents relays tracking events for one charge as server-sent
// events. The backlog is replayed first; the stream ends after a terminal event.
// Charges with neither a session nor a backlog are not found.
func (s *Server) StreamPaymentEvents(c *gin.Context) {
	if s.events == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	chargeID := strings.TrimSpace(c.Param("id"))
	if chargeID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	if _, err := s.watcher.Snapshot(paymentdomain.ChargeID(chargeID)); err != nil {
		if !errors.Is(err, watch.ErrSessionNotFound) {
			AbortWithError(c, err)
			return
		}
		if !s.events.HasBacklog(chargeID) {
			AbortWithError(c, err)
			return
		}
	}

	subscription, backlog, err := s.events.Subscribe(chargeID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}

	for _, event := range backlog {
		if err := writePaymentEvent(writer, chargeID, event); err != nil {
			return
		}
		if event.Terminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	interval := s.heartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-subscription.Events():
			if !ok {
				return
			}
			if err := writePaymentEvent(writer, chargeID, event); err != nil {
				return
			}
			flusher.Flush()
			if event.Terminal() {
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePaymentEvent(w io.Writer, chargeID string, event liveevents.LiveEvent) error {
	payload := event
	if payload.ChargeID == "" {
		payload.ChargeID = chargeID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
