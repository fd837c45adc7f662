package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/smallbiznis/pixwatch/internal/checkout/domain"
	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/config"
	"github.com/smallbiznis/pixwatch/internal/observability"
	paymentdomain "github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/internal/payment/gateway"
	"github.com/smallbiznis/pixwatch/internal/payment/liveevents"
	"github.com/smallbiznis/pixwatch/internal/payment/watch"
	"github.com/smallbiznis/pixwatch/internal/ratelimit"
	recorddomain "github.com/smallbiznis/pixwatch/internal/record/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCheckoutService struct {
	submitErr error
	cancelErr error
	listReq   checkoutdomain.ListRequest
	submits   int
}

func (f *fakeCheckoutService) Submit(ctx context.Context, req checkoutdomain.Request) (checkoutdomain.Response, error) {
	f.submits++
	if f.submitErr != nil {
		return checkoutdomain.Response{}, f.submitErr
	}
	return checkoutdomain.Response{
		Kind:     req.Kind,
		RecordID: "100",
		ChargeID: "pay_1",
		Status:   "PENDING",
		Tracking: true,
	}, nil
}

func (f *fakeCheckoutService) ListBookings(ctx context.Context, req checkoutdomain.ListRequest) (checkoutdomain.ListBookingsResponse, error) {
	f.listReq = req
	return checkoutdomain.ListBookingsResponse{}, nil
}

func (f *fakeCheckoutService) ListCases(ctx context.Context, req checkoutdomain.ListRequest) (checkoutdomain.ListCasesResponse, error) {
	f.listReq = req
	return checkoutdomain.ListCasesResponse{}, nil
}

func (f *fakeCheckoutService) CancelBooking(ctx context.Context, id string) error {
	return f.cancelErr
}

func (f *fakeCheckoutService) CancelCase(ctx context.Context, id string) error {
	return f.cancelErr
}

type fakeWatcher struct {
	sessions   map[paymentdomain.ChargeID]watch.Snapshot
	confirmErr error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{sessions: make(map[paymentdomain.ChargeID]watch.Snapshot)}
}

func (f *fakeWatcher) Watch(ctx context.Context, id paymentdomain.ChargeID) (watch.Snapshot, error) {
	if snap, ok := f.sessions[id]; ok {
		return snap, nil
	}
	snap := watch.Snapshot{ChargeID: id.String(), Tracking: true, ConnectionType: "stream", State: "streaming"}
	f.sessions[id] = snap
	return snap, nil
}

func (f *fakeWatcher) Snapshot(id paymentdomain.ChargeID) (watch.Snapshot, error) {
	snap, ok := f.sessions[id]
	if !ok {
		return watch.Snapshot{}, watch.ErrSessionNotFound
	}
	return snap, nil
}

func (f *fakeWatcher) Stop(id paymentdomain.ChargeID) bool {
	_, ok := f.sessions[id]
	delete(f.sessions, id)
	return ok
}

func (f *fakeWatcher) Reset(ctx context.Context, id paymentdomain.ChargeID) (watch.Snapshot, error) {
	delete(f.sessions, id)
	return f.Watch(ctx, id)
}

func (f *fakeWatcher) ConfirmManually(ctx context.Context, id paymentdomain.ChargeID) (watch.ConfirmResult, error) {
	if f.confirmErr != nil {
		return watch.ConfirmResult{}, f.confirmErr
	}
	return watch.ConfirmResult{ChargeID: id.String(), Status: "CONFIRMED", Result: watch.ConfirmResultPaid}, nil
}

type testServer struct {
	srv      *Server
	checkout *fakeCheckoutService
	watcher  *fakeWatcher
	events   *liveevents.Hub
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		checkout: &fakeCheckoutService{},
		watcher:  newFakeWatcher(),
		events:   liveevents.NewHub(),
	}
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ts.srv = NewServer(ServerParams{
		Gin:         NewEngine(observability.Config{Environment: "test"}, cfg.CORSOrigins),
		Cfg:         cfg,
		CheckoutSvc: ts.checkout,
		Watcher:     ts.watcher,
		Events:      ts.events,
		Guard:       ratelimit.NewPaymentGuard(cfg, nil, clk),
	})
	return ts
}

func (ts *testServer) do(method, path string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, config.Config{CORSOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/checkout", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(http.MethodGet, "/api/nope", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Type)
}

func TestSubmitCheckout(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(http.MethodPost, "/api/checkout", `{"kind":"booking","customer":{"name":"Ana","email":"ana@example.com"},"service_name":"Consulta","amount_cents":15000}`)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Data checkoutdomain.Response `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pay_1", resp.Data.ChargeID)
	assert.Equal(t, recorddomain.KindBooking, resp.Data.Kind)
	assert.True(t, resp.Data.Tracking)
}

func TestSubmitCheckoutMalformedBody(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(http.MethodPost, "/api/checkout", `{"kind":`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "request", payload.Errors[0].Field)
	assert.Zero(t, ts.checkout.submits)
}

func TestSubmitCheckoutErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		errType  string
		errField string
	}{
		{name: "validation", err: checkoutdomain.ErrInvalidEmail, status: http.StatusBadRequest, errType: "validation_error", errField: "email"},
		{name: "rejected", err: &gateway.APIError{StatusCode: http.StatusBadRequest, Message: "invalid document"}, status: http.StatusUnprocessableEntity, errType: "payment_rejected"},
		{name: "upstream", err: &gateway.APIError{StatusCode: http.StatusBadGateway}, status: http.StatusBadGateway, errType: "upstream_error"},
		{name: "unconfigured", err: gateway.ErrMissingBaseURL, status: http.StatusServiceUnavailable, errType: "service_unavailable"},
		{name: "duplicate", err: recorddomain.ErrDuplicatePayment, status: http.StatusConflict, errType: "conflict"},
		{name: "unknown", err: assert.AnError, status: http.StatusInternalServerError, errType: "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, config.Config{})
			ts.checkout.submitErr = tc.err

			w := ts.do(http.MethodPost, "/api/checkout", `{"kind":"case"}`)

			assert.Equal(t, tc.status, w.Code)
			payload := decodeError(t, w)
			assert.Equal(t, tc.errType, payload.Type)
			if tc.errField != "" {
				require.Len(t, payload.Errors, 1)
				assert.Equal(t, tc.errField, payload.Errors[0].Field)
			}
		})
	}
}

func TestCheckoutRateLimit(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{CheckoutRate: 0.5, CheckoutBurst: 1}}
	ts := newTestServer(t, cfg)
	body := `{"kind":"booking"}`

	first := ts.do(http.MethodPost, "/api/checkout", body)
	require.Equal(t, http.StatusCreated, first.Code)

	second := ts.do(http.MethodPost, "/api/checkout", body)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "2", second.Header().Get("Retry-After"))
	assert.Equal(t, rateLimitReasonClientRate, second.Header().Get("X-Rate-Limited-Reason"))
	assert.Equal(t, "rate_limited", decodeError(t, second).Type)
	assert.Equal(t, 1, ts.checkout.submits)
}

func TestListBookingsPassesFilters(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(http.MethodGet, "/api/bookings?status=PENDING&customer_email=%20ana@example.com&page_size=5&page_token=abc", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, checkoutdomain.ListRequest{
		PageToken:     "abc",
		PageSize:      5,
		Status:        "PENDING",
		CustomerEmail: "ana@example.com",
	}, ts.checkout.listReq)
}

func TestCancelCaseSettled(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.checkout.cancelErr = checkoutdomain.ErrRecordSettled

	w := ts.do(http.MethodDelete, "/api/cases/42", "")

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelBooking(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(http.MethodDelete, "/api/bookings/42", "")

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPaymentLifecycleRoutes(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(http.MethodGet, "/api/payments/pay_1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodPost, "/api/payments/pay_1/watch", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(http.MethodGet, "/api/payments/pay_1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data watch.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pay_1", resp.Data.ChargeID)
	assert.Equal(t, "stream", resp.Data.ConnectionType)

	w = ts.do(http.MethodPost, "/api/payments/pay_1/reset", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(http.MethodDelete, "/api/payments/pay_1/tracking", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodDelete, "/api/payments/pay_1/tracking", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfirmPayment(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(http.MethodPost, "/api/payments/pay_1/confirm", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data watch.ConfirmResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, watch.ConfirmResultPaid, resp.Data.Result)

	ts.watcher.confirmErr = watch.ErrConfirmationInFlight
	w = ts.do(http.MethodPost, "/api/payments/pay_1/confirm", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "confirmation_in_flight", decodeError(t, w).Type)
}

func TestStreamPaymentEventsReplaysBacklog(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.events.Publish(liveevents.LiveEvent{ChargeID: "pay_1", Type: liveevents.EventStatus, Status: "PENDING", ConnectionType: "stream"})
	ts.events.Publish(liveevents.LiveEvent{ChargeID: "pay_1", Type: liveevents.EventPaid, Status: "CONFIRMED", ReceiptURL: "https://r"})

	w := ts.do(http.MethodGet, "/api/payments/pay_1/events", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, liveevents.EventStatus, events[0].Type)
	assert.Equal(t, liveevents.EventPaid, events[1].Type)
	assert.Equal(t, "https://r", events[1].ReceiptURL)
	assert.True(t, strings.HasPrefix(w.Body.String(), "retry: 2000\n\n"))
}

func TestStreamPaymentEventsRelaysLiveEvents(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	_, err := ts.watcher.Watch(context.Background(), "pay_2")
	require.NoError(t, err)
	httpSrv := httptest.NewServer(ts.srv.Engine())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/api/payments/pay_2/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "retry: 2000\n", line)

	ts.events.Publish(liveevents.LiveEvent{ChargeID: "pay_2", Type: liveevents.EventStatus, Status: "PENDING"})
	ts.events.Publish(liveevents.LiveEvent{ChargeID: "pay_2", Type: liveevents.EventFailed, Status: "OVERDUE"})

	var types []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var event liveevents.LiveEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &event))
			types = append(types, event.Type)
		}
	}
	assert.Equal(t, []string{liveevents.EventStatus, liveevents.EventFailed}, types)
}

func TestStreamPaymentEventsUnknownCharge(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(http.MethodGet, "/api/payments/pay_unknown/events", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0, ts.events.Streams())
}

func TestStreamPaymentEventsWithoutHub(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	ts.srv.events = nil

	w := ts.do(http.MethodGet, "/api/payments/pay_1/events", "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestClassifyErrorForLog(t *testing.T) {
	errType, code := classifyErrorForLog(checkoutdomain.ErrInvalidAmount)
	assert.Equal(t, "validation_error", errType)
	assert.Equal(t, "invalid_amount", code)

	errType, code = classifyErrorForLog(watch.ErrManagerClosed)
	assert.Equal(t, "service_unavailable", errType)
	assert.Empty(t, code)
}

func parseSSE(t *testing.T, body string) []liveevents.LiveEvent {
	t.Helper()
	var events []liveevents.LiveEvent
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var event liveevents.LiveEvent
		require.NoError(t, json.Unmarshal([]byte(data), &event))
		events = append(events, event)
	}
	return events
}
