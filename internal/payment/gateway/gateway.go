// Package gateway is the HTTP client for the hosted payment backend.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/pixwatch/internal/config"
	"github.com/smallbiznis/pixwatch/internal/payment/domain"
	"github.com/smallbiznis/pixwatch/pkg/log/ctxlogger"
	"github.com/smallbiznis/pixwatch/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxErrorBody          = 4 << 10
)

var ErrMissingBaseURL = errors.New("payments_base_url_required")

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("payment backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("payment backend returned %d: %s", e.StatusCode, e.Message)
}

// Customer identifies the payer of a charge.
type Customer struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Document string `json:"cpfCnpj,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// CheckoutRequest is the body of the checkout submission endpoint.
type CheckoutRequest struct {
	Customer    Customer       `json:"customer"`
	Value       float64        `json:"value"`
	ServiceCode string         `json:"serviceCode"`
	Description string         `json:"description,omitempty"`
	Reference   string         `json:"externalReference,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Charge is a created PIX charge with its presentable payment payload.
type Charge struct {
	ID             domain.ChargeID      `json:"id"`
	Status         domain.PaymentStatus `json:"status"`
	Value          float64              `json:"value"`
	QRCodeImage    string               `json:"encodedImage"`
	CopyPaste      string               `json:"payload"`
	ExpirationDate string               `json:"expirationDate,omitempty"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) (*Client, error) {
	return NewWithHTTPClient(cfg.Payments, nil, log)
}

func NewWithHTTPClient(cfg config.PaymentsConfig, httpClient *http.Client, log *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse payments base url: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    httpClient,
		log:     log.Named("gateway"),
	}, nil
}

// FetchStatus calls GET {base}/payments/{id}/status.
func (c *Client) FetchStatus(ctx context.Context, chargeID domain.ChargeID) (domain.StatusResponse, error) {
	var out domain.StatusResponse
	if !chargeID.Valid() {
		return out, domain.ErrInvalidChargeID
	}
	err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(chargeID.String())+"/status", nil, &out)
	return out, err
}

// CreateCharge calls POST {base}/payments/pix.
func (c *Client) CreateCharge(ctx context.Context, req CheckoutRequest) (Charge, error) {
	var out Charge
	if err := c.do(ctx, http.MethodPost, "/payments/pix", req, &out); err != nil {
		return Charge{}, err
	}
	if !out.ID.Valid() {
		return Charge{}, fmt.Errorf("create charge: %w", domain.ErrInvalidChargeID)
	}
	return out, nil
}

// RequestManualConfirmation calls POST {base}/payments/{id}/confirm, asking the
// backend to re-check the charge out of band.
func (c *Client) RequestManualConfirmation(ctx context.Context, chargeID domain.ChargeID) (domain.StatusResponse, error) {
	var out domain.StatusResponse
	if !chargeID.Valid() {
		return out, domain.ErrInvalidChargeID
	}
	err := c.do(ctx, http.MethodPost, "/payments/"+url.PathEscape(chargeID.String())+"/confirm", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (err error) {
	ctx, span := otel.Tracer("pixwatch/gateway").Start(ctx, "gateway "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", path),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "gateway request failed")
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if cid := correlation.ExtractCorrelationID(ctx); cid != "" {
		req.Header.Set("X-Correlation-Id", cid)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	ctxlogger.WithContext(ctx, c.log).Debug("gateway.request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Errors  []struct {
			Description string `json:"description"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw))
	}
	switch {
	case body.Error != "":
		return body.Error
	case body.Message != "":
		return body.Message
	case len(body.Errors) > 0:
		return body.Errors[0].Description
	default:
		return ""
	}
}

var _ domain.StatusFetcher = (*Client)(nil)
