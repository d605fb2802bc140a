package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fiscalbridge/backend/internal/formatter"
)

var (
	// ErrDeviceUnreachable covers transport failures and timeouts.
	ErrDeviceUnreachable = errors.New("device unreachable")
	// ErrResponseMalformed covers replies the vendor contract cannot explain.
	ErrResponseMalformed = errors.New("device response malformed")
)

// DeviceResponse is the normalized reply of a vendor device. A reachable
// device that rejects the document still yields a DeviceResponse, with
// Success=false and the vendor's own error text.
type DeviceResponse struct {
	Success      bool
	FiscalNumber string
	DeviceStatus string
	ErrorMessage string
	HTTPStatus   int
	Raw          string
}

// Client executes formatted requests against a device on the tenant's LAN.
// Print and status calls carry separate timeouts: a print may legitimately
// take tens of seconds while the device cuts paper, a status probe may not.
type Client struct {
	httpClient    *http.Client
	printTimeout  time.Duration
	statusTimeout time.Duration
}

func New(printTimeout time.Duration, statusTimeout time.Duration) *Client {
	if printTimeout <= 0 {
		printTimeout = 30 * time.Second
	}
	if statusTimeout <= 0 {
		statusTimeout = 10 * time.Second
	}
	return &Client{
		httpClient:    &http.Client{},
		printTimeout:  printTimeout,
		statusTimeout: statusTimeout,
	}
}

// Execute POSTs a formatted print request and interprets the vendor reply.
func (c *Client) Execute(ctx context.Context, req *formatter.Request) (*DeviceResponse, error) {
	body, err := req.Body()
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, req, bytes.NewReader(body), c.printTimeout)
}

// Status GETs the provider's status endpoint.
func (c *Client) Status(ctx context.Context, req *formatter.Request) (*DeviceResponse, error) {
	return c.do(ctx, req, nil, c.statusTimeout)
}

func (c *Client) do(ctx context.Context, req *formatter.Request, body io.Reader, timeout time.Duration) (*DeviceResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrDeviceUnreachable, err)
	}

	parsed, err := parseVendorResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (body: %.200s)", ErrResponseMalformed, err, raw)
	}
	parsed.HTTPStatus = resp.StatusCode
	parsed.Raw = string(raw)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		parsed.Success = false
		if parsed.ErrorMessage == "" {
			parsed.ErrorMessage = fmt.Sprintf("device returned HTTP %d", resp.StatusCode)
		}
	}
	return parsed, nil
}

// vendorReply accepts the field spellings observed across the supported
// vendors: success indicator as bool or status string, fiscal number in
// snake or camel case, error under error/message/description.
type vendorReply struct {
	Success         *bool  `json:"success"`
	Status          string `json:"status"`
	FiscalNumber    string `json:"fiscal_number"`
	FiscalNumberAlt string `json:"fiscalNumber"`
	Error           string `json:"error"`
	Message         string `json:"message"`
	Description     string `json:"description"`
}

func parseVendorResponse(raw []byte) (*DeviceResponse, error) {
	var reply vendorReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}

	out := &DeviceResponse{DeviceStatus: reply.Status}

	switch {
	case reply.Success != nil:
		out.Success = *reply.Success
	case reply.Status != "":
		normalized := strings.ToLower(strings.TrimSpace(reply.Status))
		out.Success = normalized == "ok" || normalized == "success" || normalized == "done"
	default:
		return nil, errors.New("no success indicator in response")
	}

	out.FiscalNumber = reply.FiscalNumber
	if out.FiscalNumber == "" {
		out.FiscalNumber = reply.FiscalNumberAlt
	}

	out.ErrorMessage = firstNonEmpty(reply.Error, reply.Message, reply.Description)
	if out.Success {
		out.ErrorMessage = ""
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
