package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/josh-kwaku/crossledger/internal/logging"
	"github.com/josh-kwaku/crossledger/internal/metrics"
)

// RelayClient talks to the external signing relay that holds the keys for a
// ledger. The relay deduplicates on Reference, so a resubmission after an
// unknown outcome returns the original hash.
type RelayClient struct {
	network    string
	baseURL    string
	httpClient *http.Client
}

func NewRelayClient(network, baseURL string, timeout time.Duration) *RelayClient {
	return &RelayClient{
		network: network,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type relayTransferPayload struct {
	Network        string  `json:"network"`
	Reference      string  `json:"reference"`
	From           string  `json:"from"`
	To             string  `json:"to"`
	Amount         string  `json:"amount"`
	Asset          string  `json:"asset"`
	DestinationTag *uint32 `json:"destination_tag,omitempty"`
	Memo           string  `json:"memo,omitempty"`
}

type relayRefundPayload struct {
	Network        string `json:"network"`
	Reference      string `json:"reference"`
	OriginalTxHash string `json:"original_tx_hash"`
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         string `json:"amount"`
	Asset          string `json:"asset"`
}

type relayResponse struct {
	TxHash string `json:"tx_hash"`
}

type relayErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *RelayClient) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	payload := relayTransferPayload{
		Network:        c.network,
		Reference:      req.Reference,
		From:           req.From,
		To:             req.To,
		Amount:         req.Amount.String(),
		Asset:          req.Asset,
		DestinationTag: req.DestinationTag,
		Memo:           req.Memo,
	}

	hash, status, errBody, err := c.post(ctx, "/v1/transfers", req.Reference, payload)
	if err != nil {
		return nil, c.fail("submit", &SubmissionError{Ledger: c.network, Err: fmt.Errorf("Submit: %w", err)})
	}
	if status >= 400 && status < 500 {
		return nil, c.fail("submit", &RejectedError{Ledger: c.network, Code: errBody.Code, Reason: errBody.Message})
	}
	return &SubmitResult{TxHash: hash}, nil
}

func (c *RelayClient) Refund(ctx context.Context, req RefundRequest) (*SubmitResult, error) {
	payload := relayRefundPayload{
		Network:        c.network,
		Reference:      req.Reference,
		OriginalTxHash: req.OriginalTxHash,
		From:           req.To,
		To:             req.From,
		Amount:         req.Amount.String(),
		Asset:          req.Asset,
	}

	hash, status, errBody, err := c.post(ctx, "/v1/refunds", req.Reference, payload)
	if err != nil {
		return nil, c.fail("refund", &SubmissionError{Ledger: c.network, Err: fmt.Errorf("Refund: %w", err)})
	}
	switch {
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return nil, c.fail("refund", &RefundError{Ledger: c.network, OriginalTxHash: req.OriginalTxHash, Reason: errBody.Code + ": " + errBody.Message})
	case status >= 400:
		// Other refusals say nothing about whether the original can be reversed.
		return nil, c.fail("refund", &SubmissionError{
			Ledger: c.network,
			Err:    fmt.Errorf("Refund: status %d: %s: %s", status, errBody.Code, errBody.Message),
		})
	}
	return &SubmitResult{TxHash: hash}, nil
}

func (c *RelayClient) fail(op string, err error) error {
	metrics.LedgerCallErrors.WithLabelValues(c.network, op, ErrorKind(err)).Inc()
	return err
}

// post returns a non-nil error only when the outcome is unknown. Definite
// 4xx refusals come back as status plus the decoded error body.
func (c *RelayClient) post(ctx context.Context, path, reference string, payload any) (string, int, relayErrorBody, error) {
	log := logging.FromContext(ctx)
	var errBody relayErrorBody

	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, errBody, fmt.Errorf("post: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", 0, errBody, fmt.Errorf("post: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", reference)

	start := time.Now()
	log.Info("relay request sent", "network", c.network, "path", path, "reference", reference)

	resp, err := c.httpClient.Do(httpReq)
	metrics.ObserveLedgerCall(c.network, path, start)
	if err != nil {
		return "", 0, errBody, fmt.Errorf("post: send: %w", err)
	}
	defer resp.Body.Close()

	log.Info("relay response received",
		"network", c.network,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", 0, errBody, fmt.Errorf("post: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusCreated:
		var out relayResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return "", 0, errBody, fmt.Errorf("post: decode response: %w", err)
		}
		if out.TxHash == "" {
			return "", 0, errBody, errors.New("post: relay returned empty tx_hash")
		}
		return out.TxHash, resp.StatusCode, errBody, nil
	case transientStatus(resp.StatusCode):
		return "", 0, errBody, fmt.Errorf("post: transient status %d: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		if err := json.Unmarshal(respBody, &errBody); err != nil || errBody.Code == "" {
			errBody.Code = http.StatusText(resp.StatusCode)
			errBody.Message = string(respBody)
		}
		return "", resp.StatusCode, errBody, nil
	default:
		return "", 0, errBody, fmt.Errorf("post: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
}

// transientStatus reports 4xx replies that leave the outcome unknown.
func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return false
}
