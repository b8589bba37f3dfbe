// Package xrpl implements the leg B adapter over rippled's JSON-RPC API.
// Signed submissions go through the signing relay.
package xrpl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/josh-kwaku/crossledger/internal/domain"
	"github.com/josh-kwaku/crossledger/internal/ledger"
	"github.com/josh-kwaku/crossledger/internal/metrics"
)

const (
	Name = "xrpl"

	// Seconds between the Unix epoch and the Ripple epoch (2000-01-01).
	rippleEpochOffset = 946684800
	dropsPerXRP       = 1_000_000
)

var (
	errTxNotFound     = errors.New("txnNotFound")
	errUnknownAccount = errors.New("account unknown to ledger")
)

type Config struct {
	RPCURL   string
	RelayURL string
	Timeout  time.Duration
}

type Adapter struct {
	url        string
	httpClient *http.Client
	idCounter  uint64
	relay      *ledger.RelayClient
}

func New(cfg Config) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("xrpl: rpc url is required")
	}
	if cfg.RelayURL == "" {
		return nil, errors.New("xrpl: relay url is required")
	}
	return &Adapter{
		url: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		relay: ledger.NewRelayClient(Name, cfg.RelayURL, cfg.Timeout),
	}, nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Submit(ctx context.Context, req ledger.SubmitRequest) (*ledger.SubmitResult, error) {
	return a.relay.Submit(ctx, req)
}

func (a *Adapter) Refund(ctx context.Context, req ledger.RefundRequest) (*ledger.SubmitResult, error) {
	return a.relay.Refund(ctx, req)
}

type txResult struct {
	Hash        string          `json:"hash"`
	Validated   bool            `json:"validated"`
	Account     string          `json:"Account"`
	Destination string          `json:"Destination"`
	Amount      json.RawMessage `json:"Amount"`
	Date        int64           `json:"date"`
	Type        string          `json:"TransactionType"`
	Meta        struct {
		TransactionResult string          `json:"TransactionResult"`
		DeliveredAmount   json.RawMessage `json:"delivered_amount"`
	} `json:"meta"`
}

type accountTxResult struct {
	Transactions []struct {
		Tx        txResult `json:"tx"`
		Validated bool     `json:"validated"`
		Meta      struct {
			TransactionResult string `json:"TransactionResult"`
		} `json:"meta"`
	} `json:"transactions"`
}

type issuedAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
}

func (a *Adapter) PollStatus(ctx context.Context, txHash string) (ledger.TxStatus, error) {
	var out txResult
	err := a.call(ctx, "tx", map[string]any{"transaction": txHash, "binary": false}, &out)
	if errors.Is(err, errTxNotFound) {
		return ledger.TxStatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("PollStatus: %w", err)
	}
	if !out.Validated {
		return ledger.TxStatusPending, nil
	}
	if out.Meta.TransactionResult != "tesSUCCESS" {
		return ledger.TxStatusFailed, nil
	}
	return ledger.TxStatusConfirmed, nil
}

func (a *Adapter) ListTransactions(ctx context.Context, address string, limit int) ([]domain.LedgerTx, error) {
	params := map[string]any{
		"account":          address,
		"limit":            limit,
		"ledger_index_min": -1,
		"ledger_index_max": -1,
		"forward":          false,
	}

	var out accountTxResult
	if err := a.call(ctx, "account_tx", params, &out); err != nil {
		if errors.Is(err, errUnknownAccount) {
			return nil, nil
		}
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}

	txs := make([]domain.LedgerTx, 0, len(out.Transactions))
	for _, entry := range out.Transactions {
		tx := entry.Tx
		if tx.Type != "Payment" || !entry.Validated || entry.Meta.TransactionResult != "tesSUCCESS" {
			continue
		}
		amount, asset, err := parseAmount(tx.Amount)
		if err != nil {
			continue
		}

		dir := domain.DirectionIn
		if tx.Account == address {
			dir = domain.DirectionOut
		}
		txs = append(txs, domain.LedgerTx{
			Address:   address,
			TxHash:    tx.Hash,
			Ledger:    Name,
			Amount:    amount,
			Asset:     asset,
			Timestamp: fromRippleTime(tx.Date),
			Direction: dir,
		})
	}
	return txs, nil
}

func (a *Adapter) Health(ctx context.Context) (*ledger.Health, error) {
	start := time.Now()
	var out struct {
		LedgerCurrentIndex int64 `json:"ledger_current_index"`
	}
	if err := a.call(ctx, "ledger_current", map[string]any{}, &out); err != nil {
		return nil, fmt.Errorf("Health: %w", err)
	}
	return &ledger.Health{
		Ledger:    Name,
		Height:    out.LedgerCurrentIndex,
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}, nil
}

// parseAmount handles both native XRP (a string of drops) and issued
// currency amounts.
func parseAmount(raw json.RawMessage) (decimal.Decimal, string, error) {
	var drops string
	if err := json.Unmarshal(raw, &drops); err == nil {
		d, err := decimal.NewFromString(drops)
		if err != nil {
			return decimal.Zero, "", fmt.Errorf("parseAmount: %w", err)
		}
		return d.Div(decimal.NewFromInt(dropsPerXRP)), "XRP", nil
	}

	var issued issuedAmount
	if err := json.Unmarshal(raw, &issued); err != nil {
		return decimal.Zero, "", fmt.Errorf("parseAmount: %w", err)
	}
	d, err := decimal.NewFromString(issued.Value)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("parseAmount: %w", err)
	}
	return d, issued.Currency, nil
}

func fromRippleTime(sec int64) time.Time {
	return time.Unix(sec+rippleEpochOffset, 0).UTC()
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     uint64 `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (a *Adapter) call(ctx context.Context, method string, params map[string]any, result any) error {
	id := atomic.AddUint64(&a.idCounter, 1)
	payload, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}, ID: id})
	if err != nil {
		return fmt.Errorf("call %s: marshal: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("call %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	metrics.ObserveLedgerCall(Name, method, start)
	if err != nil {
		metrics.LedgerCallErrors.WithLabelValues(Name, method, "network").Inc()
		return fmt.Errorf("call %s: send: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.LedgerCallErrors.WithLabelValues(Name, method, "status").Inc()
		return fmt.Errorf("call %s: rpc status %d", method, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("call %s: decode: %w", method, err)
	}
	if len(decoded.Result) == 0 {
		return fmt.Errorf("call %s: rpc result is empty", method)
	}

	var status rpcStatus
	if err := json.Unmarshal(decoded.Result, &status); err != nil {
		return fmt.Errorf("call %s: decode status: %w", method, err)
	}
	if status.Status == "error" || status.Error != "" {
		switch status.Error {
		case errTxNotFound.Error():
			return errTxNotFound
		case "actNotFound", "actMalformed":
			return errUnknownAccount
		}
		metrics.LedgerCallErrors.WithLabelValues(Name, method, "rpc").Inc()
		return fmt.Errorf("call %s: rpc error %s: %s", method, status.Error, status.ErrorMessage)
	}
	return json.Unmarshal(decoded.Result, result)
}
