// Package cosmos implements the leg A adapter: queries go to a Cosmos SDK
// LCD endpoint, signed submissions go through the signing relay.
package cosmos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/josh-kwaku/crossledger/internal/domain"
	"github.com/josh-kwaku/crossledger/internal/ledger"
	"github.com/josh-kwaku/crossledger/internal/metrics"
)

const Name = "cosmos"

var errTxNotFound = errors.New("tx not found")

// coinPattern splits a Cosmos coin string such as "1500uatom" or
// "10ibc/27394FB0".
var coinPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([a-zA-Z][a-zA-Z0-9/:._-]*)$`)

type Config struct {
	LCDURL   string
	RelayURL string
	Timeout  time.Duration
}

type Adapter struct {
	lcdURL     string
	httpClient *http.Client
	relay      *ledger.RelayClient
}

func New(cfg Config) (*Adapter, error) {
	if cfg.LCDURL == "" {
		return nil, errors.New("cosmos: lcd url is required")
	}
	if cfg.RelayURL == "" {
		return nil, errors.New("cosmos: relay url is required")
	}
	return &Adapter{
		lcdURL: cfg.LCDURL,
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

type txResponse struct {
	TxHash    string    `json:"txhash"`
	Height    string    `json:"height"`
	Code      int       `json:"code"`
	RawLog    string    `json:"raw_log"`
	Timestamp time.Time `json:"timestamp"`
	Events    []event   `json:"events"`
}

type event struct {
	Type       string      `json:"type"`
	Attributes []attribute `json:"attributes"`
}

type attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type getTxResponse struct {
	TxResponse txResponse `json:"tx_response"`
}

type searchTxsResponse struct {
	TxResponses []txResponse `json:"tx_responses"`
}

type latestBlockResponse struct {
	Block struct {
		Header struct {
			Height string    `json:"height"`
			Time   time.Time `json:"time"`
		} `json:"header"`
	} `json:"block"`
}

func (a *Adapter) PollStatus(ctx context.Context, txHash string) (ledger.TxStatus, error) {
	var out getTxResponse
	err := a.get(ctx, "poll", "/cosmos/tx/v1beta1/txs/"+url.PathEscape(txHash), nil, &out)
	if errors.Is(err, errTxNotFound) {
		return ledger.TxStatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("PollStatus: %w", err)
	}
	if out.TxResponse.Code != 0 {
		return ledger.TxStatusFailed, nil
	}
	return ledger.TxStatusConfirmed, nil
}

// ListTransactions returns transfers where address is either sender or
// recipient, newest first.
func (a *Adapter) ListTransactions(ctx context.Context, address string, limit int) ([]domain.LedgerTx, error) {
	seen := make(map[string]bool)
	var txs []domain.LedgerTx

	for _, role := range []string{"sender", "recipient"} {
		q := url.Values{}
		q.Set("events", fmt.Sprintf("transfer.%s='%s'", role, address))
		q.Set("order_by", "ORDER_BY_DESC")
		q.Set("pagination.limit", strconv.Itoa(limit))

		var out searchTxsResponse
		if err := a.get(ctx, "list", "/cosmos/tx/v1beta1/txs", q, &out); err != nil {
			if errors.Is(err, errTxNotFound) {
				continue
			}
			return nil, fmt.Errorf("ListTransactions: %w", err)
		}

		for _, tr := range out.TxResponses {
			if seen[tr.TxHash] || tr.Code != 0 {
				continue
			}
			tx, ok := normalize(tr, address)
			if !ok {
				continue
			}
			seen[tr.TxHash] = true
			txs = append(txs, tx)
		}
	}

	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Timestamp.After(txs[j].Timestamp) })
	if len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (a *Adapter) Health(ctx context.Context) (*ledger.Health, error) {
	start := time.Now()
	var out latestBlockResponse
	if err := a.get(ctx, "health", "/cosmos/base/tendermint/v1beta1/blocks/latest", nil, &out); err != nil {
		return nil, fmt.Errorf("Health: %w", err)
	}
	height, err := strconv.ParseInt(out.Block.Header.Height, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("Health: parse height: %w", err)
	}
	return &ledger.Health{
		Ledger:    Name,
		Height:    height,
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}, nil
}

func normalize(tr txResponse, address string) (domain.LedgerTx, bool) {
	for _, ev := range tr.Events {
		if ev.Type != "transfer" {
			continue
		}
		attrs := make(map[string]string, len(ev.Attributes))
		for _, at := range ev.Attributes {
			attrs[at.Key] = at.Value
		}

		var dir domain.Direction
		switch address {
		case attrs["sender"]:
			dir = domain.DirectionOut
		case attrs["recipient"]:
			dir = domain.DirectionIn
		default:
			continue
		}

		amount, denom, err := parseCoin(attrs["amount"])
		if err != nil {
			continue
		}
		return domain.LedgerTx{
			Address:   address,
			TxHash:    tr.TxHash,
			Ledger:    Name,
			Amount:    amount,
			Asset:     denom,
			Timestamp: tr.Timestamp.UTC(),
			Direction: dir,
		}, true
	}
	return domain.LedgerTx{}, false
}

func parseCoin(s string) (decimal.Decimal, string, error) {
	m := coinPattern.FindStringSubmatch(s)
	if m == nil {
		return decimal.Zero, "", fmt.Errorf("parseCoin: malformed coin %q", s)
	}
	amount, err := decimal.NewFromString(m[1])
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("parseCoin: %w", err)
	}
	return amount, m[2], nil
}

func (a *Adapter) get(ctx context.Context, op, path string, query url.Values, out any) error {
	u := a.lcdURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("get: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	metrics.ObserveLedgerCall(Name, op, start)
	if err != nil {
		metrics.LedgerCallErrors.WithLabelValues(Name, op, "network").Inc()
		return fmt.Errorf("get: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.LedgerCallErrors.WithLabelValues(Name, op, "status").Inc()
		return fmt.Errorf("get: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("get: decode: %w", err)
	}
	return nil
}
