package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/crossledger/internal/auth"
	"github.com/josh-kwaku/crossledger/internal/domain"
	"github.com/josh-kwaku/crossledger/internal/service/transfer"
)

type stubTransferService struct {
	created  *transfer.CreateRequest
	operator string
	result   *domain.Transfer
	err      error
}

func (s *stubTransferService) Create(_ context.Context, req transfer.CreateRequest) (*domain.Transfer, error) {
	s.created = &req
	return s.result, s.err
}

func (s *stubTransferService) Get(context.Context, uuid.UUID) (*domain.Transfer, error) {
	return s.result, s.err
}

func (s *stubTransferService) Cancel(_ context.Context, _ uuid.UUID, operator string) (*domain.Transfer, error) {
	s.operator = operator
	return s.result, s.err
}

func (s *stubTransferService) ManualRefund(_ context.Context, _ uuid.UUID, operator string) (*domain.Transfer, error) {
	s.operator = operator
	return s.result, s.err
}

type stubEvents struct {
	events []domain.TransferEvent
}

func (s *stubEvents) GetByTransferID(context.Context, uuid.UUID) ([]domain.TransferEvent, error) {
	return s.events, nil
}

func sampleTransfer() *domain.Transfer {
	return domain.NewTransfer("k", "cosmos1sender", "rRecipient", decimal.RequireFromString("12.5"), "uatom", nil, time.Now().UTC(), time.Minute)
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) (APIResponse, map[string]any) {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data, _ := resp.Data.(map[string]any)
	return resp, data
}

func withOperator(r *http.Request) *http.Request {
	ctx := auth.ContextWithClaims(r.Context(), &auth.Claims{Subject: "ops@example.com", Role: auth.RoleOperator})
	return r.WithContext(ctx)
}

func TestTransferHandler_Create(t *testing.T) {
	tr := sampleTransfer()

	tests := []struct {
		name     string
		body     string
		key      string
		svcErr   error
		wantCode int
		wantErr  string
	}{
		{
			name:     "accepted",
			body:     `{"from":"cosmos1sender","to":"rRecipient","amount":"12.5","asset":"uatom","destination_tag":7}`,
			key:      "k",
			wantCode: http.StatusAccepted,
		},
		{
			name:     "missing idempotency key",
			body:     `{"from":"cosmos1sender","to":"rRecipient","amount":"1","asset":"uatom"}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "MISSING_IDEMPOTENCY_KEY",
		},
		{
			name:     "malformed json",
			body:     `{"from":`,
			key:      "k",
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_REQUEST",
		},
		{
			name:     "zero amount",
			body:     `{"from":"cosmos1sender","to":"rRecipient","amount":"0","asset":"uatom"}`,
			key:      "k",
			wantCode: http.StatusBadRequest,
			wantErr:  "VALIDATION_FAILED",
		},
		{
			name:     "key reused for another transfer",
			body:     `{"from":"cosmos1sender","to":"rRecipient","amount":"1","asset":"uatom"}`,
			key:      "k",
			svcErr:   fmt.Errorf("Create: %w", domain.ErrDuplicateTransfer),
			wantCode: http.StatusConflict,
			wantErr:  "DUPLICATE_TRANSFER",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubTransferService{result: tr, err: tc.svcErr}
			h := NewTransferHandler(svc, &stubEvents{})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/transfers", strings.NewReader(tc.body))
			if tc.key != "" {
				req.Header.Set("Idempotency-Key", tc.key)
			}
			rec := httptest.NewRecorder()
			h.Create(rec, req)

			assert.Equal(t, tc.wantCode, rec.Code)
			resp, data := decodeResponse(t, rec)
			if tc.wantErr != "" {
				require.NotNil(t, resp.Error)
				assert.Equal(t, tc.wantErr, resp.Error.Code)
				return
			}

			assert.Equal(t, tr.ID.String(), data["id"])
			assert.Equal(t, "12.5", data["amount"])
			assert.Equal(t, "/api/v1/transfers/"+tr.ID.String(), rec.Header().Get("Location"))
			require.NotNil(t, svc.created)
			assert.Equal(t, "k", svc.created.IdempotencyKey)
			require.NotNil(t, svc.created.DestinationTag)
			assert.Equal(t, uint32(7), *svc.created.DestinationTag)
		})
	}
}

func TestTransferHandler_Get(t *testing.T) {
	tr := sampleTransfer()

	t.Run("found", func(t *testing.T) {
		h := NewTransferHandler(&stubTransferService{result: tr}, &stubEvents{})
		req := httptest.NewRequest(http.MethodGet, "/api/v1/transfers/"+tr.ID.String(), nil)
		req.SetPathValue("id", tr.ID.String())
		rec := httptest.NewRecorder()
		h.Get(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		_, data := decodeResponse(t, rec)
		assert.Equal(t, "created", data["state"])
		assert.Equal(t, "pending", data["leg_a_status"])
	})

	t.Run("not found", func(t *testing.T) {
		h := NewTransferHandler(&stubTransferService{err: domain.ErrNotFound}, &stubEvents{})
		req := httptest.NewRequest(http.MethodGet, "/api/v1/transfers/x", nil)
		req.SetPathValue("id", uuid.NewString())
		rec := httptest.NewRecorder()
		h.Get(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		h := NewTransferHandler(&stubTransferService{}, &stubEvents{})
		req := httptest.NewRequest(http.MethodGet, "/api/v1/transfers/nope", nil)
		req.SetPathValue("id", "nope")
		rec := httptest.NewRecorder()
		h.Get(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTransferHandler_Cancel(t *testing.T) {
	tr := sampleTransfer()

	tests := []struct {
		name     string
		svcErr   error
		wantCode int
	}{
		{name: "cancelled", wantCode: http.StatusOK},
		{name: "leg A attempted", svcErr: domain.ErrNotCancellable, wantCode: http.StatusUnprocessableEntity},
		{name: "busy", svcErr: domain.ErrStoreConflict, wantCode: http.StatusConflict},
		{name: "final", svcErr: domain.ErrTransferTerminal, wantCode: http.StatusConflict},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubTransferService{result: tr, err: tc.svcErr}
			h := NewTransferHandler(svc, &stubEvents{})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/transfers/"+tr.ID.String()+"/cancel", nil)
			req.SetPathValue("id", tr.ID.String())
			rec := httptest.NewRecorder()
			h.Cancel(rec, withOperator(req))

			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, "ops@example.com", svc.operator)
		})
	}
}

func TestTransferHandler_Refund(t *testing.T) {
	tr := sampleTransfer()

	t.Run("refunded", func(t *testing.T) {
		svc := &stubTransferService{result: tr}
		h := NewTransferHandler(svc, &stubEvents{})

		body := fmt.Sprintf(`{"transfer_id":%q}`, tr.ID)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/refunds", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Refund(rec, withOperator(req))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ops@example.com", svc.operator)
	})

	t.Run("not eligible", func(t *testing.T) {
		h := NewTransferHandler(&stubTransferService{err: domain.ErrNotRefundable}, &stubEvents{})
		body := fmt.Sprintf(`{"transfer_id":%q}`, tr.ID)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/refunds", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Refund(rec, withOperator(req))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("bad transfer id", func(t *testing.T) {
		h := NewTransferHandler(&stubTransferService{}, &stubEvents{})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/refunds", strings.NewReader(`{"transfer_id":"x"}`))
		rec := httptest.NewRecorder()
		h.Refund(rec, withOperator(req))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no claims", func(t *testing.T) {
		h := NewTransferHandler(&stubTransferService{}, &stubEvents{})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/refunds", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		h.Refund(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestTransferHandler_Events(t *testing.T) {
	tr := sampleTransfer()
	events := &stubEvents{events: []domain.TransferEvent{
		{ID: uuid.New(), TransferID: tr.ID, FromStep: domain.StepCreated, ToStep: domain.StepCreated, State: domain.TransferStateCreated, Actor: domain.ActorCoordinator},
		{ID: uuid.New(), TransferID: tr.ID, FromStep: domain.StepCreated, ToStep: domain.StepLegASubmitting, State: domain.TransferStateInProgress, Actor: domain.ActorCoordinator, Payload: []byte(`{"attempts":1}`)},
	}}
	h := NewTransferHandler(&stubTransferService{result: tr}, events)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transfers/"+tr.ID.String()+"/events", nil)
	req.SetPathValue("id", tr.ID.String())
	rec := httptest.NewRecorder()
	h.Events(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []transferEventDTO `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "legA_submitting", resp.Data[1].ToStep)
	assert.JSONEq(t, `{"attempts":1}`, string(resp.Data[1].Payload))
}
