package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, h http.Handler, path, body string) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func TestRelay_DeduplicatesOnReference(t *testing.T) {
	h := newRelay(nil, 0, slog.New(slog.NewTextHandler(io.Discard, nil))).routes()
	body := `{"network":"cosmos","reference":"t1:A","from":"a","to":"b","amount":"10","asset":"uatom"}`

	first, out1 := post(t, h, "/v1/transfers", body)
	second, out2 := post(t, h, "/v1/transfers", body)

	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.NotEmpty(t, out1["tx_hash"])
	assert.Equal(t, out1["tx_hash"], out2["tx_hash"])
}

func TestRelay_Rejections(t *testing.T) {
	h := newRelay([]string{"rBlocked"}, 0, slog.New(slog.NewTextHandler(io.Discard, nil))).routes()

	rec, out := post(t, h, "/v1/transfers", `{"network":"xrpl","reference":"t2:B","to":"rBlocked","amount":"1","asset":"XRP"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "DESTINATION_REJECTED", out["code"])

	rec, out = post(t, h, "/v1/refunds", `{"network":"cosmos","reference":"t3:A:refund","to":"a","amount":"0","asset":"uatom"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "BAD_AMOUNT", out["code"])

	rec, out = post(t, h, "/v1/transfers", `{"amount":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_REFERENCE", out["code"])
}
