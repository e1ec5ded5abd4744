package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	handler := NewHandler(f.engine, nil)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// Stand-in for signature verification: trust X-Test-Signer.
	signed := v1.Group("")
	signed.Use(func(c *gin.Context) {
		if s := c.GetHeader("X-Test-Signer"); s != "" {
			c.Set(auth.ContextKeySigner, keys.MustParse(s))
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(signed)

	return r, f
}

func doJSON(r *gin.Engine, method, path string, signer *keys.PublicKey, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if signer != nil {
		req.Header.Set("X-Test-Signer", signer.String())
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type escrowResponse struct {
	Escrow struct {
		Custody       string `json:"custody"`
		TransactionID string `json:"transactionId"`
		TotalAmount   string `json:"totalAmount"`
		FeeAmount     string `json:"feeAmount"`
		NetAmount     string `json:"netAmount"`
		Stage         string `json:"stage"`
		Balance       string `json:"balance"`
	} `json:"escrow"`
}

func fundBody(f *fixture, txID string, total string, bps uint16) FundRequestBody {
	return FundRequestBody{
		TransactionID:  txID,
		TotalAmount:    total,
		FeeBasisPoints: bps,
		Seller:         f.seller.String(),
		Authority:      f.authority.String(),
	}
}

func TestHandler_FundGetRelease(t *testing.T) {
	r, f := setupTestRouter(t)
	f.deposit(t, f.buyer, 1_000_000)

	w := doJSON(r, "POST", "/v1/escrows", &f.buyer, fundBody(f, "42", "1000000", 100))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "42", created.Escrow.TransactionID)
	assert.Equal(t, "10000", created.Escrow.FeeAmount)
	assert.Equal(t, "990000", created.Escrow.NetAmount)
	assert.Equal(t, "funded", created.Escrow.Stage)

	w = doJSON(r, "GET", "/v1/escrows/42", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, created.Escrow.Custody, got.Escrow.Custody)
	assert.Equal(t, "990000", got.Escrow.Balance)

	w = doJSON(r, "POST", "/v1/escrows/42/release", &f.authority, SettleRequestBody{Recipient: f.seller.String()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var released escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &released))
	assert.Equal(t, "released", released.Escrow.Stage)
	assert.Equal(t, uint64(990_000), f.balance(t, f.seller))

	w = doJSON(r, "POST", "/v1/escrows/42/release", &f.authority, SettleRequestBody{Recipient: f.seller.String()})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already_processed")
}

func TestHandler_FundAssignsTransactionID(t *testing.T) {
	r, f := setupTestRouter(t)
	f.deposit(t, f.buyer, 10_000)

	w := doJSON(r, "POST", "/v1/escrows", &f.buyer, fundBody(f, "", "10000", 100))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	txID, err := strconv.ParseUint(created.Escrow.TransactionID, 10, 64)
	require.NoError(t, err)
	assert.NotZero(t, txID)
}

func TestHandler_FundErrors(t *testing.T) {
	r, f := setupTestRouter(t)
	f.deposit(t, f.buyer, 1_000_000)
	stranger := newKey(t)

	tests := []struct {
		name   string
		signer *keys.PublicKey
		body   func() FundRequestBody
		status int
		code   string
	}{
		{"unsigned", nil, func() FundRequestBody { return fundBody(f, "1", "1000", 100) }, http.StatusUnauthorized, "unauthorized"},
		{"signer not buyer", &f.buyer, func() FundRequestBody {
			b := fundBody(f, "1", "1000", 100)
			b.Buyer = stranger.String()
			return b
		}, http.StatusForbidden, "unauthorized"},
		{"negative amount", &f.buyer, func() FundRequestBody { return fundBody(f, "1", "-5", 100) }, http.StatusBadRequest, "validation_error"},
		{"bad seller", &f.buyer, func() FundRequestBody {
			b := fundBody(f, "1", "1000", 100)
			b.Seller = "0xdeadbeef"
			return b
		}, http.StatusBadRequest, "validation_error"},
		{"fee rounds to zero", &f.buyer, func() FundRequestBody { return fundBody(f, "1", "100", 1) }, http.StatusBadRequest, "fee_too_small"},
		{"bps above cap", &f.buyer, func() FundRequestBody { return fundBody(f, "1", "1000000", 501) }, http.StatusBadRequest, "invalid_fee_basis_points"},
		{"foreign authority", &f.buyer, func() FundRequestBody {
			b := fundBody(f, "1", "1000000", 100)
			b.Authority = stranger.String()
			return b
		}, http.StatusForbidden, "unauthorized_authority"},
		{"foreign fee wallet", &f.buyer, func() FundRequestBody {
			b := fundBody(f, "1", "1000000", 100)
			b.FeeWallet = stranger.String()
			return b
		}, http.StatusForbidden, "incorrect_fee_wallet"},
		{"insufficient balance", &stranger, func() FundRequestBody { return fundBody(f, "1", "1000000", 100) }, http.StatusBadRequest, "insufficient_balance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, "POST", "/v1/escrows", tt.signer, tt.body())
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error":"`+tt.code+`"`)
		})
	}
	assert.Equal(t, uint64(1_000_000), f.balance(t, f.buyer))
}

func TestHandler_SettleErrors(t *testing.T) {
	r, f := setupTestRouter(t)
	f.fund(t, 5, 10_000, 100)

	w := doJSON(r, "POST", "/v1/escrows/5/cancel", &f.buyer, SettleRequestBody{Recipient: f.buyer.String()})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, "POST", "/v1/escrows/5/cancel", &f.authority, SettleRequestBody{Recipient: f.seller.String()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "recipient_not_buyer")

	other, _, _ := f.engine.Locate(6)
	w = doJSON(r, "POST", "/v1/escrows/5/cancel", &f.authority, SettleRequestBody{Recipient: f.buyer.String(), Custody: other.String()})
	assert.Equal(t, http.StatusNotFound, w.Code, "custody without an account is not initialized")

	w = doJSON(r, "POST", "/v1/escrows/99/release", &f.authority, SettleRequestBody{Recipient: f.seller.String()})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, "POST", "/v1/escrows/abc/release", &f.authority, SettleRequestBody{Recipient: f.seller.String()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_transaction_id")

	w = doJSON(r, "POST", "/v1/escrows/5/release", &f.authority, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, "POST", "/v1/escrows/5/cancel", &f.authority, SettleRequestBody{Recipient: f.buyer.String()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint64(9_900), f.balance(t, f.buyer))
}

func TestHandler_ListEscrows(t *testing.T) {
	r, f := setupTestRouter(t)
	f.fund(t, 1, 10_000, 100)
	f.fund(t, 2, 10_000, 100)
	f.fund(t, 3, 10_000, 100)

	w := doJSON(r, "GET", "/v1/escrows?limit=2&party="+f.buyer.String(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Escrows    []json.RawMessage `json:"escrows"`
		Count      int               `json:"count"`
		NextCursor string            `json:"nextCursor"`
		HasMore    bool              `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.True(t, resp.HasMore)
	require.NotEmpty(t, resp.NextCursor)

	w = doJSON(r, "GET", "/v1/escrows?limit=2&cursor="+resp.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.False(t, resp.HasMore)

	for _, q := range []string{"party=nope", "stage=disputed", "cursor=!!!"} {
		w = doJSON(r, "GET", "/v1/escrows?"+q, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestHandler_LocateCustody(t *testing.T) {
	r, f := setupTestRouter(t)

	w := doJSON(r, "GET", "/v1/escrows/77/custody", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		TransactionID string `json:"transactionId"`
		Custody       string `json:"custody"`
		Bump          uint8  `json:"bump"`
		Program       string `json:"program"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	addr, bump, err := f.engine.Locate(77)
	require.NoError(t, err)
	assert.Equal(t, "77", resp.TransactionID)
	assert.Equal(t, addr.String(), resp.Custody)
	assert.Equal(t, bump, resp.Bump)
	assert.Equal(t, testProgram.String(), resp.Program)

	esc := f.fund(t, 77, 10_000, 100)
	assert.Equal(t, addr, esc.Custody, "funding lands on the located address")
}
