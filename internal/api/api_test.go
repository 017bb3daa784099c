package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-escrow/internal/custody/memledger"
	"trade-escrow/internal/domain"
	"trade-escrow/internal/engine"
	"trade-escrow/internal/observability"
	"trade-escrow/internal/payload"
	"trade-escrow/internal/sigverify"
	"trade-escrow/internal/storage/memory"
)

const signerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	secret    = []byte("test-secret")
	custodian = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	admin     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	treasury  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	trader    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	asset     = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
	eng    *engine.Engine
	ledger *memledger.Ledger
	now    *atomic.Int64
	reg    *prometheus.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	now := &atomic.Int64{}
	now.Store(1_000)

	ledger := memledger.NewLedger(custodian)
	ledger.Mint(asset, trader, big.NewInt(1000))
	ledger.Approve(asset, trader, custodian, big.NewInt(1000))
	ledger.Mint(asset, custodian, big.NewInt(100))

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("", reg)

	eng, err := engine.New(engine.Options{
		Store:     memory.NewLedgerStore(),
		Ledger:    ledger,
		Custodian: custodian,
		Clock:     engine.ClockFunc(func() time.Time { return time.Unix(now.Load(), 0) }),
		Metrics:   metrics,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, eng.Initialize(ctx, engine.InitParams{
		ThresholdAmount: big.NewInt(10),
		Treasury:        treasury,
		Name:            "Trade",
		Symbol:          "TRD",
		Admin:           admin,
		Owner:           owner,
	}))
	key, err := crypto.HexToECDSA(signerKeyHex)
	require.NoError(t, err)
	require.NoError(t, eng.AddSigner(ctx, admin, crypto.PubkeyToAddress(key.PublicKey)))

	router, err := NewRouter(Options{
		Engine:    eng,
		JWTSecret: secret,
		Metrics:   metrics,
		Gatherer:  reg,
	})
	require.NoError(t, err)

	return &testServer{t: t, router: router, eng: eng, ledger: ledger, now: now, reg: reg}
}

func (s *testServer) do(method, path string, caller *common.Address, body any) *httptest.ResponseRecorder {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		token, err := IssueToken(*caller, secret, "", time.Minute)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) signed(data []byte) SignedRequest {
	s.t.Helper()
	key, err := crypto.HexToECDSA(signerKeyHex)
	require.NoError(s.t, err)
	sig, err := sigverify.SignPayload(data, key)
	require.NoError(s.t, err)
	return SignedRequest{Data: hexutil.Encode(data), Signature: hexutil.Encode(sig)}
}

func (s *testServer) createBody(id uint64) createTradeRequest {
	s.t.Helper()
	now := uint64(s.now.Load())
	data, err := payload.EncodeCreate(payload.Create{
		TradeID:   id,
		Trader:    trader,
		StartTime: now,
		EndTime:   now + 10,
		Asset:     asset,
		Amount:    big.NewInt(5),
		TradeFee:  big.NewInt(2),
		Reward:    big.NewInt(1),
		Expiry:    now + 60,
	})
	require.NoError(s.t, err)
	return createTradeRequest{SignedRequest: s.signed(data), Metadata: "ipfs://trade"}
}

func (s *testServer) claimBody(ids ...uint64) SignedRequest {
	s.t.Helper()
	data, err := payload.EncodeClaim(payload.Claim{TradeIDs: ids, Expiry: uint64(s.now.Load()) + 60})
	require.NoError(s.t, err)
	return s.signed(data)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func addr(a common.Address) *common.Address { return &a }

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","initialized":true}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/v1/pause", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/pause", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := IssueToken(admin, []byte("other-secret"), "", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/v1/pause", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestParseToken(t *testing.T) {
	token, err := IssueToken(trader, secret, "gateway", time.Minute)
	require.NoError(t, err)

	got, err := ParseToken(token, secret, "gateway")
	require.NoError(t, err)
	assert.Equal(t, trader, got)

	_, err = ParseToken(token, secret, "someone-else")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := IssueToken(trader, secret, "", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(expired, secret, "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.Equal(t, "abc", ExtractBearer("bearer abc"))
	assert.Empty(t, ExtractBearer("Basic abc"))
	assert.Empty(t, ExtractBearer(""))
}

func TestTradeLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/v1/trades", addr(trader), s.createBody(1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view TradeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "1", view.TradeID)
	assert.Equal(t, trader.Hex(), view.Trader)
	assert.Equal(t, "5", view.Amount)
	assert.Equal(t, "CREATED", view.Status)
	assert.Equal(t, int64(1000-7), s.ledger.Balance(asset, trader).Int64())

	rec = s.do(http.MethodGet, "/v1/trades/1/owner", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), trader.Hex())

	rec = s.do(http.MethodGet, "/v1/trades/1/uri", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ipfs://trade")

	rec = s.do(http.MethodGet, "/v1/owners/"+trader.Hex()+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"owner":%q,"balance":1}`, trader.Hex()), rec.Body.String())

	rec = s.do(http.MethodGet, "/v1/trades/1/resolvable", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resolvable":false`)

	rec = s.do(http.MethodPost, "/v1/trades/resolve", addr(admin), resolveRequest{TradeIDs: []uint64{1}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "TradeNotExpired", decodeError(t, rec).Error)

	s.now.Store(1_010)

	rec = s.do(http.MethodPost, "/v1/trades/resolve", addr(stranger), resolveRequest{TradeIDs: []uint64{1}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "CallerIsNotAdmin", decodeError(t, rec).Error)

	rec = s.do(http.MethodPost, "/v1/trades/resolve", addr(admin), resolveRequest{TradeIDs: []uint64{1}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(2), s.ledger.Balance(asset, treasury).Int64())

	rec = s.do(http.MethodPost, "/v1/trades/claim", addr(stranger), s.claimBody(1))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "TraderAddressMismatch", decodeError(t, rec).Error)

	rec = s.do(http.MethodPost, "/v1/trades/claim", addr(trader), s.claimBody(1))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1000-7+6), s.ledger.Balance(asset, trader).Int64())

	rec = s.do(http.MethodGet, "/v1/trades/1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "CLAIMED", view.Status)
	assert.True(t, view.Claimed)
	assert.NotNil(t, view.ResolvedAt)
	assert.NotNil(t, view.ClaimedAt)

	rec = s.do(http.MethodGet, "/v1/owners/"+trader.Hex()+"/trades", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"trade_id":"1"`)

	rec = s.do(http.MethodGet, "/v1/events?after=0&limit=1000", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, kind := range []string{"TradeCreated", "TradeResolved", "RewardClaimed"} {
		assert.Contains(t, rec.Body.String(), kind)
	}
}

func TestCreateTrade_Errors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/v1/trades", addr(stranger), s.createBody(1))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "TraderAddressMismatch", decodeError(t, rec).Error)

	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/v1/trades", addr(trader), s.createBody(1)).Code)

	rec = s.do(http.MethodPost, "/v1/trades", addr(trader), s.createBody(1))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TradeAlreadyExits", decodeError(t, rec).Error)

	body := s.createBody(2)
	body.Metadata = ""
	rec = s.do(http.MethodPost, "/v1/trades", addr(trader), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "EmptyString", decodeError(t, rec).Error)

	body = s.createBody(3)
	body.Data = "zz"
	rec = s.do(http.MethodPost, "/v1/trades", addr(trader), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidRequest", decodeError(t, rec).Error)

	rec = s.do(http.MethodPost, "/v1/trades", addr(trader), map[string]string{"metadata": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReads_Errors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/v1/trades/42", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TradeNotFound", decodeError(t, rec).Error)

	rec = s.do(http.MethodGet, "/v1/trades/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/v1/owners/0x0000000000000000000000000000000000000000/balance", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "AddressIsZeroAddress", decodeError(t, rec).Error)

	rec = s.do(http.MethodGet, "/v1/owners/nope/balance", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/v1/roles/king/"+owner.Hex(), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/v1/events?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoles(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/v1/roles/admin/"+owner.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"has_role":true`)

	rec = s.do(http.MethodPost, "/v1/admins/"+stranger.Hex(), addr(stranger), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/v1/admins/"+stranger.Hex(), addr(owner), nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/v1/admins/"+stranger.Hex(), addr(owner), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "AddressAlreadyAdmin", decodeError(t, rec).Error)

	rec = s.do(http.MethodDelete, "/v1/signers/"+stranger.Hex(), addr(admin), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "AddressNotSigner", decodeError(t, rec).Error)

	rec = s.do(http.MethodPost, "/v1/signers/"+stranger.Hex(), addr(admin), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodGet, "/v1/roles/SIGNER/"+stranger.Hex(), nil, nil)
	assert.Contains(t, rec.Body.String(), `"has_role":true`)

	rec = s.do(http.MethodDelete, "/v1/admins/"+stranger.Hex(), addr(admin), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestThreshold(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPut, "/v1/threshold", addr(admin), amountRequest{Amount: "1e3"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/v1/threshold", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"amount":"1000"}`, rec.Body.String())

	rec = s.do(http.MethodPut, "/v1/threshold", addr(admin), amountRequest{Amount: "1000"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SameValueAsPrevious", decodeError(t, rec).Error)

	rec = s.do(http.MethodPut, "/v1/threshold", addr(admin), amountRequest{Amount: "1.5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidRequest", decodeError(t, rec).Error)
}

func TestPauseAndWithdraw(t *testing.T) {
	s := newTestServer(t)

	require.Equal(t, http.StatusNoContent, s.do(http.MethodPost, "/v1/pause", addr(admin), nil).Code)

	rec := s.do(http.MethodPost, "/v1/pause", addr(admin), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "EnforcedPause", decodeError(t, rec).Error)

	rec = s.do(http.MethodPost, "/v1/trades", addr(trader), s.createBody(1))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, "/v1/settings", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"paused":true`)

	require.Equal(t, http.StatusNoContent, s.do(http.MethodPost, "/v1/unpause", addr(admin), nil).Code)

	rec = s.do(http.MethodPost, "/v1/withdrawals", addr(admin), withdrawRequest{Asset: asset.Hex(), Amount: "101"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InsufficientCustody", decodeError(t, rec).Error)

	rec = s.do(http.MethodPost, "/v1/withdrawals", addr(admin), withdrawRequest{Asset: asset.Hex(), Amount: "40"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, int64(40), s.ledger.Balance(asset, admin).Int64())
}

func TestCustodyFailure(t *testing.T) {
	s := newTestServer(t)
	s.ledger.FailAsset(asset, errors.New("ledger offline"))

	rec := s.do(http.MethodPost, "/v1/trades", addr(trader), s.createBody(1))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "CustodyFailed", decodeError(t, rec).Error)
}

func TestSupportsInterface(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/v1/interfaces/0x80ac58cd", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"supported":true`)

	rec = s.do(http.MethodGet, "/v1/interfaces/ffffffff", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"supported":false`)

	rec = s.do(http.MethodGet, "/v1/interfaces/0x01", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/health", nil, nil)

	rec := s.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trade_escrow_http_requests_total")
	assert.Contains(t, rec.Body.String(), "trade_escrow_engine_operations_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrCallerIsNotAdmin, http.StatusForbidden},
		{domain.ErrInvalidSigner, http.StatusForbidden},
		{domain.ErrSignatureExpired, http.StatusUnprocessableEntity},
		{domain.ErrTradeNotCreatedOrResolved, http.StatusConflict},
		{fmt.Errorf("%w: trade 9", domain.ErrTradeNotFound), http.StatusNotFound},
		{domain.ErrNotInitialized, http.StatusConflict},
		{domain.ErrEnforcedPause, http.StatusConflict},
		{domain.ErrInvalidPayload, http.StatusBadRequest},
		{fmt.Errorf("%w: %w", domain.ErrCustodyCompensation, domain.ErrCustodyFailed), http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := NewRouter(Options{JWTSecret: secret})
	assert.Error(t, err)

	s := newTestServer(t)
	_, err = NewRouter(Options{Engine: s.eng})
	assert.Error(t, err)
}
