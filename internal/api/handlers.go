package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"trade-escrow/internal/domain"
	"trade-escrow/internal/events"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// TradeView is the JSON form of a trade. Amounts are decimal strings.
type TradeView struct {
	TradeID    string     `json:"trade_id"`
	Trader     string     `json:"trader"`
	StartTime  uint64     `json:"start_time"`
	EndTime    uint64     `json:"end_time"`
	Asset      string     `json:"asset"`
	Amount     string     `json:"amount"`
	TradeFee   string     `json:"trade_fee"`
	Reward     string     `json:"reward"`
	Status     string     `json:"status"`
	Claimed    bool       `json:"claimed"`
	Metadata   string     `json:"metadata"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
}

func newTradeView(t *domain.Trade) TradeView {
	return TradeView{
		TradeID:    strconv.FormatUint(t.TradeID, 10),
		Trader:     t.Trader.Hex(),
		StartTime:  t.StartTime,
		EndTime:    t.EndTime,
		Asset:      t.Asset.Hex(),
		Amount:     domain.FormatAmount(t.Amount),
		TradeFee:   domain.FormatAmount(t.TradeFee),
		Reward:     domain.FormatAmount(t.Reward),
		Status:     string(t.Status),
		Claimed:    t.Claimed,
		Metadata:   t.Metadata,
		CreatedAt:  t.CreatedAt,
		ResolvedAt: t.ResolvedAt,
		ClaimedAt:  t.ClaimedAt,
	}
}

// SignedRequest carries a signer-authorized payload. Both fields are 0x-prefixed hex.
type SignedRequest struct {
	Data      string `json:"data" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type createTradeRequest struct {
	SignedRequest
	Metadata string `json:"metadata"`
}

type resolveRequest struct {
	TradeIDs []uint64 `json:"trade_ids"`
}

type amountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type withdrawRequest struct {
	Asset  string `json:"asset" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func (r SignedRequest) decode() (data, sig []byte, err error) {
	if data, err = hexutil.Decode(r.Data); err != nil {
		return nil, nil, fmt.Errorf("data: %w", err)
	}
	if sig, err = hexutil.Decode(r.Signature); err != nil {
		return nil, nil, fmt.Errorf("signature: %w", err)
	}
	return data, sig, nil
}

func tradeIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Sprintf("invalid trade id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func addressParam(c *gin.Context, name string) (common.Address, bool) {
	return parseAddress(c, c.Param(name))
}

func parseAddress(c *gin.Context, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		badRequest(c, fmt.Sprintf("invalid address %q", s))
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseAmount(c *gin.Context, s string) (*big.Int, bool) {
	v, err := domain.ParseAmount(s)
	if err != nil {
		badRequest(c, err.Error())
		return nil, false
	}
	return v, true
}

// Reads

func (s *server) getTrade(c *gin.Context) {
	id, ok := tradeIDParam(c)
	if !ok {
		return
	}
	t, err := s.engine.Trade(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTradeView(t))
}

func (s *server) checkResolvable(c *gin.Context) {
	id, ok := tradeIDParam(c)
	if !ok {
		return
	}
	resolvable, err := s.engine.CheckTradeForResolution(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade_id": strconv.FormatUint(id, 10), "resolvable": resolvable})
}

func (s *server) tokenURI(c *gin.Context) {
	id, ok := tradeIDParam(c)
	if !ok {
		return
	}
	uri, err := s.engine.TokenURI(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade_id": strconv.FormatUint(id, 10), "uri": uri})
}

func (s *server) ownerOf(c *gin.Context) {
	id, ok := tradeIDParam(c)
	if !ok {
		return
	}
	owner, err := s.engine.OwnerOf(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade_id": strconv.FormatUint(id, 10), "owner": owner.Hex()})
}

func (s *server) balanceOf(c *gin.Context) {
	owner, ok := addressParam(c, "address")
	if !ok {
		return
	}
	n, err := s.engine.BalanceOf(c.Request.Context(), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner.Hex(), "balance": n})
}

func (s *server) tradesOf(c *gin.Context) {
	owner, ok := addressParam(c, "address")
	if !ok {
		return
	}
	trades, err := s.engine.TradesOf(c.Request.Context(), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]TradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, newTradeView(t))
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner.Hex(), "trades": views})
}

func (s *server) hasRole(c *gin.Context) {
	role, err := domain.ParseRole(c.Param("role"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	account, ok := addressParam(c, "address")
	if !ok {
		return
	}
	has, err := s.engine.HasRole(c.Request.Context(), role, account)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": string(role), "account": account.Hex(), "has_role": has})
}

func (s *server) getThreshold(c *gin.Context) {
	v, err := s.engine.ThresholdAmount(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount": domain.FormatAmount(v)})
}

func (s *server) getSettings(c *gin.Context) {
	st, err := s.engine.Settings(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":             st.Name,
		"symbol":           st.Symbol,
		"treasury":         st.Treasury.Hex(),
		"owner":            st.Owner.Hex(),
		"threshold_amount": domain.FormatAmount(st.ThresholdAmount),
		"paused":           st.Paused,
		"custodian":        s.engine.Custodian().Hex(),
	})
}

func (s *server) supportsInterface(c *gin.Context) {
	raw := strings.TrimPrefix(strings.ToLower(c.Param("id")), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != 4 {
		badRequest(c, fmt.Sprintf("interface id must be 4 bytes of hex, got %q", c.Param("id")))
		return
	}
	var id [4]byte
	copy(id[:], b)
	c.JSON(http.StatusOK, gin.H{"interface_id": "0x" + raw, "supported": s.engine.SupportsInterface(id)})
}

func (s *server) listEvents(c *gin.Context) {
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		badRequest(c, "invalid after")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultEventsLimit)))
	if err != nil || limit <= 0 {
		badRequest(c, "invalid limit")
		return
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	evs, err := s.engine.Events(c.Request.Context(), after, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	msgs := make([]events.Message, 0, len(evs))
	for _, e := range evs {
		msgs = append(msgs, events.NewMessage(e))
	}
	c.JSON(http.StatusOK, gin.H{"events": msgs})
}

// Mutations

func (s *server) createTrade(c *gin.Context) {
	var req createTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	data, sig, err := req.decode()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	t, err := s.engine.CreateTrade(c.Request.Context(), callerOf(c), data, sig, req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newTradeView(t))
}

func (s *server) resolveTrades(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.engine.ResolveTrade(c.Request.Context(), callerOf(c), req.TradeIDs); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": len(req.TradeIDs)})
}

func (s *server) claimTrades(c *gin.Context) {
	var req SignedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	data, sig, err := req.decode()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.engine.ClaimTrade(c.Request.Context(), callerOf(c), data, sig); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type roleChangeFunc func(ctx context.Context, caller, account common.Address) error

func roleChange(fn roleChangeFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := addressParam(c, "address")
		if !ok {
			return
		}
		if err := fn(c.Request.Context(), callerOf(c), account); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *server) updateThreshold(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	v, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}
	if err := s.engine.UpdateThresholdAmount(c.Request.Context(), callerOf(c), v); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	asset, ok := parseAddress(c, req.Asset)
	if !ok {
		return
	}
	v, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}
	if err := s.engine.WithdrawTokens(c.Request.Context(), callerOf(c), asset, v); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) pause(c *gin.Context) {
	if err := s.engine.Pause(c.Request.Context(), callerOf(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) unpause(c *gin.Context) {
	if err := s.engine.Unpause(c.Request.Context(), callerOf(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
