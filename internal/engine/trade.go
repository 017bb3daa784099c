package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"trade-escrow/internal/domain"
	"trade-escrow/internal/payload"
	"trade-escrow/internal/sigverify"
	"trade-escrow/internal/storage"
)

// Operation names used for logging and metrics.
const (
	OpInitialize      = "initialize"
	OpCreateTrade     = "create_trade"
	OpResolveTrade    = "resolve_trade"
	OpClaimTrade      = "claim_trade"
	OpAddAdmin        = "add_admin"
	OpRemoveAdmin     = "remove_admin"
	OpAddSigner       = "add_signer"
	OpRemoveSigner    = "remove_signer"
	OpUpdateThreshold = "update_threshold"
	OpPause           = "pause"
	OpUnpause         = "unpause"
	OpWithdrawTokens  = "withdraw_tokens"
)

// CreateTrade opens the trade described by the signed create payload on behalf of
// caller, who must be the payload's trader. amount + tradeFee of the asset are
// pulled from the trader into custody and the trade token is minted to the trader.
func (e *Engine) CreateTrade(ctx context.Context, caller common.Address, data, sig []byte, metadata string) (*domain.Trade, error) {
	var created *domain.Trade

	err := e.mutate(ctx, OpCreateTrade, caller, func(o *op) error {
		if err := o.requireInitialized(); err != nil {
			return err
		}
		if err := o.requireNotPaused(); err != nil {
			return err
		}
		if metadata == "" {
			return domain.ErrEmptyString
		}

		p, err := payload.DecodeCreate(data)
		if err != nil {
			return err
		}
		if p.Trader != caller {
			return domain.ErrTraderAddressMismatch
		}
		if err := o.verifySigner(data, sig); err != nil {
			return err
		}
		if p.Expiry < o.unix() {
			return domain.ErrSignatureExpired
		}

		t := &domain.Trade{
			TradeID:   p.TradeID,
			Trader:    p.Trader,
			StartTime: p.StartTime,
			EndTime:   p.EndTime,
			Asset:     p.Asset,
			Amount:    p.Amount,
			TradeFee:  p.TradeFee,
			Reward:    p.Reward,
			Status:    domain.TradeStatusCreated,
			Metadata:  metadata,
			CreatedAt: o.now,
		}
		if err := o.tx.InsertTrade(o.ctx, t); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				return fmt.Errorf("%w: trade %d", domain.ErrTradeAlreadyExists, t.TradeID)
			}
			return fmt.Errorf("insert trade %d: %w", t.TradeID, err)
		}

		escrowed := t.Escrowed()
		if err := o.journal.Pull(o.ctx, t.Asset, t.Trader, escrowed); err != nil {
			return err
		}

		o.emit(o.event(domain.EventTradeCreated).
			WithTrade(t.TradeID).
			WithAccount(t.Trader).
			WithAmount(t.Asset, escrowed))
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// ResolveTrade resolves the expired trades ids in order, routing each trade fee
// to the treasury. Every id is checked before any fee moves, and the first
// failing id aborts the whole batch.
func (e *Engine) ResolveTrade(ctx context.Context, caller common.Address, ids []uint64) error {
	return e.mutate(ctx, OpResolveTrade, caller, func(o *op) error {
		if err := o.requireInitialized(); err != nil {
			return err
		}
		if err := o.requireNotPaused(); err != nil {
			return err
		}
		if err := o.requireAdmin(); err != nil {
			return err
		}

		st, err := o.loadSettings()
		if err != nil {
			return err
		}

		accepted := make([]*domain.Trade, 0, len(ids))
		for _, id := range ids {
			t, err := o.loadTrade(id)
			if err != nil {
				return err
			}
			if !t.Expired(o.unix()) {
				return fmt.Errorf("%w: trade %d ends at %d", domain.ErrTradeNotExpired, id, t.EndTime)
			}
			if t.Status != domain.TradeStatusCreated {
				return fmt.Errorf("%w: trade %d is %s", domain.ErrTradeNotCreatedOrResolved, id, t.Status)
			}

			resolvedAt := o.now
			t.Status = domain.TradeStatusResolved
			t.ResolvedAt = &resolvedAt
			if err := o.tx.UpdateTrade(o.ctx, t); err != nil {
				return fmt.Errorf("update trade %d: %w", id, err)
			}
			accepted = append(accepted, t)
		}

		// No fee moves until every id has been accepted.
		for _, t := range accepted {
			if err := o.journal.Push(o.ctx, t.Asset, st.Treasury, t.TradeFee); err != nil {
				return err
			}
			o.emit(o.event(domain.EventTradeResolved).
				WithTrade(t.TradeID).
				WithAccount(st.Treasury).
				WithAmount(t.Asset, t.TradeFee))
		}
		return nil
	})
}

// ClaimTrade claims the resolved trades listed in the signed claim payload on behalf
// of caller, releasing amount + reward of each to the trader. All ids succeed or none.
func (e *Engine) ClaimTrade(ctx context.Context, caller common.Address, data, sig []byte) error {
	return e.mutate(ctx, OpClaimTrade, caller, func(o *op) error {
		if err := o.requireInitialized(); err != nil {
			return err
		}
		if err := o.requireNotPaused(); err != nil {
			return err
		}

		p, err := payload.DecodeClaim(data)
		if err != nil {
			return err
		}
		if err := o.verifySigner(data, sig); err != nil {
			return err
		}
		if p.Expiry < o.unix() {
			return domain.ErrSignatureExpired
		}

		var (
			accepted []*domain.Trade
			assets   []common.Address
			payouts  = make(map[common.Address]*big.Int)
		)
		for _, id := range p.TradeIDs {
			t, err := o.loadTrade(id)
			if err != nil {
				return err
			}
			if t.Status == domain.TradeStatusCreated {
				return fmt.Errorf("%w: trade %d is not resolved", domain.ErrTradeNotExpired, id)
			}
			if t.Trader != caller {
				return domain.ErrTraderAddressMismatch
			}
			if t.Claimed || t.Status == domain.TradeStatusClaimed {
				return fmt.Errorf("%w: trade %d", domain.ErrTradeAlreadyClaimed, id)
			}

			claimedAt := o.now
			t.Status = domain.TradeStatusClaimed
			t.Claimed = true
			t.ClaimedAt = &claimedAt
			if err := o.tx.UpdateTrade(o.ctx, t); err != nil {
				return fmt.Errorf("update trade %d: %w", id, err)
			}
			accepted = append(accepted, t)

			if payouts[t.Asset] == nil {
				payouts[t.Asset] = new(big.Int)
				assets = append(assets, t.Asset)
			}
			payouts[t.Asset].Add(payouts[t.Asset], t.Payout())
		}

		// Rewards come out of the pool above outstanding obligations, which
		// already exclude the trades staged above.
		for _, asset := range assets {
			if err := o.requireSolvent(asset, payouts[asset]); err != nil {
				return err
			}
		}

		for _, t := range accepted {
			payout := t.Payout()
			if err := o.journal.Push(o.ctx, t.Asset, t.Trader, payout); err != nil {
				return err
			}
			o.emit(o.event(domain.EventRewardClaimed).
				WithTrade(t.TradeID).
				WithAccount(t.Trader).
				WithAmount(t.Asset, payout))
		}
		return nil
	})
}

// verifySigner recovers the signer of data and checks it holds SIGNER.
func (o *op) verifySigner(data, sig []byte) error {
	signer, err := sigverify.RecoverPayload(data, sig)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidSigner, err)
	}
	held, err := o.tx.HasRole(o.ctx, domain.RoleSigner, signer)
	if err != nil {
		return fmt.Errorf("check signer role: %w", err)
	}
	if !held {
		return fmt.Errorf("%w: %s", domain.ErrInvalidSigner, signer.Hex())
	}
	return nil
}

// requireSolvent checks that custody of asset still covers every open obligation
// after removing extra from it.
func (o *op) requireSolvent(asset common.Address, extra *big.Int) error {
	balance, err := o.journal.Balance(o.ctx, asset)
	if err != nil {
		return err
	}
	committed, err := o.tx.Committed(o.ctx, asset)
	if err != nil {
		return fmt.Errorf("committed custody of %s: %w", asset.Hex(), err)
	}

	free := new(big.Int).Sub(balance, committed)
	if free.Cmp(extra) < 0 {
		return fmt.Errorf("%w: %s free of %s, %s requested", domain.ErrInsufficientCustody, free, asset.Hex(), extra)
	}
	return nil
}

// CheckTradeForResolution reports whether trade id has reached its end time.
func (e *Engine) CheckTradeForResolution(ctx context.Context, id uint64) (bool, error) {
	var expired bool
	err := e.view(ctx, func(o *op) error {
		t, err := o.loadTrade(id)
		if err != nil {
			return err
		}
		expired = t.Expired(o.unix())
		return nil
	})
	return expired, err
}

// Trade returns a copy of trade id.
func (e *Engine) Trade(ctx context.Context, id uint64) (*domain.Trade, error) {
	var t *domain.Trade
	err := e.view(ctx, func(o *op) error {
		var err error
		t, err = o.loadTrade(id)
		return err
	})
	return t, err
}

// TokenURI returns the display URI of trade token id.
func (e *Engine) TokenURI(ctx context.Context, id uint64) (string, error) {
	t, err := e.Trade(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Metadata, nil
}

// OwnerOf returns the holder of trade token id.
func (e *Engine) OwnerOf(ctx context.Context, id uint64) (common.Address, error) {
	t, err := e.Trade(ctx, id)
	if err != nil {
		return common.Address{}, err
	}
	return t.Trader, nil
}

// BalanceOf returns the number of trade tokens held by owner.
func (e *Engine) BalanceOf(ctx context.Context, owner common.Address) (uint64, error) {
	if owner == (common.Address{}) {
		return 0, domain.ErrAddressIsZeroAddress
	}
	var n uint64
	err := e.view(ctx, func(o *op) error {
		trades, err := o.tx.TradesByTrader(o.ctx, owner)
		if err != nil {
			return fmt.Errorf("trades of %s: %w", owner.Hex(), err)
		}
		n = uint64(len(trades))
		return nil
	})
	return n, err
}

// TradesOf returns copies of the trades held by owner, ordered by id.
func (e *Engine) TradesOf(ctx context.Context, owner common.Address) ([]*domain.Trade, error) {
	var trades []*domain.Trade
	err := e.view(ctx, func(o *op) error {
		var err error
		trades, err = o.tx.TradesByTrader(o.ctx, owner)
		if err != nil {
			return fmt.Errorf("trades of %s: %w", owner.Hex(), err)
		}
		return nil
	})
	return trades, err
}
