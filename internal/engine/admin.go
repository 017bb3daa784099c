package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"trade-escrow/internal/domain"
	"trade-escrow/internal/storage"
)

// InitParams are the one-shot initialization parameters.
type InitParams struct {
	ThresholdAmount *big.Int
	Treasury        common.Address
	Name            string
	Symbol          string
	Admin           common.Address
	Owner           common.Address
}

// Initialize sets up the engine. It succeeds at most once.
func (e *Engine) Initialize(ctx context.Context, p InitParams) error {
	return e.mutate(ctx, OpInitialize, p.Owner, func(o *op) error {
		st, err := o.loadSettings()
		if err != nil {
			return err
		}
		if st.Initialized {
			return domain.ErrAlreadyInitialized
		}

		zero := common.Address{}
		if p.Treasury == zero || p.Admin == zero || p.Owner == zero {
			return domain.ErrAddressIsZeroAddress
		}
		if p.Name == "" || p.Symbol == "" {
			return domain.ErrEmptyString
		}
		threshold := new(big.Int)
		if p.ThresholdAmount != nil {
			if p.ThresholdAmount.Sign() < 0 {
				return fmt.Errorf("%w: negative threshold", domain.ErrInvalidPayload)
			}
			threshold.Set(p.ThresholdAmount)
		}

		o.settings = &domain.Settings{
			Initialized:     true,
			Name:            p.Name,
			Symbol:          p.Symbol,
			Treasury:        p.Treasury,
			Owner:           p.Owner,
			ThresholdAmount: threshold,
		}
		if err := o.saveSettings(); err != nil {
			return err
		}
		if err := o.tx.GrantRole(o.ctx, domain.RoleOwner, p.Owner); err != nil {
			return fmt.Errorf("grant owner: %w", err)
		}
		if err := o.tx.GrantRole(o.ctx, domain.RoleAdmin, p.Admin); err != nil {
			return fmt.Errorf("grant admin: %w", err)
		}

		o.emit(o.event(domain.EventInitialized).
			WithAccount(p.Admin).
			WithAmount(common.Address{}, threshold))
		return nil
	})
}

// Initialized reports whether Initialize has succeeded.
func (e *Engine) Initialized(ctx context.Context) (bool, error) {
	var ok bool
	err := e.store.View(ctx, func(tx storage.Tx) error {
		st, err := tx.Settings(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		ok = st.Initialized
		return nil
	})
	return ok, err
}

// roleChange describes one grant or revoke entry point.
type roleChange struct {
	role    domain.Role
	grant   bool
	already error // returned when granting to a holder
	missing error // returned when revoking from a non-holder
	kind    domain.EventKind
}

var (
	addAdmin     = roleChange{domain.RoleAdmin, true, domain.ErrAddressAlreadyAdmin, nil, domain.EventAdminAdded}
	removeAdmin  = roleChange{domain.RoleAdmin, false, nil, domain.ErrAddressNotAdmin, domain.EventAdminRemoved}
	addSigner    = roleChange{domain.RoleSigner, true, domain.ErrAddressAlreadySigner, nil, domain.EventSignerAdded}
	removeSigner = roleChange{domain.RoleSigner, false, nil, domain.ErrAddressNotSigner, domain.EventSignerRemoved}
)

func (e *Engine) changeRole(ctx context.Context, name string, caller, account common.Address, rc roleChange) error {
	return e.mutate(ctx, name, caller, func(o *op) error {
		if err := o.requireInitialized(); err != nil {
			return err
		}
		if err := o.requireNotPaused(); err != nil {
			return err
		}
		if err := o.requireAdmin(); err != nil {
			return err
		}
		if account == (common.Address{}) {
			return domain.ErrAddressIsZeroAddress
		}

		if rc.grant {
			if err := o.tx.GrantRole(o.ctx, rc.role, account); err != nil {
				if errors.Is(err, storage.ErrDuplicateKey) {
					return rc.already
				}
				return fmt.Errorf("grant %s: %w", rc.role, err)
			}
		} else {
			if err := o.tx.RevokeRole(o.ctx, rc.role, account); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return rc.missing
				}
				return fmt.Errorf("revoke %s: %w", rc.role, err)
			}
		}

		o.emit(o.event(rc.kind).WithAccount(account))
		return nil
	})
}

// AddAdmin grants ADMIN to account.
func (e *Engine) AddAdmin(ctx context.Context, caller, account common.Address) error {
	return e.changeRole(ctx, OpAddAdmin, caller, account, addAdmin)
}

// RemoveAdmin revokes ADMIN from account.
func (e *Engine) RemoveAdmin(ctx context.Context, caller, account common.Address) error {
	return e.changeRole(ctx, OpRemoveAdmin, caller, account, removeAdmin)
}

// AddSigner grants SIGNER to account.
func (e *Engine) AddSigner(ctx context.Context, caller, account common.Address) error {
	return e.changeRole(ctx, OpAddSigner, caller, account, addSigner)
}

// RemoveSigner revokes SIGNER from account.
func (e *Engine) RemoveSigner(ctx context.Context, caller, account common.Address) error {
	return e.changeRole(ctx, OpRemoveSigner, caller, account, removeSigner)
}

// UpdateThresholdAmount replaces the threshold amount.
func (e *Engine) UpdateThresholdAmount(ctx context.Context, caller common.Address, value *big.Int) error {
	return e.mutate(ctx, OpUpdateThreshold, caller, func(o *op) error {
		if err := o.requireInitialized(); err != nil {
			return err
		}
		if err := o.requireNotPaused(); err != nil {
			return err
		}
		if err := o.requireAdmin(); err != nil {
			return err
		}
		if value == nil || value.Sign() < 0 {
			return fmt.Errorf("%w: threshold must be a non-negative integer", domain.ErrInvalidPayload)
		}
		if value.Cmp(o.settings.ThresholdAmount) == 0 {
			return domain.ErrSameValueAsPrevious
		}

		o.settings.ThresholdAmount = new(big.Int).Set(value)
		if err := o.saveSettings(); err != nil {
			return err
		}
		o.emit(o.event(domain.EventThresholdUpdated).WithAmount(common.Address{}, value))
		return nil
	})
}

// Pause closes the pause gate.
func (e *Engine) Pause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, OpPause, caller, true)
}

// Unpause opens the pause gate.
func (e *Engine) Unpause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, OpUnpause, caller, false)
}

func (e *Engine) setPaused(ctx context.Context, name string, caller common.Address, paused bool) error {
	return e.mutate(ctx, name, caller, func(o *op) error {
		if err := o.requireInitialized(); err != nil {
			return err
		}
		if err := o.requireAdmin(); err != nil {
			return err
		}
		if o.settings.Paused == paused {
			if paused {
				return domain.ErrEnforcedPause
			}
			return domain.ErrExpectedPause
		}

		o.settings.Paused = paused
		if err := o.saveSettings(); err != nil {
			return err
		}
		kind := domain.EventUnpaused
		if paused {
			kind = domain.EventPaused
		}
		o.emit(o.event(kind))
		return nil
	})
}

// WithdrawTokens moves amount of asset from custody to the calling admin.
// Funds owed to open trades cannot be withdrawn.
func (e *Engine) WithdrawTokens(ctx context.Context, caller, asset common.Address, amount *big.Int) error {
	return e.mutate(ctx, OpWithdrawTokens, caller, func(o *op) error {
		if err := o.requireInitialized(); err != nil {
			return err
		}
		if err := o.requireNotPaused(); err != nil {
			return err
		}
		if err := o.requireAdmin(); err != nil {
			return err
		}
		if asset == (common.Address{}) {
			return domain.ErrAddressIsZeroAddress
		}
		if amount == nil || amount.Sign() < 0 {
			return fmt.Errorf("%w: amount must be a non-negative integer", domain.ErrInvalidPayload)
		}
		if err := o.requireSolvent(asset, amount); err != nil {
			return err
		}
		if err := o.journal.Push(o.ctx, asset, caller, amount); err != nil {
			return err
		}

		o.emit(o.event(domain.EventTokensWithdrawn).
			WithAccount(caller).
			WithAmount(asset, amount))
		return nil
	})
}

// HasRole reports whether account holds role. The owner holds ADMIN implicitly.
func (e *Engine) HasRole(ctx context.Context, role domain.Role, account common.Address) (bool, error) {
	var held bool
	err := e.view(ctx, func(o *op) error {
		var err error
		if role == domain.RoleAdmin {
			held, err = o.isAdmin(account)
		} else {
			held, err = o.tx.HasRole(o.ctx, role, account)
		}
		return err
	})
	return held, err
}

// RoleMembers lists the explicit holders of role.
func (e *Engine) RoleMembers(ctx context.Context, role domain.Role) ([]common.Address, error) {
	var members []common.Address
	err := e.view(ctx, func(o *op) error {
		var err error
		members, err = o.tx.RoleMembers(o.ctx, role)
		return err
	})
	return members, err
}

// Settings returns a copy of the settings record.
func (e *Engine) Settings(ctx context.Context) (*domain.Settings, error) {
	var st *domain.Settings
	err := e.view(ctx, func(o *op) error {
		st = o.settings.Clone()
		return nil
	})
	return st, err
}

// ThresholdAmount returns the current threshold amount.
func (e *Engine) ThresholdAmount(ctx context.Context) (*big.Int, error) {
	st, err := e.Settings(ctx)
	if err != nil {
		return nil, err
	}
	return st.ThresholdAmount, nil
}

// Treasury returns the fee recipient.
func (e *Engine) Treasury(ctx context.Context) (common.Address, error) {
	st, err := e.Settings(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return st.Treasury, nil
}

// Name returns the trade token collection name.
func (e *Engine) Name(ctx context.Context) (string, error) {
	st, err := e.Settings(ctx)
	if err != nil {
		return "", err
	}
	return st.Name, nil
}

// Symbol returns the trade token collection symbol.
func (e *Engine) Symbol(ctx context.Context) (string, error) {
	st, err := e.Settings(ctx)
	if err != nil {
		return "", err
	}
	return st.Symbol, nil
}

// Paused reports whether the pause gate is closed.
func (e *Engine) Paused(ctx context.Context) (bool, error) {
	st, err := e.Settings(ctx)
	if err != nil {
		return false, err
	}
	return st.Paused, nil
}

// Committed returns the custody of asset owed to open trades.
func (e *Engine) Committed(ctx context.Context, asset common.Address) (*big.Int, error) {
	var committed *big.Int
	err := e.view(ctx, func(o *op) error {
		var err error
		committed, err = o.tx.Committed(o.ctx, asset)
		return err
	})
	return committed, err
}

// Events returns up to limit committed events after seq afterSeq. A zero limit returns all.
func (e *Engine) Events(ctx context.Context, afterSeq uint64, limit int) ([]*domain.Event, error) {
	var events []*domain.Event
	err := e.store.View(ctx, func(tx storage.Tx) error {
		var err error
		events, err = tx.Events(ctx, afterSeq, limit)
		return err
	})
	return events, err
}
