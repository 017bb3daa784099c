package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"trade-escrow/internal/domain"
)

type movement struct {
	dir          Direction
	asset        common.Address
	counterparty common.Address
	amount       *big.Int
}

// Journal records the movements of one engine operation so they can be
// reversed if the operation fails after some of them completed.
// A Journal is not safe for concurrent use.
type Journal struct {
	ledger    Ledger
	custodian common.Address
	logger    *slog.Logger
	observer  Observer
	done      []movement
}

// NewJournal creates a journal moving funds in and out of custodian.
// logger and observer may be nil.
func NewJournal(ledger Ledger, custodian common.Address, logger *slog.Logger, observer Observer) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		ledger:    ledger,
		custodian: custodian,
		logger:    logger,
		observer:  observer,
	}
}

// Pull moves amount of asset from -> custodian. Zero amounts are skipped.
func (j *Journal) Pull(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	err := j.ledger.Token(asset).TransferFrom(ctx, from, j.custodian, amount)
	j.observe(DirectionIn, false, err)
	if err != nil {
		return fmt.Errorf("%w: pull %s of %s from %s: %w", domain.ErrCustodyFailed, amount, asset.Hex(), from.Hex(), err)
	}
	j.done = append(j.done, movement{dir: DirectionIn, asset: asset, counterparty: from, amount: new(big.Int).Set(amount)})
	return nil
}

// Push moves amount of asset from custodian -> to. Zero amounts are skipped.
func (j *Journal) Push(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	err := j.ledger.Token(asset).Transfer(ctx, to, amount)
	j.observe(DirectionOut, false, err)
	if err != nil {
		return fmt.Errorf("%w: push %s of %s to %s: %w", domain.ErrCustodyFailed, amount, asset.Hex(), to.Hex(), err)
	}
	j.done = append(j.done, movement{dir: DirectionOut, asset: asset, counterparty: to, amount: new(big.Int).Set(amount)})
	return nil
}

// Balance returns the custodian's balance of asset.
func (j *Journal) Balance(ctx context.Context, asset common.Address) (*big.Int, error) {
	bal, err := j.ledger.Token(asset).BalanceOf(ctx, j.custodian)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %s: %w", domain.ErrCustodyFailed, asset.Hex(), err)
	}
	return bal, nil
}

// Len returns the number of completed movements.
func (j *Journal) Len() int {
	return len(j.done)
}

// Compensate reverses completed movements, newest first. Pulls are returned with
// Transfer; pushes are reclaimed with TransferFrom, which needs the recipient's
// allowance. Every reversal is attempted; failures are logged and returned
// together wrapped in domain.ErrCustodyCompensation. The journal is empty afterwards.
func (j *Journal) Compensate(ctx context.Context) error {
	var errs []error
	for i := len(j.done) - 1; i >= 0; i-- {
		m := j.done[i]
		token := j.ledger.Token(m.asset)

		var err error
		switch m.dir {
		case DirectionIn:
			err = token.Transfer(ctx, m.counterparty, m.amount)
			j.observe(DirectionOut, true, err)
		case DirectionOut:
			err = token.TransferFrom(ctx, m.counterparty, j.custodian, m.amount)
			j.observe(DirectionIn, true, err)
		}
		if err != nil {
			j.logger.Error("custody compensation failed",
				"direction", string(m.dir),
				"asset", m.asset.Hex(),
				"counterparty", m.counterparty.Hex(),
				"amount", m.amount.String(),
				"error", err,
			)
			errs = append(errs, fmt.Errorf("reverse %s %s of %s with %s: %w", m.dir, m.amount, m.asset.Hex(), m.counterparty.Hex(), err))
		}
	}
	j.done = nil

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrCustodyCompensation, errors.Join(errs...))
	}
	return nil
}

func (j *Journal) observe(dir Direction, compensation bool, err error) {
	if j.observer != nil {
		j.observer.ObserveCustodyMovement(dir, compensation, err)
	}
}
