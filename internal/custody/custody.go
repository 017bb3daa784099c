// Package custody moves fungible tokens between traders, the engine's custody
// account and payout recipients through an external asset ledger.
package custody

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Token is the asset ledger of a single fungible token.
type Token interface {
	// TransferFrom moves amount from -> to using the custodian's allowance on from.
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error

	// Transfer moves amount from the custodian's own balance to to.
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error

	// BalanceOf returns the balance of account.
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}

// Ledger resolves the Token for an asset address.
type Ledger interface {
	Token(asset common.Address) Token
}

// Direction of a custody movement, seen from the custody account.
type Direction string

// Movement directions.
const (
	DirectionIn  Direction = "in"  // pulled from a counterparty
	DirectionOut Direction = "out" // pushed to a counterparty
)

// Observer is notified after every movement attempt, including compensations.
type Observer interface {
	ObserveCustodyMovement(dir Direction, compensation bool, err error)
}
