// Package payload encodes and decodes the signed trade payloads.
//
// Payloads use the standard contract ABI encoding (32-byte words, dynamic
// arrays by offset), so authorizers can produce them with any ABI library:
//
//	create: (uint256 tradeId, address trader, uint256 startTime, uint256 endTime,
//	         address asset, uint256 amount, uint256 tradeFee, uint256 reward, uint256 expiry)
//	claim:  (uint256[] tradeIds, uint256 expiry)
package payload

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"trade-escrow/internal/domain"
)

var (
	createArgs = mustArguments("uint256", "address", "uint256", "uint256", "address", "uint256", "uint256", "uint256", "uint256")
	claimArgs  = mustArguments("uint256[]", "uint256")
)

var maxUint64 = new(big.Int).SetUint64(math.MaxUint64)

// Create carries the authorized terms of a new trade.
type Create struct {
	TradeID   uint64
	Trader    common.Address
	StartTime uint64
	EndTime   uint64
	Asset     common.Address
	Amount    *big.Int
	TradeFee  *big.Int
	Reward    *big.Int
	Expiry    uint64
}

// Claim carries the trade ids a trader is authorized to claim.
type Claim struct {
	TradeIDs []uint64
	Expiry   uint64
}

// EncodeCreate ABI-encodes p.
func EncodeCreate(p Create) ([]byte, error) {
	out, err := createArgs.Pack(
		new(big.Int).SetUint64(p.TradeID),
		p.Trader,
		new(big.Int).SetUint64(p.StartTime),
		new(big.Int).SetUint64(p.EndTime),
		p.Asset,
		orZero(p.Amount),
		orZero(p.TradeFee),
		orZero(p.Reward),
		new(big.Int).SetUint64(p.Expiry),
	)
	if err != nil {
		return nil, fmt.Errorf("encode create payload: %w", err)
	}
	return out, nil
}

// DecodeCreate decodes an ABI-encoded create payload.
// Trade ids above 2^64-1 are rejected; times above it saturate.
func DecodeCreate(data []byte) (Create, error) {
	values, err := createArgs.Unpack(data)
	if err != nil {
		return Create{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if len(values) != len(createArgs) {
		return Create{}, fmt.Errorf("%w: expected %d fields, got %d", domain.ErrInvalidPayload, len(createArgs), len(values))
	}

	ints := make([]*big.Int, 0, 7)
	addrs := make([]common.Address, 0, 2)
	for i, v := range values {
		switch x := v.(type) {
		case *big.Int:
			ints = append(ints, x)
		case common.Address:
			addrs = append(addrs, x)
		default:
			return Create{}, fmt.Errorf("%w: field %d has type %T", domain.ErrInvalidPayload, i, v)
		}
	}
	if len(ints) != 7 || len(addrs) != 2 {
		return Create{}, fmt.Errorf("%w: unexpected field layout", domain.ErrInvalidPayload)
	}

	id, err := tradeID(ints[0])
	if err != nil {
		return Create{}, err
	}
	return Create{
		TradeID:   id,
		Trader:    addrs[0],
		StartTime: saturate(ints[1]),
		EndTime:   saturate(ints[2]),
		Asset:     addrs[1],
		Amount:    new(big.Int).Set(ints[3]),
		TradeFee:  new(big.Int).Set(ints[4]),
		Reward:    new(big.Int).Set(ints[5]),
		Expiry:    saturate(ints[6]),
	}, nil
}

// EncodeClaim ABI-encodes p.
func EncodeClaim(p Claim) ([]byte, error) {
	ids := make([]*big.Int, len(p.TradeIDs))
	for i, id := range p.TradeIDs {
		ids[i] = new(big.Int).SetUint64(id)
	}
	out, err := claimArgs.Pack(ids, new(big.Int).SetUint64(p.Expiry))
	if err != nil {
		return nil, fmt.Errorf("encode claim payload: %w", err)
	}
	return out, nil
}

// DecodeClaim decodes an ABI-encoded claim payload.
func DecodeClaim(data []byte) (Claim, error) {
	values, err := claimArgs.Unpack(data)
	if err != nil {
		return Claim{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if len(values) != 2 {
		return Claim{}, fmt.Errorf("%w: expected 2 fields, got %d", domain.ErrInvalidPayload, len(values))
	}
	raw, ok := values[0].([]*big.Int)
	if !ok {
		return Claim{}, fmt.Errorf("%w: trade ids have type %T", domain.ErrInvalidPayload, values[0])
	}
	expiry, ok := values[1].(*big.Int)
	if !ok {
		return Claim{}, fmt.Errorf("%w: expiry has type %T", domain.ErrInvalidPayload, values[1])
	}

	ids := make([]uint64, len(raw))
	for i, v := range raw {
		id, err := tradeID(v)
		if err != nil {
			return Claim{}, err
		}
		ids[i] = id
	}
	return Claim{TradeIDs: ids, Expiry: saturate(expiry)}, nil
}

func tradeID(v *big.Int) (uint64, error) {
	if v.Sign() < 0 || v.Cmp(maxUint64) > 0 {
		return 0, fmt.Errorf("%w: trade id %s out of range", domain.ErrInvalidPayload, v)
	}
	return v.Uint64(), nil
}

func saturate(v *big.Int) uint64 {
	if v.Cmp(maxUint64) > 0 {
		return math.MaxUint64
	}
	return v.Uint64()
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, name := range types {
		t, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(fmt.Sprintf("abi type %s: %v", name, err))
		}
		args[i] = abi.Argument{Type: t}
	}
	return args
}
