package payload

import (
	"math"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-escrow/internal/domain"
)

func word(v uint64) string {
	return common.Bytes2Hex(common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32))
}

func addrWord(a common.Address) string {
	return common.Bytes2Hex(common.LeftPadBytes(a.Bytes(), 32))
}

func TestEncodeClaim_KnownLayout(t *testing.T) {
	out, err := EncodeClaim(Claim{TradeIDs: []uint64{1, 2}, Expiry: 3})
	require.NoError(t, err)

	// offset of the dynamic array, expiry, array length, elements
	want := word(0x40) + word(3) + word(2) + word(1) + word(2)
	assert.Equal(t, want, common.Bytes2Hex(out))
}

func TestEncodeCreate_KnownLayout(t *testing.T) {
	trader := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	asset := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	out, err := EncodeCreate(Create{
		TradeID:   1,
		Trader:    trader,
		StartTime: 1000,
		EndTime:   2000,
		Asset:     asset,
		Amount:    big.NewInt(500),
		TradeFee:  big.NewInt(10),
		Reward:    big.NewInt(50),
		Expiry:    3000,
	})
	require.NoError(t, err)

	want := strings.Join([]string{
		word(1), addrWord(trader), word(1000), word(2000), addrWord(asset),
		word(500), word(10), word(50), word(3000),
	}, "")
	assert.Equal(t, want, common.Bytes2Hex(out))
}

func TestCreate_RoundTrip(t *testing.T) {
	in := Create{
		TradeID:   42,
		Trader:    common.HexToAddress("0x01"),
		StartTime: 10,
		EndTime:   20,
		Asset:     common.HexToAddress("0x02"),
		Amount:    new(big.Int).Lsh(big.NewInt(1), 200),
		TradeFee:  big.NewInt(7),
		Reward:    big.NewInt(0),
		Expiry:    30,
	}
	data, err := EncodeCreate(in)
	require.NoError(t, err)

	out, err := DecodeCreate(data)
	require.NoError(t, err)
	assert.Equal(t, in.TradeID, out.TradeID)
	assert.Equal(t, in.Trader, out.Trader)
	assert.Equal(t, in.Asset, out.Asset)
	assert.Equal(t, 0, in.Amount.Cmp(out.Amount))
	assert.Equal(t, 0, in.TradeFee.Cmp(out.TradeFee))
	assert.Equal(t, 0, out.Reward.Sign())
	assert.Equal(t, uint64(30), out.Expiry)
}

func TestClaim_RoundTripEmpty(t *testing.T) {
	data, err := EncodeClaim(Claim{Expiry: 99})
	require.NoError(t, err)

	out, err := DecodeClaim(data)
	require.NoError(t, err)
	assert.Empty(t, out.TradeIDs)
	assert.Equal(t, uint64(99), out.Expiry)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		decode func([]byte) error
		data   []byte
	}{
		{"create empty", func(b []byte) error { _, err := DecodeCreate(b); return err }, nil},
		{"create truncated", func(b []byte) error { _, err := DecodeCreate(b); return err }, make([]byte, 64)},
		{"claim empty", func(b []byte) error { _, err := DecodeClaim(b); return err }, nil},
		{"claim bad offset", func(b []byte) error { _, err := DecodeClaim(b); return err }, common.Hex2Bytes(word(0xffff) + word(1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decode(tt.data)
			assert.ErrorIs(t, err, domain.ErrInvalidPayload)
		})
	}
}

func TestDecodeClaim_RejectsOversizedTradeID(t *testing.T) {
	huge := new(big.Int).Add(new(big.Int).SetUint64(math.MaxUint64), big.NewInt(1))
	data, err := claimArgs.Pack([]*big.Int{huge}, big.NewInt(1))
	require.NoError(t, err)

	_, err = DecodeClaim(data)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestDecodeCreate_SaturatesExpiry(t *testing.T) {
	far := new(big.Int).Lsh(big.NewInt(1), 255)
	data, err := createArgs.Pack(
		big.NewInt(1), common.HexToAddress("0x01"), big.NewInt(0), far,
		common.HexToAddress("0x02"), big.NewInt(1), big.NewInt(0), big.NewInt(0), far,
	)
	require.NoError(t, err)

	out, err := DecodeCreate(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), out.Expiry)
	assert.Equal(t, uint64(math.MaxUint64), out.EndTime)
}
