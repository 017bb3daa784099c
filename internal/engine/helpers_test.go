package engine

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"trade-escrow/internal/custody"
	"trade-escrow/internal/custody/memledger"
	"trade-escrow/internal/domain"
	"trade-escrow/internal/payload"
	"trade-escrow/internal/sigverify"
	"trade-escrow/internal/storage/memory"
)

const (
	signerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	otherKeyHex  = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

	t0 = int64(1_000)
)

var (
	custodian = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	admin     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	treasury  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	trader    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	asset     = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(unix int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(unix, 0).UTC()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events []*domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *recordingPublisher) kinds() []domain.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

// faultyLedger fails outgoing transfers once a set number of them succeeded.
type faultyLedger struct {
	*memledger.Ledger

	mu        sync.Mutex
	remaining int
	err       error
}

// failTransfersAfter lets n more transfers through and fails the rest with err.
func (l *faultyLedger) failTransfersAfter(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remaining = n
	l.err = err
}

func (l *faultyLedger) Token(asset common.Address) custody.Token {
	return &faultyToken{Token: l.Ledger.Token(asset), ledger: l}
}

type faultyToken struct {
	custody.Token
	ledger *faultyLedger
}

func (t *faultyToken) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	l := t.ledger
	l.mu.Lock()
	if l.err != nil {
		if l.remaining == 0 {
			err := l.err
			l.mu.Unlock()
			return err
		}
		l.remaining--
	}
	l.mu.Unlock()
	return t.Token.Transfer(ctx, to, amount)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	eng    *Engine
	store  *memory.LedgerStore
	ledger *memledger.Ledger
	faults *faultyLedger
	clock  *fakeClock
	pub    *recordingPublisher
	signer *ecdsa.PrivateKey
	other  *ecdsa.PrivateKey
}

// newUninitialized builds an engine over empty stores. The trader holds 1000 with
// full allowance and custody holds a reward pool of 100. The treasury grants no
// allowance.
func newUninitialized(t *testing.T) *fixture {
	t.Helper()

	signer, err := crypto.HexToECDSA(signerKeyHex)
	require.NoError(t, err)
	other, err := crypto.HexToECDSA(otherKeyHex)
	require.NoError(t, err)

	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  memory.NewLedgerStore(),
		ledger: memledger.NewLedger(custodian),
		clock:  &fakeClock{},
		pub:    &recordingPublisher{},
		signer: signer,
		other:  other,
	}
	f.clock.set(t0)

	f.ledger.Mint(asset, trader, big.NewInt(1000))
	f.ledger.Approve(asset, trader, custodian, big.NewInt(1000))
	f.ledger.Mint(asset, custodian, big.NewInt(100))
	f.faults = &faultyLedger{Ledger: f.ledger}

	f.eng, err = New(Options{
		Store:     f.store,
		Ledger:    f.faults,
		Custodian: custodian,
		Clock:     f.clock,
		Publisher: f.pub,
	})
	require.NoError(t, err)
	return f
}

// newFixture returns an initialized engine with one signer.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := newUninitialized(t)
	require.NoError(t, f.eng.Initialize(f.ctx, InitParams{
		ThresholdAmount: big.NewInt(10),
		Treasury:        treasury,
		Name:            "Trade",
		Symbol:          "TRD",
		Admin:           admin,
		Owner:           owner,
	}))
	require.NoError(t, f.eng.AddSigner(f.ctx, admin, crypto.PubkeyToAddress(f.signer.PublicKey)))
	return f
}

// terms returns the default create payload: amount 5, fee 2, reward 1,
// a ten second window starting now and a signature valid for a minute.
func (f *fixture) terms(id uint64) payload.Create {
	now := uint64(f.clock.Now().Unix())
	return payload.Create{
		TradeID:   id,
		Trader:    trader,
		StartTime: now,
		EndTime:   now + 10,
		Asset:     asset,
		Amount:    big.NewInt(5),
		TradeFee:  big.NewInt(2),
		Reward:    big.NewInt(1),
		Expiry:    now + 60,
	}
}

func (f *fixture) encodeCreate(p payload.Create) []byte {
	f.t.Helper()
	data, err := payload.EncodeCreate(p)
	require.NoError(f.t, err)
	return data
}

func (f *fixture) encodeClaim(expiry uint64, ids ...uint64) []byte {
	f.t.Helper()
	data, err := payload.EncodeClaim(payload.Claim{TradeIDs: ids, Expiry: expiry})
	require.NoError(f.t, err)
	return data
}

func (f *fixture) sign(key *ecdsa.PrivateKey, data []byte) []byte {
	f.t.Helper()
	sig, err := sigverify.SignPayload(data, key)
	require.NoError(f.t, err)
	return sig
}

func (f *fixture) createWith(p payload.Create) (*domain.Trade, error) {
	data := f.encodeCreate(p)
	return f.eng.CreateTrade(f.ctx, p.Trader, data, f.sign(f.signer, data), "ipfs://trade")
}

func (f *fixture) create(id uint64) {
	f.t.Helper()
	_, err := f.createWith(f.terms(id))
	require.NoError(f.t, err)
}

func (f *fixture) claim(caller common.Address, ids ...uint64) error {
	data := f.encodeClaim(uint64(f.clock.Now().Unix())+60, ids...)
	return f.eng.ClaimTrade(f.ctx, caller, data, f.sign(f.signer, data))
}

func (f *fixture) balance(account common.Address) int64 {
	return f.ledger.Balance(asset, account).Int64()
}

func (f *fixture) allowance(account common.Address) int64 {
	return f.ledger.Allowance(asset, account, custodian).Int64()
}

func (f *fixture) status(id uint64) domain.TradeStatus {
	f.t.Helper()
	tr, err := f.eng.Trade(f.ctx, id)
	require.NoError(f.t, err)
	return tr.Status
}

func (f *fixture) committed() int64 {
	f.t.Helper()
	c, err := f.eng.Committed(f.ctx, asset)
	require.NoError(f.t, err)
	return c.Int64()
}

// snapshot captures every piece of observable state.
type snapshot struct {
	settings *domain.Settings
	admins   []common.Address
	signers  []common.Address
	trades   []*domain.Trade
	events     int
	balances   map[common.Address]int64
	allowances map[common.Address]int64
}

func (f *fixture) snapshot() snapshot {
	f.t.Helper()
	st, err := f.eng.Settings(f.ctx)
	require.NoError(f.t, err)
	admins, err := f.eng.RoleMembers(f.ctx, domain.RoleAdmin)
	require.NoError(f.t, err)
	signers, err := f.eng.RoleMembers(f.ctx, domain.RoleSigner)
	require.NoError(f.t, err)
	trades, err := f.eng.TradesOf(f.ctx, trader)
	require.NoError(f.t, err)
	events, err := f.eng.Events(f.ctx, 0, 0)
	require.NoError(f.t, err)

	balances := make(map[common.Address]int64)
	allowances := make(map[common.Address]int64)
	for _, a := range []common.Address{custodian, trader, treasury, admin} {
		balances[a] = f.balance(a)
		allowances[a] = f.allowance(a)
	}
	return snapshot{
		settings:   st,
		admins:     admins,
		signers:    signers,
		trades:     trades,
		events:     len(events),
		balances:   balances,
		allowances: allowances,
	}
}
