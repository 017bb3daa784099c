// Package engine owns every state transition of the escrow: trade creation,
// resolution and claim, role administration, the pause gate and custody withdrawal.
//
// Operations run one at a time. Each one reads the clock once, runs inside a single
// storage transaction and records its custody movements in a journal. If anything
// fails after a movement completed, the journal reverses it before the error is returned.
// Events are appended to the ledger in the same transaction and published after commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"trade-escrow/internal/custody"
	"trade-escrow/internal/domain"
	"trade-escrow/internal/observability"
	"trade-escrow/internal/storage"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Publisher receives the events of every committed operation, in commit order.
// Publish is called with the engine lock held and must not block.
type Publisher interface {
	Publish(ctx context.Context, events []*domain.Event)
}

// Engine is the escrow state machine.
type Engine struct {
	mu sync.Mutex

	store     storage.Store
	ledger    custody.Ledger
	custodian common.Address
	clock     Clock
	publisher Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// Options for creating Engine.
type Options struct {
	// Required
	Store     storage.Store
	Ledger    custody.Ledger
	Custodian common.Address // account holding escrowed funds on the asset ledger

	// Optional
	Clock     Clock                  // defaults to SystemClock
	Publisher Publisher              // committed events are dropped if nil
	Metrics   *observability.Metrics // metrics are not recorded if nil
	Logger    *slog.Logger           // defaults to slog.Default()
}

// New creates a new Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("engine: custody ledger is required")
	}
	if opts.Custodian == (common.Address{}) {
		return nil, fmt.Errorf("engine: custodian account is required")
	}

	e := &Engine{
		store:     opts.Store,
		ledger:    opts.Ledger,
		custodian: opts.Custodian,
		clock:     opts.Clock,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if e.clock == nil {
		e.clock = SystemClock
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "engine")

	return e, nil
}

// Custodian returns the custody account.
func (e *Engine) Custodian() common.Address {
	return e.custodian
}

// op is the state of one running operation.
type op struct {
	ctx     context.Context
	tx      storage.Tx
	now     time.Time
	caller  common.Address
	journal *custody.Journal
	events  []*domain.Event

	settings *domain.Settings
}

// unix returns the operation time in unix seconds.
func (o *op) unix() uint64 {
	s := o.now.Unix()
	if s < 0 {
		return 0
	}
	return uint64(s)
}

func (o *op) loadSettings() (*domain.Settings, error) {
	if o.settings != nil {
		return o.settings, nil
	}
	st, err := o.tx.Settings(o.ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	o.settings = st
	return st, nil
}

func (o *op) saveSettings() error {
	if err := o.tx.PutSettings(o.ctx, o.settings); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (o *op) requireInitialized() error {
	st, err := o.loadSettings()
	if err != nil {
		return err
	}
	if !st.Initialized {
		return domain.ErrNotInitialized
	}
	return nil
}

func (o *op) requireNotPaused() error {
	st, err := o.loadSettings()
	if err != nil {
		return err
	}
	if st.Paused {
		return domain.ErrEnforcedPause
	}
	return nil
}

// isAdmin reports whether account holds the ADMIN capability.
// The owner carries it implicitly.
func (o *op) isAdmin(account common.Address) (bool, error) {
	for _, role := range []domain.Role{domain.RoleOwner, domain.RoleAdmin} {
		held, err := o.tx.HasRole(o.ctx, role, account)
		if err != nil {
			return false, fmt.Errorf("check %s role: %w", role, err)
		}
		if held {
			return true, nil
		}
	}
	return false, nil
}

func (o *op) requireAdmin() error {
	ok, err := o.isAdmin(o.caller)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrCallerIsNotAdmin
	}
	return nil
}

func (o *op) emit(ev *domain.Event) {
	o.events = append(o.events, ev)
}

func (o *op) event(kind domain.EventKind) *domain.Event {
	return domain.NewEvent(kind, o.caller, o.now)
}

// mutate runs fn as one atomic operation on behalf of caller.
// The caller's cancellation is ignored once the operation has started.
func (e *Engine) mutate(ctx context.Context, name string, caller common.Address, fn func(o *op) error) (err error) {
	start := time.Now()
	defer func() {
		e.metrics.ObserveOperation(name, err, time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	o := &op{
		ctx:     ctx,
		now:     e.clock.Now().UTC(),
		caller:  caller,
		journal: custody.NewJournal(e.ledger, e.custodian, e.logger, e.metrics),
	}

	err = e.store.Update(ctx, func(tx storage.Tx) error {
		o.tx = tx
		if err := fn(o); err != nil {
			return err
		}
		for _, ev := range o.events {
			if err := tx.AppendEvent(ctx, ev); err != nil {
				return fmt.Errorf("append %s event: %w", ev.Kind, err)
			}
		}
		return nil
	})
	if err != nil {
		if o.journal.Len() > 0 {
			if cerr := o.journal.Compensate(ctx); cerr != nil {
				err = fmt.Errorf("%w: %w", cerr, err)
			}
		}
		e.logger.Debug("operation rejected",
			"op", name,
			"caller", caller.Hex(),
			"error", err,
		)
		return err
	}

	if o.settings != nil {
		e.metrics.SetPaused(o.settings.Paused)
	}
	for _, ev := range o.events {
		e.metrics.ObserveEvent(ev.Kind)
	}
	e.logger.Info("operation committed",
		"op", name,
		"caller", caller.Hex(),
		"events", len(o.events),
	)
	if e.publisher != nil && len(o.events) > 0 {
		e.publisher.Publish(ctx, o.events)
	}
	return nil
}

// view runs fn against a read-only snapshot of an initialized engine.
func (e *Engine) view(ctx context.Context, fn func(o *op) error) error {
	return e.store.View(ctx, func(tx storage.Tx) error {
		o := &op{ctx: ctx, tx: tx, now: e.clock.Now().UTC()}
		if err := o.requireInitialized(); err != nil {
			return err
		}
		return fn(o)
	})
}

// loadTrade maps a missing trade to domain.ErrTradeNotFound.
func (o *op) loadTrade(id uint64) (*domain.Trade, error) {
	t, err := o.tx.Trade(o.ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: trade %d", domain.ErrTradeNotFound, id)
		}
		return nil, fmt.Errorf("load trade %d: %w", id, err)
	}
	return t, nil
}
