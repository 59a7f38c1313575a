// Package runtime drives the lease ledger, the auction engine, the crowdloan
// manager and the assigned slots one block at a time. Calls are queued with Submit and
// applied in submission order at the next Tick.
package runtime

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/eigerco/slotauction/internal/assignedslots"
	"github.com/eigerco/slotauction/internal/auction"
	"github.com/eigerco/slotauction/internal/balances"
	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/config"
	"github.com/eigerco/slotauction/internal/crowdloan"
	"github.com/eigerco/slotauction/internal/event"
	"github.com/eigerco/slotauction/internal/leases"
	"github.com/eigerco/slotauction/internal/origin"
	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/internal/registrar"
	"github.com/eigerco/slotauction/internal/store"
	"github.com/eigerco/slotauction/pkg/db"
	"github.com/eigerco/slotauction/pkg/log"
)

// Modules are the runtime modules and their collaborators, as seen by
// extrinsics and views.
type Modules struct {
	Currency  *balances.Ledger
	Registry  *registrar.Static
	Auth      *origin.Static
	Bus       *event.Bus
	Leases    *leases.Ledger
	Auction   *auction.Engine
	Crowdloan *crowdloan.Manager
	Slots     *assignedslots.Manager
	// RefundBatchSize bounds a single refund call.
	RefundBatchSize int
}

// Extrinsic is a call applied at the start of a block.
type Extrinsic struct {
	Name string
	Call func(m *Modules) error
}

// Failure records an extrinsic that returned an error. The failure does not
// affect the rest of the block.
type Failure struct {
	Name string
	Err  error
}

// Report summarizes one tick.
type Report struct {
	Block    chaintime.BlockNumber
	Period   chaintime.LeasePeriod
	Applied  int
	Failures []Failure
	// CloseErr is set when end of block auction bookkeeping failed. The
	// auction stays open and settlement is retried on the next block.
	CloseErr error
}

// Runtime owns the modules and serializes every access to them.
type Runtime struct {
	mu      sync.Mutex
	clock   chaintime.Clock
	store   *store.Store
	mods    *Modules
	queue   []Extrinsic
	metrics *runtimeMetrics
	logger  zerolog.Logger

	block   chaintime.BlockNumber
	started bool
	parent  primitives.Hash
	closed  bool
}

// New builds every module over kv, loading any persisted state. The runtime
// owns kv and closes it on Close. reg may be nil.
func New(cfg *config.Config, kv db.KVStore, reg prometheus.Registerer) (*Runtime, error) {
	clock, err := cfg.Clock()
	if err != nil {
		return nil, fmt.Errorf("lease clock: %w", err)
	}
	s := store.New(kv)
	mods := &Modules{
		Currency:        balances.New(),
		Registry:        registrar.NewStatic(),
		Auth:            origin.NewStatic(),
		Bus:             event.NewBus(reg, log.Runtime),
		RefundBatchSize: cfg.RefundBatchSize,
	}
	mods.Leases, err = leases.New(s, mods.Currency, mods.Bus, reg)
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	mods.Auction, err = auction.New(cfg.Auction(), auction.Deps{
		Store:    s,
		Ledger:   mods.Leases,
		Currency: mods.Currency,
		Auth:     mods.Auth,
		Registry: mods.Registry,
		Bus:      mods.Bus,
	}, reg)
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	mods.Crowdloan, err = crowdloan.New(cfg.Crowdloan(), crowdloan.Deps{
		Store:    s,
		Currency: mods.Currency,
		Auction:  mods.Auction,
		Leases:   mods.Leases,
		Auth:     mods.Auth,
		Registry: mods.Registry,
		Bus:      mods.Bus,
	}, reg)
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}

	mods.Slots, err = assignedslots.New(cfg.AssignedSlots(), assignedslots.Deps{
		Store:    s,
		Ledger:   mods.Leases,
		Auth:     mods.Auth,
		Registry: mods.Registry,
	}, reg)
	if err != nil {
		mods.Crowdloan.Close()
		return nil, errors.Join(err, s.Close())
	}

	r := &Runtime{
		clock:  clock,
		store:  s,
		mods:   mods,
		logger: log.Runtime,
	}
	if reg != nil {
		r.metrics = &runtimeMetrics{}
		r.metrics.init(reg)
	}
	return r, nil
}

// Submit queues x for the next block.
func (r *Runtime) Submit(x Extrinsic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, x)
	if r.metrics != nil {
		r.metrics.queued.Set(float64(len(r.queue)))
	}
}

// Tick processes block: queued extrinsics first, then crowdloan bids, then the
// auction close and lease sweep, then the temporary slot rotation. seed must be derived from earlier blocks,
// see ParentHash. Blocks must strictly increase.
func (r *Runtime) Tick(ctx context.Context, block chaintime.BlockNumber, seed primitives.Hash) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Report{}, ErrRuntimeClosed
	}
	if r.started && block <= r.block {
		return Report{}, fmt.Errorf("%w: block %d after %d", ErrBlockNotAdvancing, block, r.block)
	}

	period := r.periodOf(block)
	report := Report{Block: block, Period: period}
	r.mods.Auction.Advance(block, period)
	r.mods.Crowdloan.Advance(block, period)
	r.mods.Slots.Advance(period)

	queue := r.queue
	r.queue = nil
	for _, x := range queue {
		if err := x.Call(r.mods); err != nil {
			report.Failures = append(report.Failures, Failure{Name: x.Name, Err: err})
			r.countExtrinsic("failed")
			r.logger.Debug().Err(err).Str("call", x.Name).Uint32("block", uint32(block)).Msg("extrinsic failed")
			continue
		}
		report.Applied++
		r.countExtrinsic("applied")
	}

	r.mods.Crowdloan.Sync()
	if err := r.mods.Auction.OnTick(block, period, seed); err != nil {
		report.CloseErr = err
		r.logger.Warn().Err(err).Uint32("block", uint32(block)).Msg("end of block bookkeeping failed")
	}
	r.mods.Slots.Rotate()

	r.parent = nextParent(r.parent, block, seed)
	r.block, r.started = block, true
	if r.metrics != nil {
		r.metrics.ticks.Inc()
		r.metrics.block.Set(float64(block))
		r.metrics.queued.Set(0)
	}
	return report, nil
}

// periodOf maps block onto its lease period. Blocks before the lease offset
// belong to period 0.
func (r *Runtime) periodOf(block chaintime.BlockNumber) chaintime.LeasePeriod {
	p, _, err := r.clock.LeasePeriodOf(block)
	if err != nil {
		return 0
	}
	return p
}

// ParentHash is the hash chained over every processed block. It is known
// before the next block and is meant as that block's seed.
func (r *Runtime) ParentHash() primitives.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parent
}

// Block returns the last processed block and whether any block was processed.
func (r *Runtime) Block() (chaintime.BlockNumber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.block, r.started
}

// Clock returns the lease clock.
func (r *Runtime) Clock() chaintime.Clock {
	return r.clock
}

// Setup runs fn against the modules immediately, outside of any block. It is
// meant for genesis style configuration: endowing accounts, registering
// paras and granting privileges.
func (r *Runtime) Setup(fn func(m *Modules) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRuntimeClosed
	}
	return fn(r.mods)
}

// View runs fn with read access to the modules. fn must not mutate them.
func (r *Runtime) View(fn func(m *Modules)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.mods)
}

// Close stops event handling and closes the store.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.mods.Crowdloan.Close()
	return r.store.Close()
}

func (r *Runtime) countExtrinsic(outcome string) {
	if r.metrics != nil {
		r.metrics.extrinsics.WithLabelValues(outcome).Inc()
	}
}

func nextParent(parent primitives.Hash, block chaintime.BlockNumber, seed primitives.Hash) primitives.Hash {
	buf := make([]byte, 0, 2*len(parent)+4)
	buf = append(buf, parent[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(block))
	buf = append(buf, seed[:]...)
	return primitives.HashData(buf)
}
