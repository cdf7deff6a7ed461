package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mholetzko/permetix/internal/domain"
	"github.com/mholetzko/permetix/internal/logger"
	"github.com/mholetzko/permetix/pkg/utils"
)

// Ledger is the authoritative in-memory registry of license pools.
// Each pool carries its own mutex so unrelated pools never serialize
// each other; the registry lock only guards the pool map itself.
//
// Event and archive writes happen after the pool critical section is
// released. An event may therefore land in the buffer moments after
// the state it describes, which is acceptable: events are
// observational, the counters are authoritative.
type Ledger struct {
	mu    sync.RWMutex
	pools map[string]*poolState

	// indexMu guards the borrow id -> tool routing index. Never held
	// together with a pool mutex.
	indexMu sync.Mutex
	index   map[string]string

	sink    domain.EventSink
	archive domain.Archive
	log     *logger.Logger
	now     func() time.Time
}

// poolState bundles one pool's counters with the mutex guarding them.
// The critical section is pure arithmetic: capacity check, counter
// update, borrow-map insert/delete. No I/O under this lock.
type poolState struct {
	mu sync.Mutex

	cfg      domain.PoolConfig
	borrowed int
	// overageCharges counts per-unit overage checkouts since pool
	// creation. It never decreases, even after returns.
	overageCharges int
	active         bool
	outstanding    map[string]*domain.Borrow
}

// New creates a ledger. Both sink and archive may be shared across
// pools; pass a no-op archive for purely in-memory operation.
func New(sink domain.EventSink, archive domain.Archive, log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.DefaultLogger()
	}
	return &Ledger{
		pools:   make(map[string]*poolState),
		index:   make(map[string]string),
		sink:    sink,
		archive: archive,
		log:     log,
		now:     time.Now,
	}
}

// AddPool provisions a new pool. Fails with ErrPoolExists if the tool
// is already registered.
func (l *Ledger) AddPool(cfg domain.PoolConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pools[cfg.Tool]; ok {
		return domain.ErrPoolExists
	}
	l.pools[cfg.Tool] = &poolState{
		cfg:         cfg,
		active:      true,
		outstanding: make(map[string]*domain.Borrow),
	}
	return nil
}

// Borrow allocates one seat from the named pool. The capacity check
// and counter update commit as one atomic step under the pool mutex,
// so concurrent callers racing for the last seat resolve to exactly
// one winner.
func (l *Ledger) Borrow(ctx context.Context, tool, user string) (domain.BorrowResult, error) {
	p := l.pool(tool)
	if p == nil {
		l.emit(domain.Event{
			Kind:      domain.EventFailure,
			Tool:      tool,
			User:      user,
			Timestamp: l.now(),
			Reason:    domain.FailureUnknownTool,
		})
		return domain.BorrowResult{}, domain.ErrUnknownTool
	}

	borrow := domain.Borrow{
		ID:         utils.GenerateID(),
		Tool:       tool,
		User:       user,
		BorrowedAt: l.now().UTC(),
	}

	p.mu.Lock()
	switch {
	case !p.active:
		p.mu.Unlock()
		l.emit(domain.Event{
			Kind:      domain.EventFailure,
			Tool:      tool,
			User:      user,
			Timestamp: l.now(),
			Reason:    domain.FailureDeactivated,
		})
		return domain.BorrowResult{}, domain.ErrPoolDeactivated

	case p.borrowed >= p.cfg.Total:
		p.mu.Unlock()
		l.emit(domain.Event{
			Kind:      domain.EventFailure,
			Tool:      tool,
			User:      user,
			Timestamp: l.now(),
			Reason:    domain.FailureExhausted,
		})
		return domain.BorrowResult{}, domain.ErrCapacityExceeded
	}

	isOverage := p.borrowed >= p.cfg.Commit
	if isOverage && p.borrowed-p.cfg.Commit >= p.cfg.MaxOverage {
		p.mu.Unlock()
		l.emit(domain.Event{
			Kind:      domain.EventFailure,
			Tool:      tool,
			User:      user,
			Timestamp: l.now(),
			IsOverage: true,
			Reason:    domain.FailureMaxOverage,
		})
		return domain.BorrowResult{}, domain.ErrCapacityExceeded
	}

	borrow.IsOverage = isOverage
	p.borrowed++
	if isOverage {
		p.overageCharges++
	}
	stored := borrow
	p.outstanding[borrow.ID] = &stored
	overagePrice := p.cfg.OveragePrice
	p.mu.Unlock()

	l.indexMu.Lock()
	l.index[borrow.ID] = tool
	l.indexMu.Unlock()

	l.emit(domain.Event{
		Kind:      domain.EventBorrow,
		Tool:      tool,
		User:      user,
		Timestamp: borrow.BorrowedAt,
		IsOverage: isOverage,
	})
	l.archiveBorrow(ctx, borrow, overagePrice)

	return domain.BorrowResult{Borrow: borrow, IsOverage: isOverage}, nil
}

// Return marks an outstanding borrow as returned and frees its seat.
// Accrued overage cost is not reversed: the overage ledger counts
// usage, not occupancy.
func (l *Ledger) Return(ctx context.Context, borrowID string) (string, error) {
	l.indexMu.Lock()
	tool, ok := l.index[borrowID]
	l.indexMu.Unlock()
	if !ok {
		return "", domain.ErrUnknownBorrow
	}

	p := l.pool(tool)
	if p == nil {
		return "", domain.ErrUnknownBorrow
	}

	p.mu.Lock()
	borrow, ok := p.outstanding[borrowID]
	if !ok {
		p.mu.Unlock()
		return "", domain.ErrUnknownBorrow
	}
	delete(p.outstanding, borrowID)
	p.borrowed--
	user := borrow.User
	p.mu.Unlock()

	l.indexMu.Lock()
	delete(l.index, borrowID)
	l.indexMu.Unlock()

	l.emit(domain.Event{
		Kind:      domain.EventReturn,
		Tool:      tool,
		User:      user,
		Timestamp: l.now(),
	})
	if l.archive != nil {
		if err := l.archive.MarkReturned(ctx, borrowID); err != nil {
			l.log.Warn("archive return write failed", logger.Fields{
				"borrow_id": borrowID,
				"error":     err.Error(),
			})
		}
	}

	return tool, nil
}

// Status returns the current counters of one pool.
func (l *Ledger) Status(tool string) (domain.PoolStatus, error) {
	p := l.pool(tool)
	if p == nil {
		return domain.PoolStatus{}, domain.ErrUnknownTool
	}
	return p.status(), nil
}

// StatusAll returns every pool's status sorted by tool name. Each
// pool is read in its own short critical section; the result is not a
// single cross-pool atomic point, which is fine for dashboards.
func (l *Ledger) StatusAll() []domain.PoolStatus {
	l.mu.RLock()
	states := make([]*poolState, 0, len(l.pools))
	for _, p := range l.pools {
		states = append(states, p)
	}
	l.mu.RUnlock()

	statuses := make([]domain.PoolStatus, 0, len(states))
	for _, p := range states {
		statuses = append(statuses, p.status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Tool < statuses[j].Tool
	})
	return statuses
}

// UpdateBudget reconfigures a pool's capacity and prices. The total
// can never drop below current occupancy.
func (l *Ledger) UpdateBudget(cfg domain.PoolConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p := l.pool(cfg.Tool)
	if p == nil {
		return domain.ErrUnknownTool
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.Total < p.borrowed {
		return domain.ErrTotalBelowBorrowed
	}
	p.cfg = cfg
	return nil
}

// Deactivate soft-disables a pool: outstanding borrows stay valid and
// returnable, new borrows are refused. Pools are never deleted while
// borrows reference them.
func (l *Ledger) Deactivate(tool string) error {
	p := l.pool(tool)
	if p == nil {
		return domain.ErrUnknownTool
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
	return nil
}

// RemovePool deletes a pool outright. Refused while any borrow is
// outstanding, so no borrow id can ever dangle.
func (l *Ledger) RemovePool(tool string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pools[tool]
	if !ok {
		return domain.ErrUnknownTool
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.outstanding) > 0 {
		return domain.ErrPoolHasBorrows
	}
	delete(l.pools, tool)
	return nil
}

func (l *Ledger) pool(tool string) *poolState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pools[tool]
}

func (l *Ledger) emit(event domain.Event) {
	if l.sink != nil {
		l.sink.Record(event)
	}
}

func (l *Ledger) archiveBorrow(ctx context.Context, borrow domain.Borrow, overagePrice float64) {
	if l.archive == nil {
		return
	}
	if err := l.archive.SaveBorrow(ctx, &borrow); err != nil {
		l.log.Warn("archive borrow write failed", logger.Fields{
			"borrow_id": borrow.ID,
			"tool":      borrow.Tool,
			"error":     err.Error(),
		})
		return
	}
	if borrow.IsOverage && overagePrice > 0 {
		charge := domain.OverageCharge{
			ID:        utils.GenerateID(),
			Tool:      borrow.Tool,
			BorrowID:  borrow.ID,
			User:      borrow.User,
			ChargedAt: borrow.BorrowedAt,
			Amount:    overagePrice,
		}
		if err := l.archive.SaveOverageCharge(ctx, &charge); err != nil {
			l.log.Warn("archive charge write failed", logger.Fields{
				"borrow_id": borrow.ID,
				"tool":      borrow.Tool,
				"error":     err.Error(),
			})
		}
	}
}

func (p *poolState) status() domain.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	overage := p.borrowed - p.cfg.Commit
	if overage < 0 {
		overage = 0
	}
	overageCost := float64(p.overageCharges) * p.cfg.OveragePrice
	return domain.PoolStatus{
		Tool:               p.cfg.Tool,
		Total:              p.cfg.Total,
		Borrowed:           p.borrowed,
		Available:          p.cfg.Total - p.borrowed,
		Commit:             p.cfg.Commit,
		MaxOverage:         p.cfg.MaxOverage,
		Overage:            overage,
		InCommit:           p.borrowed <= p.cfg.Commit,
		CommitPrice:        p.cfg.CommitPrice,
		OveragePrice:       p.cfg.OveragePrice,
		CurrentOverageCost: overageCost,
		TotalCost:          p.cfg.CommitPrice + overageCost,
	}
}
