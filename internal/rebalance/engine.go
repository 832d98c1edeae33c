package rebalance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// Cycle steps, numbered as reported in failure alerts.
const (
	StepFetchPrice = 1
	StepWithdraw   = 4
	StepBalances   = 5
	StepRange      = 7
	StepOpen       = 8
)

// StepError records which cycle step failed.
type StepError struct {
	Step int
	Op   string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Step, e.Op, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// IdlePolicy controls what a cycle does when no position is held.
type IdlePolicy string

const (
	// IdleNever opens only what the engine itself left pending: a withdraw
	// whose reopen failed or was skipped, or an OpenInitial that found no
	// funds. Funds the engine never touched stay idle.
	IdleNever IdlePolicy = "never"
	// IdleRecover also reopens whenever the engine has held a position before.
	IdleRecover IdlePolicy = "recover"
	// IdleAlways reopens whenever free balances allow.
	IdleAlways IdlePolicy = "always"
)

// ParseIdlePolicy maps a config string to an IdlePolicy. Empty means
// IdleRecover.
func ParseIdlePolicy(s string) (IdlePolicy, error) {
	switch p := IdlePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return IdleRecover, nil
	case IdleNever, IdleRecover, IdleAlways:
		return p, nil
	default:
		return "", fmt.Errorf("rebalance: %w: unknown idle policy %q", domain.ErrInvalidInput, s)
	}
}

// Recorder observes finished cycles. Implementations must not block for long
// and handle their own errors.
type Recorder interface {
	RecordCycle(ctx context.Context, report domain.CycleReport)
}

// Config holds the engine parameters. It is immutable once the engine is
// built.
type Config struct {
	PoolID            string
	AssetA            string
	AssetB            string
	RangeWidthPercent float64
	Interval          time.Duration
	BackoffMultiplier int
	CallTimeout       time.Duration
	IdlePolicy        IdlePolicy
}

// Deps are the collaborators of the engine. Alerter, Allocation and
// Recorders are optional.
type Deps struct {
	Oracle     domain.PriceOracle
	Ledger     domain.LedgerGateway
	Alerter    domain.Alerter
	Allocation AllocationPolicy
	Recorders  []Recorder
}

// Snapshot is a point-in-time view of the engine for observers.
type Snapshot struct {
	PoolID              string              `json:"pool_id"`
	State               domain.EngineState  `json:"state"`
	Position            domain.Position     `json:"position"`
	LastReport          *domain.CycleReport `json:"last_report,omitempty"`
	Cycles              int64               `json:"cycles"`
	Failures            int64               `json:"failures"`
	Rebalances          int64               `json:"rebalances"`
	Backoff             bool                `json:"backoff"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
}

// Engine drives the single managed position. Tick, OpenInitial and Close are
// serialized; Snapshot may be called from any goroutine.
type Engine struct {
	cfg       Config
	oracle    domain.PriceOracle
	ledger    domain.LedgerGateway
	alerter   domain.Alerter
	alloc     AllocationPolicy
	recorders []Recorder
	store     *PositionStore
	sched     *Schedule
	logger    *slog.Logger
	now       func() time.Time

	cycleMu sync.Mutex
	managed bool
	// pending is set while a withdraw or a bootstrap is still owed a reopen.
	pending bool

	mu   sync.RWMutex
	snap Snapshot
}

// NewEngine validates cfg and builds an engine. Configuration problems are
// reported as domain.ErrInvalidInput.
func NewEngine(cfg Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	var errs []error
	if deps.Oracle == nil {
		errs = append(errs, errors.New("price oracle is required"))
	}
	if deps.Ledger == nil {
		errs = append(errs, errors.New("ledger gateway is required"))
	}
	if strings.TrimSpace(cfg.PoolID) == "" {
		errs = append(errs, errors.New("pool id is required"))
	}
	if cfg.AssetA == "" || cfg.AssetB == "" {
		errs = append(errs, errors.New("both pool assets are required"))
	}
	if err := ValidateWidth(cfg.RangeWidthPercent); err != nil {
		errs = append(errs, err)
	}
	if cfg.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", cfg.Interval))
	}
	if cfg.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("backoff multiplier must be >= 1, got %d", cfg.BackoffMultiplier))
	}
	if cfg.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("call timeout must be positive, got %s", cfg.CallTimeout))
	}
	if cfg.IdlePolicy == "" {
		cfg.IdlePolicy = IdleRecover
	}
	if _, err := ParseIdlePolicy(string(cfg.IdlePolicy)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("rebalance: %w: %w", domain.ErrInvalidInput, errors.Join(errs...))
	}

	alloc := deps.Allocation
	if alloc == nil {
		alloc = DefaultSplit
	}

	e := &Engine{
		cfg:       cfg,
		oracle:    deps.Oracle,
		ledger:    deps.Ledger,
		alerter:   deps.Alerter,
		alloc:     alloc,
		recorders: deps.Recorders,
		store:     NewPositionStore(),
		sched:     NewSchedule(cfg.Interval, cfg.BackoffMultiplier),
		logger:    logger.With(slog.String("component", "rebalance_engine"), slog.String("pool", cfg.PoolID)),
		now:       time.Now,
	}
	e.snap = Snapshot{
		PoolID:   cfg.PoolID,
		State:    domain.EngineIdle,
		Position: domain.Position{Status: domain.PositionStatusNone},
	}
	return e, nil
}

// Run executes cycles until ctx is cancelled. The first cycle starts
// immediately. A cycle in flight when ctx is cancelled runs to completion on
// a context detached from the cancellation; Run then returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "rebalance engine started",
		slog.Float64("range_width_percent", e.cfg.RangeWidthPercent),
		slog.Duration("interval", e.sched.Interval()),
		slog.Duration("backoff_interval", e.sched.BackoffInterval()),
		slog.String("idle_policy", string(e.cfg.IdlePolicy)),
	)

	cycleCtx := context.WithoutCancel(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		report := e.Tick(cycleCtx)

		timer := time.NewTimer(report.NextDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.InfoContext(cycleCtx, "rebalance engine stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tick runs one cycle: fetch the price, and if the position left its range,
// withdraw it and reopen around the new price. Failures are folded into the
// returned report; they never mutate the position before the ledger confirms.
func (e *Engine) Tick(ctx context.Context) domain.CycleReport {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	report := e.newReport()
	err := e.cycle(ctx, &report)
	e.finish(ctx, &report, err)
	return report
}

// OpenInitial opens the first position around the current price. It is the
// explicit bootstrap path; Tick never opens from a fresh idle state unless
// the idle policy says so. When balances are too low the open stays pending
// and later cycles retry it under every policy. It fails with
// domain.ErrAlreadyOpen when a position is held.
func (e *Engine) OpenInitial(ctx context.Context) (domain.CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if pos, open := e.store.Current(); open {
		return domain.CycleReport{}, fmt.Errorf("rebalance: open initial: %w (holding %s)", domain.ErrAlreadyOpen, pos.Handle)
	}

	report := e.newReport()
	err := func() error {
		point, err := e.fetchPrice(ctx)
		if err != nil {
			return err
		}
		report.Price = point.Value

		e.setState(domain.EngineRebalancing)
		opened, err := e.reopen(ctx, point.Value)
		if err != nil {
			return err
		}
		if opened == nil {
			e.pending = true
			report.Outcome = domain.OutcomeInsufficientFunds
			return nil
		}
		report.Opened = opened
		report.Outcome = domain.OutcomeOpened
		return nil
	}()
	e.finish(ctx, &report, err)
	return report, err
}

// Close withdraws the held position, if any. It returns false when nothing
// was held. The result is reported to recorders but does not touch the
// schedule.
func (e *Engine) Close(ctx context.Context) (bool, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	pos, open := e.store.Current()
	if !open {
		return false, nil
	}

	report := e.newReport()
	err := e.withdraw(ctx, pos)
	if err == nil {
		e.pending = false
		report.Outcome = domain.OutcomeWithdrawn
		report.Withdrawn = &pos
	}
	e.settle(ctx, &report, err, false)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot returns a copy of the engine's observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := e.snap
	if s.LastReport != nil {
		r := *s.LastReport
		s.LastReport = &r
	}
	return s
}

func (e *Engine) newReport() domain.CycleReport {
	return domain.CycleReport{
		ID:        uuid.NewString(),
		PoolID:    e.cfg.PoolID,
		StartedAt: e.now().UTC(),
	}
}

func (e *Engine) cycle(ctx context.Context, report *domain.CycleReport) error {
	point, err := e.fetchPrice(ctx)
	if err != nil {
		return err
	}
	report.Price = point.Value

	if e.store.IsInRange(point.Value) {
		report.Outcome = domain.OutcomeInRange
		return nil
	}

	pos, open := e.store.Current()
	if !open && !e.reopenWhenIdle() {
		report.Outcome = domain.OutcomeIdle
		return nil
	}

	e.setState(domain.EngineRebalancing)
	if open {
		e.logger.InfoContext(ctx, "position out of range, rebalancing",
			slog.String("handle", pos.Handle),
			slog.Float64("price", point.Value),
			slog.Float64("lower", pos.LowerBound),
			slog.Float64("upper", pos.UpperBound),
		)
		if err := e.withdraw(ctx, pos); err != nil {
			return err
		}
		e.pending = true
		report.Withdrawn = &pos
	} else {
		e.logger.InfoContext(ctx, "no position held, reopening from free balances",
			slog.Float64("price", point.Value),
		)
	}

	opened, err := e.reopen(ctx, point.Value)
	if err != nil {
		return err
	}
	switch {
	case opened == nil:
		report.Outcome = domain.OutcomeInsufficientFunds
	case open:
		report.Opened = opened
		report.Outcome = domain.OutcomeRebalanced
	default:
		report.Opened = opened
		report.Outcome = domain.OutcomeOpened
	}
	return nil
}

func (e *Engine) reopenWhenIdle() bool {
	switch e.cfg.IdlePolicy {
	case IdleAlways:
		return true
	case IdleNever:
		return e.pending
	default:
		return e.managed || e.pending
	}
}

func (e *Engine) fetchPrice(ctx context.Context) (domain.PricePoint, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	point, err := e.oracle.GetPrice(callCtx, e.cfg.PoolID)
	if err != nil {
		if !errors.Is(err, domain.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrPriceUnavailable, err)
		}
		return domain.PricePoint{}, &StepError{Step: StepFetchPrice, Op: "fetch price", Err: err}
	}
	return point, nil
}

// withdraw closes pos on the ledger and only then clears the store.
func (e *Engine) withdraw(ctx context.Context, pos domain.Position) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	ok, err := e.ledger.WithdrawPosition(callCtx, pos.Handle)
	if err != nil {
		return &StepError{Step: StepWithdraw, Op: "withdraw position", Err: ledgerErr(err)}
	}
	if !ok {
		e.logger.WarnContext(ctx, "ledger has no such position, treating it as closed",
			slog.String("handle", pos.Handle),
		)
	}
	e.store.Withdraw()

	e.logger.InfoContext(ctx, "position withdrawn",
		slog.String("handle", pos.Handle),
		slog.Float64("amount_a", pos.AmountA),
		slog.Float64("amount_b", pos.AmountB),
	)
	return nil
}

// reopen runs steps 5 to 8. It returns a nil position, without error, when
// the allocation leaves nothing to deposit.
func (e *Engine) reopen(ctx context.Context, price float64) (*domain.Position, error) {
	balanceA, err := e.balance(ctx, e.cfg.AssetA)
	if err != nil {
		return nil, err
	}
	balanceB, err := e.balance(ctx, e.cfg.AssetB)
	if err != nil {
		return nil, err
	}

	amountA, amountB := e.alloc.Allocate(balanceA, balanceB)

	rng, err := CalculateRange(price, e.cfg.RangeWidthPercent)
	if err != nil {
		return nil, &StepError{Step: StepRange, Op: "calculate range", Err: err}
	}
	// Store the band the ledger will really use, so range checks match it.
	if a, ok := e.ledger.(domain.RangeAligner); ok {
		lower, upper, err := a.AlignRange(rng.Lower, rng.Upper)
		if err != nil {
			return nil, &StepError{Step: StepRange, Op: "align range", Err: err}
		}
		rng = domain.PriceRange{Lower: lower, Upper: upper}
	}

	if amountA <= 0 || amountB <= 0 {
		e.logger.InfoContext(ctx, "insufficient funds, not reopening",
			slog.Float64("balance_a", balanceA),
			slog.Float64("balance_b", balanceB),
		)
		return nil, nil
	}

	for _, asset := range []string{e.cfg.AssetA, e.cfg.AssetB} {
		if err := e.createAccount(ctx, asset); err != nil {
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	handle, err := e.ledger.OpenPosition(callCtx, rng.Lower, rng.Upper, amountA, amountB)
	if err != nil {
		return nil, &StepError{Step: StepOpen, Op: "open position", Err: ledgerErr(err)}
	}

	pos, err := e.store.Open(handle, rng.Lower, rng.Upper, amountA, amountB)
	if err != nil {
		e.logger.ErrorContext(ctx, "ledger opened a position the store refused",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
		return nil, &StepError{Step: StepOpen, Op: "record position", Err: err}
	}
	e.managed = true
	e.pending = false

	e.logger.InfoContext(ctx, "position opened",
		slog.String("handle", pos.Handle),
		slog.Float64("lower", pos.LowerBound),
		slog.Float64("upper", pos.UpperBound),
		slog.Float64("amount_a", pos.AmountA),
		slog.Float64("amount_b", pos.AmountB),
	)
	return &pos, nil
}

func (e *Engine) balance(ctx context.Context, asset string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	bal, err := e.ledger.GetBalance(callCtx, asset)
	if err != nil {
		return 0, &StepError{Step: StepBalances, Op: "get balance " + asset, Err: ledgerErr(err)}
	}
	return bal, nil
}

func (e *Engine) createAccount(ctx context.Context, asset string) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	if _, err := e.ledger.CreateAccount(callCtx, asset); err != nil {
		return &StepError{Step: StepOpen, Op: "create account " + asset, Err: ledgerErr(err)}
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, report *domain.CycleReport, err error) {
	e.settle(ctx, report, err, true)
}

// settle completes report, publishes it to the snapshot and fans it out to
// the log, the alerter and the recorders. Only scheduled cycles advance the
// schedule and the cycle counters.
func (e *Engine) settle(ctx context.Context, report *domain.CycleReport, err error, scheduled bool) {
	report.FinishedAt = e.now().UTC()
	if err != nil {
		report.Outcome = domain.OutcomeFailed
		report.Error = err.Error()
		var se *StepError
		if errors.As(err, &se) {
			report.FailedStep = se.Step
		}
	}
	if scheduled {
		report.NextDelay = e.sched.Next(err != nil)
	}

	pos, open := e.store.Current()
	report.State = domain.EngineIdle
	if open {
		report.State = domain.EngineHolding
	}

	e.mu.Lock()
	var prev domain.CycleOutcome
	if e.snap.LastReport != nil {
		prev = e.snap.LastReport.Outcome
	}
	e.snap.State = report.State
	e.snap.Position = pos
	last := *report
	e.snap.LastReport = &last
	if scheduled {
		e.snap.Cycles++
		if report.Failed() {
			e.snap.Failures++
		}
		if report.Outcome == domain.OutcomeRebalanced {
			e.snap.Rebalances++
		}
		e.snap.Backoff = e.sched.InBackoff()
		e.snap.ConsecutiveFailures = e.sched.ConsecutiveFailures()
	}
	e.mu.Unlock()

	e.logCycle(ctx, *report)
	e.alert(ctx, *report, prev)

	for _, r := range e.recorders {
		r.RecordCycle(ctx, *report)
	}
}

func (e *Engine) logCycle(ctx context.Context, r domain.CycleReport) {
	attrs := []any{
		slog.String("cycle_id", r.ID),
		slog.String("outcome", string(r.Outcome)),
		slog.Float64("price", r.Price),
		slog.String("state", string(r.State)),
		slog.Duration("took", r.Duration()),
		slog.Duration("next_in", r.NextDelay),
	}
	if r.Failed() {
		attrs = append(attrs, slog.Int("step", r.FailedStep), slog.String("error", r.Error))
		e.logger.ErrorContext(ctx, "cycle failed", attrs...)
		return
	}
	if r.Outcome.Mutated() {
		e.logger.InfoContext(ctx, "cycle finished", attrs...)
		return
	}
	e.logger.DebugContext(ctx, "cycle finished", attrs...)
}

// alert sends one notification per cycle that changed, or tried to change,
// the position. A skip that repeats the previous cycle's skip without a
// withdraw is not notified again.
func (e *Engine) alert(ctx context.Context, r domain.CycleReport, prev domain.CycleOutcome) {
	if !r.Outcome.Mutated() {
		return
	}

	switch r.Outcome {
	case domain.OutcomeRebalanced:
		e.notify(ctx, "rebalance_completed", "Position rebalanced", fmt.Sprintf(
			"price %s left [%s, %s]; reopened at [%s, %s] with %s A / %s B",
			fmtPrice(r.Price),
			fmtPrice(r.Withdrawn.LowerBound), fmtPrice(r.Withdrawn.UpperBound),
			fmtPrice(r.Opened.LowerBound), fmtPrice(r.Opened.UpperBound),
			fmtPrice(r.Opened.AmountA), fmtPrice(r.Opened.AmountB),
		))
	case domain.OutcomeOpened:
		e.notify(ctx, "position_opened", "Position opened", fmt.Sprintf(
			"opened %s at [%s, %s] with %s A / %s B (price %s)",
			r.Opened.Handle,
			fmtPrice(r.Opened.LowerBound), fmtPrice(r.Opened.UpperBound),
			fmtPrice(r.Opened.AmountA), fmtPrice(r.Opened.AmountB),
			fmtPrice(r.Price),
		))
	case domain.OutcomeInsufficientFunds:
		if r.Withdrawn == nil && prev == domain.OutcomeInsufficientFunds {
			return
		}
		msg := fmt.Sprintf("insufficient funds to open a position at price %s; staying idle", fmtPrice(r.Price))
		if r.Withdrawn != nil {
			msg = fmt.Sprintf("withdrew %s at price %s but balances are too low to reopen; staying idle",
				r.Withdrawn.Handle, fmtPrice(r.Price))
		}
		e.notify(ctx, "rebalance_skipped", "Rebalance skipped", msg)
	case domain.OutcomeWithdrawn:
		e.notify(ctx, "position_withdrawn", "Position withdrawn", fmt.Sprintf(
			"withdrew position %s [%s, %s]",
			r.Withdrawn.Handle, fmtPrice(r.Withdrawn.LowerBound), fmtPrice(r.Withdrawn.UpperBound),
		))
	case domain.OutcomeFailed:
		msg := fmt.Sprintf("failed at step %d: %s", r.FailedStep, r.Error)
		if r.NextDelay > 0 {
			msg += fmt.Sprintf("; next attempt in %s", r.NextDelay)
		}
		if r.Withdrawn != nil {
			msg += fmt.Sprintf(" (position %s already withdrawn, funds are idle)", r.Withdrawn.Handle)
		}
		e.notify(ctx, "rebalance_failed", "Rebalance failed", msg)
	}
}

// notify is best effort: a delivery failure is logged and otherwise ignored.
func (e *Engine) notify(ctx context.Context, event, title, message string) {
	if e.alerter == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	if err := e.alerter.Notify(notifyCtx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) setState(s domain.EngineState) {
	e.mu.Lock()
	e.snap.State = s
	e.mu.Unlock()
}

func ledgerErr(err error) error {
	if errors.Is(err, domain.ErrLedgerOperationFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrLedgerOperationFailed, err)
}

func fmtPrice(v float64) string {
	return fmt.Sprintf("%.6g", v)
}
