// Package capacity implements the Capacity Monitor: mode classification,
// threshold evaluation, and wall-clock-timer-driven capacity:restored emission.
package capacity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/apexorch/apex/internal/clock"
	"github.com/apexorch/apex/internal/config"
	"github.com/apexorch/apex/internal/eventbus"
	"github.com/apexorch/apex/internal/logger"
	"github.com/apexorch/apex/internal/money"
	"github.com/apexorch/apex/internal/store"
)

// Mode is the time-of-day classification.
type Mode string

const (
	ModeDay       Mode = "day"
	ModeNight     Mode = "night"
	ModeOffHours  Mode = "off-hours"
)

// ModeInfo is the current mode and the two wall-clock anchors the monitor's
// timer is armed against.
type ModeInfo struct {
	Mode           Mode
	NextModeSwitch time.Time
	NextMidnight   time.Time
}

// thresholds is one mode's resource caps, already applied as a percentage
// of the configured hard limits.
type thresholds struct {
	tokens      int64
	cost        money.Money
	concurrency int
	budget      money.Money
}

// Decision is the result of isCapacityAvailable.
type Decision struct {
	Allowed      bool
	Reason       string
	WouldPauseAs store.PauseReason
}

// Estimate is the resource cost a caller wants to reserve before dispatch.
type Estimate struct {
	Tokens int64
	Cost   money.Money
}

// Snapshot is the monitor's current usage view.
type Snapshot struct {
	CurrentTokens int64
	CurrentCost   money.Money
	ActiveTasks   int
	DailySpent    money.Money
}

// Monitor decides whether new work may start and emits capacity:restored
// when blocked work becomes eligible again.
type Monitor struct {
	mu         sync.Mutex
	cfg        config.TimeBasedConfig
	limits     config.LimitsConfig
	clk        clock.Clock
	bus        *eventbus.Bus
	log        *logger.Logger
	snapshot   Snapshot
	wasOver    bool
	cancelArm  context.CancelFunc
	dailyBudget money.Money
	maxCost     money.Money
}

// NewMonitor constructs a Monitor. It does not arm the wake-up timer;
// call Start for that.
func NewMonitor(cfg config.TimeBasedConfig, limits config.LimitsConfig, clk clock.Clock, bus *eventbus.Bus, log *logger.Logger) (*Monitor, error) {
	dailyBudget, err := money.Parse(limits.DailyBudget)
	if err != nil {
		return nil, fmt.Errorf("capacity: invalid dailyBudget: %w", err)
	}
	maxCost, err := money.Parse(limits.MaxCostPerTask)
	if err != nil {
		return nil, fmt.Errorf("capacity: invalid maxCostPerTask: %w", err)
	}
	return &Monitor{
		cfg:         cfg,
		limits:      limits,
		clk:         clk,
		bus:         bus,
		log:         log,
		dailyBudget: dailyBudget,
		maxCost:     maxCost,
	}, nil
}

// CurrentMode classifies now per the configured hour lists.
func (m *Monitor) CurrentMode(now time.Time) Mode {
	if !m.cfg.Enabled {
		return ModeDay
	}
	hour := now.Hour()
	if containsHour(m.cfg.DayModeHours, hour) {
		return ModeDay
	}
	if containsHour(m.cfg.NightModeHours, hour) {
		return ModeNight
	}
	return ModeOffHours
}

func containsHour(hours []int, h int) bool {
	for _, x := range hours {
		if x == h {
			return true
		}
	}
	return false
}

func (m *Monitor) thresholdsFor(mode Mode) thresholds {
	var t config.ModeThresholds
	switch mode {
	case ModeDay:
		t = m.cfg.DayModeThresholds
	case ModeNight:
		t = m.cfg.NightModeThresholds
	default:
		t = m.cfg.OffHoursThresholds
	}
	return thresholds{
		tokens:      pct(m.limits.MaxTokensPerTask, t.TokensPct),
		cost:        pctMoney(m.maxCost, t.CostPct),
		concurrency: pctInt(m.limits.MaxConcurrentTasks, t.ConcurrencyPct),
		budget:      pctMoney(m.dailyBudget, t.BudgetPct),
	}
}

func pct(v int64, p int) int64     { return v * int64(p) / 100 }
func pctInt(v int, p int) int      { return v * p / 100 }
func pctMoney(v money.Money, p int) money.Money {
	return money.Money(int64(v) * int64(p) / 100)
}

// ModeInfo returns the current mode and the next two wall-clock anchors.
func (m *Monitor) ModeInfo(now time.Time) (ModeInfo, error) {
	mode := m.CurrentMode(now)
	nextSwitch, err := m.nextModeSwitch(now)
	if err != nil {
		return ModeInfo{}, err
	}
	nextMidnight := nextMidnightAfter(now)
	return ModeInfo{Mode: mode, NextModeSwitch: nextSwitch, NextMidnight: nextMidnight}, nil
}

// nextModeSwitch finds the next hour boundary at which the mode classification
// changes, using robfig/cron schedules (one "at minute 0 of hour H" schedule
// for each of the 24 hours of the day) to compute each candidate instant.
func (m *Monitor) nextModeSwitch(now time.Time) (time.Time, error) {
	if !m.cfg.Enabled {
		return now.Add(24 * time.Hour), nil
	}
	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)
	currentMode := m.CurrentMode(now)

	var candidates []time.Time
	for hour := 0; hour < 24; hour++ {
		sched, err := parser.Parse(fmt.Sprintf("0 %d * * *", hour))
		if err != nil {
			return time.Time{}, fmt.Errorf("capacity: parse hour schedule: %w", err)
		}
		next := sched.Next(now)
		candidates = append(candidates, next)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })

	for _, c := range candidates {
		if m.CurrentMode(c) != currentMode {
			return c, nil
		}
	}
	// All 24 hours classify the same (e.g. timeBasedUsage effectively constant) —
	// fall back to one day out so the timer still re-arms.
	return now.Add(24 * time.Hour), nil
}

func nextMidnightAfter(now time.Time) time.Time {
	y, mo, d := now.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, now.Location())
	if !midnight.After(now) {
		midnight = midnight.AddDate(0, 0, 1)
	}
	return midnight
}

// IsCapacityAvailable evaluates est against the current mode's thresholds.
func (m *Monitor) IsCapacityAvailable(now time.Time, est Estimate) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateLocked(now, est)
}

func (m *Monitor) evaluateLocked(now time.Time, est Estimate) Decision {
	th := m.thresholdsFor(m.CurrentMode(now))

	if m.snapshot.ActiveTasks+1 > th.concurrency {
		return Decision{Allowed: false, Reason: "concurrency_cap", WouldPauseAs: store.PauseCapacity}
	}
	if m.snapshot.CurrentTokens+est.Tokens > th.tokens {
		return Decision{Allowed: false, Reason: "tokens_cap", WouldPauseAs: store.PauseUsageLimit}
	}
	if m.snapshot.CurrentCost.Add(est.Cost).Cmp(th.cost) > 0 {
		return Decision{Allowed: false, Reason: "cost_cap", WouldPauseAs: store.PauseUsageLimit}
	}
	if m.snapshot.DailySpent.Add(est.Cost).Cmp(th.budget) > 0 {
		return Decision{Allowed: false, Reason: "budget_cap", WouldPauseAs: store.PauseBudget}
	}
	return Decision{Allowed: true}
}

func (m *Monitor) isOverLocked(now time.Time) bool {
	d := m.evaluateLocked(now, Estimate{})
	return !d.Allowed
}

// OnUsageUpdate records the dispatching task's latest cumulative token/cost
// totals and emits capacity:restored with reason capacity_dropped if the
// previous evaluation was over a threshold and the new one is not. It
// merges into the snapshot rather than overwriting it: ActiveTasks and
// DailySpent are maintained independently by TaskStarted/TaskFinished/
// AddDailySpent and must survive a usage update untouched.
func (m *Monitor) OnUsageUpdate(ctx context.Context, snap Snapshot) {
	now := m.clk.Now()
	m.mu.Lock()
	m.snapshot.CurrentTokens = snap.CurrentTokens
	m.snapshot.CurrentCost = snap.CurrentCost
	wasOver := m.wasOver
	nowOver := m.isOverLocked(now)
	m.wasOver = nowOver
	m.mu.Unlock()

	if wasOver && !nowOver {
		m.bus.Publish(ctx, eventbus.CapacityRestored{Reason: "capacity_dropped"})
	}
}

// TaskStarted records that one more task now occupies a concurrency slot.
func (m *Monitor) TaskStarted() {
	m.mu.Lock()
	m.snapshot.ActiveTasks++
	m.mu.Unlock()
}

// TaskFinished releases the concurrency slot a matching TaskStarted reserved.
func (m *Monitor) TaskFinished() {
	m.mu.Lock()
	if m.snapshot.ActiveTasks > 0 {
		m.snapshot.ActiveTasks--
	}
	m.mu.Unlock()
}

// AddDailySpent accumulates cost against the running daily total; handleWakeup
// resets it to zero when the midnight boundary is crossed.
func (m *Monitor) AddDailySpent(cost money.Money) {
	m.mu.Lock()
	m.snapshot.DailySpent = m.snapshot.DailySpent.Add(cost)
	m.mu.Unlock()
}

// Start arms the wake-up timer at min(nextModeSwitch, nextMidnight)+1s and
// keeps re-arming until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancelArm = cancel
	m.mu.Unlock()

	go m.armLoop(ctx)
	return nil
}

// Stop cancels the wake-up loop. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancelArm
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

const wakeupBuffer = 1 * time.Second

func (m *Monitor) armLoop(ctx context.Context) {
	for {
		now := m.clk.Now()
		info, err := m.ModeInfo(now)
		if err != nil {
			m.log.Error("capacity: failed to compute mode info", zap.Error(err))
			return
		}
		anchor := info.NextModeSwitch
		if info.NextMidnight.Before(anchor) {
			anchor = info.NextMidnight
		}
		anchor = anchor.Add(wakeupBuffer)

		select {
		case <-ctx.Done():
			return
		case fired, ok := <-m.clk.After(ctx, anchor):
			if !ok {
				return
			}
			m.handleWakeup(ctx, fired, info)
		}
	}
}

func (m *Monitor) handleWakeup(ctx context.Context, now time.Time, prev ModeInfo) {
	m.mu.Lock()
	prevThresholds := m.thresholdsFor(prev.Mode)
	next, err := m.ModeInfo(now)
	if err != nil {
		m.mu.Unlock()
		m.log.Error("capacity: failed to recompute mode info on wakeup", zap.Error(err))
		return
	}
	nextThresholds := m.thresholdsFor(next.Mode)

	crossedMidnight := !prev.NextMidnight.After(now)
	if crossedMidnight {
		m.snapshot.DailySpent = money.Zero
	}
	m.mu.Unlock()

	if crossedMidnight {
		m.bus.Publish(ctx, eventbus.CapacityRestored{Reason: "budget_reset"})
		return
	}

	if thresholdIncreasedOnAnyAxis(prevThresholds, nextThresholds) {
		m.bus.Publish(ctx, eventbus.CapacityRestored{Reason: "mode_switch"})
	}
}

// thresholdIncreasedOnAnyAxis implements the §4.3/§9 one-axis-higher rule:
// a mode switch emits capacity:restored iff the post-switch thresholds are
// >= the pre-switch ones on at least one axis.
func thresholdIncreasedOnAnyAxis(prev, next thresholds) bool {
	return next.tokens >= prev.tokens ||
		next.cost.Cmp(prev.cost) >= 0 ||
		next.concurrency >= prev.concurrency ||
		next.budget.Cmp(prev.budget) >= 0
}
