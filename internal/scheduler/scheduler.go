// Package scheduler wires the pipeline together and owns all periodic
// work: the tick consumer, candle collection, scanner triggers, trade
// monitoring and the setup execution queue.
package scheduler

import (
	"context"
	"sync"
	"time"

	"confluence-trading-bot/internal/ai"
	"confluence-trading-bot/internal/cache"
	"confluence-trading-bot/internal/candles"
	"confluence-trading-bot/internal/coinbase"
	"confluence-trading-bot/internal/confluence"
	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/events"
	"confluence-trading-bot/internal/executor"
	"confluence-trading-bot/internal/logging"
	"confluence-trading-bot/internal/monitor"
	"confluence-trading-bot/internal/notification"
	"confluence-trading-bot/internal/risk"
	"confluence-trading-bot/internal/sweeps"
	"confluence-trading-bot/internal/swings"
)

// Config holds the scheduler's timing parameters
type Config struct {
	ProductID       string
	CollectorPeriod time.Duration
	MonitorPeriod   time.Duration
	SnapshotPeriod  time.Duration
	PrunePeriod     time.Duration
	TickCoalesce    time.Duration // minimum interval between tick-driven scans
	SwingLookback   int
	PaperMode       bool
}

// Store is the slice of the repository the scheduler needs
type Store interface {
	GetFlag(ctx context.Context, name string) (bool, error)
	GetStateByID(ctx context.Context, id int64) (*database.ConfluenceState, error)
	GetSweepByID(ctx context.Context, id int64) (*database.Sweep, error)
	GetSwingByID(ctx context.Context, id int64) (*database.SwingLevel, error)
	ExpireSweep(ctx context.Context, id int64) error
}

// Scheduler drives the trading pipeline
type Scheduler struct {
	cfg       Config
	repo      Store
	client    coinbase.ExchangeClient
	stream    *coinbase.TickerStream
	collector *candles.Collector
	store     *candles.Store
	tracker   *swings.Tracker
	detector  *sweeps.Detector
	machine   *confluence.Machine
	validator *confluence.Validator
	sizer     *risk.Sizer
	gate      *risk.Gate
	advisor   *ai.Advisor
	exec      *executor.Executor
	mon       *monitor.Monitor
	bus       *events.EventBus
	cache     *cache.MarketCache
	notifier  *notification.Manager
	simulator *coinbase.Simulator // non-nil in paper mode

	ticks  chan coinbase.Ticker
	setups chan int64 // state ids ready for execution

	mu      sync.Mutex
	halted  bool
	lastRun time.Time

	log *logging.Logger
}

// Deps bundles everything the scheduler coordinates
type Deps struct {
	Repo      Store
	Client    coinbase.ExchangeClient
	Stream    *coinbase.TickerStream
	Collector *candles.Collector
	Store     *candles.Store
	Tracker   *swings.Tracker
	Detector  *sweeps.Detector
	Machine   *confluence.Machine
	Validator *confluence.Validator
	Sizer     *risk.Sizer
	Gate      *risk.Gate
	Advisor   *ai.Advisor
	Executor  *executor.Executor
	Monitor   *monitor.Monitor
	Bus       *events.EventBus
	Cache     *cache.MarketCache
	Notifier  *notification.Manager
	Simulator *coinbase.Simulator
}

// New creates the scheduler
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.TickCoalesce == 0 {
		cfg.TickCoalesce = time.Second
	}
	return &Scheduler{
		cfg:       cfg,
		repo:      deps.Repo,
		client:    deps.Client,
		stream:    deps.Stream,
		collector: deps.Collector,
		store:     deps.Store,
		tracker:   deps.Tracker,
		detector:  deps.Detector,
		machine:   deps.Machine,
		validator: deps.Validator,
		sizer:     deps.Sizer,
		gate:      deps.Gate,
		advisor:   deps.Advisor,
		exec:      deps.Executor,
		mon:       deps.Monitor,
		bus:       deps.Bus,
		cache:     deps.Cache,
		notifier:  deps.Notifier,
		simulator: deps.Simulator,
		ticks:     make(chan coinbase.Ticker, 256),
		setups:    make(chan int64, 8),
		log:       logging.WithComponent("scheduler"),
	}
}

// Run starts everything and blocks until the context is cancelled. All
// loops drain before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	// Recovery before anything moves: backfill candles, then resume or
	// expire persisted states
	if err := s.collector.Backfill(ctx); err != nil {
		s.log.Error("startup backfill failed", "error", err)
	}
	if _, _, err := s.validator.Recover(ctx); err != nil {
		return err
	}

	s.subscribe(ctx)

	if s.stream != nil {
		s.stream.OnTicker(s.enqueueTick)
		s.stream.OnFatal(func(err error) {
			s.log.Error("market data stream lost", "error", err)
			s.notifier.SendError("Market data stream lost", err.Error())
			s.bus.PublishError("stream", err)
		})
		s.stream.Start(ctx)
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			s.log.Debug("loop stopped", "loop", name)
		}()
	}

	run("ticks", s.tickLoop)
	run("setups", s.setupLoop)
	run("collector", s.collectorLoop)
	run("monitor", s.monitorLoop)
	run("snapshot", s.snapshotLoop)
	run("prune", s.pruneLoop)

	<-ctx.Done()
	wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// subscribe registers the bus handlers. Handlers run on bus goroutines
// but inherit the run context so in-flight work stops with the scheduler.
func (s *Scheduler) subscribe(ctx context.Context) {
	s.bus.Subscribe(events.EventSetupReady, func(e events.Event) {
		stateID, ok := e.Data["state_id"].(int64)
		if !ok {
			return
		}
		select {
		case s.setups <- stateID:
		default:
			s.log.Warn("setup queue full, dropping setup", "state_id", stateID)
		}
	})

	s.bus.Subscribe(events.EventCandleClosed, func(e events.Event) {
		tf, _ := e.Data["timeframe"].(string)
		s.onCandleClosed(ctx, database.Timeframe(tf))
	})

	s.bus.Subscribe(events.EventTradeClosed, func(e events.Event) {
		outcome, _ := e.Data["outcome"].(string)
		exit, _ := e.Data["exit_price"].(float64)
		pnl, _ := e.Data["pnl"].(float64)
		s.notifier.SendTradeClose(outcome, exit, pnl)
	})

	s.bus.Subscribe(events.EventEmergencyStop, func(e events.Event) {
		reason, _ := e.Data["reason"].(string)
		s.notifier.SendEmergencyStop(reason)
	})
}

// enqueueTick pushes a tick, dropping the oldest when the buffer is full
func (s *Scheduler) enqueueTick(tick coinbase.Ticker) {
	for {
		select {
		case s.ticks <- tick:
			return
		default:
			select {
			case <-s.ticks:
			default:
			}
		}
	}
}

// tickLoop consumes price ticks. Every tick updates the cache and paper
// simulator; scans are coalesced to at most one per TickCoalesce.
func (s *Scheduler) tickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-s.ticks:
			s.cache.SetLastTick(ctx, tick)
			s.bus.PublishPriceTick(tick.ProductID, tick.Price, tick.BestBid, tick.BestAsk)
			if s.simulator != nil {
				s.simulator.SetPrice(tick.Price)
			}

			s.mu.Lock()
			due := time.Since(s.lastRun) >= s.cfg.TickCoalesce
			if due {
				s.lastRun = time.Now()
			}
			s.mu.Unlock()
			if !due {
				continue
			}

			s.runTickScans(ctx, tick.Price)
		}
	}
}

func (s *Scheduler) runTickScans(ctx context.Context, price float64) {
	if s.isHalted(ctx) {
		return
	}

	now := time.Now().UTC()
	if _, err := s.detector.Check(ctx, price, now); err != nil {
		s.log.Error("sweep check failed", "error", err)
		s.bus.PublishError("sweeps", err)
	}

	recent, err := s.store.Latest(ctx, database.Timeframe5M, confluence.FVGScanWindow)
	if err != nil {
		s.log.Error("load 5M candles failed", "error", err)
		return
	}
	if err := s.machine.OnTick(ctx, recent, price, now); err != nil {
		s.log.Error("confluence tick failed", "error", err)
		s.bus.PublishError("confluence", err)
	}
}

func (s *Scheduler) onCandleClosed(ctx context.Context, tf database.Timeframe) {
	if err := s.tracker.Scan(ctx, tf); err != nil {
		s.log.Error("swing scan failed", "timeframe", string(tf), "error", err)
		s.bus.PublishError("swings", err)
	}

	if s.isHalted(ctx) {
		return
	}

	switch tf {
	case database.Timeframe4H:
		latest, err := s.store.Latest(ctx, tf, 1)
		if err != nil || len(latest) == 0 {
			return
		}
		if _, err := s.detector.Check(ctx, latest[0].Close, time.Now().UTC()); err != nil {
			s.log.Error("sweep check on close failed", "error", err)
		}
	case database.Timeframe5M:
		recent, err := s.store.Latest(ctx, tf, s.cfg.SwingLookback)
		if err != nil {
			return
		}
		if err := s.machine.OnCandleClose(ctx, recent); err != nil {
			s.log.Error("confluence close failed", "error", err)
			s.bus.PublishError("confluence", err)
		}
	}
}

func (s *Scheduler) collectorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CollectorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tf := range []database.Timeframe{database.Timeframe5M, database.Timeframe4H} {
				if err := s.collector.Collect(ctx, tf); err != nil {
					s.log.Error("candle collection failed",
						"timeframe", string(tf), "error", err)
					s.bus.PublishError("candles", err)
				}
			}
			if _, err := s.detector.ExpireStale(ctx, time.Now().UTC()); err != nil {
				s.log.Error("sweep expiry check failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.mon.CheckAll(ctx); err != nil {
				s.log.Error("monitor pass failed", "error", err)
				s.bus.PublishError("monitor", err)
			}
		}
	}
}

func (s *Scheduler) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SnapshotPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := s.client.GetMarketSnapshot(ctx, s.cfg.ProductID)
			if err != nil {
				s.log.Warn("market snapshot refresh failed", "error", err)
				continue
			}
			s.cache.SetSnapshot(ctx, snapshot)
		}
	}
}

func (s *Scheduler) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PrunePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collector.PruneRetention(ctx)
		}
	}
}

// isHalted reports whether the emergency stop flag blocks new pipeline
// work. Open trades keep being monitored regardless.
func (s *Scheduler) isHalted(ctx context.Context) bool {
	halted, err := s.repo.GetFlag(ctx, database.FlagEmergencyStop)
	if err != nil {
		s.log.Error("emergency flag read failed", "error", err)
		return true // fail closed
	}

	s.mu.Lock()
	changed := halted != s.halted
	s.halted = halted
	s.mu.Unlock()

	if changed && halted {
		s.log.Warn("emergency stop active, pipeline halted")
		s.bus.PublishEmergencyStop("operator flag set")
		// Exit open positions off the scan path; fills can take a while
		go func() {
			if err := s.mon.CloseAll(ctx); err != nil {
				s.log.Error("emergency close failed", "error", err)
				s.bus.PublishError("monitor", err)
			}
		}()
	} else if changed {
		s.log.Info("emergency stop cleared, pipeline resumed")
	}
	return halted
}
