package candles

import (
	"context"
	"time"

	"confluence-trading-bot/internal/coinbase"
	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/errs"
	"confluence-trading-bot/internal/events"
	"confluence-trading-bot/internal/logging"
)

// Collector pulls closed candles from the exchange into the store. It
// backfills gaps after downtime and publishes a candle-close event for each
// newly inserted bucket.
type Collector struct {
	store     *Store
	client    coinbase.ExchangeClient
	bus       *events.EventBus
	productID string

	retention4H int           // buckets
	retention5M time.Duration // age
	lastSeen    map[database.Timeframe]time.Time
	log         *logging.Logger
}

// NewCollector creates a collector for one product
func NewCollector(store *Store, client coinbase.ExchangeClient, bus *events.EventBus, productID string, retention4H int, retention5MDays int) *Collector {
	return &Collector{
		store:       store,
		client:      client,
		bus:         bus,
		productID:   productID,
		retention4H: retention4H,
		retention5M: time.Duration(retention5MDays) * 24 * time.Hour,
		lastSeen:    make(map[database.Timeframe]time.Time),
		log:         logging.WithComponent("collector"),
	}
}

// Backfill fills any gap between the newest stored candle and now. Run at
// startup before the state machine resumes.
func (c *Collector) Backfill(ctx context.Context) error {
	for _, tf := range []database.Timeframe{database.Timeframe4H, database.Timeframe5M} {
		if err := c.backfillTimeframe(ctx, tf); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) backfillTimeframe(ctx context.Context, tf database.Timeframe) error {
	now := time.Now().UTC()
	lookback := c.lookbackFor(tf, now)

	stored, err := c.store.Range(ctx, tf, lookback, now)
	if err != nil {
		return err
	}

	missing := MissingBuckets(tf, stored, lookback, BucketStart(tf, now))
	if len(missing) == 0 {
		c.markSeen(tf, stored)
		return nil
	}

	c.log.Info("backfilling candle gap",
		"timeframe", string(tf), "missing", len(missing))

	// One fetch covers the whole gap; missing buckets are contiguous in
	// practice after downtime
	inserted, err := c.fetchRange(ctx, tf, missing[0], missing[len(missing)-1].Add(tf.Duration()))
	if err != nil {
		return err
	}

	c.log.Info("backfill complete", "timeframe", string(tf), "inserted", inserted)
	c.markSeen(tf, stored)
	return nil
}

// Collect fetches candles closed since the last poll, inserts them and
// publishes close events. Called on the scheduler's collector tick.
func (c *Collector) Collect(ctx context.Context, tf database.Timeframe) error {
	now := time.Now().UTC()
	lastClosed := LastClosedBucket(tf, now)

	from, ok := c.lastSeen[tf]
	if !ok {
		from = lastClosed
	} else {
		from = from.Add(tf.Duration())
	}
	if from.After(lastClosed) {
		return nil // nothing new closed yet
	}

	_, err := c.fetchRange(ctx, tf, from, lastClosed.Add(tf.Duration()))
	return err
}

// PruneRetention enforces the retention policy for both timeframes
func (c *Collector) PruneRetention(ctx context.Context) {
	now := time.Now().UTC()

	cutoff4H := BucketStart(database.Timeframe4H, now).
		Add(-time.Duration(c.retention4H) * database.Timeframe4H.Duration())
	if n, err := c.store.Prune(ctx, database.Timeframe4H, cutoff4H); err != nil {
		c.log.Error("prune 4H candles failed", "error", err)
	} else if n > 0 {
		c.log.Debug("pruned 4H candles", "count", n)
	}

	cutoff5M := now.Add(-c.retention5M)
	if n, err := c.store.Prune(ctx, database.Timeframe5M, cutoff5M); err != nil {
		c.log.Error("prune 5M candles failed", "error", err)
	} else if n > 0 {
		c.log.Debug("pruned 5M candles", "count", n)
	}
}

func (c *Collector) fetchRange(ctx context.Context, tf database.Timeframe, from, to time.Time) (int, error) {
	granularity := coinbase.GranularityFourHour
	if tf == database.Timeframe5M {
		granularity = coinbase.GranularityFiveMinute
	}

	var fetched []coinbase.CandleData
	err := errs.Retry(ctx, errs.DefaultRetryConfig(), func() error {
		var fetchErr error
		fetched, fetchErr = c.client.GetCandles(ctx, c.productID, granularity, from, to)
		if fetchErr != nil {
			return errs.New(errs.Classify(fetchErr), "candle_fetch", fetchErr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, raw := range fetched {
		candle := &database.Candle{
			Timeframe:   tf,
			BucketStart: raw.Start,
			Open:        raw.Open,
			High:        raw.High,
			Low:         raw.Low,
			Close:       raw.Close,
			Volume:      raw.Volume,
		}
		result, err := c.store.Insert(ctx, candle)
		if err != nil {
			return inserted, err
		}
		if result == database.InsertInserted {
			inserted++
			c.bus.PublishCandleClosed(string(tf), candle.BucketStart, candle.Close)
		}
		if last, ok := c.lastSeen[tf]; !ok || candle.BucketStart.After(last) {
			c.lastSeen[tf] = candle.BucketStart
		}
	}
	return inserted, nil
}

func (c *Collector) lookbackFor(tf database.Timeframe, now time.Time) time.Time {
	if tf == database.Timeframe4H {
		return now.Add(-time.Duration(c.retention4H) * database.Timeframe4H.Duration())
	}
	return now.Add(-c.retention5M)
}

func (c *Collector) markSeen(tf database.Timeframe, stored []*database.Candle) {
	if len(stored) > 0 {
		last := stored[len(stored)-1].BucketStart
		if prev, ok := c.lastSeen[tf]; !ok || last.After(prev) {
			c.lastSeen[tf] = last
		}
	}
}
