package sentinelzero

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// batchFailuresForLag is the consecutive-flush-failure count at which a
// recordBatcher reports persistence lag (§4.A: "retried with exponential
// backoff ... persistence_lag after three failures").
const batchFailuresForLag = 3

const (
	batchFlushBaseBackoff = 200 * time.Millisecond
	batchFlushMaxBackoff  = 30 * time.Second
)

// recordBatcher buffers one workload's append-only records (log lines or
// metric samples) in memory and flushes them to the store in batches
// (§4.A: "batched (default 100 rows or 200 ms) ... retried with
// exponential backoff"), mirroring the Supervisor's outbox/tryPersist
// retry shape (supervisor.go) but sized for append volume: records queue
// until a batch threshold or timer fires, and a failed batch is put back
// and persisted as one unit on retry rather than one record at a time,
// so a single store write/sync serves the whole batch instead of one per
// record. The queue is bounded per §5 backpressure ("bounded per-workload
// in-memory queues (10,000 records)"); overflow drops the oldest record
// and reports log_dropped(count). Generic over LogRecord and
// MetricSample since §4.A specifies the identical batching/retry/lag
// contract for both ("Log/metric appends are batched ... the same way").
type recordBatcher[T any] struct {
	workloadID string
	persist    func(ctx context.Context, batch []T) error
	out        chan<- Event
	logger     *zap.Logger
	kind       string // "log" or "metric", for log messages only

	batchSize int
	interval  time.Duration
	queueMax  int

	mu               sync.Mutex
	queue            []T
	dropped          int
	consecutiveFails int
	backoff          time.Duration
	nextAttempt      time.Time

	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	lagAtom int64 // 1 once consecutiveFails >= batchFailuresForLag; read by Coordinator.Health
}

func newRecordBatcher[T any](workloadID, kind string, persist func(context.Context, []T) error, out chan<- Event, batchSize int, interval time.Duration, queueMax int, logger *zap.Logger) *recordBatcher[T] {
	b := &recordBatcher[T]{
		workloadID: workloadID,
		persist:    persist,
		out:        out,
		logger:     logger,
		kind:       kind,
		batchSize:  batchSize,
		interval:   interval,
		queueMax:   queueMax,
		kick:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go b.run()
	return b
}

// logBatcher batches LogRecords for one workload's output capture.
type logBatcher = recordBatcher[LogRecord]

// newLogBatcher constructs a logBatcher writing through store.AppendLog.
func newLogBatcher(workloadID string, store StoreGateway, out chan<- Event, cfg *Config, logger *zap.Logger) *logBatcher {
	return newRecordBatcher[LogRecord](workloadID, "log", store.AppendLog, out, cfg.LogFlushBatch, cfg.LogFlushInterval(), cfg.LogQueueMax, logger)
}

// metricBatcher batches MetricSamples for one workload's resource sampling.
type metricBatcher = recordBatcher[MetricSample]

// newMetricBatcher constructs a metricBatcher writing through
// store.AppendMetric, sharing the log path's batch-size/interval/queue-max
// configuration (§4.A draws no distinction between the two append
// streams' batching policy).
func newMetricBatcher(workloadID string, store StoreGateway, out chan<- Event, cfg *Config, logger *zap.Logger) *metricBatcher {
	return newRecordBatcher[MetricSample](workloadID, "metric", store.AppendMetric, out, cfg.LogFlushBatch, cfg.LogFlushInterval(), cfg.LogQueueMax, logger)
}

// Enqueue adds rec to the batch, dropping the oldest queued record and
// emitting log_dropped if the in-memory queue is already at capacity.
func (b *recordBatcher[T]) Enqueue(rec T) {
	b.mu.Lock()
	overflowed := false
	if len(b.queue) >= b.queueMax {
		b.queue = b.queue[1:]
		b.dropped++
		overflowed = true
	}
	b.queue = append(b.queue, rec)
	full := len(b.queue) >= b.batchSize
	dropped := b.dropped
	b.mu.Unlock()

	if overflowed {
		select {
		case b.out <- &EventLogDropped{WID: b.workloadID, Count: dropped}:
		default:
		}
	}
	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Lagging reports whether the last batchFailuresForLag consecutive flush
// attempts have all failed, surfaced via Coordinator.Health as
// persistence lag (§4.F.4).
func (b *recordBatcher[T]) Lagging() bool {
	return atomic.LoadInt64(&b.lagAtom) == 1
}

// Stop flushes whatever remains queued and stops the batcher's goroutine.
func (b *recordBatcher[T]) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

func (b *recordBatcher[T]) run() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			b.mu.Lock()
			b.nextAttempt = time.Time{}
			b.mu.Unlock()
			b.flush()
			return
		case <-ticker.C:
			b.flush()
		case <-b.kick:
			b.flush()
		}
	}
}

// flush drains the queue and persists it as one batch via a single store
// call, bounding write amplification to one underlying write/sync per
// batch instead of one per record (§4.A). A failed batch is put back at
// the front of the queue (subject to the same bounded-queue overflow rule
// as Enqueue) and retried no sooner than an exponentially growing backoff
// after the failure, rather than on every subsequent ticker/kick.
func (b *recordBatcher[T]) flush() {
	b.mu.Lock()
	if len(b.queue) == 0 || time.Now().Before(b.nextAttempt) {
		b.mu.Unlock()
		return
	}
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := b.persist(ctx, batch)
	cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.queue = append(batch, b.queue...)
		if len(b.queue) > b.queueMax {
			excess := len(b.queue) - b.queueMax
			b.queue = b.queue[excess:]
			b.dropped += excess
		}
		b.consecutiveFails++
		if b.backoff == 0 {
			b.backoff = batchFlushBaseBackoff
		} else if b.backoff < batchFlushMaxBackoff {
			b.backoff *= 2
			if b.backoff > batchFlushMaxBackoff {
				b.backoff = batchFlushMaxBackoff
			}
		}
		b.nextAttempt = time.Now().Add(b.backoff)
		if b.consecutiveFails >= batchFailuresForLag {
			atomic.StoreInt64(&b.lagAtom, 1)
		}
		b.logger.Warn(b.kind+" batch flush failed",
			zap.String("workload_id", b.workloadID),
			zap.Int("consecutive_failures", b.consecutiveFails),
			zap.Error(err))
		return
	}

	b.consecutiveFails = 0
	b.backoff = 0
	atomic.StoreInt64(&b.lagAtom, 0)
}
