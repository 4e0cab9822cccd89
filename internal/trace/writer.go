package trace

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const writerBatchSize = 64

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

// Mutation is one asynchronous write of trace rows, as the coordinator or a
// replica would issue it. Session is written before Events.
type Mutation struct {
	Session *SessionRow
	Events  []EventRow
}

// WriterDiagnostics captures queue pressure and drop signals of a Writer.
type WriterDiagnostics struct {
	QueueCapacity           int              `json:"queue_capacity"`
	QueueDepth              int              `json:"queue_depth"`
	QueueDepthHighWatermark int              `json:"queue_depth_high_watermark"`
	QueuePressureState      string           `json:"queue_pressure_state"`
	EnqueueAcceptedTotal    int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal     int64            `json:"enqueue_dropped_total"`
	WriteDroppedTotal       int64            `json:"write_dropped_total"`
	LastWriteDropAt         *time.Time       `json:"last_write_drop_at,omitempty"`
	WriteFailuresByClass    map[string]int64 `json:"write_failures_by_class,omitempty"`
}

// WriteFailure describes trace rows that could not be persisted.
type WriteFailure struct {
	Operation   string
	FailedCount int
	Err         error
	ErrorClass  string
}

// WriteFailureHandler receives asynchronous trace write failure signals.
type WriteFailureHandler func(WriteFailure)

var noopWriteFailureHandler = WriteFailureHandler(func(WriteFailure) {})

// WriterMetrics holds optional callbacks the Writer invokes at key pipeline points.
type WriterMetrics struct {
	// OnDrop is called each time a mutation is dropped because the queue is full.
	OnDrop func()
	// OnFlush is called after each batch is flushed to storage.
	OnFlush func(batchSize int, duration time.Duration)
}

// Writer persists trace rows asynchronously through a bounded queue, so a
// trace becomes visible to readers piece by piece.
type Writer struct {
	store TraceStore
	queue chan Mutation
	wg    sync.WaitGroup

	started            atomic.Bool
	stopped            atomic.Bool
	stopOnce           sync.Once
	doneOnce           sync.Once
	done               chan struct{}
	queueMu            sync.RWMutex
	writeFailureHandle atomic.Value // WriteFailureHandler
	metrics            atomic.Value // *WriterMetrics

	queueDepthHighWatermark atomic.Int64
	enqueueAcceptedTotal    atomic.Int64
	enqueueDroppedTotal     atomic.Int64
	writeDroppedTotal       atomic.Int64
	lastWriteDropUnixNano   atomic.Int64

	failuresMu      sync.Mutex
	failuresByClass map[string]int64
}

func NewWriter(store TraceStore, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	writer := &Writer{
		store:           store,
		queue:           make(chan Mutation, bufferSize),
		done:            make(chan struct{}),
		failuresByClass: map[string]int64{},
	}
	writer.writeFailureHandle.Store(noopWriteFailureHandler)
	writer.metrics.Store(&WriterMetrics{})
	return writer
}

// SetWriteFailureHandler replaces the callback used for dropped trace write signals.
func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if handler == nil {
		handler = noopWriteFailureHandler
	}
	w.writeFailureHandle.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the writer pipeline.
func (w *Writer) SetMetrics(m *WriterMetrics) {
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

func (w *Writer) loadMetrics() *WriterMetrics {
	m, _ := w.metrics.Load().(*WriterMetrics)
	return m
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.markDone()

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-w.queue:
				if !ok {
					return
				}

				batch := make([]Mutation, 0, writerBatchSize)
				batch = append(batch, m)
			drain:
				for len(batch) < writerBatchSize {
					select {
					case next, ok := <-w.queue:
						if !ok {
							// Use a fresh context so the final flush is not
							// rejected by the store after cancellation.
							w.flushBatch(context.Background(), batch)
							return
						}
						batch = append(batch, next)
					default:
						break drain
					}
				}
				w.flushBatch(ctx, batch)
			}
		}
	}()
}

// Enqueue queues m and reports whether it was accepted.
func (w *Writer) Enqueue(m Mutation) bool {
	if w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- m:
		w.enqueueAcceptedTotal.Add(1)
		w.observeQueueDepth(len(w.queue))
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		w.observeQueueDepth(cap(w.queue))
		if metrics := w.loadMetrics(); metrics.OnDrop != nil {
			metrics.OnDrop()
		}
		return false
	}
}

// Shutdown stops accepting mutations and waits for queued ones to be written.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	if failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyFetchError(failure.Err)
	w.writeDroppedTotal.Add(int64(failure.FailedCount))
	w.lastWriteDropUnixNano.Store(time.Now().UTC().UnixNano())

	w.failuresMu.Lock()
	w.failuresByClass[failure.ErrorClass] += int64(failure.FailedCount)
	w.failuresMu.Unlock()

	handler, ok := w.writeFailureHandle.Load().(WriteFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// Diagnostics returns a point-in-time snapshot of queue pressure and dropped
// mutation counters.
func (w *Writer) Diagnostics() WriterDiagnostics {
	queueCapacity := cap(w.queue)
	queueDepth := len(w.queue)
	highWatermark := int(w.queueDepthHighWatermark.Load())
	if queueDepth > highWatermark {
		highWatermark = queueDepth
	}

	snapshot := WriterDiagnostics{
		QueueCapacity:           queueCapacity,
		QueueDepth:              queueDepth,
		QueueDepthHighWatermark: highWatermark,
		QueuePressureState:      queuePressureState(queueUtilizationPct(queueDepth, queueCapacity)),
		EnqueueAcceptedTotal:    w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:     w.enqueueDroppedTotal.Load(),
		WriteDroppedTotal:       w.writeDroppedTotal.Load(),
	}
	if ts := w.lastWriteDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastWriteDropAt = &last
	}

	w.failuresMu.Lock()
	if len(w.failuresByClass) > 0 {
		snapshot.WriteFailuresByClass = make(map[string]int64, len(w.failuresByClass))
		for class, count := range w.failuresByClass {
			snapshot.WriteFailuresByClass[class] = count
		}
	}
	w.failuresMu.Unlock()

	return snapshot
}

func (w *Writer) observeQueueDepth(depth int) {
	depthValue := int64(depth)
	for {
		current := w.queueDepthHighWatermark.Load()
		if depthValue <= current {
			return
		}
		if w.queueDepthHighWatermark.CompareAndSwap(current, depthValue) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}

// flushBatch applies mutations in queue order. Runs of event-only mutations
// are merged into one WriteEvents call.
func (w *Writer) flushBatch(ctx context.Context, batch []Mutation) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		if metrics := w.loadMetrics(); metrics.OnFlush != nil {
			metrics.OnFlush(len(batch), time.Since(start))
		}
	}()

	var pending []EventRow
	flushEvents := func() {
		if len(pending) == 0 {
			return
		}
		if err := w.store.WriteEvents(ctx, pending); err != nil {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_events",
				FailedCount: len(pending),
				Err:         err,
			})
		}
		pending = nil
	}

	for _, m := range batch {
		if m.Session != nil {
			flushEvents()
			if err := w.store.WriteSession(ctx, m.Session); err != nil {
				w.reportWriteFailure(WriteFailure{
					Operation:   "write_session",
					FailedCount: 1,
					Err:         err,
				})
			}
		}
		pending = append(pending, m.Events...)
	}
	flushEvents()
}
