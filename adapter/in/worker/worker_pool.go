package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"mailsync/core/port/out"
	"mailsync/pkg/apperr"
	"mailsync/pkg/metrics"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// =============================================================================
// Queue Supervisor - go-pkgz/pool 기반 소비 루프
// =============================================================================

// SupervisorConfig holds supervisor configuration.
type SupervisorConfig struct {
	Loops          int           // 독립 수신 루프 수
	Concurrency    int           // 루프당 워커 수
	BatchSize      int           // ReceiveBatch 최대 개수
	MessageTimeout time.Duration // 메시지당 처리 제한
	RestartDelay   time.Duration // 루프 재시작 대기
	MaxDeliveries  int           // 초과 시 dead letter
	ReportInterval time.Duration // 메트릭 로그 주기
}

// DefaultSupervisorConfig returns default supervisor configuration.
func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		Loops:          1,
		Concurrency:    10,
		BatchSize:      20,
		MessageTimeout: 5 * time.Minute,
		RestartDelay:   5 * time.Second,
		MaxDeliveries:  10,
		ReportInterval: time.Minute,
	}
}

// depther is implemented by queues that can report their backlog.
type depther interface {
	Depth(ctx context.Context) (int64, error)
}

// Supervisor consumes the queue and settles every delivery:
// success acks, quota rejections are deferred to the next window without
// using up a delivery, other retryable errors nack until MaxDeliveries, and
// everything else is acked and logged. A crashed loop restarts after
// RestartDelay.
type Supervisor struct {
	queue     out.Queue
	processor Processor
	config    *SupervisorConfig
	metrics   *metrics.SyncMetrics
	log       zerolog.Logger
}

func NewSupervisor(queue out.Queue, processor Processor, config *SupervisorConfig, m *metrics.SyncMetrics, log zerolog.Logger) *Supervisor {
	if config == nil {
		config = DefaultSupervisorConfig()
	}
	if config.Loops <= 0 {
		config.Loops = 1
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = config.Concurrency
	}
	if m == nil {
		m = metrics.NewSyncMetrics(1000)
	}
	return &Supervisor{
		queue:     queue,
		processor: processor,
		config:    config,
		metrics:   m,
		log:       log.With().Str("component", "supervisor").Logger(),
	}
}

// Metrics returns the supervisor's outcome counters.
func (s *Supervisor) Metrics() *metrics.SyncMetrics { return s.metrics }

// Run blocks until ctx is cancelled and every in-flight delivery settled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info().
		Int("loops", s.config.Loops).
		Int("concurrency", s.config.Concurrency).
		Dur("message_timeout", s.config.MessageTimeout).
		Int("max_deliveries", s.config.MaxDeliveries).
		Msg("supervisor started")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Loops; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.supervise(ctx, id)
		}(i)
	}

	if s.config.ReportInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.report(ctx)
		}()
	}

	wg.Wait()

	snap := s.metrics.Snapshot()
	s.log.Info().
		Int64("processed", snap.Processed).
		Int64("dead_lettered", snap.DeadLettered).
		Msg("supervisor stopped")
	return nil
}

// supervise restarts the receive loop until ctx ends.
func (s *Supervisor) supervise(ctx context.Context, id int) {
	log := s.log.With().Int("loop", id).Logger()
	for {
		err := s.loop(ctx)
		if ctx.Err() != nil {
			return
		}

		s.metrics.Restart()
		log.Error().Err(err).Dur("delay", s.config.RestartDelay).Msg("receive loop crashed, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.RestartDelay):
		}
	}
}

// job is one delivery plus the batch it belongs to.
type job struct {
	d    *out.Delivery
	done func()
}

// deliveryWorker implements pool.Worker for queue deliveries.
type deliveryWorker struct {
	s *Supervisor
}

// Do always returns nil; the outcome is settled on the queue instead.
func (w *deliveryWorker) Do(ctx context.Context, j job) error {
	defer j.done()
	w.s.handle(ctx, j.d)
	return nil
}

// loop owns one worker group and is its only submitter. It receives the next
// batch only after the previous one settled, so no delivery waits in the pool
// while its visibility lease runs down.
func (s *Supervisor) loop(ctx context.Context) (err error) {
	workers := pool.New[job](s.config.Concurrency, &deliveryWorker{s: s}).
		WithBatchSize(1). // 수신 즉시 처리
		WithWorkerChanSize(s.config.BatchSize).
		WithContinueOnError()

	// 종료 시 진행 중인 메시지는 끝까지 처리
	runCtx := context.WithoutCancel(ctx)
	if err := workers.Go(runCtx); err != nil {
		return fmt.Errorf("start worker group: %w", err)
	}
	defer func() {
		if cerr := workers.Close(runCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			s.metrics.Panic()
			err = fmt.Errorf("receive loop panic: %v", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := s.queue.ReceiveBatch(ctx, s.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		var inflight sync.WaitGroup
		inflight.Add(len(batch))
		for _, d := range batch {
			workers.Submit(job{d: d, done: inflight.Done})
		}
		inflight.Wait()
	}
}

// handle processes one delivery and settles it. ctx is not cancelled on
// shutdown; the per-message timeout still applies.
func (s *Supervisor) handle(ctx context.Context, d *out.Delivery) {
	start := time.Now()

	if d.DecodeErr != nil {
		s.settle(ctx, d, "", apperr.DecodeFailed(d.DecodeErr), start)
		return
	}

	msgCtx, cancel := context.WithTimeout(ctx, s.config.MessageTimeout)
	defer cancel()

	err := s.process(msgCtx, d)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = apperr.Timeout(string(d.Message.Kind())).WithError(err)
	}
	s.settle(ctx, d, string(d.Message.Kind()), err, start)
}

// process recovers a handler panic into a retryable error.
func (s *Supervisor) process(ctx context.Context, d *out.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Panic()
			s.log.Error().
				Str("message_id", d.Message.ID).
				Str("kind", string(d.Message.Kind())).
				Bytes("stack", debug.Stack()).
				Msgf("handler panic: %v", r)
			err = apperr.New(apperr.CodeInternalError, fmt.Sprintf("handler panic: %v", r), true)
		}
	}()
	return s.processor.Process(ctx, d.Message)
}

func (s *Supervisor) settle(ctx context.Context, d *out.Delivery, kind string, err error, start time.Time) {
	log := s.log.With().Str("delivery_id", d.ID).Str("kind", kind).Int("attempts", d.Attempts).Logger()
	if d.Message != nil {
		log = log.With().Str("link_id", d.Message.LinkID).Str("job_id", d.Message.JobID).Logger()
	}

	var (
		outcome metrics.Outcome
		qerr    error
	)
	switch {
	case err == nil:
		outcome = metrics.OutcomeAcked
		qerr = s.queue.Ack(ctx, d)

	case apperr.HasCode(err, apperr.CodeQuotaExceeded):
		// 쿼터 창이 찼을 뿐: 다음 창까지 미루고 시도 횟수는 그대로
		outcome = metrics.OutcomeDeferred
		retryAfter := apperr.RetryAfter(err)
		log.Debug().Dur("retry_after", retryAfter).Msg("quota window full, deferring")
		qerr = s.queue.Nack(ctx, d, out.Retry{Delay: retryAfter, Deferred: true})

	case apperr.IsRetryable(err) && (s.config.MaxDeliveries <= 0 || d.Attempts < s.config.MaxDeliveries):
		outcome = metrics.OutcomeRetried
		retryAfter := apperr.RetryAfter(err)
		log.Warn().Err(err).Dur("retry_after", retryAfter).Msg("message failed, will retry")
		qerr = s.queue.Nack(ctx, d, out.Retry{Delay: retryAfter})

	case apperr.IsRetryable(err) || apperr.HasCode(err, apperr.CodeDecodeFailed):
		outcome = metrics.OutcomeDeadLettered
		log.Error().Err(err).Msg("message dead-lettered")
		qerr = s.queue.DeadLetter(ctx, d, err.Error())

	default:
		// 재시도해도 같은 결과: 기록 후 확인 처리
		outcome = metrics.OutcomeDropped
		log.Error().Err(err).Msg("message failed permanently")
		qerr = s.queue.Ack(ctx, d)
	}

	if qerr != nil {
		log.Error().Err(qerr).Str("outcome", string(outcome)).Msg("failed to settle delivery")
	}
	s.metrics.Observe(kind, outcome, time.Since(start))
}

// report periodically logs outcome counters, queue depth and DB pool health.
func (s *Supervisor) report(ctx context.Context) {
	ticker := time.NewTicker(s.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportOnce(ctx)
		}
	}
}

func (s *Supervisor) reportOnce(ctx context.Context) {
	snap := s.metrics.Snapshot()
	ev := s.log.Info().
		Int64("processed", snap.Processed).
		Int64("acked", snap.Acked).
		Int64("retried", snap.Retried).
		Int64("deferred", snap.Deferred).
		Int64("dropped", snap.Dropped).
		Int64("dead_lettered", snap.DeadLettered).
		Int64("panics", snap.Panics).
		Int64("restarts", snap.Restarts)
	if q, ok := s.queue.(depther); ok {
		if depth, err := q.Depth(ctx); err == nil {
			ev = ev.Int64("queue_depth", depth)
		}
	}

	pools := zerolog.Dict()
	for name, h := range metrics.GetAllPoolHealth() {
		pools = pools.Dict(name, zerolog.Dict().
			Str("status", string(h.Status)).
			Float64("utilization", h.Utilization))
		if h.Status != metrics.PoolHealthy {
			s.log.Warn().Str("pool", name).Str("status", string(h.Status)).Msg(h.Message)
		}
	}
	ev.Dict("db_pools", pools).Msg("supervisor metrics")
}
