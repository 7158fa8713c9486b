package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// BackfillReaper - 멈춘 백필 작업 완료 재확인
// =============================================================================
//
// 마지막 스레드 핸들러가 완료 판정 전에 죽으면 job 이 in_progress 로 남습니다.
// 일정 시간 갱신이 없는 job 의 완료 조건을 다시 확인합니다.

const (
	DefaultReapInterval = time.Minute
	DefaultStaleAfter   = 10 * time.Minute
	reapBatchLimit      = 100
)

// Reaper is the part of the backfill coordinator the reaper drives.
type Reaper interface {
	Reap(ctx context.Context, staleAfter time.Duration, limit int) (int, error)
}

type BackfillReaper struct {
	coord      Reaper
	interval   time.Duration
	staleAfter time.Duration
	log        zerolog.Logger
}

func NewBackfillReaper(coord Reaper, interval, staleAfter time.Duration, log zerolog.Logger) *BackfillReaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &BackfillReaper{
		coord:      coord,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log.With().Str("component", "backfill_reaper").Logger(),
	}
}

func (r *BackfillReaper) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.interval).Dur("stale_after", r.staleAfter).Msg("backfill reaper started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("backfill reaper stopped")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *BackfillReaper) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	completed, err := r.coord.Reap(tickCtx, r.staleAfter, reapBatchLimit)
	if err != nil {
		r.log.Error().Err(err).Msg("reap failed")
		return
	}
	if completed > 0 {
		r.log.Info().Int("completed", completed).Msg("stale backfill jobs completed")
	}
}
