package worker

import (
	"context"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"

	"github.com/rs/zerolog"
)

// =============================================================================
// HistorySyncScheduler - 주기적 증분 동기화 발행
// =============================================================================
//
// 커서가 있는 활성 링크마다 HistorySync 메시지를 발행합니다.
// 같은 링크의 동시 실행은 커서 CAS 가 정리합니다.

const DefaultHistorySyncInterval = 2 * time.Minute

type HistorySyncScheduler struct {
	links    out.LinkRepository
	queue    out.Queue
	interval time.Duration
	log      zerolog.Logger
}

func NewHistorySyncScheduler(links out.LinkRepository, queue out.Queue, interval time.Duration, log zerolog.Logger) *HistorySyncScheduler {
	if interval <= 0 {
		interval = DefaultHistorySyncInterval
	}
	return &HistorySyncScheduler{
		links:    links,
		queue:    queue,
		interval: interval,
		log:      log.With().Str("component", "history_scheduler").Logger(),
	}
}

// Run ticks until ctx is cancelled.
func (s *HistorySyncScheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("history sync scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// 시작 시 즉시 한 번: 중단 동안 쌓인 변경 반영
	if _, err := s.Tick(ctx); err != nil {
		s.log.Error().Err(err).Msg("history sync tick failed")
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("history sync scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("history sync tick failed")
			}
		}
	}
}

// Tick enqueues one HistorySync per syncable link and returns how many were sent.
func (s *HistorySyncScheduler) Tick(ctx context.Context) (int, error) {
	links, err := s.links.ListSyncable(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, link := range links {
		msg := domain.NewQueueMessage(link.ID, "", &domain.HistorySync{})
		if err := s.queue.Enqueue(ctx, msg); err != nil {
			s.log.Error().Err(err).Str("link_id", link.ID).Msg("failed to enqueue history sync")
			continue
		}
		sent++
	}

	if sent > 0 {
		s.log.Debug().Int("links", sent).Msg("history sync enqueued")
	}
	return sent, nil
}
