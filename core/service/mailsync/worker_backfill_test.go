package mailsync

import (
	"context"
	"testing"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/ratelimit"
)

func TestBackfill_TwelveThreadsPageFive(t *testing.T) {
	h := newHarness(t, newMailbox(12, 2))
	ctx := context.Background()

	job := h.startBackfill(t, nil)
	if job.Status != domain.BackfillStatusInProgress || job.TotalThreads == nil || *job.TotalThreads != 12 {
		t.Fatalf("started job = %+v", job)
	}

	handled := h.drain(t)
	if handled[domain.KindListThreads] != 3 {
		t.Errorf("ListThreads handled = %d, want 3", handled[domain.KindListThreads])
	}
	if handled[domain.KindBackfillThread] != 12 {
		t.Errorf("BackfillThread handled = %d, want 12", handled[domain.KindBackfillThread])
	}
	if handled[domain.KindLabelReconcile] != 1 {
		t.Errorf("LabelReconcile handled = %d, want 1", handled[domain.KindLabelReconcile])
	}
	if got := h.box.count("threads.list"); got != 3 {
		t.Errorf("threads.list calls = %d, want 3", got)
	}

	job = h.job(t, job.ID)
	if job.Status != domain.BackfillStatusComplete || job.ThreadsRetrievedCount != 12 || job.CompletedAt == nil {
		t.Errorf("job = %+v", job)
	}

	threads, _ := h.store.Mail().CountThreads(ctx, h.link.ID)
	messages, _ := h.store.Mail().CountMessages(ctx, h.link.ID)
	if threads != 12 || messages != 24 {
		t.Errorf("stored threads=%d messages=%d, want 12/24", threads, messages)
	}

	batches, err := h.store.Jobs().ListBatches(ctx, job.ID, domain.BatchStatusCompleted)
	if err != nil || len(batches) != 3 {
		t.Errorf("completed batches = %d, err = %v", len(batches), err)
	}

	link := h.reloadLink(t)
	if !link.HasCursor() || link.Cursor() != 100 {
		t.Errorf("cursor = %v, want 100 seeded from job start", link.HistoryID)
	}

	thread, err := h.store.Mail().GetThread(ctx, h.link.ID, "t03")
	if err != nil {
		t.Fatal(err)
	}
	if thread.MessageCount != 2 || thread.IsRead || !thread.IsInbox || thread.Snippet != "snippet t03 2" {
		t.Errorf("thread rollup = %+v", thread)
	}
}

func TestBackfill_TightQuotaStillCompletes(t *testing.T) {
	// 윈도우당 threads.get 두 번
	h := newHarnessWith(t, newMailbox(6, 1), nil, func(d *Deps) {
		d.Quota = NewAdmission(ratelimit.NewMemoryQuotaCounter(), 20, 50*time.Millisecond)
	})
	ctx := context.Background()

	job := h.startBackfill(t, nil)
	deferred := h.drainWithDeferrals(t, 10*time.Second)
	if deferred == 0 {
		t.Error("expected quota deferrals under a 20-unit budget")
	}

	job = h.job(t, job.ID)
	if job.Status != domain.BackfillStatusComplete || job.ThreadsRetrievedCount != 6 {
		t.Errorf("job = %+v", job)
	}
	threads, _ := h.store.Mail().CountThreads(ctx, h.link.ID)
	if threads != 6 {
		t.Errorf("stored threads = %d, want 6", threads)
	}
	if dead := h.queue.Dead(); len(dead) != 0 {
		t.Errorf("dead letters = %d", len(dead))
	}
}

func TestBackfill_RequestedLimit(t *testing.T) {
	h := newHarness(t, newMailbox(12, 1))
	ctx := context.Background()

	limit := 7
	job := h.startBackfill(t, &limit)
	if *job.TotalThreads != 7 {
		t.Fatalf("total = %d, want 7", *job.TotalThreads)
	}

	handled := h.drain(t)
	if handled[domain.KindListThreads] != 2 || handled[domain.KindBackfillThread] != 7 {
		t.Errorf("handled = %v", handled)
	}

	job = h.job(t, job.ID)
	if job.Status != domain.BackfillStatusComplete || job.ThreadsRetrievedCount != 7 {
		t.Errorf("job = %+v", job)
	}
	if n, _ := h.store.Mail().CountThreads(ctx, h.link.ID); n != 7 {
		t.Errorf("threads = %d, want 7", n)
	}
}

func TestBackfill_EmptyMailboxCompletesImmediately(t *testing.T) {
	h := newHarness(t, newMailbox(0, 0))

	job := h.startBackfill(t, nil)
	if job.Status != domain.BackfillStatusComplete {
		t.Fatalf("status = %s, want complete", job.Status)
	}
	handled := h.drain(t)
	if handled[domain.KindListThreads] != 0 {
		t.Errorf("no listing expected, handled = %v", handled)
	}
}

func TestBackfill_RedeliveredPageIsIdempotent(t *testing.T) {
	h := newHarness(t, newMailbox(12, 1))
	ctx := context.Background()
	job := h.startBackfill(t, nil)

	first := domain.NewQueueMessage(h.link.ID, job.ID, &domain.ListThreads{})
	for i := 0; i < 3; i++ {
		if err := h.handle(ctx, first); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	progress, err := h.store.Jobs().Progress(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if progress.Retrieved != 5 || progress.ThreadRows != 5 {
		t.Errorf("progress after redelivery = %+v", progress)
	}
	if got := h.box.count("threads.list"); got != 1 {
		t.Errorf("threads.list calls = %d, want 1", got)
	}

	h.drain(t)
	job = h.job(t, job.ID)
	if job.Status != domain.BackfillStatusComplete || job.ThreadsRetrievedCount != 12 {
		t.Errorf("job = %+v", job)
	}
	if got := h.box.count("threads.get"); got != 12 {
		t.Errorf("threads.get calls = %d, want 12", got)
	}
}

func TestBackfill_ThreadAfterCompletionIsNoop(t *testing.T) {
	h := newHarness(t, newMailbox(1, 2))
	ctx := context.Background()
	job := h.startBackfill(t, nil)
	h.drain(t)

	msg := domain.NewQueueMessage(h.link.ID, job.ID, &domain.BackfillThread{ThreadProviderID: "t01"})
	if err := h.handle(ctx, msg); err != nil {
		t.Fatal(err)
	}
	// 완료된 job: provider 재호출 없음
	if got := h.box.count("threads.get"); got != 1 {
		t.Errorf("threads.get calls = %d, want 1", got)
	}
	if n, _ := h.store.Mail().CountMessages(ctx, h.link.ID); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

func TestBackfill_ThreadNotFoundIsSkipped(t *testing.T) {
	box := newMailbox(3, 1)
	box.threadErrs["t02"] = notFound()
	h := newHarness(t, box)
	ctx := context.Background()

	job := h.startBackfill(t, nil)
	h.drain(t)

	job = h.job(t, job.ID)
	if job.Status != domain.BackfillStatusComplete {
		t.Fatalf("status = %s, want complete", job.Status)
	}
	progress, _ := h.store.Jobs().Progress(ctx, job.ID)
	if progress.SkippedRows != 1 || progress.CompletedRows != 2 {
		t.Errorf("progress = %+v", progress)
	}
}

func TestBackfill_CancellationShortCircuits(t *testing.T) {
	h := newHarness(t, newMailbox(12, 1))
	ctx := context.Background()
	job := h.startBackfill(t, nil)

	// 첫 페이지와 스레드 3개만 처리
	threads := 0
	for threads < 3 {
		kind, ok, err := h.step(t)
		if !ok {
			t.Fatal("queue drained early")
		}
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if kind == domain.KindBackfillThread {
			threads++
		}
	}

	n, err := h.engine.Coordinator.Cancel(ctx, h.link.ID)
	if err != nil || n != 1 {
		t.Fatalf("Cancel = %d, %v", n, err)
	}

	listCalls, getCalls := h.box.count("threads.list"), h.box.count("threads.get")
	h.drain(t)
	if h.box.count("threads.list") != listCalls || h.box.count("threads.get") != getCalls {
		t.Errorf("provider called after cancel: list %d->%d get %d->%d",
			listCalls, h.box.count("threads.list"), getCalls, h.box.count("threads.get"))
	}

	job = h.job(t, job.ID)
	if job.Status != domain.BackfillStatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	progress, _ := h.store.Jobs().Progress(ctx, job.ID)
	if progress.PendingThreads != 0 || progress.CancelledRows != 2 || progress.CompletedRows != 3 {
		t.Errorf("progress = %+v", progress)
	}

	if n, _ := h.engine.Coordinator.Cancel(ctx, h.link.ID); n != 0 {
		t.Errorf("second Cancel = %d, want 0", n)
	}
}

func TestBackfill_ReplayRequeuesUndispatchedBatch(t *testing.T) {
	h := newHarness(t, newMailbox(3, 1))
	ctx := context.Background()
	job := h.startBackfill(t, nil)

	// 큐 유실 시뮬레이션: 대기 중인 메시지를 모두 버림
	for len(h.queue.TryReceive(10)) > 0 {
	}
	n, err := h.engine.Coordinator.Replay(ctx, job.ID)
	if err != nil || n != 1 {
		t.Fatalf("Replay = %d, %v", n, err)
	}

	h.drain(t)
	if job = h.job(t, job.ID); job.Status != domain.BackfillStatusComplete {
		t.Errorf("status = %s, want complete", job.Status)
	}
	if _, err := h.engine.Coordinator.Replay(ctx, job.ID); err == nil {
		t.Error("replay of a complete job should fail")
	}
}

func TestBackfill_ReapCompletesSettledJob(t *testing.T) {
	h := newHarness(t, newMailbox(2, 1))
	ctx := context.Background()
	job := h.startBackfill(t, nil)

	// 완료 판정만 빠진 상태를 만든 뒤 reaper 로 마무리
	if err := h.store.Jobs().IncrementRetrieved(ctx, job.ID, 2); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"t01", "t02"} {
		if _, err := h.store.Jobs().InsertThreads(ctx, job.ID, "", []string{id}); err != nil {
			t.Fatal(err)
		}
		if _, err := h.store.Jobs().FinishThread(ctx, job.ID, id, domain.ThreadStatusCompleted, ""); err != nil {
			t.Fatal(err)
		}
	}

	done, err := h.engine.Coordinator.Reap(ctx, -time.Minute, 10)
	if err != nil || done != 1 {
		t.Fatalf("Reap = %d, %v", done, err)
	}
	if job = h.job(t, job.ID); job.Status != domain.BackfillStatusComplete {
		t.Errorf("status = %s, want complete", job.Status)
	}
}

func TestPageThreadIDs(t *testing.T) {
	tests := []struct {
		name      string
		ids       []string
		remaining int
		want      int
	}{
		{"unknown total", []string{"a", "b", "c"}, -1, 3},
		{"capped", []string{"a", "b", "c"}, 2, 2},
		{"duplicates dropped", []string{"a", "a", "b"}, -1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := threadPage(tt.ids...)
			if got := pageThreadIDs(p, tt.remaining); len(got) != tt.want {
				t.Errorf("pageThreadIDs = %v, want %d ids", got, tt.want)
			}
		})
	}
}

func threadPage(ids ...string) *out.ThreadPage {
	page := &out.ThreadPage{}
	for _, id := range ids {
		page.Threads = append(page.Threads, out.ProviderThreadRef{ID: id})
	}
	return page
}
