package mailsync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/apperr"
)

// =============================================================================
// flakyStore - 트랜잭션 내부 실패/충돌 주입
// =============================================================================

type flakyStore struct {
	out.Store
	// failUpsertAt fails the n-th UpsertMessage inside a transaction once.
	failUpsertAt int
	upserts      int
	advances     int
	conflict     bool
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(tx out.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx out.Tx) error {
		return fn(&flakyTx{Tx: tx, s: s})
	})
}

type flakyTx struct {
	out.Tx
	s *flakyStore
}

func (t *flakyTx) Mail() out.MailRepository {
	return &flakyMail{MailRepository: t.Tx.Mail(), s: t.s}
}

func (t *flakyTx) Links() out.LinkRepository {
	return &flakyLinks{LinkRepository: t.Tx.Links(), s: t.s}
}

type flakyMail struct {
	out.MailRepository
	s *flakyStore
}

func (m *flakyMail) UpsertMessage(ctx context.Context, msg *domain.Message) error {
	if m.s.failUpsertAt > 0 {
		m.s.upserts++
		if m.s.upserts == m.s.failUpsertAt {
			m.s.failUpsertAt = 0
			return errors.New("connection reset by peer")
		}
	}
	return m.MailRepository.UpsertMessage(ctx, msg)
}

type flakyLinks struct {
	out.LinkRepository
	s *flakyStore
}

func (l *flakyLinks) AdvanceCursor(ctx context.Context, id string, expected *uint64, next uint64) (bool, error) {
	if l.s.conflict {
		return false, nil
	}
	ok, err := l.LinkRepository.AdvanceCursor(ctx, id, expected, next)
	if ok {
		l.s.advances++
	}
	return ok, err
}

// backfilled returns a harness whose link finished a full backfill at history 100.
func backfilled(t *testing.T, box *fakeMailbox, wrap func(out.Store) out.Store) *harness {
	t.Helper()
	h := newHarnessWith(t, box, wrap)
	h.startBackfill(t, nil)
	h.drain(t)
	if link := h.reloadLink(t); link.Cursor() != 100 {
		t.Fatalf("cursor after backfill = %d, want 100", link.Cursor())
	}
	return h
}

func TestHistorySync_AppliesDelta(t *testing.T) {
	box := newMailbox(3, 1)
	h := backfilled(t, box, nil)
	ctx := context.Background()

	box.addMessage("t01", "t01-m9", []string{domain.LabelInbox})
	box.changeLabels("t02-m1", domain.ChangeTypeLabelRemoved, domain.LabelUnread)
	box.deleteMessage("t03-m1")

	res, err := h.engine.History.Sync(ctx, h.link.ID)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Pages != 2 || res.Changes != 3 || res.Upserted != 2 || res.Deleted != 1 || res.Cursor != 103 {
		t.Errorf("result = %+v", res)
	}
	if res.NewLabels {
		t.Error("no unknown labels expected")
	}

	if got := h.reloadLink(t).Cursor(); got != 103 {
		t.Errorf("cursor = %d, want 103", got)
	}

	t1, err := h.store.Mail().GetThread(ctx, h.link.ID, "t01")
	if err != nil {
		t.Fatal(err)
	}
	if t1.MessageCount != 2 || t1.Snippet != "snippet t01-m9" {
		t.Errorf("t01 = %+v", t1)
	}

	m2, err := h.store.Mail().GetMessage(ctx, h.link.ID, "t02-m1")
	if err != nil {
		t.Fatal(err)
	}
	if !m2.IsRead || !m2.IsInbox {
		t.Errorf("t02-m1 read=%v inbox=%v, want read inbox", m2.IsRead, m2.IsInbox)
	}
	t2, _ := h.store.Mail().GetThread(ctx, h.link.ID, "t02")
	if t2 == nil || !t2.IsRead {
		t.Errorf("t02 rollup = %+v, want read", t2)
	}

	if _, err := h.store.Mail().GetThread(ctx, h.link.ID, "t03"); !errors.Is(err, out.ErrNotFound) {
		t.Errorf("t03 should be gone, err = %v", err)
	}

	// 변경 없음: 커서 유지
	res, err = h.engine.History.Sync(ctx, h.link.ID)
	if err != nil || res.Changes != 0 || res.Cursor != 103 {
		t.Errorf("idle sync = %+v, %v", res, err)
	}
}

func TestHistorySync_UnknownLabelSchedulesReconcile(t *testing.T) {
	box := newMailbox(1, 1)
	h := backfilled(t, box, nil)
	ctx := context.Background()

	box.labels = append(box.labels, out.ProviderLabel{ID: "Label_7", Name: "Receipts", Type: "user"})
	box.changeLabels("t01-m1", domain.ChangeTypeLabelAdded, "Label_7")

	res, err := h.engine.History.Sync(ctx, h.link.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.NewLabels {
		t.Fatal("expected NewLabels")
	}

	handled := h.drain(t)
	if handled[domain.KindLabelReconcile] != 1 {
		t.Errorf("handled = %v", handled)
	}
	labels, _ := h.store.Labels().ListLabels(ctx, h.link.ID)
	if len(labels) != 3 {
		t.Errorf("labels = %d, want 3", len(labels))
	}
}

func TestHistorySync_CrashMidApplyRetriesWhole(t *testing.T) {
	box := newMailbox(2, 1)
	fs := &flakyStore{}
	h := backfilled(t, box, func(s out.Store) out.Store {
		fs.Store = s
		return fs
	})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		box.addMessage(fmt.Sprintf("n%d", i), fmt.Sprintf("n%d-m1", i), []string{domain.LabelInbox})
	}

	fs.failUpsertAt = 4
	if _, err := h.engine.History.Sync(ctx, h.link.ID); err == nil {
		t.Fatal("expected failure on 4th upsert")
	}
	if n, _ := h.store.Mail().CountMessages(ctx, h.link.ID); n != 2 {
		t.Errorf("messages after rollback = %d, want 2", n)
	}
	if got := h.reloadLink(t).Cursor(); got != 100 {
		t.Errorf("cursor after rollback = %d, want 100", got)
	}

	res, err := h.engine.History.Sync(ctx, h.link.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Upserted != 5 || res.Cursor != 105 {
		t.Errorf("retry result = %+v", res)
	}
	if n, _ := h.store.Mail().CountMessages(ctx, h.link.ID); n != 7 {
		t.Errorf("messages = %d, want 7", n)
	}
	if fs.advances != 1 {
		t.Errorf("cursor advanced %d times, want 1", fs.advances)
	}
}

func TestHistorySync_CursorConflictRollsBack(t *testing.T) {
	box := newMailbox(1, 1)
	fs := &flakyStore{}
	h := backfilled(t, box, func(s out.Store) out.Store {
		fs.Store = s
		return fs
	})
	ctx := context.Background()

	box.addMessage("t01", "t01-m2", []string{domain.LabelInbox})

	fs.conflict = true
	_, err := h.engine.History.Sync(ctx, h.link.ID)
	if !apperr.HasCode(err, apperr.CodeCursorConflict) {
		t.Fatalf("err = %v, want cursor conflict", err)
	}
	if n, _ := h.store.Mail().CountMessages(ctx, h.link.ID); n != 1 {
		t.Errorf("messages = %d, want 1 after rollback", n)
	}

	fs.conflict = false
	if _, err := h.engine.History.Sync(ctx, h.link.ID); err != nil {
		t.Fatal(err)
	}
	if got := h.reloadLink(t).Cursor(); got != 101 {
		t.Errorf("cursor = %d, want 101", got)
	}
}

func TestHistorySync_ExpiredCursorStartsBackfill(t *testing.T) {
	box := newMailbox(2, 1)
	h := backfilled(t, box, nil)
	ctx := context.Background()

	box.expired = true
	_, err := h.engine.History.Sync(ctx, h.link.ID)
	if !apperr.HasCode(err, apperr.CodeSyncRequired) {
		t.Fatalf("err = %v, want sync required", err)
	}
	if apperr.IsRetryable(err) {
		t.Error("sync required must not be retried")
	}

	jobs, err := h.store.Jobs().ListActiveJobs(ctx, h.link.ID)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("active jobs = %d, %v", len(jobs), err)
	}
	if got := h.reloadLink(t).Cursor(); got != 100 {
		t.Errorf("cursor = %d, want untouched 100", got)
	}
}

func TestHistorySync_NoCursor(t *testing.T) {
	h := newHarness(t, newMailbox(1, 1))

	_, err := h.engine.History.Sync(context.Background(), h.link.ID)
	if !apperr.HasCode(err, apperr.CodeSyncRequired) {
		t.Fatalf("err = %v, want sync required", err)
	}
	if got := h.box.count("history.list"); got != 0 {
		t.Errorf("history.list calls = %d, want 0", got)
	}
}
