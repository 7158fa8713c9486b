package mailsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"mailsync/adapter/out/messaging"
	"mailsync/adapter/out/persistence"
	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/infra/database"
	"mailsync/pkg/apperr"
	"mailsync/pkg/ratelimit"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// =============================================================================
// Fake Gmail
// =============================================================================

type fakeMailbox struct {
	mu        sync.Mutex
	threads   []*out.ProviderThread
	labels    []out.ProviderLabel
	history   []domain.HistoryChange
	historyID uint64
	expired   bool
	// threadErrs makes GetThread fail for the given thread ids.
	threadErrs map[string]error
	calls      map[string]int
}

var baseDate = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// newMailbox builds n threads ("t01".."tNN") with perThread unread inbox messages each.
func newMailbox(n, perThread int) *fakeMailbox {
	box := &fakeMailbox{
		historyID:  100,
		threadErrs: make(map[string]error),
		calls:      make(map[string]int),
		labels: []out.ProviderLabel{
			{ID: "INBOX", Name: "INBOX", Type: "system"},
			{ID: "UNREAD", Name: "UNREAD", Type: "system"},
		},
	}
	for i := 1; i <= n; i++ {
		tid := fmt.Sprintf("t%02d", i)
		thread := &out.ProviderThread{ID: tid, HistoryID: 90}
		for j := 1; j <= perThread; j++ {
			thread.Messages = append(thread.Messages, out.ProviderMessage{
				ID:           fmt.Sprintf("%s-m%d", tid, j),
				ThreadID:     tid,
				Subject:      "subject " + tid,
				Snippet:      fmt.Sprintf("snippet %s %d", tid, j),
				From:         "sender@example.com",
				To:           []string{"me@example.com"},
				LabelIDs:     []string{"INBOX", "UNREAD"},
				InternalDate: baseDate.Add(time.Duration(i*10+j) * time.Minute),
				HistoryID:    90,
			})
		}
		box.threads = append(box.threads, thread)
	}
	return box
}

func (f *fakeMailbox) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeMailbox) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

// addMessage appends a message to an existing or new thread and records a
// messageAdded history entry.
func (f *fakeMailbox) addMessage(threadID, msgID string, labels []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyID++
	msg := out.ProviderMessage{
		ID:           msgID,
		ThreadID:     threadID,
		Subject:      "new " + msgID,
		Snippet:      "snippet " + msgID,
		From:         "sender@example.com",
		LabelIDs:     labels,
		InternalDate: baseDate.Add(time.Duration(f.historyID) * time.Hour),
		HistoryID:    f.historyID,
	}

	var thread *out.ProviderThread
	for _, t := range f.threads {
		if t.ID == threadID {
			thread = t
		}
	}
	if thread == nil {
		thread = &out.ProviderThread{ID: threadID}
		f.threads = append(f.threads, thread)
	}
	thread.Messages = append(thread.Messages, msg)
	f.history = append(f.history, domain.HistoryChange{
		Type: domain.ChangeTypeAdded, HistoryID: f.historyID, MessageID: msgID, ThreadID: threadID, LabelIDs: labels,
	})
}

func (f *fakeMailbox) changeLabels(msgID string, typ domain.ChangeType, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyID++
	for _, t := range f.threads {
		for i := range t.Messages {
			m := &t.Messages[i]
			if m.ID != msgID {
				continue
			}
			set := make(map[string]bool)
			for _, l := range m.LabelIDs {
				set[l] = true
			}
			for _, l := range labels {
				set[l] = typ == domain.ChangeTypeLabelAdded
			}
			m.LabelIDs = m.LabelIDs[:0:0]
			for l, on := range set {
				if on {
					m.LabelIDs = append(m.LabelIDs, l)
				}
			}
			f.history = append(f.history, domain.HistoryChange{
				Type: typ, HistoryID: f.historyID, MessageID: msgID, ThreadID: t.ID, LabelIDs: labels,
			})
		}
	}
}

func (f *fakeMailbox) deleteMessage(msgID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyID++
	for _, t := range f.threads {
		for i, m := range t.Messages {
			if m.ID == msgID {
				t.Messages = append(t.Messages[:i], t.Messages[i+1:]...)
				f.history = append(f.history, domain.HistoryChange{
					Type: domain.ChangeTypeDeleted, HistoryID: f.historyID, MessageID: msgID, ThreadID: t.ID,
				})
				return
			}
		}
	}
}

func notFound() error {
	return out.NewProviderError("gmail", out.ProviderErrNotFound, "Not found", nil, false)
}

func (f *fakeMailbox) ListThreads(ctx context.Context, ts oauth2.TokenSource, pageSize int, pageToken string) (*out.ThreadPage, error) {
	f.record("threads.list")
	f.mu.Lock()
	defer f.mu.Unlock()

	offset := 0
	if pageToken != "" {
		offset, _ = strconv.Atoi(pageToken)
	}
	end := min(offset+pageSize, len(f.threads))
	page := &out.ThreadPage{ResultSizeEstimate: int64(len(f.threads))}
	for _, t := range f.threads[offset:end] {
		page.Threads = append(page.Threads, out.ProviderThreadRef{ID: t.ID, HistoryID: t.HistoryID})
	}
	if end < len(f.threads) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeMailbox) GetThread(ctx context.Context, ts oauth2.TokenSource, threadID string) (*out.ProviderThread, error) {
	f.record("threads.get")
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.threadErrs[threadID]; err != nil {
		return nil, err
	}
	for _, t := range f.threads {
		if t.ID == threadID {
			cp := *t
			cp.Messages = append([]out.ProviderMessage(nil), t.Messages...)
			return &cp, nil
		}
	}
	return nil, notFound()
}

func (f *fakeMailbox) GetMessage(ctx context.Context, ts oauth2.TokenSource, messageID string) (*out.ProviderMessage, error) {
	f.record("messages.get")
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range f.threads {
		for _, m := range t.Messages {
			if m.ID == messageID {
				cp := m
				cp.LabelIDs = append([]string(nil), m.LabelIDs...)
				return &cp, nil
			}
		}
	}
	return nil, notFound()
}

func (f *fakeMailbox) ListLabels(ctx context.Context, ts oauth2.TokenSource) ([]out.ProviderLabel, error) {
	f.record("labels.list")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]out.ProviderLabel(nil), f.labels...), nil
}

// ListHistory pages two records at a time.
func (f *fakeMailbox) ListHistory(ctx context.Context, ts oauth2.TokenSource, since uint64, pageToken string) (*out.HistoryPage, error) {
	f.record("history.list")
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.expired {
		return nil, out.NewProviderError("gmail", out.ProviderErrSyncRequired, "Full sync required", nil, false)
	}

	var pending []domain.HistoryChange
	for _, c := range f.history {
		if c.HistoryID > since {
			pending = append(pending, c)
		}
	}
	offset := 0
	if pageToken != "" {
		offset, _ = strconv.Atoi(pageToken)
	}
	end := min(offset+2, len(pending))
	page := &out.HistoryPage{HistoryID: f.historyID, Changes: pending[offset:end]}
	if end < len(pending) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeMailbox) GetProfile(ctx context.Context, ts oauth2.TokenSource) (*out.ProviderProfile, error) {
	f.record("getProfile")
	f.mu.Lock()
	defer f.mu.Unlock()

	messages := 0
	for _, t := range f.threads {
		messages += len(t.Messages)
	}
	return &out.ProviderProfile{
		Email:         "me@example.com",
		HistoryID:     f.historyID,
		ThreadsTotal:  int64(len(f.threads)),
		MessagesTotal: int64(messages),
	}, nil
}

type staticTokens struct{}

func (staticTokens) TokenSource(ctx context.Context, link *domain.Link) (oauth2.TokenSource, error) {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: link.AccessToken}), nil
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	store  *persistence.Store
	queue  *messaging.MemoryQueue
	box    *fakeMailbox
	engine *Engine
	link   *domain.Link
}

func newHarness(t *testing.T, box *fakeMailbox) *harness {
	return newHarnessWith(t, box, nil)
}

// newHarnessWith lets a test wrap the store, e.g. with a failing decorator.
// opts adjust the engine deps before the engine is built.
func newHarnessWith(t *testing.T, box *fakeMailbox, wrap func(out.Store) out.Store, opts ...func(*Deps)) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := persistence.NewStore(db, 5*time.Second, nil)
	t.Cleanup(func() { store.Close() })

	var s out.Store = store
	if wrap != nil {
		s = wrap(store)
	}

	queue := messaging.NewMemoryQueue()
	deps := &Deps{
		Store:    s,
		Provider: box,
		Tokens:   staticTokens{},
		Queue:    queue,
		Quota:    NewAdmission(ratelimit.NewMemoryQuotaCounter(), 1_000_000, time.Second),
		Logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(deps)
	}
	h := &harness{store: store, queue: queue, box: box, engine: NewEngine(deps, 5)}

	h.link = &domain.Link{
		UserID:       "user-1",
		Email:        "me@example.com",
		SyncEnabled:  true,
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenExpiry:  time.Now().Add(time.Hour),
	}
	if err := h.engine.Accounts.ConnectLink(ctx, h.link); err != nil {
		t.Fatalf("connect link: %v", err)
	}
	return h
}

// handle routes one message the way the worker dispatcher does.
func (h *harness) handle(ctx context.Context, msg *domain.QueueMessage) error {
	e := h.engine
	switch body := msg.Body.(type) {
	case *domain.ListThreads:
		return e.Lister.Handle(ctx, msg, body)
	case *domain.BackfillThread:
		return e.Threads.Handle(ctx, msg, body)
	case *domain.HistorySync:
		_, err := e.History.Sync(ctx, msg.LinkID)
		return err
	case *domain.LabelReconcile:
		_, err := e.Labels.Reconcile(ctx, msg.LinkID)
		return err
	case *domain.DeleteMessage:
		_, err := e.Deleter.Delete(ctx, msg.LinkID, body.ProviderMessageID)
		return err
	}
	return errors.New("unexpected body")
}

// step processes one queued message; ok is false when the queue is empty.
func (h *harness) step(t *testing.T) (kind domain.QueueKind, ok bool, err error) {
	t.Helper()
	ctx := context.Background()

	batch := h.queue.TryReceive(1)
	if len(batch) == 0 {
		return "", false, nil
	}
	d := batch[0]
	if d.DecodeErr != nil {
		t.Fatalf("decode: %v", d.DecodeErr)
	}

	err = h.handle(ctx, d.Message)
	if err != nil && apperr.IsRetryable(err) {
		h.queue.Nack(ctx, d, out.Retry{})
	} else {
		h.queue.Ack(ctx, d)
	}
	return d.Message.Kind(), true, err
}

// drain processes until the queue is empty and returns handled counts by kind.
func (h *harness) drain(t *testing.T) map[domain.QueueKind]int {
	t.Helper()
	handled := make(map[domain.QueueKind]int)
	for i := 0; i < 1000; i++ {
		kind, ok, err := h.step(t)
		if !ok {
			return handled
		}
		if err != nil && apperr.IsRetryable(err) {
			t.Fatalf("retryable error while draining %s: %v", kind, err)
		}
		handled[kind]++
	}
	t.Fatal("queue did not drain")
	return nil
}

// drainWithDeferrals settles messages like the worker supervisor: quota
// rejections go back on the queue until their window reopens, without using
// up an attempt. It waits for delayed messages and returns the deferral count.
func (h *harness) drainWithDeferrals(t *testing.T, timeout time.Duration) (deferred int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for h.queue.Len() > 0 {
		batch, err := h.queue.ReceiveBatch(ctx, 1)
		if err != nil {
			t.Fatalf("queue did not drain: %v (deferred %d)", err, deferred)
		}
		if len(batch) == 0 {
			continue
		}
		d := batch[0]
		if d.Attempts != 1 {
			t.Fatalf("%s delivered with attempts=%d, deferrals must not count", d.Message.Kind(), d.Attempts)
		}

		err = h.handle(ctx, d.Message)
		switch {
		case err == nil:
			h.queue.Ack(ctx, d)
		case apperr.HasCode(err, apperr.CodeQuotaExceeded):
			deferred++
			h.queue.Nack(ctx, d, out.Retry{Delay: apperr.RetryAfter(err), Deferred: true})
		default:
			t.Fatalf("handle %s: %v", d.Message.Kind(), err)
		}
	}
	return deferred
}

func (h *harness) startBackfill(t *testing.T, limit *int) *domain.BackfillJob {
	t.Helper()
	job, err := h.engine.Coordinator.Start(context.Background(), h.link.ID, limit)
	if err != nil {
		t.Fatalf("start backfill: %v", err)
	}
	return job
}

func (h *harness) job(t *testing.T, id string) *domain.BackfillJob {
	t.Helper()
	job, err := h.store.Jobs().GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func (h *harness) reloadLink(t *testing.T) *domain.Link {
	t.Helper()
	link, err := h.store.Links().GetLink(context.Background(), h.link.ID)
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	return link
}
