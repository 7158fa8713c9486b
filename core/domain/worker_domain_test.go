package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestBackfillStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from BackfillStatus
		to   BackfillStatus
		want bool
	}{
		{BackfillStatusInit, BackfillStatusInProgress, true},
		{BackfillStatusInit, BackfillStatusComplete, false},
		{BackfillStatusInit, BackfillStatusCancelled, true},
		{BackfillStatusInit, BackfillStatusFailed, true},
		{BackfillStatusInProgress, BackfillStatusComplete, true},
		{BackfillStatusInProgress, BackfillStatusCancelled, true},
		{BackfillStatusInProgress, BackfillStatusInit, false},
		{BackfillStatusComplete, BackfillStatusInProgress, false},
		{BackfillStatusCancelled, BackfillStatusComplete, false},
		{BackfillStatusFailed, BackfillStatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransitionSources(t *testing.T) {
	got := TransitionSources(BackfillStatusComplete)
	if !reflect.DeepEqual(got, []BackfillStatus{BackfillStatusInProgress}) {
		t.Errorf("complete sources = %v", got)
	}
	got = TransitionSources(BackfillStatusCancelled)
	if len(got) != 2 {
		t.Errorf("cancelled sources = %v, want init and in_progress", got)
	}
}

func intPtr(v int) *int { return &v }

func TestComputeTotal(t *testing.T) {
	tests := []struct {
		name     string
		limit    *int
		provider int
		want     int
	}{
		{"no limit", nil, 40, 40},
		{"limit below total", intPtr(12), 40, 12},
		{"limit above total", intPtr(100), 40, 40},
		{"empty mailbox", intPtr(10), 0, 0},
		{"negative provider total", nil, -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeTotal(tt.limit, tt.provider); got != tt.want {
				t.Errorf("ComputeTotal() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestJobProgress_Complete(t *testing.T) {
	tests := []struct {
		name string
		p    JobProgress
		want bool
	}{
		{"unknown total", JobProgress{Retrieved: 3}, false},
		{"counter short", JobProgress{TotalThreads: intPtr(12), Retrieved: 10, ThreadRows: 10}, false},
		{"pending threads", JobProgress{TotalThreads: intPtr(12), Retrieved: 12, ThreadRows: 12, PendingThreads: 1}, false},
		{"rows missing", JobProgress{TotalThreads: intPtr(12), Retrieved: 12, ThreadRows: 11}, false},
		{"done", JobProgress{TotalThreads: intPtr(12), Retrieved: 12, ThreadRows: 12, CompletedRows: 11, SkippedRows: 1}, true},
		{"empty job", JobProgress{TotalThreads: intPtr(0)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Complete(); got != tt.want {
				t.Errorf("Complete() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessage_ApplyLabels(t *testing.T) {
	m := &Message{}
	m.ApplyLabels([]string{LabelInbox, LabelUnread, "Label_7"})
	if m.IsRead || !m.IsInbox || m.IsSent || m.IsSpam {
		t.Errorf("flags = %+v", m)
	}

	m.ApplyLabels([]string{LabelSent})
	if !m.IsRead || m.IsInbox || !m.IsSent {
		t.Errorf("flags after relabel = %+v", m)
	}
}

func TestThread_Rollup(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	msgs := []*Message{
		{Subject: "hello", Snippet: "first", InternalDate: t0, IsRead: true, IsInbox: true},
		{Subject: "re: hello", Snippet: "reply", InternalDate: t0.Add(time.Hour), IsRead: true, IsSent: true},
		{Subject: "re: hello", Snippet: "spam", InternalDate: t0.Add(2 * time.Hour), IsRead: false, IsSpam: true},
	}

	var th Thread
	th.Rollup(msgs)

	if th.MessageCount != 3 {
		t.Errorf("MessageCount = %d", th.MessageCount)
	}
	if th.IsRead {
		t.Error("IsRead should be false when any message is unread")
	}
	if !th.IsInbox {
		t.Error("IsInbox should be true when any message is in inbox")
	}
	if th.Subject != "hello" || th.Snippet != "spam" {
		t.Errorf("subject/snippet = %q/%q", th.Subject, th.Snippet)
	}
	if !th.LatestOutboundAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("LatestOutboundAt = %v", th.LatestOutboundAt)
	}
	if !th.LatestInboundAt.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("LatestInboundAt = %v", th.LatestInboundAt)
	}
	if !th.LatestNonSpamAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("LatestNonSpamAt = %v", th.LatestNonSpamAt)
	}
	if !th.LatestMessageAt.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("LatestMessageAt = %v", th.LatestMessageAt)
	}

	// 재계산은 이전 값에 의존하지 않음
	th.Rollup(msgs[:1])
	if !th.IsRead || th.LatestOutboundAt != nil || th.MessageCount != 1 {
		t.Errorf("rollup not recomputed: %+v", th)
	}
}

func TestFoldHistory(t *testing.T) {
	changes := []HistoryChange{
		{Type: ChangeTypeAdded, HistoryID: 10, MessageID: "m1", ThreadID: "t1", LabelIDs: []string{LabelInbox}},
		{Type: ChangeTypeLabelAdded, HistoryID: 11, MessageID: "m2", ThreadID: "t2", LabelIDs: []string{"Label_1", LabelStarred}},
		{Type: ChangeTypeLabelRemoved, HistoryID: 12, MessageID: "m2", ThreadID: "t2", LabelIDs: []string{"Label_1"}},
		{Type: ChangeTypeDeleted, HistoryID: 13, MessageID: "m3", ThreadID: "t3"},
		{Type: ChangeTypeAdded, HistoryID: 14, MessageID: "m3", ThreadID: "t3"},
		{Type: ChangeTypeLabelAdded, HistoryID: 15, MessageID: "m1", LabelIDs: []string{LabelUnread}},
	}

	delta := FoldHistory(changes)

	if delta.MaxHistoryID != 15 {
		t.Errorf("MaxHistoryID = %d", delta.MaxHistoryID)
	}
	if !reflect.DeepEqual(delta.Order, []string{"m1", "m2", "m3"}) {
		t.Errorf("Order = %v", delta.Order)
	}

	m1 := delta.Messages["m1"]
	if !m1.NeedsFetch || m1.Deleted || m1.ThreadID != "t1" {
		t.Errorf("m1 = %+v", m1)
	}

	m2 := delta.Messages["m2"]
	got := m2.ApplyTo([]string{LabelInbox, "Label_1"})
	if !reflect.DeepEqual(got, []string{LabelInbox, LabelStarred}) {
		t.Errorf("m2 labels = %v", got)
	}

	m3 := delta.Messages["m3"]
	if !m3.Deleted || m3.NeedsFetch {
		t.Errorf("delete should supersede a later add: %+v", m3)
	}

	labels := delta.ReferencedLabels()
	if !reflect.DeepEqual(labels, []string{"Label_1", LabelStarred, LabelUnread}) {
		t.Errorf("ReferencedLabels = %v", labels)
	}
}

func TestQueueMessage_DedupeKey(t *testing.T) {
	a := NewQueueMessage("link", "job", &BackfillThread{ThreadProviderID: "t1"})
	b := NewQueueMessage("link", "job", &BackfillThread{ThreadProviderID: "t1"})
	if a.ID == b.ID {
		t.Fatal("ids should differ")
	}
	if a.DedupeKey() != b.DedupeKey() {
		t.Errorf("same thread should share a dedupe key: %q vs %q", a.DedupeKey(), b.DedupeKey())
	}

	h := NewQueueMessage("link", "", &HistorySync{})
	if h.DedupeKey() != h.ID {
		t.Errorf("history sync dedupe key = %q", h.DedupeKey())
	}
	if NewBody("bogus") != nil {
		t.Error("unknown kind should have no body")
	}
}

func TestOperationCost(t *testing.T) {
	if c, ok := OpThreadsList.Cost(); !ok || c != 10 {
		t.Errorf("threads.list = %d, %v", c, ok)
	}
	if _, ok := Operation("messages.import").Cost(); ok {
		t.Error("unknown operation should not have a cost")
	}
	if MaxOperationCost() != 100 {
		t.Errorf("MaxOperationCost = %d", MaxOperationCost())
	}
}
