package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chimebot/internal/notify"
	"chimebot/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteNotificationRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()

	created := time.Date(2025, 3, 1, 9, 30, 0, 0, testLocal)
	n := &notify.Notification{
		ID: "n1", Name: "standup", Type: notify.TypeReminder, Content: "hi @Alice",
		Minute: 30, Hour: 9, DayOfWeek: "1,2,3", DayOfMonth: "*", Months: "*",
		ThreadID: "t1", KeyWord: "done", FromTime: "08:00", ToTime: "10:00",
		Enabled: true, CreatedAt: created, SpaceID: "sp1", CreatorID: "1",
	}
	if err := st.SaveNotification(ctx, n); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.GetNotification(ctx, "n1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != notify.TypeReminder || got.KeyWord != "done" || got.DayOfWeek != "1,2,3" {
		t.Fatalf("loaded row mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at %v, want %v", got.CreatedAt, created)
	}

	// Upsert path: same id, changed fields.
	got.Enabled = false
	got.Content = "bye"
	if err := st.SaveNotification(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	rows, err := st.ListNotifications(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Enabled || rows[0].Content != "bye" {
		t.Fatalf("update not persisted: %+v", rows)
	}

	byThread, err := st.FindReminderByThread(ctx, "t1")
	if err != nil || byThread == nil || byThread.ID != "n1" {
		t.Fatalf("FindReminderByThread = %v, %v", byThread, err)
	}
	none, err := st.FindReminderByThread(ctx, "other")
	if err != nil || none != nil {
		t.Fatalf("unknown thread = %v, %v; want nil, nil", none, err)
	}

	if err := st.DeleteNotification(ctx, n); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetNotification(ctx, "n1"); !errors.Is(err, notify.ErrNotFound) {
		t.Fatalf("get after delete: %v, want ErrNotFound", err)
	}
}

func TestSQLiteDirectoryAndTags(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()

	if err := st.UpsertSpace(ctx, notify.Space{ID: "sp1", Name: "spaces/sp1", DisplayName: "Ops"}); err != nil {
		t.Fatalf("upsert space: %v", err)
	}
	al := notify.Member{ID: "1", Name: "users/alice", DisplayName: "Alice", Email: "alice@x.test"}
	if err := st.UpsertMember(ctx, al); err != nil {
		t.Fatalf("upsert member: %v", err)
	}
	// Re-upsert with a changed display name must not duplicate.
	al.DisplayName = "Alice B"
	if err := st.UpsertMember(ctx, al); err != nil {
		t.Fatalf("re-upsert member: %v", err)
	}

	found, err := st.FindMemberByEmail(ctx, "alice@x.test")
	if err != nil {
		t.Fatalf("by email: %v", err)
	}
	if found.DisplayName != "Alice B" {
		t.Fatalf("upsert did not update: %+v", found)
	}
	if _, err := st.FindMemberByName(ctx, "users/nobody"); !errors.Is(err, notify.ErrNotFound) {
		t.Fatalf("unknown member: %v, want ErrNotFound", err)
	}
	if _, err := st.FindSpaceByID(ctx, "sp1"); err != nil {
		t.Fatalf("space: %v", err)
	}

	if err := st.AddTaggedMember(ctx, "n1", found); err != nil {
		t.Fatalf("add tag: %v", err)
	}
	if err := st.AddTaggedMember(ctx, "n1", nil); err != nil {
		t.Fatalf("add broadcast tag: %v", err)
	}
	if err := st.AddTaggedMember(ctx, "n1", found); err != nil { // duplicate
		t.Fatalf("duplicate tag: %v", err)
	}

	tags, err := st.ListTaggedMembers(ctx, "n1")
	if err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if len(tags) != 2 || tags[0].Name != "users/alice" || !tags[1].IsAll() {
		t.Fatalf("tags = %v", tags)
	}

	if err := st.DeleteTaggedMember(ctx, "n1", ""); err != nil {
		t.Fatalf("delete broadcast: %v", err)
	}
	tags, _ = st.ListTaggedMembers(ctx, "n1")
	if len(tags) != 1 {
		t.Fatalf("tags after delete = %v", tags)
	}
	if err := st.DeleteTaggedMembers(ctx, "n1"); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	tags, _ = st.ListTaggedMembers(ctx, "n1")
	if len(tags) != 0 {
		t.Fatalf("tags survived cascade: %v", tags)
	}
}

func TestSQLiteReceivedMessageWindow(t *testing.T) {
	t.Parallel()
	st := openTestSQLite(t)
	ctx := context.Background()

	al := notify.Member{ID: "1", Name: "users/alice", DisplayName: "Alice"}
	if err := st.UpsertMember(ctx, al); err != nil {
		t.Fatalf("upsert member: %v", err)
	}

	day := time.Date(2025, 3, 20, 0, 0, 0, 0, testLocal)
	ids := []string{"r1", "r2", "r3"}
	for i, hh := range []int{7, 9, 11} {
		err := st.AddReceivedMessage(ctx, notify.ReceivedMessage{
			ID: ids[i], NotificationID: "n1", MessageName: "m" + ids[i],
			Member: al, At: day.Add(time.Duration(hh) * time.Hour),
		})
		if err != nil {
			t.Fatalf("add received: %v", err)
		}
	}

	n := &notify.Notification{ID: "n1", FromTime: "08:00", ToTime: "10:00"}
	got, err := st.ListReceivedMessages(ctx, n)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r2" {
		t.Fatalf("window = %v, want just the 09:00 row", got)
	}
	if got[0].Member.Name != "users/alice" {
		t.Fatalf("member join missing: %+v", got[0])
	}

	if err := st.DeleteReceivedMessages(ctx, "n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	left, _ := st.ListReceivedMessages(ctx, &notify.Notification{ID: "n1"})
	if len(left) != 0 {
		t.Fatalf("messages survived cascade")
	}
}
