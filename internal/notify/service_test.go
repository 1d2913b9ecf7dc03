package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"chimebot/pkg/logx"
)

// fakeStore is a minimal in-memory Store for service tests.
type fakeStore struct {
	notifications map[string]*Notification
	tagged        map[string][]Member
	received      map[string][]ReceivedMessage
	spaces        map[string]Space
	members       []Member

	failSave bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notifications: map[string]*Notification{},
		tagged:        map[string][]Member{},
		received:      map[string][]ReceivedMessage{},
		spaces:        map[string]Space{},
	}
}

func (f *fakeStore) GetNotification(_ context.Context, id string) (*Notification, error) {
	n, ok := f.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeStore) SaveNotification(_ context.Context, n *Notification) error {
	if f.failSave {
		return fmt.Errorf("%w: save", ErrStorage)
	}
	cp := *n
	f.notifications[n.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteNotification(_ context.Context, n *Notification) error {
	delete(f.notifications, n.ID)
	return nil
}

func (f *fakeStore) ListNotifications(_ context.Context) ([]*Notification, error) {
	var out []*Notification
	for _, n := range f.notifications {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) FindReminderByThread(_ context.Context, threadID string) (*Notification, error) {
	for _, n := range f.notifications {
		if n.Type == TypeReminder && n.ThreadID == threadID {
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListTaggedMembers(_ context.Context, id string) ([]Member, error) {
	return append([]Member(nil), f.tagged[id]...), nil
}

func (f *fakeStore) AddTaggedMember(_ context.Context, id string, member *Member) error {
	m := AllMember
	if member != nil {
		m = *member
	}
	f.tagged[id] = append(f.tagged[id], m)
	return nil
}

func (f *fakeStore) DeleteTaggedMember(_ context.Context, id, memberID string) error {
	list := f.tagged[id]
	for i, m := range list {
		mid := m.ID
		if m.IsAll() {
			mid = ""
		}
		if mid == memberID {
			f.tagged[id] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) DeleteTaggedMembers(_ context.Context, id string) error {
	delete(f.tagged, id)
	return nil
}

func (f *fakeStore) ListReceivedMessages(_ context.Context, n *Notification) ([]ReceivedMessage, error) {
	return append([]ReceivedMessage(nil), f.received[n.ID]...), nil
}

func (f *fakeStore) AddReceivedMessage(_ context.Context, m ReceivedMessage) error {
	f.received[m.NotificationID] = append(f.received[m.NotificationID], m)
	return nil
}

func (f *fakeStore) DeleteReceivedMessages(_ context.Context, id string) error {
	delete(f.received, id)
	return nil
}

func (f *fakeStore) FindMemberByName(_ context.Context, name string) (*Member, error) {
	for _, m := range f.members {
		if m.Name == name {
			cp := m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("member %s: %w", name, ErrNotFound)
}

func (f *fakeStore) FindMemberByEmail(_ context.Context, email string) (*Member, error) {
	for _, m := range f.members {
		if m.Email == email {
			cp := m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("member %s: %w", email, ErrNotFound)
}

func (f *fakeStore) FindSpaceByID(_ context.Context, id string) (*Space, error) {
	sp, ok := f.spaces[id]
	if !ok {
		return nil, fmt.Errorf("space %s: %w", id, ErrNotFound)
	}
	cp := sp
	return &cp, nil
}

func (f *fakeStore) Close() error { return nil }

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeSender) {
	t.Helper()
	st := newFakeStore()
	st.spaces["sp1"] = Space{ID: "sp1", Name: "spaces/sp1", DisplayName: "Ops"}
	a, b, c := alice, bob, carol
	a.Email, b.Email, c.Email = "alice@x.test", "bob@x.test", "carol@x.test"
	st.members = []Member{a, b, c}

	sender := newFakeSender()
	reg := NewRegistry(logx.Nop())
	svc := NewService(st, sender, reg, logx.Nop())
	svc.now = func() time.Time {
		return time.Date(2025, 3, 20, 12, 0, 0, 0, localZone)
	}
	return svc, st, sender
}

func weeklySpec() CreateSpec {
	return CreateSpec{
		Name:      "standup",
		Content:   "standup time @Alice @Bob",
		Minute:    30,
		Hour:      9,
		DayOfWeek: []int{1, 2, 3, 4, 5},
		SpaceID:   "sp1",
		ThreadID:  "spaces/sp1/threads/t1",
		Tags:      []Member{alice, bob, carol, AllMember},
	}
}

func TestCreateNormalWeekly(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)

	id, err := svc.CreateNormal(context.Background(), weeklySpec(), "alice@x.test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	n := st.notifications[id]
	if n == nil {
		t.Fatalf("row not persisted")
	}
	if n.DayOfWeek != "1,2,3,4,5" || n.DayOfMonth != Any || n.Months != Any {
		t.Fatalf("recurrence fields = %q %q %q", n.DayOfWeek, n.DayOfMonth, n.Months)
	}
	if !n.Enabled || n.Type != TypeNormal {
		t.Fatalf("row flags: enabled=%v type=%q", n.Enabled, n.Type)
	}

	if len(st.tagged[id]) != 2 {
		t.Fatalf("tagged rows = %v, want Alice and Bob", st.tagged[id])
	}
	if running, ok := svc.reg.Running(id); !ok || !running {
		t.Fatalf("trigger not running after create")
	}
	if spec, _ := svc.reg.Spec(id); spec != "30 19 * * 1,2,3,4,5" {
		t.Fatalf("trigger spec = %q", spec)
	}
}

func TestCreateNormalAbsoluteDate(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	spec := weeklySpec()
	spec.DayOfWeek = nil
	spec.DayOfMonth = 15
	spec.Month = 6
	spec.Year = 2025

	id, err := svc.CreateNormal(context.Background(), spec, "alice@x.test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	info, err := svc.GetInfo(context.Background(), id)
	if err != nil {
		t.Fatalf("getinfo: %v", err)
	}
	if info.Year != 2025 || info.Month != 6 || info.DayOfMonth != 15 {
		t.Fatalf("getinfo date = %d-%d-%d, want 2025-6-15", info.Year, info.Month, info.DayOfMonth)
	}
	if len(info.DayOfWeek) != 0 {
		t.Fatalf("getinfo weekdays = %v, want none in date mode", info.DayOfWeek)
	}
}

func TestCreateNormalRejectsEmptyRecurrence(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	spec := weeklySpec()
	spec.DayOfWeek = nil // and no date target either
	if _, err := svc.CreateNormal(context.Background(), spec, "alice@x.test"); err == nil {
		t.Fatalf("expected error for empty recurrence")
	}
}

func TestCreateReminderThreadConflict(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	spec := weeklySpec()
	spec.KeyWord = "done"
	spec.FromTime = "08:00"
	spec.ToTime = "10:00"

	if _, err := svc.CreateReminder(context.Background(), spec, "alice@x.test"); err != nil {
		t.Fatalf("first reminder: %v", err)
	}
	_, err := svc.CreateReminder(context.Background(), spec, "alice@x.test")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second reminder on same thread: %v, want ErrConflict", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)

	id, err := svc.CreateNormal(context.Background(), weeklySpec(), "alice@x.test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	origSpec, _ := svc.reg.Spec(id)

	if err := svc.UpdateStatus(context.Background(), id, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if st.notifications[id].Enabled {
		t.Fatalf("row still enabled")
	}
	if running, _ := svc.reg.Running(id); running {
		t.Fatalf("trigger still running after disable")
	}

	if err := svc.UpdateStatus(context.Background(), id, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if running, _ := svc.reg.Running(id); !running {
		t.Fatalf("trigger not running after enable")
	}
	if spec, _ := svc.reg.Spec(id); spec != origSpec {
		t.Fatalf("schedule changed across disable/enable: %q -> %q", origSpec, spec)
	}

	if err := svc.UpdateStatus(context.Background(), "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: %v, want ErrNotFound", err)
	}
}

func TestUpdateScheduleOnlyPreservesStatus(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	id, err := svc.CreateNormal(context.Background(), weeklySpec(), "alice@x.test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.UpdateStatus(context.Background(), id, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	hour := 15
	if err := svc.Update(context.Background(), UpdatePatch{ID: id, Hour: &hour}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if running, ok := svc.reg.Running(id); !ok || running {
		t.Fatalf("schedule-only update changed paused status (running=%v ok=%v)", running, ok)
	}
	if spec, _ := svc.reg.Spec(id); spec != "30 1 * * 1,2,3,4,5" {
		t.Fatalf("rescheduled spec = %q", spec)
	}
}

func TestUpdateContentReconcilesTags(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)

	id, err := svc.CreateNormal(context.Background(), weeklySpec(), "alice@x.test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	content := "now only @Carol"
	err = svc.Update(context.Background(), UpdatePatch{
		ID:      id,
		Content: &content,
		Tags:    []Member{alice, bob, carol},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	tags := st.tagged[id]
	if len(tags) != 1 || tags[0].Name != carol.Name {
		t.Fatalf("tag rows after reconcile = %v, want just Carol", tags)
	}
	if running, ok := svc.reg.Running(id); !ok || !running {
		t.Fatalf("trigger lost across content update")
	}
}

func TestDeleteCascades(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)

	spec := weeklySpec()
	spec.KeyWord = "done"
	id, err := svc.CreateReminder(context.Background(), spec, "alice@x.test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st.received[id] = []ReceivedMessage{received(alice, "m1")}

	if err := svc.Delete(context.Background(), id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := st.notifications[id]; ok {
		t.Fatalf("row survived delete")
	}
	if len(st.tagged[id]) != 0 || len(st.received[id]) != 0 {
		t.Fatalf("owned rows survived delete")
	}
	if _, ok := svc.reg.Running(id); ok {
		t.Fatalf("trigger survived delete")
	}

	if err := svc.Delete(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v, want ErrNotFound", err)
	}
}

func TestFireNormalDisablesOnSendFailure(t *testing.T) {
	t.Parallel()
	svc, st, sender := newTestService(t)

	id, err := svc.CreateNormal(context.Background(), weeklySpec(), "alice@x.test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sender.sendErr = errors.New("thread is gone")
	svc.fireNormal(st.notifications[id], "spaces/sp1", st.tagged[id])

	if st.notifications[id].Enabled {
		t.Fatalf("notification still enabled after failed dispatch")
	}
	if running, _ := svc.reg.Running(id); running {
		t.Fatalf("trigger still running after failed dispatch")
	}
}

func TestFireReminderSatisfiedStaysSilent(t *testing.T) {
	t.Parallel()
	svc, st, sender := newTestService(t)

	spec := weeklySpec()
	spec.KeyWord = "done"
	id, err := svc.CreateReminder(context.Background(), spec, "alice@x.test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Both tagged recipients answered with the keyword.
	sender.texts["m1"] = "done"
	sender.texts["m2"] = "all done here"
	st.received[id] = []ReceivedMessage{received(alice, "m1"), received(bob, "m2")}

	svc.fireReminder(st.notifications[id], "spaces/sp1", st.tagged[id])

	if sent := sender.sentMessages(); len(sent) != 0 {
		t.Fatalf("satisfied reminder sent %v, want silence", sent)
	}
	if !st.notifications[id].Enabled {
		t.Fatalf("satisfied reminder got disabled")
	}
}

func TestFireReminderEscalatesOutstanding(t *testing.T) {
	t.Parallel()
	svc, st, sender := newTestService(t)

	spec := weeklySpec()
	spec.KeyWord = "done"
	id, err := svc.CreateReminder(context.Background(), spec, "alice@x.test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sender.texts["m1"] = "done"
	st.received[id] = []ReceivedMessage{received(alice, "m1")} // Bob stays silent

	svc.fireReminder(st.notifications[id], "spaces/sp1", st.tagged[id])

	sent := sender.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if want := "standup time  <" + bob.Name + ">"; sent[0] != want {
		t.Fatalf("escalation text = %q, want %q", sent[0], want)
	}
}

func TestRebuildRegistersPersistedRows(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)

	id1, err := svc.CreateNormal(context.Background(), weeklySpec(), "alice@x.test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.UpdateStatus(context.Background(), id1, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	// Simulate a restart: fresh registry and service over the same store.
	reg := NewRegistry(logx.Nop())
	restarted := NewService(st, newFakeSender(), reg, logx.Nop())
	restarted.now = svc.now

	if err := restarted.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	running, ok := reg.Running(id1)
	if !ok {
		t.Fatalf("trigger not rebuilt")
	}
	if running {
		t.Fatalf("disabled row rebuilt as running trigger")
	}
}
