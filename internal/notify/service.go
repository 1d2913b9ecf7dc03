package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"chimebot/pkg/logx"
)

// dispatchTimeout bounds one firing's network work. A firing is never
// cancelled mid-flight by enable/disable; the timeout is its only limit.
const dispatchTimeout = 30 * time.Second

// Service is the single authority over notifications: it owns the persisted
// rows, the tagged-member bookkeeping, and the registry entry for every
// notification id. The dispatch failure path goes back through UpdateStatus,
// the same operation an operator would use.
type Service struct {
	store  Store
	sender Sender
	reg    *Registry
	log    logx.Logger

	now func() time.Time
}

func NewService(store Store, sender Sender, reg *Registry, log logx.Logger) *Service {
	return &Service{store: store, sender: sender, reg: reg, log: log, now: time.Now}
}

// CreateSpec carries an already-validated creation request from the API
// layer. Tags is the candidate recipient list mentions are matched against,
// including the "all" sentinel when broadcast is on offer.
type CreateSpec struct {
	Name    string
	Content string

	Minute    int
	Hour      int
	DayOfWeek []int // empty selects day-of-month mode (normal notifications)

	DayOfMonth int
	Month      int
	Year       int

	SpaceID  string
	ThreadID string
	Tags     []Member

	// Reminder-only.
	KeyWord  string
	FromTime string
	ToTime   string
}

// CreateNormal persists a normal notification and registers its trigger.
// With no weekdays given, the spec must carry an absolute day/month/year
// target, stored as day-of-month plus a month offset.
func (s *Service) CreateNormal(ctx context.Context, spec CreateSpec, creatorEmail string) (string, error) {
	space, creator, err := s.resolveOwners(ctx, spec.SpaceID, creatorEmail)
	if err != nil {
		return "", err
	}

	now := s.now().In(localZone)
	n := &Notification{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		Type:      TypeNormal,
		Content:   spec.Content,
		Minute:    spec.Minute,
		Hour:      spec.Hour,
		ThreadID:  spec.ThreadID,
		Enabled:   true,
		CreatedAt: now,
		SpaceID:   space.ID,
		CreatorID: creator.ID,
	}
	if len(spec.DayOfWeek) == 0 {
		if spec.DayOfMonth < 1 || spec.DayOfMonth > 31 || spec.Month < 1 || spec.Month > 12 || spec.Year < 1 {
			return "", fmt.Errorf("recurrence: need weekdays or a valid day/month/year target")
		}
		n.DayOfWeek = Any
		n.DayOfMonth = strconv.Itoa(spec.DayOfMonth)
		n.Months = strconv.Itoa(MonthOffset(spec.Year, spec.Month, now))
	} else {
		n.DayOfWeek, err = joinDays(spec.DayOfWeek)
		if err != nil {
			return "", err
		}
		n.DayOfMonth = Any
		n.Months = Any
	}

	if err := s.store.SaveNotification(ctx, n); err != nil {
		return "", err
	}
	tagged, err := s.storeTags(ctx, n.ID, spec.Content, spec.Tags)
	if err != nil {
		return "", err
	}
	if err := s.register(n, space.Name, tagged); err != nil {
		return "", err
	}
	s.log.Info("notification created", logx.String("notification", n.ID), logx.String("space", space.Name))
	return n.ID, nil
}

// CreateReminder persists a reminder and registers its trigger. A thread can
// back at most one reminder; a second registration is a conflict.
func (s *Service) CreateReminder(ctx context.Context, spec CreateSpec, creatorEmail string) (string, error) {
	existing, err := s.store.FindReminderByThread(ctx, spec.ThreadID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", fmt.Errorf("thread %s: %w", spec.ThreadID, ErrConflict)
	}
	if len(spec.DayOfWeek) == 0 {
		return "", fmt.Errorf("reminder needs at least one weekday")
	}

	space, creator, err := s.resolveOwners(ctx, spec.SpaceID, creatorEmail)
	if err != nil {
		return "", err
	}

	now := s.now().In(localZone)
	n := &Notification{
		ID:         uuid.NewString(),
		Name:       spec.Name,
		Type:       TypeReminder,
		Content:    spec.Content,
		Minute:     spec.Minute,
		Hour:       spec.Hour,
		DayOfMonth: Any,
		Months:     Any,
		ThreadID:   spec.ThreadID,
		KeyWord:    spec.KeyWord,
		FromTime:   spec.FromTime,
		ToTime:     spec.ToTime,
		Enabled:    true,
		CreatedAt:  now,
		SpaceID:    space.ID,
		CreatorID:  creator.ID,
	}
	n.DayOfWeek, err = joinDays(spec.DayOfWeek)
	if err != nil {
		return "", err
	}

	if err := s.store.SaveNotification(ctx, n); err != nil {
		return "", err
	}
	tagged, err := s.storeTags(ctx, n.ID, spec.Content, spec.Tags)
	if err != nil {
		return "", err
	}
	if err := s.register(n, space.Name, tagged); err != nil {
		return "", err
	}
	s.log.Info("reminder created", logx.String("notification", n.ID), logx.String("thread", n.ThreadID))
	return n.ID, nil
}

// UpdateStatus flips the enabled flag and pauses/resumes the trigger.
// Last-writer-wins under concurrent callers; the registry calls themselves
// are idempotent.
func (s *Service) UpdateStatus(ctx context.Context, id string, enabled bool) error {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	n.Enabled = enabled
	if err := s.store.SaveNotification(ctx, n); err != nil {
		return err
	}
	if enabled {
		s.reg.Resume(id)
	} else {
		s.reg.Pause(id)
	}
	return nil
}

// UpdatePatch is a partial update; nil fields stay untouched. Schedule fields
// use the stored string form. Tags is the candidate list a changed Content is
// re-matched against; with no candidates the persisted tag set carries over.
type UpdatePatch struct {
	ID string

	Name     *string
	Content  *string
	ThreadID *string
	KeyWord  *string
	FromTime *string
	ToTime   *string

	Minute     *int
	Hour       *int
	DayOfWeek  *string
	DayOfMonth *string
	Months     *string

	Tags []Member
}

// Update applies a patch. Pure schedule changes reschedule the live trigger
// in place (running/paused status preserved); content/thread/window/keyword
// changes rebuild the trigger with fresh captured state, reconciling the
// persisted tag set against the new content.
func (s *Service) Update(ctx context.Context, patch UpdatePatch) error {
	n, err := s.store.GetNotification(ctx, patch.ID)
	if err != nil {
		return err
	}

	schedChanged := patch.Minute != nil || patch.Hour != nil ||
		patch.DayOfWeek != nil || patch.DayOfMonth != nil || patch.Months != nil
	captureChanged := patch.Content != nil || patch.ThreadID != nil ||
		patch.KeyWord != nil || patch.FromTime != nil || patch.ToTime != nil

	applyStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	applyInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	applyStr(&n.Name, patch.Name)
	applyStr(&n.Content, patch.Content)
	applyStr(&n.ThreadID, patch.ThreadID)
	applyStr(&n.KeyWord, patch.KeyWord)
	applyStr(&n.FromTime, patch.FromTime)
	applyStr(&n.ToTime, patch.ToTime)
	applyInt(&n.Minute, patch.Minute)
	applyInt(&n.Hour, patch.Hour)
	applyStr(&n.DayOfWeek, patch.DayOfWeek)
	applyStr(&n.DayOfMonth, patch.DayOfMonth)
	applyStr(&n.Months, patch.Months)

	if err := s.store.SaveNotification(ctx, n); err != nil {
		return err
	}

	if schedChanged && !captureChanged {
		spec, err := TriggerSpec(n, s.now())
		if err != nil {
			return err
		}
		return s.reg.SetSpec(n.ID, spec)
	}

	if captureChanged {
		space, err := s.store.FindSpaceByID(ctx, n.SpaceID)
		if err != nil {
			return err
		}
		inDB, err := s.store.ListTaggedMembers(ctx, n.ID)
		if err != nil {
			return err
		}
		capture := inDB
		if patch.Content != nil && len(patch.Tags) != 0 {
			capture, err = s.reconcileTags(ctx, n.ID, n.Content, patch.Tags, inDB)
			if err != nil {
				return err
			}
		}
		s.reg.Remove(n.ID)
		return s.register(n, space.Name, capture)
	}
	return nil
}

// Delete removes the notification, its owned rows, and its trigger. The
// registry removal is unconditional and silent if the trigger is already
// gone.
func (s *Service) Delete(ctx context.Context, id string) error {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTaggedMembers(ctx, id); err != nil {
		return err
	}
	if n.Type == TypeReminder {
		if err := s.store.DeleteReceivedMessages(ctx, id); err != nil {
			return err
		}
	}
	if err := s.store.DeleteNotification(ctx, n); err != nil {
		return err
	}
	s.reg.Remove(id)
	s.log.Info("notification deleted", logx.String("notification", id))
	return nil
}

// Info is the read model: the stored month offset is resolved back into an
// absolute year/month against CreatedAt.
type Info struct {
	ID      string
	Name    string
	Type    Type
	Content string

	Minute    int
	Hour      int
	DayOfWeek []int

	DayOfMonth int
	Month      int
	Year       int

	ThreadID string
	KeyWord  string
	FromTime string
	ToTime   string

	Enabled   bool
	CreatedAt time.Time
	Tags      []Member
}

func (s *Service) GetInfo(ctx context.Context, id string) (*Info, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	info := &Info{
		ID: n.ID, Name: n.Name, Type: n.Type, Content: n.Content,
		Minute: n.Minute, Hour: n.Hour,
		ThreadID: n.ThreadID, KeyWord: n.KeyWord,
		FromTime: n.FromTime, ToTime: n.ToTime,
		Enabled: n.Enabled, CreatedAt: n.CreatedAt,
	}
	if n.DayOfWeek == Any {
		offset, err := strconv.Atoi(n.Months)
		if err != nil {
			return nil, fmt.Errorf("stored month offset %q: %w", n.Months, err)
		}
		info.Year, info.Month = MonthFromOffset(offset, n.CreatedAt)
		info.DayOfMonth, err = strconv.Atoi(n.DayOfMonth)
		if err != nil {
			return nil, fmt.Errorf("stored day-of-month %q: %w", n.DayOfMonth, err)
		}
	} else {
		info.DayOfWeek, err = parseDays(n.DayOfWeek)
		if err != nil {
			return nil, err
		}
	}
	info.Tags, err = s.store.ListTaggedMembers(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Rebuild re-registers one trigger per persisted notification row; disabled
// rows come back as paused triggers. Called once at startup. Rows that fail
// to register are logged and skipped so one bad row cannot hold up the rest.
func (s *Service) Rebuild(ctx context.Context) error {
	rows, err := s.store.ListNotifications(ctx)
	if err != nil {
		return err
	}
	registered := 0
	for _, n := range rows {
		space, err := s.store.FindSpaceByID(ctx, n.SpaceID)
		if err != nil {
			s.log.Warn("rebuild: space lookup failed", logx.String("notification", n.ID), logx.Err(err))
			continue
		}
		tagged, err := s.store.ListTaggedMembers(ctx, n.ID)
		if err != nil {
			s.log.Warn("rebuild: tagged members lookup failed", logx.String("notification", n.ID), logx.Err(err))
			continue
		}
		if err := s.register(n, space.Name, tagged); err != nil {
			s.log.Warn("rebuild: trigger registration failed", logx.String("notification", n.ID), logx.Err(err))
			continue
		}
		registered++
	}
	s.log.Info("triggers rebuilt", logx.Int("registered", registered), logx.Int("rows", len(rows)))
	return nil
}

// ---- dispatch ----

// register computes the trigger spec and installs the dispatch closure. The
// closure captures an immutable snapshot of the row plus the resolved tag
// set; re-entrant firings share nothing but the service handle. A disabled
// notification still gets a (paused) trigger so its registry entry always
// mirrors its row.
func (s *Service) register(n *Notification, spaceName string, tagged []Member) error {
	spec, err := TriggerSpec(n, s.now())
	if err != nil {
		return err
	}
	snap := *n
	members := append([]Member(nil), tagged...)
	var job func()
	if n.Type == TypeReminder {
		job = func() { s.fireReminder(&snap, spaceName, members) }
	} else {
		job = func() { s.fireNormal(&snap, spaceName, members) }
	}
	if err := s.reg.Add(n.ID, spec, job); err != nil {
		return err
	}
	if !n.Enabled {
		s.reg.Pause(n.ID)
	}
	return nil
}

func (s *Service) fireNormal(n *Notification, spaceName string, tagged []Member) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	text := RenderMessage(n.Content, tagged, s.now())
	if _, err := s.sender.SendMessage(ctx, text, n.ThreadID, spaceName); err != nil {
		s.log.Warn("dispatch failed; disabling notification",
			logx.String("notification", n.ID), logx.String("space", spaceName), logx.Err(err))
		s.disable(n.ID)
		return
	}
	s.log.Debug("notification dispatched", logx.String("notification", n.ID))
}

func (s *Service) fireReminder(n *Notification, spaceName string, tagged []Member) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	received, err := s.store.ListReceivedMessages(ctx, n)
	if err != nil {
		// Storage hiccup: skip this cycle, the next firing re-evaluates.
		s.log.Warn("reminder skipped: received-message lookup failed",
			logx.String("notification", n.ID), logx.Err(err))
		return
	}
	escalate, err := Escalation(ctx, s.sender, n.KeyWord, tagged, received)
	if err != nil {
		s.log.Warn("reminder evaluation failed; disabling notification",
			logx.String("notification", n.ID), logx.Err(err))
		s.disable(n.ID)
		return
	}
	if len(escalate) == 0 {
		s.log.Debug("reminder satisfied; staying silent", logx.String("notification", n.ID))
		return
	}
	text := RenderReminder(n.Content, escalate, tagged)
	if _, err := s.sender.SendMessage(ctx, text, n.ThreadID, spaceName); err != nil {
		s.log.Warn("escalation send failed; disabling notification",
			logx.String("notification", n.ID), logx.Err(err))
		s.disable(n.ID)
		return
	}
	s.log.Debug("escalation dispatched",
		logx.String("notification", n.ID), logx.Int("outstanding", len(escalate)))
}

// disable is the firing failure path: flip the row and pause the trigger
// through the same operation an operator would use, so a dead thread stops
// firing until a human re-enables it.
func (s *Service) disable(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := s.UpdateStatus(ctx, id, false); err != nil {
		s.log.Error("failed to disable after dispatch failure",
			logx.String("notification", id), logx.Err(err))
	}
}

// ---- tag bookkeeping ----

// storeTags matches the template against the candidates, persists one row per
// matched tag, and returns the resolved set used as dispatch capture state.
func (s *Service) storeTags(ctx context.Context, id, content string, candidates []Member) ([]Member, error) {
	tagged := MatchTags(content, candidates)
	resolved := make([]Member, 0, len(tagged))
	for _, tag := range tagged {
		if tag.IsAll() {
			if err := s.store.AddTaggedMember(ctx, id, nil); err != nil {
				return nil, err
			}
			resolved = append(resolved, AllMember)
			continue
		}
		member, err := s.store.FindMemberByName(ctx, tag.Name)
		if err != nil {
			return nil, err
		}
		if err := s.store.AddTaggedMember(ctx, id, member); err != nil {
			return nil, err
		}
		resolved = append(resolved, *member)
	}
	return resolved, nil
}

// reconcileTags diffs the tag set matched from the new content against the
// persisted rows, adding the new and removing the dropped, and returns the
// resulting set.
func (s *Service) reconcileTags(ctx context.Context, id, content string, candidates, inDB []Member) ([]Member, error) {
	matched := MatchTags(content, candidates)
	resolved := make([]Member, 0, len(matched))
	for _, m := range matched {
		if existing, ok := findMember(inDB, m.Name); ok {
			resolved = append(resolved, existing)
			continue
		}
		if m.IsAll() {
			if err := s.store.AddTaggedMember(ctx, id, nil); err != nil {
				return nil, err
			}
			resolved = append(resolved, AllMember)
			continue
		}
		member, err := s.store.FindMemberByName(ctx, m.Name)
		if err != nil {
			return nil, err
		}
		if err := s.store.AddTaggedMember(ctx, id, member); err != nil {
			return nil, err
		}
		resolved = append(resolved, *member)
	}
	for _, m := range inDB {
		if _, ok := findMember(matched, m.Name); ok {
			continue
		}
		memberID := m.ID
		if m.IsAll() {
			memberID = ""
		}
		if err := s.store.DeleteTaggedMember(ctx, id, memberID); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

func (s *Service) resolveOwners(ctx context.Context, spaceID, creatorEmail string) (*Space, *Member, error) {
	space, err := s.store.FindSpaceByID(ctx, spaceID)
	if err != nil {
		return nil, nil, err
	}
	creator, err := s.store.FindMemberByEmail(ctx, creatorEmail)
	if err != nil {
		return nil, nil, err
	}
	return space, creator, nil
}

func joinDays(days []int) (string, error) {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		if d < 0 || d > 6 {
			return "", fmt.Errorf("invalid day-of-week %d", d)
		}
		parts = append(parts, strconv.Itoa(d))
	}
	return strings.Join(parts, ","), nil
}

func parseDays(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d < 0 || d > 6 {
			return nil, fmt.Errorf("stored day-of-week %q", p)
		}
		out = append(out, d)
	}
	return out, nil
}
