package notify

import (
	"context"
	"time"
)

type Type string

const (
	TypeNormal   Type = "normal"
	TypeReminder Type = "reminder"
)

// Any is the cron-style sentinel used by the recurrence string fields.
const Any = "*"

// Notification is the schedulable unit. Exactly one recurrence mode is set:
// either DayOfWeek holds a comma list of weekdays, or it holds "*" and
// DayOfMonth/Months hold an absolute day plus a month offset relative to
// CreatedAt.
type Notification struct {
	ID   string
	Name string
	Type Type

	// Content is the message template: {date} and @DisplayName tokens.
	Content string

	// Recurrence, expressed in local time.
	Minute     int
	Hour       int
	DayOfWeek  string // comma list of 0-6 (Sunday=0), or "*"
	DayOfMonth string // 1-31, or "*"
	Months     string // month offset relative to CreatedAt, or "*"

	ThreadID string

	// Reminder-only: the response keyword and the collection window.
	KeyWord  string
	FromTime string // "HH:MM", local
	ToTime   string // "HH:MM", local

	Enabled   bool
	CreatedAt time.Time

	SpaceID   string
	CreatorID string
}

type Space struct {
	ID          string
	Name        string // API resource name ("spaces/...")
	DisplayName string
}

type Member struct {
	ID          string
	Name        string // API resource name ("users/...") or the "all" sentinel
	DisplayName string
	Email       string
}

// AllMember is the broadcast sentinel: a tagged-member row without a member
// reference means "tag every space member".
var AllMember = Member{Name: "all", DisplayName: "all"}

func (m Member) IsAll() bool { return m.Name == AllMember.Name }

// ReceivedMessage records one inbound message from a recipient in a
// reminder's thread. Written by the platform event listener, read by the
// matching engine, deleted with its notification.
type ReceivedMessage struct {
	ID             string
	NotificationID string
	MessageName    string // platform resource name, for text retrieval
	Member         Member
	At             time.Time
}

// Store is the persistence contract the engine consumes. Not-found lookups
// return an error wrapping ErrNotFound, except FindReminderByThread which
// reports "no reminder" as (nil, nil) since absence is its common answer.
type Store interface {
	GetNotification(ctx context.Context, id string) (*Notification, error)
	SaveNotification(ctx context.Context, n *Notification) error
	DeleteNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context) ([]*Notification, error)
	FindReminderByThread(ctx context.Context, threadID string) (*Notification, error)

	// Tagged members: a nil member (and an empty member id on delete) address
	// the broadcast sentinel row.
	ListTaggedMembers(ctx context.Context, notificationID string) ([]Member, error)
	AddTaggedMember(ctx context.Context, notificationID string, member *Member) error
	DeleteTaggedMember(ctx context.Context, notificationID, memberID string) error
	DeleteTaggedMembers(ctx context.Context, notificationID string) error

	// ListReceivedMessages applies the notification's [FromTime, ToTime]
	// wall-clock window and thread scoping.
	ListReceivedMessages(ctx context.Context, n *Notification) ([]ReceivedMessage, error)
	AddReceivedMessage(ctx context.Context, m ReceivedMessage) error
	DeleteReceivedMessages(ctx context.Context, notificationID string) error

	FindMemberByName(ctx context.Context, name string) (*Member, error)
	FindMemberByEmail(ctx context.Context, email string) (*Member, error)
	FindSpaceByID(ctx context.Context, id string) (*Space, error)

	Close() error
}

// Sender is the chat-platform contract used at dispatch time. SendMessage
// returns the created message's resource name.
type Sender interface {
	SendMessage(ctx context.Context, text, threadID, spaceName string) (string, error)
	MessageText(ctx context.Context, messageName string) (string, error)
}
