package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// User-facing times live in a fixed UTC+7 locale while triggers execute
// against a fixed UTC-7 reference. The translation is a literal 14 hour
// shift, numeric by contract; it is not a named timezone conversion and must
// stay that way, since recipient-visible fire times depend on it.
var (
	localZone = time.FixedZone("UTC+7", 7*60*60)
	execZone  = time.FixedZone("UTC-7", -7*60*60)
)

// LocalClock renders an instant as the "HH:MM" wall clock recipients see.
// Reminder windows and received-message timestamps compare in this form.
func LocalClock(t time.Time) string {
	return t.In(localZone).Format("15:04")
}

// ExecHour shifts a local hour (0-23) into the execution reference.
func ExecHour(localHour int) int {
	return ((localHour-14)%24 + 24) % 24
}

// ExecDayOfWeek shifts a local day-of-week field ("*" or a comma list of 0-6,
// Sunday=0) into the execution reference. Days roll back one position only
// when the local hour is before 07:00. That boundary differs from the hour
// shift's midnight crossing on purpose: it is the behavior recipients already
// observe.
func ExecDayOfWeek(localHour int, localDayOfWeek string) (string, error) {
	if localDayOfWeek == Any || localHour-7 >= 0 {
		return localDayOfWeek, nil
	}
	parts := strings.Split(localDayOfWeek, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d < 0 || d > 6 {
			return "", fmt.Errorf("invalid day-of-week %q", p)
		}
		if d == 0 {
			d = 6
		} else {
			d--
		}
		out = append(out, strconv.Itoa(d))
	}
	return strings.Join(out, ","), nil
}

// ExecDayOfMonth shifts an absolute day-of-month under the same hour shift.
// The wall date resolves in now's local month, so day 1 can roll back into
// the previous month's last day.
func ExecDayOfMonth(localHour int, dayOfMonth string, now time.Time) (string, error) {
	if dayOfMonth == Any {
		return dayOfMonth, nil
	}
	dom, err := strconv.Atoi(strings.TrimSpace(dayOfMonth))
	if err != nil || dom < 1 || dom > 31 {
		return "", fmt.Errorf("invalid day-of-month %q", dayOfMonth)
	}
	local := now.In(localZone)
	wall := time.Date(local.Year(), local.Month(), dom, localHour, 0, 0, 0, localZone)
	return strconv.Itoa(wall.In(execZone).Day()), nil
}

// MonthOffset converts an absolute (year, month) target into the stored
// offset relative to the creation instant. The created month enters the
// formula zero-based; MonthFromOffset is the exact inverse. The round trip is
// only correct while the stored CreatedAt is never skewed after creation.
func MonthOffset(year, month int, createdAt time.Time) int {
	created := createdAt.In(localZone)
	return (year-created.Year())*12 - int(created.Month()-1) + month
}

// MonthFromOffset recovers the absolute (year, month) from a stored offset,
// wrapping the raw month into 1-12 and carrying into the year.
func MonthFromOffset(offset int, createdAt time.Time) (year, month int) {
	created := createdAt.In(localZone)
	month = offset%12 + int(created.Month()) - 1
	year = offset/12 + created.Year()
	switch {
	case month > 12:
		month -= 12
		year++
	case month < 1:
		month += 12
		year--
	}
	return year, month
}

// TriggerSpec renders n's recurrence as a five-field cron expression in the
// execution reference zone. Reminders always recur weekly, so their
// day-of-month and month fields stay open. The stored month offset resolves
// back to the absolute month here; cron has no notion of relative months.
func TriggerSpec(n *Notification, now time.Time) (string, error) {
	if n.Minute < 0 || n.Minute > 59 {
		return "", fmt.Errorf("invalid minute %d", n.Minute)
	}
	if n.Hour < 0 || n.Hour > 23 {
		return "", fmt.Errorf("invalid hour %d", n.Hour)
	}

	dow, err := ExecDayOfWeek(n.Hour, n.DayOfWeek)
	if err != nil {
		return "", err
	}

	dom, month := Any, Any
	if n.Type != TypeReminder {
		dom, err = ExecDayOfMonth(n.Hour, n.DayOfMonth, now)
		if err != nil {
			return "", err
		}
		if n.Months != Any {
			offset, err := strconv.Atoi(n.Months)
			if err != nil {
				return "", fmt.Errorf("invalid month offset %q", n.Months)
			}
			_, m := MonthFromOffset(offset, n.CreatedAt)
			month = strconv.Itoa(m)
		}
	}

	return fmt.Sprintf("%d %d %s %s %s", n.Minute, ExecHour(n.Hour), dom, month, dow), nil
}
