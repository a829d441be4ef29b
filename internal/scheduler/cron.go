package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrMalformedCron — cron-выражение не проходит валидацию.
// Такой пост никогда не публикуется, пока выражение не исправят.
var ErrMalformedCron = errors.New("malformed cron expression")

// cronParser — парсер cron-выражений из пяти полей.
// Префикс CRON_TZ=/TZ= поддерживается парсером и переопределяет часовой пояс.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(cronExpr string) error {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("%w %q: %v", ErrMalformedCron, cronExpr, err)
	}
	return nil
}

// CronMatcher решает, должно ли cron-выражение сработать в текущую минуту.
//
// Сравнение идёт с точностью до минуты: выражение "due" в момент now тогда и
// только тогда, когда последнее совпадение расписания, не позже now, попадает
// в ту же минуту, что и now. Например, "0 12 * * *" due с 12:00:00 по 12:00:59
// и не due в 11:59 и 12:01.
//
// CronMatcher не хранит состояния: результат зависит только от (expr, now).
type CronMatcher struct {
	loc *time.Location
}

// NewCronMatcher создаёт CronMatcher для часового пояса loc (nil — time.Local).
func NewCronMatcher(loc *time.Location) *CronMatcher {
	if loc == nil {
		loc = time.Local
	}
	return &CronMatcher{loc: loc}
}

// IsDueNow проверяет, срабатывает ли expr в минуту, содержащую now.
// Для некорректного выражения возвращает false и ошибку ErrMalformedCron.
func (m *CronMatcher) IsDueNow(expr string, now time.Time) (bool, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("%w %q: %v", ErrMalformedCron, expr, err)
	}

	minuteStart := now.In(m.loc).Truncate(time.Minute)

	// Next ищет ближайшее совпадение строго после аргумента, с округлением
	// вверх до целой секунды. От minuteStart-1ns это даёт minuteStart, если
	// сама минута совпадает с расписанием.
	last := schedule.Next(minuteStart.Add(-time.Nanosecond))
	if last.IsZero() {
		// Совпадений нет (например, 30 февраля), не due.
		return false, nil
	}

	return last.Equal(minuteStart), nil
}

// NextFire возвращает ближайшее срабатывание expr строго после from.
func (m *CronMatcher) NextFire(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrMalformedCron, expr, err)
	}
	return schedule.Next(from.In(m.loc)), nil
}

// Location возвращает часовой пояс матчера.
func (m *CronMatcher) Location() *time.Location {
	return m.loc
}
