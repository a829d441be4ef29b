package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultTickInterval = 60 * time.Second

// TickRunner выполняет один тик. Реализация: Dispatcher.
type TickRunner interface {
	RunTick(ctx context.Context, now time.Time) (TickReport, error)
}

// Loop — периодический таймер, запускающий тики.
//
// Первый тик выравнивается по границе интервала (для 60s — по началу минуты),
// следующие идут с фиксированным периодом. Тики не перекрываются: если тик
// длится дольше интервала, пропущенные срабатывания таймера отбрасываются.
// Stop не прерывает текущий тик, а дожидается его завершения.
type Loop struct {
	runner   TickRunner
	interval time.Duration
	logger   *slog.Logger

	// now и after подменяются в тестах.
	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLoop создаёт Loop с периодом interval (default: 60s).
func NewLoop(runner TickRunner, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		runner:   runner,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		after:    time.After,
	}
}

// Start запускает таймер в отдельной горутине. Повторный вызов ничего не делает.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return
	}
	l.running = true

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go l.run(ctx, l.done)

	l.logger.Info("scheduler loop started", "interval", l.interval)
}

// Stop останавливает таймер и ждёт завершения текущего тика.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done

	l.logger.Info("scheduler loop stopped")
}

func (l *Loop) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	next := l.now().Truncate(l.interval).Add(l.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.after(next.Sub(l.now())):
		}

		l.tick(ctx)

		// Следующая граница после текущего момента: пропущенные
		// срабатывания не догоняются.
		next = l.now().Truncate(l.interval).Add(l.interval)
	}
}

func (l *Loop) tick(ctx context.Context) {
	now := l.now()

	// Остановка не обрывает начатый тик.
	report, err := l.runner.RunTick(context.WithoutCancel(ctx), now)
	if err != nil {
		l.logger.Error("scheduler tick failed",
			"tick_at", now,
			"error", err,
		)
		return
	}

	l.logger.Debug("scheduler tick",
		"tick_at", now,
		"one_time_due", report.OneTimeDue,
		"recurring_matched", report.RecurringMatched,
	)
}
