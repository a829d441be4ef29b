package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Herald/internal/domain"
	"github.com/shaiso/Herald/internal/publish"
	"github.com/shaiso/Herald/internal/repo"
	"github.com/shaiso/Herald/internal/telemetry"
)

const (
	defaultRecurringWorkers = 4
	defaultRecurringQueue   = 64
	defaultPublishTimeout   = 30 * time.Second
	defaultEventTimeout     = 10 * time.Second

	clearMarkerAttempts = 3
	clearMarkerBackoff  = 50 * time.Millisecond
)

var (
	// ErrAlreadySent — разовый пост уже опубликован.
	ErrAlreadySent = errors.New("post already sent")

	// ErrPublishInterrupted — у поста незакрытая попытка публикации,
	// её нужно разобрать через Reconcile.
	ErrPublishInterrupted = errors.New("interrupted publish attempt pending reconcile")

	// ErrDispatcherStopped — Dispatcher закрыт и не принимает работу.
	ErrDispatcherStopped = errors.New("dispatcher stopped")

	// errNotDue — пост перестал быть due между выборкой и захватом замка.
	errNotDue = errors.New("post is no longer due")
)

// Notifier получает результаты публикаций.
//
// Реализация: mq.Publisher. Ошибки Notifier логируются и не влияют на
// состояние поста.
type Notifier interface {
	PublishPostPublished(ctx context.Context, event domain.DispatchEvent) error
	PublishPostFailed(ctx context.Context, event domain.DispatchEvent) error
}

// Config — конфигурация Dispatcher.
type Config struct {
	Store     repo.PostStore
	Publisher publish.Publisher
	Matcher   *CronMatcher
	Notifier  Notifier // опционально
	Logger    *slog.Logger

	Workers        int           // воркеры для повторяющихся постов (default: 4)
	QueueSize      int           // очередь на воркера (default: 64)
	PublishTimeout time.Duration // ограничение на всю публикацию одного поста (default: 30s)
	EventTimeout   time.Duration // ограничение на отправку одного события в Notifier (default: 10s)

	// Now — источник времени для SendNow и Reconcile (default: time.Now).
	Now func() time.Time
}

// TickReport — итог синхронной части тика.
//
// Повторяющиеся посты публикуются асинхронно, поэтому для них в отчёте
// только число поставленных в очередь и отброшенных.
type TickReport struct {
	Now time.Time

	OneTimeDue       int
	OneTimePublished int
	OneTimeFailed    int
	OneTimeSkipped   int

	RecurringMatched int
	RecurringQueued  int
	RecurringDropped int
	MalformedCron    int
}

// SendResult — результат явной публикации.
type SendResult struct {
	Post    *domain.Post
	Handles []domain.PostHandle
}

// Dispatcher публикует due-посты и применяет переходы состояния.
//
// Разовые посты тика обрабатываются строго последовательно. Повторяющиеся
// уходят в KeyedPool и не ждут друг друга. Чтение "пора ли" и запись
// результата для одного поста выполняются под замком по ID, общим для тика,
// SendNow и Reconcile.
type Dispatcher struct {
	store    repo.PostStore
	selector *Selector
	matcher  *CronMatcher
	pipeline *publish.Pipeline
	notifier Notifier
	logger   *slog.Logger
	timeout  time.Duration
	evtLimit time.Duration
	now      func() time.Time

	locks *keyLocks
	pool  *KeyedPool

	mu     sync.RWMutex
	closed bool
}

// New создаёт Dispatcher и запускает пул воркеров для повторяющихся постов.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	matcher := cfg.Matcher
	if matcher == nil {
		matcher = NewCronMatcher(nil)
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	evtLimit := cfg.EventTimeout
	if evtLimit <= 0 {
		evtLimit = defaultEventTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	d := &Dispatcher{
		store:    cfg.Store,
		selector: NewSelector(cfg.Store, matcher, logger),
		matcher:  matcher,
		pipeline: publish.NewPipeline(cfg.Publisher, logger),
		notifier: cfg.Notifier,
		logger:   logger,
		timeout:  timeout,
		evtLimit: evtLimit,
		now:      now,
		locks:    newKeyLocks(),
		pool:     NewKeyedPool(cfg.Workers, cfg.QueueSize, logger),
	}

	// Задачи пула сами отвязываются от отмены, см. process.
	d.pool.Start(context.Background())

	return d
}

// Matcher возвращает CronMatcher диспетчера.
func (d *Dispatcher) Matcher() *CronMatcher {
	return d.matcher
}

// RunTick выполняет один тик для момента now.
//
// 1. Выбирает разовые due-посты и публикует их по одному, дожидаясь результата
// 2. Выбирает повторяющиеся посты, cron которых совпал, и ставит их в пул
//
// Ошибки отдельных постов логируются и не прерывают тик. Ошибка возвращается
// только если не удалось прочитать хранилище.
func (d *Dispatcher) RunTick(ctx context.Context, now time.Time) (TickReport, error) {
	report := TickReport{Now: now}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return report, ErrDispatcherStopped
	}

	start := time.Now()
	defer func() {
		telemetry.SchedulerTicks.Inc()
		telemetry.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}()

	var errs []error

	// 1. Разовые посты
	due, err := d.selector.DueOnce(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	report.OneTimeDue = len(due)

	for i := range due {
		post := &due[i]

		_, err := d.process(ctx, post.ID, domain.DispatchOneTime, now)
		switch {
		case err == nil:
			report.OneTimePublished++
		case errors.Is(err, errNotDue), errors.Is(err, repo.ErrNotFound):
			report.OneTimeSkipped++
		default:
			report.OneTimeFailed++
		}
	}

	// 2. Повторяющиеся посты
	candidates, err := d.selector.DueRecurring(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}

	for _, c := range candidates {
		if c.Err != nil {
			report.MalformedCron++
			continue
		}
		if !c.Matched {
			continue
		}
		report.RecurringMatched++

		id := c.Post.ID
		queued := d.pool.TryDispatch(id, func(jobCtx context.Context) {
			_, _ = d.process(jobCtx, id, domain.DispatchRecurring, now)
		})
		if !queued {
			report.RecurringDropped++
			telemetry.RecurringDropped.Inc()
			d.logger.Warn("recurring firing dropped, worker queue full",
				"post_id", id,
				"kind", domain.DispatchRecurring,
			)
			continue
		}
		report.RecurringQueued++
	}

	if len(errs) > 0 {
		telemetry.SchedulerTickErrors.Inc()
		return report, errors.Join(errs...)
	}

	if report.OneTimeDue > 0 || report.RecurringMatched > 0 {
		d.logger.Info("dispatcher tick completed",
			"one_time_due", report.OneTimeDue,
			"one_time_published", report.OneTimePublished,
			"one_time_failed", report.OneTimeFailed,
			"recurring_matched", report.RecurringMatched,
			"recurring_queued", report.RecurringQueued,
			"recurring_dropped", report.RecurringDropped,
		)
	}

	return report, nil
}

// SendNow публикует пост синхронно, минуя таймер.
//
// Разовый пост после успеха помечается sent; повторно отправить его нельзя
// (ErrAlreadySent). Для повторяющегося обновляется last_run.
// Ошибка публикации возвращается вызывающему; частично опубликованные
// handles доступны через publish.PartialHandles(err).
func (d *Dispatcher) SendNow(ctx context.Context, id uuid.UUID) (*SendResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrDispatcherStopped
	}

	return d.process(ctx, id, domain.DispatchManual, d.now())
}

// PublishUnits немедленно публикует контент без сохранения записи.
func (d *Dispatcher) PublishUnits(ctx context.Context, units []domain.ContentUnit) ([]domain.PostHandle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrDispatcherStopped
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	handles, err := d.pipeline.Publish(pubCtx, units)
	if err != nil {
		telemetry.Dispatches.WithLabelValues(string(domain.DispatchImmediate), "failed").Inc()
		d.logger.Error("immediate publish failed",
			"kind", domain.DispatchImmediate,
			"units", len(units),
			"published", len(publish.PartialHandles(err)),
			"error", err,
		)
		return nil, err
	}

	telemetry.Dispatches.WithLabelValues(string(domain.DispatchImmediate), "published").Inc()
	d.logger.Info("immediate publish succeeded",
		"kind", domain.DispatchImmediate,
		"units", len(units),
	)
	return handles, nil
}

// Reconcile разбирает маркеры publishing_at, оставшиеся после аварийной
// остановки посреди публикации.
//
// Результат такой попытки неизвестен. Разовый пост помечается sent, чтобы
// не опубликовать его дважды. У повторяющегося маркер просто снимается.
// Возвращает количество обработанных постов.
func (d *Dispatcher) Reconcile(ctx context.Context) (int, error) {
	inFlight, err := d.store.ListInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("list in-flight posts: %w", err)
	}

	var resolved int
	for i := range inFlight {
		id := inFlight[i].ID

		ok, err := d.reconcileOne(ctx, id)
		if err != nil {
			d.logger.Error("failed to reconcile post",
				"post_id", id,
				"error", err,
			)
			continue
		}
		if ok {
			resolved++
		}
	}

	if resolved > 0 {
		d.logger.Info("reconciled interrupted publish attempts", "count", resolved)
	}
	return resolved, nil
}

func (d *Dispatcher) reconcileOne(ctx context.Context, id uuid.UUID) (bool, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	post, err := d.store.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if post.PublishingAt == nil {
		// Попытка завершилась, пока ждали замок
		return false, nil
	}

	startedAt := *post.PublishingAt
	patch := repo.PostPatch{ClearPublishingAt: true}

	if post.IsRecurring() {
		d.logger.Info("clearing interrupted recurring publish marker",
			"post_id", id,
			"kind", domain.DispatchRecurring,
			"publishing_at", startedAt,
		)
	} else if !post.Sent {
		sent := true
		patch.Sent = &sent
		patch.SentAt = &startedAt
		d.logger.Warn("one-time post had an interrupted publish attempt, marking as sent",
			"post_id", id,
			"kind", domain.DispatchOneTime,
			"publishing_at", startedAt,
		)
	}

	if _, err := d.store.Update(ctx, id, patch); err != nil {
		return false, fmt.Errorf("resolve publish marker: %w", err)
	}
	return true, nil
}

// Close запрещает новые тики и ждёт завершения уже принятых публикаций.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.pool.Stop()
	d.logger.Info("dispatcher closed")
}

// process публикует один пост и применяет переход состояния.
//
// Под замком по ID:
//  1. Перечитывает пост и проверяет, что он всё ещё due для kind
//  2. Ставит маркер publishing_at
//  3. Публикует через Pipeline с таймаутом
//  4. Записывает результат (sent/sent_at или last_run) и снимает маркер
//
// Публикация и запись результата не прерываются отменой ctx: начатая
// попытка доводится до конца. Событие в Notifier отправляется после
// снятия замка и ограничено EventTimeout.
func (d *Dispatcher) process(ctx context.Context, id uuid.UUID, kind domain.DispatchKind, now time.Time) (*SendResult, error) {
	logger := telemetry.WithPostID(d.logger, id.String()).With("kind", kind)
	ctx = context.WithoutCancel(ctx)

	result, notify, err := d.attempt(ctx, logger, id, kind, now)
	if notify != nil {
		notify()
	}
	return result, err
}

// attempt выполняет шаги process под замком по ID. notify != nil, если
// публикация состоялась или провалилась и о ней нужно сообщить.
func (d *Dispatcher) attempt(ctx context.Context, logger *slog.Logger, id uuid.UUID, kind domain.DispatchKind, now time.Time) (*SendResult, func(), error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	// 1. Перечитываем под замком
	post, err := d.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			logger.Debug("post disappeared before publish, skipping")
		} else {
			logger.Error("failed to load post", "error", err)
		}
		return nil, nil, err
	}

	if err := d.checkDue(post, kind, now); err != nil {
		if errors.Is(err, errNotDue) {
			telemetry.Dispatches.WithLabelValues(string(kind), "skipped").Inc()
			logger.Debug("post no longer due, skipping")
		}
		return nil, nil, err
	}

	// 2. Маркер попытки
	if _, err := d.store.Update(ctx, id, repo.PostPatch{PublishingAt: &now}); err != nil {
		logger.Error("failed to mark publish attempt", "error", err)
		return nil, nil, fmt.Errorf("mark publish attempt: %w", err)
	}

	// 3. Публикация
	units := post.Units()
	pubCtx, cancel := context.WithTimeout(ctx, d.timeout)
	handles, pubErr := d.pipeline.Publish(pubCtx, units)
	cancel()

	if pubErr != nil {
		// Состояние не меняется: разовый пост останется due, повторяющийся
		// дождётся следующего совпадения cron.
		d.clearMarker(ctx, logger, id)

		telemetry.Dispatches.WithLabelValues(string(kind), "failed").Inc()
		logger.Error("publish failed",
			"units", len(units),
			"published", len(publish.PartialHandles(pubErr)),
			"error", pubErr,
		)
		return nil, func() { d.notifyFailed(ctx, logger, id, kind, pubErr) }, pubErr
	}

	// 4. Результат
	patch := repo.PostPatch{ClearPublishingAt: true}
	if post.IsRecurring() {
		patch.LastRun = &now
	} else {
		sent := true
		patch.Sent = &sent
		patch.SentAt = &now
	}

	updated, err := d.store.Update(ctx, id, patch)
	if err != nil {
		// Маркер остаётся, Reconcile закроет попытку при следующем старте.
		telemetry.Dispatches.WithLabelValues(string(kind), "published").Inc()
		logger.Error("post published but outcome was not recorded",
			"handles", len(handles),
			"error", err,
		)
		return &SendResult{Post: post, Handles: handles}, nil, fmt.Errorf("record publish outcome: %w", err)
	}

	telemetry.Dispatches.WithLabelValues(string(kind), "published").Inc()
	logger.Info("post published",
		"units", len(units),
		"root_handle", handles[0].ID,
	)

	return &SendResult{Post: updated, Handles: handles}, func() { d.notifyPublished(ctx, logger, id, kind, handles) }, nil
}

// clearMarker снимает publishing_at после неудачной публикации. Если маркер
// снять не удалось, Reconcile при старте сочтёт попытку прерванной и
// пометит разовый пост sent, поэтому запись повторяется.
func (d *Dispatcher) clearMarker(ctx context.Context, logger *slog.Logger, id uuid.UUID) {
	var err error
	for i := 1; i <= clearMarkerAttempts; i++ {
		if _, err = d.store.Update(ctx, id, repo.PostPatch{ClearPublishingAt: true}); err == nil {
			return
		}
		if errors.Is(err, repo.ErrNotFound) {
			return
		}
		logger.Warn("failed to clear publish marker", "attempt", i, "error", err)
		if i < clearMarkerAttempts {
			time.Sleep(time.Duration(i) * clearMarkerBackoff)
		}
	}
	logger.Error("publish failed and marker was left set; reconcile will treat the attempt as interrupted",
		"error", err,
	)
}

// checkDue проверяет, что пост всё ещё должен публиковаться по пути kind.
func (d *Dispatcher) checkDue(post *domain.Post, kind domain.DispatchKind, now time.Time) error {
	switch kind {
	case domain.DispatchOneTime:
		if !post.IsDueOnce(now) {
			return errNotDue
		}

	case domain.DispatchRecurring:
		if !post.IsRecurring() {
			return errNotDue
		}
		// Выражение могли изменить после выборки
		matched, err := d.matcher.IsDueNow(post.CronExpr, now)
		if err != nil || !matched {
			return errNotDue
		}
		// Эта минута уже отработана (повторный тик или SendNow)
		if post.LastRun != nil && sameMinute(*post.LastRun, now) {
			return errNotDue
		}

	case domain.DispatchManual:
		if !post.IsRecurring() && post.Sent {
			return ErrAlreadySent
		}
	}

	if post.PublishingAt != nil {
		// Незакрытая попытка после аварии: не публикуем, пока не отработает Reconcile
		if kind == domain.DispatchManual {
			return ErrPublishInterrupted
		}
		return errNotDue
	}
	return nil
}

func (d *Dispatcher) notifyPublished(ctx context.Context, logger *slog.Logger, id uuid.UUID, kind domain.DispatchKind, handles []domain.PostHandle) {
	if d.notifier == nil {
		return
	}
	event := domain.DispatchEvent{
		EventID:    uuid.New(),
		PostID:     id,
		Kind:       kind,
		Handles:    handles,
		OccurredAt: d.now(),
	}
	ctx, cancel := context.WithTimeout(ctx, d.evtLimit)
	defer cancel()
	if err := d.notifier.PublishPostPublished(ctx, event); err != nil {
		logger.Warn("failed to publish post.published event", "error", err)
	}
}

func (d *Dispatcher) notifyFailed(ctx context.Context, logger *slog.Logger, id uuid.UUID, kind domain.DispatchKind, pubErr error) {
	if d.notifier == nil {
		return
	}
	event := domain.DispatchEvent{
		EventID:    uuid.New(),
		PostID:     id,
		Kind:       kind,
		Handles:    publish.PartialHandles(pubErr),
		Error:      pubErr.Error(),
		OccurredAt: d.now(),
	}
	ctx, cancel := context.WithTimeout(ctx, d.evtLimit)
	defer cancel()
	if err := d.notifier.PublishPostFailed(ctx, event); err != nil {
		logger.Warn("failed to publish post.failed event", "error", err)
	}
}

// sameMinute сравнивает моменты с точностью до минуты.
func sameMinute(a, b time.Time) bool {
	return a.Truncate(time.Minute).Equal(b.Truncate(time.Minute))
}
