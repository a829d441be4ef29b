package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики Herald. Регистрируются в prometheus.DefaultRegisterer
// и отдаются на /metrics через promhttp.Handler().
var (
	// SchedulerTicks — количество выполненных тиков диспетчера.
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_scheduler_ticks_total",
		Help: "Total dispatcher ticks executed",
	})

	// SchedulerTickErrors — тики, в которых не удалось выбрать due-посты.
	SchedulerTickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_scheduler_tick_errors_total",
		Help: "Dispatcher ticks that failed to select due posts",
	})

	// SchedulerTickDuration — длительность тика (без асинхронных повторяющихся публикаций).
	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "herald_scheduler_tick_duration_seconds",
		Help:    "Duration of the synchronous part of a dispatcher tick",
		Buckets: prometheus.DefBuckets,
	})

	// Dispatches — попытки публикации по виду и результату.
	// kind: one_time | recurring | manual | immediate
	// result: published | failed | skipped
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_dispatch_total",
		Help: "Publish attempts by kind and result",
	}, []string{"kind", "result"})

	// RecurringDropped — повторяющиеся срабатывания, не принятые пулом (очередь полна).
	RecurringDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_recurring_dropped_total",
		Help: "Recurring firings dropped because the worker queue was full",
	})

	// HTTPRequests — HTTP-запросы к API по методу и статусу.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_api_http_requests_total",
		Help: "Total HTTP requests handled by herald API",
	}, []string{"method", "status"})
)
