// Package scheduler реализует движок отложенной публикации.
//
// Dispatcher раз в интервал выбирает due-посты, публикует их через
// publish.Pipeline и записывает результат в хранилище.
//
// Структура:
//   - cron.go       — CronMatcher: совпадает ли cron-выражение с текущей минутой
//   - selector.go   — Selector: выборка разовых и повторяющихся due-постов
//   - dispatcher.go — Dispatcher: RunTick, SendNow, PublishUnits, Reconcile
//   - loop.go       — Loop: периодический таймер со Start/Stop
//   - pool.go       — KeyedPool: воркеры с привязкой ключа к воркеру
//   - locks.go      — замки по ID поста
//
// Использование:
//
//	d := scheduler.New(scheduler.Config{
//	    Store:     store,
//	    Publisher: blueskyClient,
//	    Matcher:   scheduler.NewCronMatcher(loc),
//	    Notifier:  mqPublisher, // опционально
//	    Logger:    logger,
//	})
//	defer d.Close()
//
//	if _, err := d.Reconcile(ctx); err != nil {
//	    logger.Error("reconcile failed", "error", err)
//	}
//
//	loop := scheduler.NewLoop(d, time.Minute, logger)
//	loop.Start(ctx)
//	defer loop.Stop()
//
// Разовые посты тика публикуются последовательно, повторяющиеся уходят в
// KeyedPool и не ждут друг друга. Запуск нескольких экземпляров на одно
// хранилище не поддерживается.
package scheduler
