package scheduler

import (
	"sync"

	"github.com/google/uuid"
)

// keyLocks — мьютексы по ID поста.
//
// Чтение "пора ли публиковать" и запись результата для одного поста
// выполняются под одним замком, разные посты не блокируют друг друга.
// Запись удаляется из map, когда замок больше никто не ждёт.
type keyLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[uuid.UUID]*keyLock)}
}

// Lock захватывает замок для id и возвращает функцию освобождения.
func (k *keyLocks) Lock(id uuid.UUID) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// size возвращает количество активных замков (для тестов).
func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
