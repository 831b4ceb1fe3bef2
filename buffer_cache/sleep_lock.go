package buffer_cache

import "sync"

// sleepLock is a long-term lock. Waiters block on a condition variable rather
// than spin, and the lock remembers which guard holds it.
type sleepLock struct {
	mutex  *sync.Mutex
	cond   *sync.Cond
	locked bool
	holder *BufferGuard
}

func newSleepLock() *sleepLock {

	mutex := &sync.Mutex{}

	return &sleepLock{
		mutex: mutex,
		cond:  sync.NewCond(mutex),
	}
}

func (lock *sleepLock) acquire(holder *BufferGuard) {

	lock.mutex.Lock()
	defer lock.mutex.Unlock()

	for lock.locked {
		lock.cond.Wait()
	}

	lock.locked = true
	lock.holder = holder
}

func (lock *sleepLock) release() {

	lock.mutex.Lock()
	defer lock.mutex.Unlock()

	lock.locked = false
	lock.holder = nil
	lock.cond.Signal()
}

func (lock *sleepLock) holding(holder *BufferGuard) bool {

	lock.mutex.Lock()
	defer lock.mutex.Unlock()

	return lock.locked && lock.holder == holder
}
