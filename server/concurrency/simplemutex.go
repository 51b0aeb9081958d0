package concurrency

// SimpleMutex is a channel-based mutex with a non-blocking TryLock.
type SimpleMutex chan struct{}

// NewSimpleMutex creates an unlocked SimpleMutex.
func NewSimpleMutex() SimpleMutex {
	return make(SimpleMutex, 1)
}

// Lock blocks until the mutex is acquired.
func (s SimpleMutex) Lock() {
	s <- struct{}{}
}

// TryLock acquires the mutex if it is free, reporting whether it did.
func (s SimpleMutex) TryLock() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex.
func (s SimpleMutex) Unlock() {
	<-s
}
