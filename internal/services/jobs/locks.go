package jobs

import "sync"

// jobLocks serializes status read-modify-write cycles per job id. Entries
// are dropped once no caller holds or waits on them.
type jobLocks struct {
	mu    sync.Mutex
	locks map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until the job's lock is held and returns its release func
func (l *jobLocks) lock(jobID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*jobLock)
	}
	jl := l.locks[jobID]
	if jl == nil {
		jl = &jobLock{}
		l.locks[jobID] = jl
	}
	jl.refs++
	l.mu.Unlock()

	jl.mu.Lock()
	return func() {
		jl.mu.Unlock()

		l.mu.Lock()
		jl.refs--
		if jl.refs == 0 {
			delete(l.locks, jobID)
		}
		l.mu.Unlock()
	}
}

// held reports how many job ids currently have a lock entry
func (l *jobLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
