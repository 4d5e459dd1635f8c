package dispatch

import "sync"

// lanes keeps commands for the same channel in arrival order. Each command
// waits for the one queued before it; channels never wait on each other.
type lanes struct {
	mu     sync.Mutex
	byName map[string]*lane
}

type lane struct {
	tail    chan struct{}
	pending int
}

func newLanes() *lanes {
	return &lanes{byName: make(map[string]*lane)}
}

// enter queues a command on the named lane. The command may run once prev is
// closed (prev is nil for the head of the lane) and must call release exactly
// once when it is done.
func (l *lanes) enter(name string) (prev <-chan struct{}, release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.byName[name]
	if !ok {
		ln = &lane{}
		l.byName[name] = ln
	}
	if ln.tail != nil {
		prev = ln.tail
	}
	mine := make(chan struct{})
	ln.tail = mine
	ln.pending++

	var once sync.Once
	release = func() {
		once.Do(func() {
			close(mine)
			l.mu.Lock()
			defer l.mu.Unlock()
			ln.pending--
			if ln.pending == 0 {
				delete(l.byName, name)
			}
		})
	}
	return prev, release
}

func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byName)
}
