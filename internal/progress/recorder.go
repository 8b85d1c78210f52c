package progress

import "sync"

// Recorder is a Monitor that remembers everything it is told.
type Recorder struct {
	mu       sync.Mutex
	name     string
	total    int
	worked   int
	subTasks []string
	done     bool
}

func (r *Recorder) Begin(name string, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name, r.total = name, total
}

func (r *Recorder) Worked(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.worked += n
}

func (r *Recorder) SubTask(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subTasks = append(r.subTasks, name)
}

func (r *Recorder) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
}

// Snapshot returns the recorded values.
func (r *Recorder) Snapshot() (name string, total, worked int, subTasks []string, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name, r.total, r.worked, append([]string(nil), r.subTasks...), r.done
}

// Total returns the total declared by Begin.
func (r *Recorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// WorkedTicks returns the ticks reported so far.
func (r *Recorder) WorkedTicks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.worked
}
