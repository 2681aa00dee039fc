package workers

import (
	"os"
	"os/exec"
	"sync"
	"time"
)

// State tracks one worker through its lifecycle.
type State int

const (
	StateUnknown State = iota
	// StateStarting means the process is launched but has not yet passed a
	// health check.
	StateStarting
	// StateReady means the worker passed its health check and receives
	// request traffic.
	StateReady
	// StateCrashed means the process exited, or was killed after failing
	// health checks, and a restart is about to be scheduled.
	StateCrashed
	// StateRestarting means the worker is waiting out its backoff delay
	// before the next launch attempt.
	StateRestarting
	// StateStopped is terminal: either an intentional shutdown or a worker
	// that exhausted its restart budget and left the rotation.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of one worker, suitable for the operator
// status endpoint.
type Status struct {
	ID            int    `json:"id"`
	State         string `json:"state"`
	PID           int    `json:"pid,omitempty"`
	Port          int    `json:"port,omitempty"`
	Restarts      int    `json:"restarts"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
}

// Worker is one managed process slot. The slot outlives any single process;
// restarts reuse it.
type Worker struct {
	ID int

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	port        int
	pid         int
	startedAt   time.Time
	restarts    int // total restarts over the pool's lifetime
	strikes     int // consecutive failed launches since the last ready
	healthFails int // consecutive failed health checks
	exited      chan struct{}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) Port() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.port
}

func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// begin records a freshly started process in the slot. It refuses when the
// slot was stopped while the process was launching; the caller must then
// reap the orphan itself.
func (w *Worker) begin(cmd *exec.Cmd, port int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStopped {
		return false
	}
	w.state = StateStarting
	w.cmd = cmd
	w.port = port
	w.pid = cmd.Process.Pid
	w.startedAt = time.Now()
	w.healthFails = 0
	w.exited = make(chan struct{})
	return true
}

// finishExit captures the slot's view of a process that just exited and
// clears the command. The returned channel is the one waiters hold.
func (w *Worker) finishExit() (state State, pid, port int, exited chan struct{}) {
	w.mu.Lock()
	state = w.state
	pid = w.pid
	port = w.port
	exited = w.exited
	w.cmd = nil
	w.mu.Unlock()
	return state, pid, port, exited
}

// beginStop marks the slot stopped and hands back the live process, if any,
// along with the channel its exit will close.
func (w *Worker) beginStop() (*os.Process, chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateStopped
	if w.cmd == nil || w.cmd.Process == nil {
		return nil, nil
	}
	return w.cmd.Process, w.exited
}

// recordCrash moves the slot to crashed and bumps both restart counters.
func (w *Worker) recordCrash() (restarts, strikes int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateCrashed
	w.restarts++
	w.strikes++
	return w.restarts, w.strikes
}

// recordLaunchFailure bumps the strike counters for a process that never
// started at all.
func (w *Worker) recordLaunchFailure() (restarts, strikes int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.restarts++
	w.strikes++
	return w.restarts, w.strikes
}

// markHealthy resets the health counter and reports whether the check
// promoted the worker to ready.
func (w *Worker) markHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthFails = 0
	if w.state == StateStarting {
		w.state = StateReady
		w.strikes = 0
		return true
	}
	return false
}

// markUnhealthy bumps the health counter and returns the new count.
func (w *Worker) markUnhealthy() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthFails++
	return w.healthFails
}

// process returns the live process, or nil when none is running.
func (w *Worker) process() *os.Process {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil {
		return nil
	}
	return w.cmd.Process
}

// snapshot builds the operator-facing view of the slot.
func (w *Worker) snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		ID:       w.ID,
		State:    w.state.String(),
		Restarts: w.restarts,
	}
	if w.state == StateStarting || w.state == StateReady {
		s.PID = w.pid
		s.Port = w.port
		s.UptimeSeconds = int64(time.Since(w.startedAt).Seconds())
	}
	return s
}
