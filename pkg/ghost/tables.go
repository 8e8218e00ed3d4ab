package ghost

import "sync"

// DownloadRequest is one queued client-initiated download (spec §3, §4.9).
type DownloadRequest struct {
	TtyName  string
	Filename string
}

// Tables holds the agent-local state that only makes sense inside the
// single AGENT-mode session: the tty-name→sid and sid→pid lookup tables, and
// the FIFO queue of client-initiated downloads awaiting dispatch (spec §3).
//
// Tables is touched by the control loop and by the local-IPC server (a
// separate goroutine per spec §5), so every accessor is mutex-guarded —
// mirroring strand-cloud/pkg/store/memory.go's sync.RWMutex-guarded map
// stores.
type Tables struct {
	mu sync.Mutex

	ttyToSid map[string]string
	sidToPid map[string]int
	queue    []DownloadRequest
}

// NewTables returns an empty Tables.
func NewTables() *Tables {
	return &Tables{
		ttyToSid: make(map[string]string),
		sidToPid: make(map[string]int),
	}
}

// Reset clears every table, called whenever the control loop tears down a
// connection and is about to retry (spec §4.5 step a).
func (t *Tables) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ttyToSid = make(map[string]string)
	t.sidToPid = make(map[string]int)
	t.queue = nil
}

// RegisterTTY records that tty belongs to session sid, so a command running
// in that terminal can later trigger an out-of-band download for it.
func (t *Tables) RegisterTTY(tty, sid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ttyToSid[tty] = sid
}

// SidForTTY looks up the session id registered for tty.
func (t *Tables) SidForTTY(tty string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sid, ok := t.ttyToSid[tty]
	return sid, ok
}

// RegisterSession records the process id owning session sid, so an upload
// targeting that terminal can be routed to the shell's current working
// directory.
func (t *Tables) RegisterSession(sid string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sidToPid[sid] = pid
}

// PidForSession looks up the process id registered for sid.
func (t *Tables) PidForSession(sid string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid, ok := t.sidToPid[sid]
	return pid, ok
}

// EnqueueDownload appends a client-initiated download request to the FIFO
// queue.
func (t *Tables) EnqueueDownload(req DownloadRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, req)
}

// PopDownload removes and returns the oldest queued download request, if
// any. The control loop calls this at most once per tick (spec §4.9).
func (t *Tables) PopDownload() (DownloadRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return DownloadRequest{}, false
	}
	req := t.queue[0]
	t.queue = t.queue[1:]
	return req, true
}
