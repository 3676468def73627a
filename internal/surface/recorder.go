package surface

import (
	"sync"

	"github.com/localizer/presence/pkg/core"
)

// Call is one recorded surface command.
type Call struct {
	Op    Op
	ID    string
	Coord core.Position
	Title string
	Icon  core.IconHandle
	Zoom  float64
}

// Recorder is an in-memory Surface that remembers every command.
type Recorder struct {
	mu      sync.Mutex
	calls   []Call
	markers map[string]Call
	notify  chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{
		markers: make(map[string]Call),
		notify:  make(chan struct{}, 1),
	}
}

func (r *Recorder) record(c Call) {
	r.calls = append(r.calls, c)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Recorder) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers = make(map[string]Call)
	r.record(Call{Op: OpClearAll})
}

func (r *Recorder) Upsert(id string, coord core.Position, title string, icon core.IconHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := Call{Op: OpUpsert, ID: id, Coord: coord, Title: title, Icon: icon}
	r.markers[id] = c
	r.record(c)
}

func (r *Recorder) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.markers, id)
	r.record(Call{Op: OpRemove, ID: id})
}

func (r *Recorder) CenterCamera(coord core.Position, zoom float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: OpCenterCamera, Coord: coord, Zoom: zoom})
}

// Calls returns a copy of every command recorded so far.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many commands of op were recorded, optionally for one id.
func (r *Recorder) Count(op Op, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == op && (id == "" || c.ID == id) {
			n++
		}
	}
	return n
}

// Markers returns the last upsert of every marker currently shown.
func (r *Recorder) Markers() map[string]Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Call, len(r.markers))
	for k, v := range r.markers {
		out[k] = v
	}
	return out
}

// Reset forgets the recorded calls but keeps the shown markers.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Changed is signalled after every recorded command.
func (r *Recorder) Changed() <-chan struct{} {
	return r.notify
}
