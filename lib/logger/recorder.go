package logger

import (
	"sync"
	"time"
)

// Line is one recorded log message.
type Line struct {
	Message string
	Time    time.Time
	Level   LogLevel
}

// Recorder keeps the most recent messages logged at or above minLevel,
// pinning the first `initial` of them permanently and sliding a window
// over the rest. When the window has dropped older entries a "..."
// marker is inserted between the pinned head and the recent tail.
type Recorder struct {
	minLevel  LogLevel
	initial   int
	ringCap   int
	mut       sync.Mutex
	head      []Line
	ring      []Line
	ringStart int
	ringLen   int
	ringAdds  int
}

// NewRecorder registers itself as a handler on l for messages at or
// above minLevel, keeping at most size lines in total with the first
// `initial` of them pinned.
func NewRecorder(l Logger, minLevel LogLevel, size, initial int) *Recorder {
	ringCap := size
	if initial > 0 {
		ringCap = size - initial
	}
	if ringCap < 0 {
		ringCap = 0
	}
	r := &Recorder{
		minLevel: minLevel,
		initial:  initial,
		ringCap:  ringCap,
		ring:     make([]Line, 0, ringCap),
	}
	l.AddHandler(minLevel, r.record)
	return r
}

func (r *Recorder) record(level LogLevel, msg string) {
	if level < r.minLevel {
		return
	}
	line := Line{Message: msg, Time: time.Now(), Level: level}

	r.mut.Lock()
	defer r.mut.Unlock()

	if len(r.head) < r.initial {
		r.head = append(r.head, line)
		return
	}
	if r.ringCap == 0 {
		return
	}
	if r.ringLen < r.ringCap {
		r.ring = append(r.ring, line)
		r.ringLen++
	} else {
		r.ring[r.ringStart] = line
		r.ringStart = (r.ringStart + 1) % r.ringCap
	}
	r.ringAdds++
}

func (r *Recorder) ringInOrder() []Line {
	out := make([]Line, r.ringLen)
	for i := 0; i < r.ringLen; i++ {
		out[i] = r.ring[(r.ringStart+i)%r.ringCap]
	}
	return out
}

// Since returns all recorded lines with Time >= t, in chronological
// order, preserving any "..." gap marker between the pinned head and
// the recent tail.
func (r *Recorder) Since(t time.Time) []Line {
	r.mut.Lock()
	defer r.mut.Unlock()

	var candidates []Line
	candidates = append(candidates, r.head...)

	if r.initial > 0 && r.ringAdds > r.ringCap {
		candidates = append(candidates, Line{Message: "..."})
		all := r.ringInOrder()
		n := r.ringCap - 1
		if n < 0 {
			n = 0
		}
		if n > len(all) {
			n = len(all)
		}
		candidates = append(candidates, all[len(all)-n:]...)
	} else {
		candidates = append(candidates, r.ringInOrder()...)
	}

	var out []Line
	for _, l := range candidates {
		if !l.Time.Before(t) {
			out = append(out, l)
		}
	}
	return out
}
