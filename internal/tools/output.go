package tools

import (
	"io"
	"strings"
	"sync"
	"time"
)

// liveOutput collects process output and reports it through a ProgressFunc,
// at most once per interval. Nothing is reported before the process id is known.
type liveOutput struct {
	progress ProgressFunc
	interval time.Duration

	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
	pid    int
	last   time.Time
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (o *liveOutput) writer(dst *strings.Builder) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		o.mu.Lock()
		dst.Write(p)
		var update *Progress
		if o.progress != nil && o.pid != 0 && time.Since(o.last) >= o.interval {
			o.last = time.Now()
			update = &Progress{Output: o.renderLocked(), PID: o.pid}
		}
		o.mu.Unlock()
		if update != nil {
			o.progress(*update)
		}
		return len(p), nil
	})
}

func (o *liveOutput) setPID(pid int) {
	o.mu.Lock()
	o.pid = pid
	update := Progress{Output: o.renderLocked(), PID: pid}
	o.mu.Unlock()
	if o.progress != nil {
		o.progress(update)
	}
}

func (o *liveOutput) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.renderLocked()
}

func (o *liveOutput) renderLocked() string {
	var result strings.Builder
	result.WriteString(o.stdout.String())
	if o.stderr.Len() > 0 {
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.WriteString("STDERR:\n")
		result.WriteString(o.stderr.String())
	}
	return result.String()
}
