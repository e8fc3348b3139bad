package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	spinnerInterval = 100 * time.Millisecond
	clearLine       = "\r\033[2K"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// IsTerminal reports whether f is attached to an interactive terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// TerminalRenderer draws "<spinner> [hh:mm:ss] <status>" on a single line and
// keeps log output from tearing it: writes through LogWriter clear the line
// first and redraw it afterwards.
type TerminalRenderer struct {
	mu       sync.Mutex
	out      io.Writer
	now      func() time.Time
	started  time.Time
	status   string
	frame    int
	drawn    bool
	finished bool

	spinOnce sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewTerminalRenderer returns a renderer writing to out. Nothing is drawn and
// no goroutine runs until the first Render.
func NewTerminalRenderer(out io.Writer) *TerminalRenderer {
	if out == nil {
		out = os.Stderr
	}
	return &TerminalRenderer{
		out:    out,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Render replaces the status text and redraws the line.
func (t *TerminalRenderer) Render(status string) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	if t.started.IsZero() {
		t.started = t.now()
	}
	t.status = status
	t.drawLocked()
	t.mu.Unlock()

	t.spinOnce.Do(func() { go t.spin() })
}

// Finish stops the spinner and leaves the final status on its own line.
func (t *TerminalRenderer) Finish(status string) {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.spinOnce.Do(func() { close(t.doneCh) })
	<-t.doneCh

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	if t.started.IsZero() {
		t.started = t.now()
	}
	t.clearLocked()
	_, _ = fmt.Fprintf(t.out, "[%s] %s\n", t.elapsedLocked(), status)
	t.finished = true
}

// LogWriter wraps w so that each log write suspends the status line.
func (t *TerminalRenderer) LogWriter(w io.Writer) zapcore.WriteSyncer {
	return &suspendingWriter{renderer: t, out: zapcore.AddSync(w)}
}

func (t *TerminalRenderer) spin() {
	defer close(t.doneCh)
	ticker := time.NewTicker(spinnerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			t.frame = (t.frame + 1) % len(spinnerFrames)
			t.drawLocked()
			t.mu.Unlock()
		case <-t.stopCh:
			return
		}
	}
}

func (t *TerminalRenderer) drawLocked() {
	if t.finished || t.status == "" {
		return
	}
	_, _ = fmt.Fprintf(t.out, "%s%s [%s] %s", clearLine, spinnerFrames[t.frame], t.elapsedLocked(), t.status)
	t.drawn = true
}

func (t *TerminalRenderer) clearLocked() {
	if !t.drawn {
		return
	}
	_, _ = io.WriteString(t.out, clearLine)
	t.drawn = false
}

func (t *TerminalRenderer) elapsedLocked() string {
	d := t.now().Sub(t.started).Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

type suspendingWriter struct {
	renderer *TerminalRenderer
	out      zapcore.WriteSyncer
}

func (w *suspendingWriter) Write(p []byte) (int, error) {
	t := w.renderer
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
	n, err := w.out.Write(p)
	t.drawLocked()
	if err != nil {
		return n, fmt.Errorf("write log line: %w", err)
	}
	return n, nil
}

func (w *suspendingWriter) Sync() error {
	if err := w.out.Sync(); err != nil {
		return fmt.Errorf("sync log output: %w", err)
	}
	return nil
}

// LogRenderer writes each status as an info log line; used when stderr is not
// a terminal.
type LogRenderer struct {
	logger *zap.Logger
}

// NewLogRenderer builds a LogRenderer.
func NewLogRenderer(logger *zap.Logger) *LogRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRenderer{logger: logger}
}

// Render implements Renderer.
func (r *LogRenderer) Render(status string) {
	r.logger.Info("scan progress", zap.String("status", status))
}

// Finish implements Renderer.
func (r *LogRenderer) Finish(status string) {
	r.logger.Info("scan progress final", zap.String("status", status))
}

// NopRenderer draws nothing.
type NopRenderer struct{}

// Render implements Renderer.
func (NopRenderer) Render(string) {}

// Finish implements Renderer.
func (NopRenderer) Finish(string) {}
