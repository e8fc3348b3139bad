package progress

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/exam-id-scanner/internal/predictor"
)

func TestFormatStatus(t *testing.T) {
	t.Parallel()

	got := FormatStatus(predictor.Snapshot{Progress: 0.123456, CurrentID: 1001, EndCondition: 2001})
	require.Equal(t, "12.35% (1001 / 2001)", got)
	require.Equal(t, "100.00% (2003 / 2001)", FormatStatus(predictor.Snapshot{Progress: 1, CurrentID: 2003, EndCondition: 2001}))
}

func TestReporterTicksAndFinishes(t *testing.T) {
	t.Parallel()

	src := &countingSource{}
	renderer := &recordingRenderer{}
	r := NewReporter(src, renderer, 10*time.Millisecond)
	r.Start()
	r.Start()

	require.Eventually(t, func() bool {
		return len(renderer.Renders()) >= 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()))

	finals := renderer.Finals()
	require.Len(t, finals, 1)
	require.True(t, strings.HasSuffix(finals[0], "/ 9001)"), finals[0])

	// no renders after stop returned
	count := len(renderer.Renders())
	time.Sleep(30 * time.Millisecond)
	require.Len(t, renderer.Renders(), count)
}

func TestReporterStopWithoutStart(t *testing.T) {
	t.Parallel()

	renderer := &recordingRenderer{}
	r := NewReporter(&countingSource{}, renderer, time.Hour)
	require.NoError(t, r.Stop(context.Background()))
	require.Len(t, renderer.Finals(), 1)
	require.Empty(t, renderer.Renders())
}

func TestReporterStopsPromptlyWithLongInterval(t *testing.T) {
	t.Parallel()

	r := NewReporter(&countingSource{}, nil, time.Hour)
	r.Start()

	start := time.Now()
	require.NoError(t, r.Stop(context.Background()))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestReporterReadsRealPredictor(t *testing.T) {
	t.Parallel()

	p, err := predictor.New(1, 2001, predictor.DefaultWindow)
	require.NoError(t, err)
	g := predictor.NewGuarded(p)
	renderer := &recordingRenderer{}
	r := NewReporter(g, renderer, time.Hour)
	r.Start()

	require.Eventually(t, func() bool { return len(renderer.Renders()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "0.00% (1 / 2001)", renderer.Renders()[0])

	for {
		if _, ok := g.Next(); !ok {
			break
		}
	}
	require.NoError(t, r.Stop(context.Background()))
	require.True(t, strings.HasPrefix(renderer.Finals()[0], "100.00% ("))
}

func TestTerminalRendererDrawsAndSuspendsForLogs(t *testing.T) {
	t.Parallel()

	out := &lockedBuffer{}
	r := NewTerminalRenderer(out)
	fixed := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	r.now = func() time.Time { return fixed.Add(time.Duration(offset.Load())) }

	r.Render("0.00% (1 / 9)")
	require.Contains(t, out.String(), "[00:00:00] 0.00% (1 / 9)")

	w := r.LogWriter(out)
	_, err := w.Write([]byte("found exam id\n"))
	require.NoError(t, err)
	require.Contains(t, out.String(), clearLine+"found exam id\n")

	offset.Store(int64(time.Hour + 2*time.Minute + 3*time.Second))
	r.Finish("100.00% (11 / 9)")
	require.True(t, strings.HasSuffix(out.String(), clearLine+"[01:02:03] 100.00% (11 / 9)\n"), out.String())

	// a finished renderer ignores late renders
	r.Render("late")
	require.NotContains(t, out.String(), "late")
}

func TestTerminalRendererFinishWithoutRender(t *testing.T) {
	t.Parallel()

	out := &lockedBuffer{}
	r := NewTerminalRenderer(out)
	r.Finish("0.00% (1 / 1)")
	require.Equal(t, "[00:00:00] 0.00% (1 / 1)\n", out.String())
}

func TestLogRendererWritesInfoLines(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	r := NewLogRenderer(zap.New(core))
	r.Render("1.00% (3 / 9)")
	r.Finish("100.00% (11 / 9)")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "1.00% (3 / 9)", entries[0].ContextMap()["status"])
	require.Equal(t, "scan progress final", entries[1].Message)
}

type countingSource struct {
	calls atomic.Int64
}

func (s *countingSource) Snapshot() predictor.Snapshot {
	n := s.calls.Add(1)
	return predictor.Snapshot{Progress: 0.01, CurrentID: 1 + 2*n, EndCondition: 9001}
}

type recordingRenderer struct {
	mu      sync.Mutex
	renders []string
	finals  []string
}

func (r *recordingRenderer) Render(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = append(r.renders, status)
}

func (r *recordingRenderer) Finish(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finals = append(r.finals, status)
}

func (r *recordingRenderer) Renders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.renders...)
}

func (r *recordingRenderer) Finals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.finals...)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
