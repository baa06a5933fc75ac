//go:build unix

package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keithlinneman/cfdexchange/internal/flock"
	"github.com/keithlinneman/cfdexchange/internal/log"
)

type recMetrics struct {
	mu      sync.Mutex
	uploads []string
	gates   []string
}

func (m *recMetrics) ObserveUpload(outcome string, _ int64, _ time.Duration) {
	m.mu.Lock()
	m.uploads = append(m.uploads, outcome)
	m.mu.Unlock()
}

func (m *recMetrics) ObserveGate(outcome string, _ time.Duration) {
	m.mu.Lock()
	m.gates = append(m.gates, outcome)
	m.mu.Unlock()
}

func newStore(t *testing.T, mut ...func(*Options)) *Store {
	t.Helper()
	opts := Options{Dir: filepath.Join(t.TempDir(), "uploads")}
	for _, m := range mut {
		m(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func download(t *testing.T, s *Store, name string) string {
	t.Helper()
	f, _, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(b)
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestNew_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	s, err := New(Options{Dir: dir})
	require.NoError(t, err)
	fi, err := os.Stat(s.Dir())
	require.NoError(t, err)
	require.True(t, fi.IsDir())

	_, err = New(Options{})
	require.Error(t, err)
}

func TestAccept_PublishAndDownload(t *testing.T) {
	m := &recMetrics{}
	s := newStore(t, func(o *Options) { o.Metrics = m })
	ctx := context.Background()

	pub, err := s.Accept(ctx, "result.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, "result.txt", pub.Name)
	require.Equal(t, filepath.Join(s.Dir(), "result.txt"), pub.Path)
	require.EqualValues(t, 5, pub.Size)

	require.NoError(t, s.AwaitReady(ctx, "result.txt", 10*time.Second))
	require.Equal(t, "hello", download(t, s, "result.txt"))

	require.Equal(t, []string{"result.txt"}, dirNames(t, s.Dir()), "no shadow files remain")
	require.Equal(t, []string{OutcomePublished}, m.uploads)
	require.Equal(t, []string{OutcomeReady, OutcomeReady}, m.gates)
}

func TestAccept_SanitizesName(t *testing.T) {
	s := newStore(t)
	pub, err := s.Accept(context.Background(), "../../etc/my result.txt", strings.NewReader("x"))
	require.NoError(t, err)
	require.Equal(t, "my_result.txt", pub.Name)
	require.Equal(t, s.Dir(), filepath.Dir(pub.Path))
}

func TestAccept_NameErrors(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Accept(ctx, "", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrNameRequired)

	for _, hint := range []string{"..", "/", "...", "a.part", "a.lock", "a.old"} {
		_, err := s.Accept(ctx, hint, strings.NewReader("x"))
		require.ErrorIs(t, err, ErrInvalidName, hint)
	}
	require.Empty(t, dirNames(t, s.Dir()))
}

func TestAccept_Conflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Accept(ctx, "a.txt", strings.NewReader("one"))
	require.NoError(t, err)
	_, err = s.Accept(ctx, "a.txt", strings.NewReader("two"))
	require.ErrorIs(t, err, ErrNameConflict)
	require.Equal(t, "one", download(t, s, "a.txt"))
}

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n <= 0 {
		return 0, errors.New("connection reset")
	}
	n := min(len(p), f.n)
	f.n -= n
	return n, nil
}

func TestAccept_StreamFailureLeavesPart(t *testing.T) {
	s := newStore(t)
	_, err := s.Accept(context.Background(), "big.dat", &failingReader{n: 10000})
	require.ErrorIs(t, err, ErrStream)

	_, statErr := os.Stat(filepath.Join(s.Dir(), "big.dat"))
	require.True(t, os.IsNotExist(statErr))
	names := dirNames(t, s.Dir())
	require.Len(t, names, 1)
	require.True(t, strings.HasPrefix(names[0], "big.dat.") && strings.HasSuffix(names[0], PartSuffix))
	require.Equal(t, "big.dat", ArtifactName(names[0]))
}

func TestAccept_ContextCanceledMidStream(t *testing.T) {
	s := newStore(t, func(o *Options) { o.ChunkSize = 16 })
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := s.Accept(ctx, "slow.bin", pr)
		done <- err
	}()
	_, err := pw.Write(make([]byte, 16))
	require.NoError(t, err)
	cancel()
	// unblock the pending Read so the loop can observe the cancellation
	go func() { _, _ = pw.Write(make([]byte, 16)) }()

	err = <-done
	require.ErrorIs(t, err, ErrStream)
	require.ErrorIs(t, err, context.Canceled)
	_ = pw.Close()
}

func TestAccept_PublishTimeout(t *testing.T) {
	s := newStore(t, func(o *Options) { o.PublishTimeout = 50 * time.Millisecond })
	held, err := flock.NewFileLocker().Acquire(context.Background(), s.LockPath("r.txt"), time.Second)
	require.NoError(t, err)
	defer held.Release()

	_, err = s.Accept(context.Background(), "r.txt", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrPublishTimeout)
	_, statErr := os.Stat(filepath.Join(s.Dir(), "r.txt"))
	require.True(t, os.IsNotExist(statErr))
}

func TestAccept_WriterWaitsForLockByDefault(t *testing.T) {
	s := newStore(t)
	held, err := flock.NewFileLocker().Acquire(context.Background(), s.LockPath("w.txt"), time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Accept(context.Background(), "w.txt", strings.NewReader("late"))
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("publish finished while lock held: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, held.Release())
	require.NoError(t, <-done)
	require.Equal(t, "late", download(t, s, "w.txt"))
}

func TestAccept_Hooks(t *testing.T) {
	var got []Published
	s := newStore(t, func(o *Options) {
		o.Hooks = []PublishHook{func(_ context.Context, p Published) { got = append(got, p) }}
	})
	s.OnPublish(func(_ context.Context, p Published) { got = append(got, p) })
	s.OnPublish(nil)

	_, err := s.Accept(context.Background(), "h.txt", strings.NewReader("abc"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "h.txt", got[1].Name)
}

func TestAccept_RoundTripWithConcurrentUpload(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// an unrelated upload stays in flight for the whole round trip
	pr, pw := io.Pipe()
	other := make(chan error, 1)
	go func() {
		_, err := s.Accept(ctx, "other.bin", pr)
		other <- err
	}()
	_, err := pw.Write([]byte("partial"))
	require.NoError(t, err)

	body := bytes.Repeat([]byte{0, 1, 2, 253, 254, 255}, 5000)
	_, err = s.Accept(ctx, "payload.bin", bytes.NewReader(body))
	require.NoError(t, err)
	f, _, err := s.Open(ctx, "payload.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Equal(t, body, got)

	require.NoError(t, pw.Close())
	require.NoError(t, <-other)
	require.Equal(t, "partial", download(t, s, "other.bin"))
}

// orderLocker records which upload obtained the publish lock, in order.
type orderLocker struct {
	flock.Locker
	mu    sync.Mutex
	order []string
}

type tagKey struct{}

// firstRead signals when the copy loop first reads, which happens only after
// the conflict check has passed.
type firstRead struct {
	r       io.Reader
	once    sync.Once
	started chan struct{}
}

func (f *firstRead) Read(p []byte) (int, error) {
	f.once.Do(func() { close(f.started) })
	return f.r.Read(p)
}

func (o *orderLocker) Acquire(ctx context.Context, path string, timeout time.Duration) (flock.Lease, error) {
	l, err := o.Locker.Acquire(ctx, path, timeout)
	if err == nil {
		if tag, ok := ctx.Value(tagKey{}).(string); ok {
			o.mu.Lock()
			o.order = append(o.order, tag)
			o.mu.Unlock()
		}
	}
	return l, err
}

func TestAccept_SameNameSerializes(t *testing.T) {
	ol := &orderLocker{Locker: flock.NewFileLocker()}
	s := newStore(t, func(o *Options) { o.Locker = ol })
	c1 := bytes.Repeat([]byte("1"), 64<<10)
	c2 := bytes.Repeat([]byte("2"), 64<<10)

	// both uploads pass the conflict check before either publishes
	p1r, p1w := io.Pipe()
	p2r, p2w := io.Pipe()
	r1 := &firstRead{r: p1r, started: make(chan struct{})}
	r2 := &firstRead{r: p2r, started: make(chan struct{})}
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for tag, r := range map[string]io.Reader{"c1": r1, "c2": r2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Accept(context.WithValue(context.Background(), tagKey{}, tag), "same.dat", r)
			errs <- err
		}()
	}

	stop := make(chan struct{})
	readerErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				readerErr <- nil
				return
			default:
			}
			f, _, err := s.Open(context.Background(), "same.dat")
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				readerErr <- err
				return
			}
			b, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				readerErr <- err
				return
			}
			if !bytes.Equal(b, c1) && !bytes.Equal(b, c2) {
				readerErr <- errors.New("observed torn content")
				return
			}
		}
	}()

	<-r1.started
	<-r2.started
	go func() { _, _ = p1w.Write(c1); _ = p1w.Close() }()
	go func() { _, _ = p2w.Write(c2); _ = p2w.Close() }()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	close(stop)
	require.NoError(t, <-readerErr)

	require.Len(t, ol.order, 2)
	want := map[string][]byte{"c1": c1, "c2": c2}[ol.order[1]]
	got := []byte(download(t, s, "same.dat"))
	require.Equal(t, want, got, "last lock holder's content wins")
	require.Equal(t, []string{"same.dat"}, dirNames(t, s.Dir()))
}

func TestAwaitReady(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Accept(ctx, "ready.txt", strings.NewReader("x"))
	require.NoError(t, err)

	require.ErrorIs(t, s.AwaitReady(ctx, "missing.txt", time.Second), ErrNotFound)
	require.ErrorIs(t, s.AwaitReady(ctx, "../ready.txt", time.Second), ErrNotFound)
	require.ErrorIs(t, s.AwaitReady(ctx, "ready.txt.lock", time.Second), ErrNotFound)

	held, err := flock.NewFileLocker().Acquire(ctx, s.LockPath("ready.txt"), time.Second)
	require.NoError(t, err)
	err = s.AwaitReady(ctx, "ready.txt", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrNotReady)
	require.False(t, errors.Is(err, ErrNotFound))

	require.NoError(t, held.Release())
	require.NoError(t, s.AwaitReady(ctx, "ready.txt", time.Second))
	_, statErr := os.Stat(s.LockPath("ready.txt"))
	require.True(t, os.IsNotExist(statErr), "gate leaves no lock file")
}

func TestOpen_NotFound(t *testing.T) {
	s := newStore(t)
	_, _, err := s.Open(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListAndLookup(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i, n := range []string{"old.txt", "mid.txt", "new.txt"} {
		_, err := s.Accept(ctx, n, strings.NewReader(n))
		require.NoError(t, err)
		mt := time.Now().Add(time.Duration(i-3) * time.Hour)
		require.NoError(t, os.Chtimes(filepath.Join(s.Dir(), n), mt, mt))
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "x.txt.abcd1234.part"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "x.txt.old"), nil, 0o644))

	recs, err := s.List()
	require.NoError(t, err)
	var names []string
	for _, r := range recs {
		names = append(names, r.Name)
	}
	require.Equal(t, []string{"new.txt", "mid.txt", "old.txt"}, names)

	r, err := s.Lookup("mid.txt")
	require.NoError(t, err)
	require.EqualValues(t, len("mid.txt"), r.Size)
	require.Equal(t, ".txt", r.Type)

	_, err = s.Lookup("absent.txt")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Lookup("../uploads")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestArtifactName(t *testing.T) {
	tests := map[string]string{
		"a.txt.0badf00d.part": "a.txt",
		"a.txt.part":          "a",
		"a.txt.old":           "a.txt",
		"a.txt.lock":          "a.txt",
		"plain":               "plain",
	}
	for in, want := range tests {
		require.Equal(t, want, ArtifactName(in), in)
	}
}

var (
	spansOnce sync.Once
	spans     *tracetest.SpanRecorder
)

// recordSpans routes the global tracer provider to an in-memory recorder.
// The global provider only delegates once, so the recorder is shared.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	spansOnce.Do(func() {
		spans = tracetest.NewSpanRecorder()
		otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	})
	return spans
}

func acceptEvents(rec *tracetest.SpanRecorder, outcome string) [][]string {
	var out [][]string
	for _, sp := range rec.Ended() {
		if sp.Name() != "transfer.accept" {
			continue
		}
		for _, kv := range sp.Attributes() {
			if kv.Key == "transfer.outcome" && kv.Value.AsString() == outcome {
				var names []string
				for _, ev := range sp.Events() {
					names = append(names, ev.Name)
				}
				out = append(out, names)
			}
		}
	}
	return out
}

func TestAccept_LockEventOnlyWhenAcquired(t *testing.T) {
	rec := recordSpans(t)
	s := newStore(t, func(o *Options) { o.PublishTimeout = 30 * time.Millisecond })

	held, err := flock.NewFileLocker().Acquire(context.Background(), s.LockPath("busy.txt"), time.Second)
	require.NoError(t, err)
	_, err = s.Accept(context.Background(), "busy.txt", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrPublishTimeout)
	require.NoError(t, held.Release())

	_, err = s.Accept(context.Background(), "free.txt", strings.NewReader("x"))
	require.NoError(t, err)

	timedOut := acceptEvents(rec, OutcomeTimeout)
	require.NotEmpty(t, timedOut)
	for _, evs := range timedOut {
		require.NotContains(t, evs, "lock.acquired")
	}
	published := acceptEvents(rec, OutcomePublished)
	require.NotEmpty(t, published)
	require.Contains(t, published[len(published)-1], "lock.acquired")
}

func TestNew_KeepsCallerComponent(t *testing.T) {
	var buf bytes.Buffer
	lg, err := log.New(log.Options{App: "cfdexchange", JsonFormat: true, Writer: &buf})
	require.NoError(t, err)
	s := newStore(t, func(o *Options) { o.Logger = lg.With("component", "transfer") })

	_, err = s.Accept(context.Background(), "logged.txt", strings.NewReader("x"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		require.Equal(t, 1, strings.Count(line, `"component"`), line)
	}
}
