package wait

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/gantry/pkg/engine"
)

type fakeTarget struct {
	mu      sync.Mutex
	ports   map[string]int
	logs    string
	state   engine.ContainerState
	exposed []string
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		ports: map[string]int{},
		state: engine.ContainerState{Status: "running", Running: true},
	}
}

func (f *fakeTarget) Host(context.Context) (string, error) { return "127.0.0.1", nil }

func (f *fakeTarget) MappedPort(_ context.Context, port string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.ports[port]
	if !ok {
		return 0, errors.New("port not mapped")
	}
	return p, nil
}

func (f *fakeTarget) ExposedPorts() []string { return f.exposed }

func (f *fakeTarget) Logs(context.Context) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func (f *fakeTarget) ContainerState(context.Context) (*engine.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.state
	return &s, nil
}

func (f *fakeTarget) Exec(context.Context, []string) (*engine.ExecResult, error) {
	return &engine.ExecResult{}, nil
}

func (f *fakeTarget) appendLog(line string) {
	f.mu.Lock()
	f.logs += line + "\n"
	f.mu.Unlock()
}

func (f *fakeTarget) setState(s engine.ContainerState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTimeoutWithinWindow(t *testing.T) {
	target := newFakeTarget()
	never := ForFunc("never", func(context.Context, Target) error {
		return errors.New("still booting")
	}).WithStartupTimeout(3 * time.Second)

	start := time.Now()
	err := never.WaitUntilReady(testContext(t), target)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, elapsed, 3*time.Second)
	assert.Less(t, elapsed, 4*time.Second)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Len(t, te.Observations, 1)
	assert.Equal(t, "never", te.Observations[0].Strategy)
	assert.Equal(t, "still booting", te.Observations[0].Last)
}

func TestCancellationIsNotTimeout(t *testing.T) {
	target := newFakeTarget()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err := ForLog("never printed").WithStartupTimeout(10*time.Second).WaitUntilReady(ctx, target)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimedOut)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLogStrategy(t *testing.T) {
	target := newFakeTarget()
	target.appendLog("starting")
	time.AfterFunc(150*time.Millisecond, func() { target.appendLog("database system is ready to accept connections") })

	err := ForLog("ready to accept connections").
		WithStartupTimeout(5*time.Second).
		WithPollInterval(20*time.Millisecond).
		WaitUntilReady(testContext(t), target)
	assert.NoError(t, err)
}

func TestLogStrategyOccurrences(t *testing.T) {
	target := newFakeTarget()
	target.appendLog("listening on port 1")

	err := ForLog(`listening on port \d+`).AsRegexp().WithOccurrence(2).
		WithStartupTimeout(300*time.Millisecond).
		WithPollInterval(20*time.Millisecond).
		WaitUntilReady(testContext(t), target)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "1 of 2 occurrences", te.Observations[0].Last)

	target.appendLog("listening on port 2")
	err = ForLog(`listening on port \d+`).AsRegexp().WithOccurrence(2).
		WithStartupTimeout(time.Second).
		WaitUntilReady(testContext(t), target)
	assert.NoError(t, err)
}

func TestLogStrategyInvalidRegexp(t *testing.T) {
	err := ForLog("([").AsRegexp().WaitUntilReady(testContext(t), newFakeTarget())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimedOut)
}

func TestExitedContainerFailsLongRunningStrategy(t *testing.T) {
	target := newFakeTarget()
	target.setState(engine.ContainerState{Status: "exited", ExitCode: 3})

	err := ForLog("never").WithStartupTimeout(5*time.Second).WaitUntilReady(testContext(t), target)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContainerExited)
	assert.NotErrorIs(t, err, ErrTimedOut)
}

func TestHTTPStrategy(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		assert.Equal(t, "yes", r.Header.Get("X-Check"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"UP"}`))
	}))
	defer server.Close()

	target := newFakeTarget()
	target.exposed = []string{"8080/tcp"}
	target.ports["8080/tcp"] = serverPort(t, server.URL)

	err := ForHTTP("health").
		WithHeaders(map[string]string{"X-Check": "yes"}).
		WithResponseMatcher(func(body io.Reader) bool {
			data, _ := io.ReadAll(body)
			return strings.Contains(string(data), "UP")
		}).
		WithPollInterval(10*time.Millisecond).
		WithStartupTimeout(5*time.Second).
		WaitUntilReady(testContext(t), target)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestHTTPStrategyStatusMatcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	target := newFakeTarget()
	target.ports["80/tcp"] = serverPort(t, server.URL)

	err := ForHTTP("/").WithPort("80/tcp").
		WithBasicAuth("admin", "secret").
		WithStatusCodeMatcher(func(status int) bool { return status == http.StatusNoContent }).
		WithStartupTimeout(2*time.Second).
		WaitUntilReady(testContext(t), target)
	assert.NoError(t, err)
}

func TestHTTPStrategyWithoutPorts(t *testing.T) {
	err := ForHTTP("/").WaitUntilReady(testContext(t), newFakeTarget())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimedOut)
}

func TestPortStrategy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	target := newFakeTarget()
	target.exposed = []string{"9000/tcp", "5432/tcp"}
	target.ports["5432/tcp"] = ln.Addr().(*net.TCPAddr).Port

	err = ForExposedPort().WithStartupTimeout(2*time.Second).WaitUntilReady(testContext(t), target)
	assert.NoError(t, err)
}

func TestPortStrategyTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	target := newFakeTarget()
	target.ports["6379/tcp"] = port

	err = ForListeningPort("6379/tcp").
		WithStartupTimeout(300*time.Millisecond).
		WithPollInterval(20*time.Millisecond).
		WaitUntilReady(testContext(t), target)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Observations[0].Last, "dial")
}

func TestHealthStrategy(t *testing.T) {
	target := newFakeTarget()
	target.setState(engine.ContainerState{Status: "running", Running: true, HasHealthcheck: true, Health: "starting"})
	time.AfterFunc(100*time.Millisecond, func() {
		target.setState(engine.ContainerState{Status: "running", Running: true, HasHealthcheck: true, Health: "healthy"})
	})

	err := ForHealthCheck().WithPollInterval(20*time.Millisecond).WithStartupTimeout(2*time.Second).
		WaitUntilReady(testContext(t), target)
	assert.NoError(t, err)
}

func TestHealthStrategyWithoutHealthcheck(t *testing.T) {
	err := ForHealthCheck().WithStartupTimeout(time.Second).WaitUntilReady(testContext(t), newFakeTarget())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimedOut)
}

func TestExitStrategy(t *testing.T) {
	target := newFakeTarget()
	time.AfterFunc(50*time.Millisecond, func() {
		target.setState(engine.ContainerState{Status: "exited"})
	})
	err := ForExit().WithPollInterval(10*time.Millisecond).WithStartupTimeout(2*time.Second).
		WaitUntilReady(testContext(t), target)
	assert.NoError(t, err)

	failed := newFakeTarget()
	failed.setState(engine.ContainerState{Status: "exited", ExitCode: 1})
	err = ForExit().WithStartupTimeout(2*time.Second).WaitUntilReady(testContext(t), failed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContainerExited)
}

func TestForAll(t *testing.T) {
	target := newFakeTarget()
	target.appendLog("ready")

	err := ForAll(
		ForLog("ready"),
		ForFunc("ok", func(context.Context, Target) error { return nil }),
	).WithStartupTimeout(time.Second).WaitUntilReady(testContext(t), target)
	assert.NoError(t, err)
}

func TestForAllUsesOwnTimeoutAndMergesObservations(t *testing.T) {
	target := newFakeTarget()

	start := time.Now()
	err := ForAll(
		ForLog("never").WithStartupTimeout(10*time.Second),
		ForFunc("booting", func(context.Context, Target) error { return errors.New("warming up") }).
			WithStartupTimeout(10*time.Second),
	).WithStartupTimeout(500*time.Millisecond).WaitUntilReady(testContext(t), target)

	assert.Less(t, time.Since(start), 2*time.Second)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Len(t, te.Observations, 2)
	assert.Equal(t, 500*time.Millisecond, te.Timeout)
}

func TestForAllFailureWins(t *testing.T) {
	target := newFakeTarget()
	boom := errors.New("bad config")

	err := ForAll(
		ForLog("never").WithStartupTimeout(5*time.Second),
		ForFunc("broken", func(context.Context, Target) error { return Permanent(boom) }),
	).WaitUntilReady(testContext(t), target)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTimedOut)
}

func TestForAllTimeoutReplacesChildTimeouts(t *testing.T) {
	target := newFakeTarget()
	time.AfterFunc(500*time.Millisecond, func() { target.appendLog("ready") })

	err := ForAll(
		ForLog("ready").WithStartupTimeout(200*time.Millisecond).WithPollInterval(20*time.Millisecond),
	).WithStartupTimeout(3*time.Second).WaitUntilReady(testContext(t), target)
	assert.NoError(t, err)
}

func TestStrategyWithoutTimeoutUsesContextDeadline(t *testing.T) {
	target := newFakeTarget()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := ForLog("never").WithPollInterval(20*time.Millisecond).WaitUntilReady(ctx, target)

	assert.Less(t, time.Since(start), 2*time.Second)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.InDelta(t, float64(300*time.Millisecond), float64(te.Timeout), float64(50*time.Millisecond))
	assert.Zero(t, ForLog("never").Timeout())
}

func TestForAllWithoutTimeoutsUsesContextDeadline(t *testing.T) {
	target := newFakeTarget()
	time.AfterFunc(200*time.Millisecond, func() { target.appendLog("late") })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := ForAll(
		ForLog("late").WithPollInterval(20*time.Millisecond),
		ForFunc("ok", func(context.Context, Target) error { return nil }),
	).WaitUntilReady(ctx, target)
	assert.NoError(t, err)
}

func serverPort(t *testing.T, rawURL string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(rawURL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}
