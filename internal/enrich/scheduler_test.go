package enrich

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/StefanGrimminck/Spoor/internal/geo"
	"github.com/StefanGrimminck/Spoor/internal/keylock"
	"github.com/StefanGrimminck/Spoor/internal/ratelimit"
	"github.com/StefanGrimminck/Spoor/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeProvider counts calls and can hold a lookup open until released.
type fakeProvider struct {
	mu      sync.Mutex
	calls   map[string]int
	res     geo.Result
	ok      bool
	hold    map[string]chan struct{}
	entered chan string
}

func newFakeProvider(ok bool) *fakeProvider {
	asn := int64(15169)
	return &fakeProvider{
		calls: make(map[string]int),
		res:   geo.Result{Country: "United States", CountryCode: "US", ASNumber: &asn, ASOrg: "Google LLC"},
		ok:    ok,
		hold:  make(map[string]chan struct{}),
	}
}

func (p *fakeProvider) Fetch(ctx context.Context, address string) (geo.Result, bool) {
	p.mu.Lock()
	p.calls[address]++
	hold := p.hold[address]
	entered := p.entered
	p.mu.Unlock()
	if entered != nil {
		entered <- address
	}
	if hold != nil {
		<-hold
	}
	if !p.ok {
		return geo.Result{}, false
	}
	return p.res, true
}

func (p *fakeProvider) callCount(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[address]
}

type testEnv struct {
	s        *Scheduler
	store    *store.Memory
	provider *fakeProvider
	locks    *keylock.Registry
	metrics  *Metrics
}

func newScheduler(t *testing.T, acq Acquirer, provider geo.Provider, limit int) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Store:    acq,
		Provider: provider,
		Limiter:  ratelimit.NewWindow(limit, time.Minute, nil),
		Workers:  16,
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func setup(t *testing.T, providerOK bool, limit int) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemory(),
		provider: newFakeProvider(providerOK),
		locks:    keylock.New(),
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	s, err := New(Config{
		Store:    env.store,
		Provider: env.provider,
		Limiter:  ratelimit.NewWindow(limit, time.Minute, nil),
		Locks:    env.locks,
		Workers:  16,
		Log:      zerolog.Nop(),
		Metrics:  env.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	env.s = s
	return env
}

func source(t *testing.T, m *store.Memory, addr string) *store.Source {
	t.Helper()
	src, err := m.GetSource(context.Background(), addr)
	require.NoError(t, err)
	return src
}

func TestScheduler_EndToEnd_IPAPI(t *testing.T) {
	var lookups atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lookups.Add(1)
		_, _ = w.Write([]byte(`{"status":"success","country":"United States","countryCode":"US","as":"AS15169 Google LLC","isp":"Google LLC","query":"8.8.8.8"}`))
	}))
	defer srv.Close()

	mem := store.NewMemory()
	s := newScheduler(t, mem, geo.NewIPAPI(geo.IPAPIConfig{Endpoint: srv.URL, Log: zerolog.Nop()}), 45)

	t1 := time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC)
	require.True(t, s.Schedule("8.8.8.8", t1))
	s.Wait()

	src := source(t, mem, "8.8.8.8")
	require.NotNil(t, src)
	require.Equal(t, int64(1), src.TimesSeen)
	require.NotNil(t, src.ASNumber)
	require.Equal(t, int64(15169), *src.ASNumber)
	require.Equal(t, "Google LLC", *src.ASOrg)
	require.Equal(t, "United States", *src.Country)
	require.Equal(t, int32(1), lookups.Load())

	// Second sighting: known address, no lookup, counters only.
	t2 := t1.Add(time.Minute)
	require.True(t, s.Schedule("8.8.8.8", t2))
	s.Wait()

	src = source(t, mem, "8.8.8.8")
	require.Equal(t, int64(2), src.TimesSeen)
	require.True(t, src.LastSeen.Equal(t2))
	require.True(t, src.FirstSeen.Equal(t1))
	require.Equal(t, "United States", *src.Country)
	require.Equal(t, int32(1), lookups.Load(), "known address must not be looked up again")
}

func TestScheduler_PrivateAddressIsGated(t *testing.T) {
	env := setup(t, true, 45)

	require.False(t, env.s.Schedule("10.0.0.5", time.Now()))
	require.False(t, env.s.Schedule("", time.Now()))
	require.False(t, env.s.Schedule("not-an-ip", time.Now()))
	env.s.Wait()

	require.Equal(t, 0, env.provider.callCount("10.0.0.5"))
	require.Nil(t, source(t, env.store, "10.0.0.5"))
	require.Equal(t, 0, env.locks.Len())
	require.Equal(t, float64(3), testutil.ToFloat64(env.metrics.GatedTotal))
}

func TestScheduler_ConcurrentSameAddress(t *testing.T) {
	env := setup(t, true, 45)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.s.Schedule("1.1.1.1", time.Now())
		}()
	}
	wg.Wait()
	env.s.Wait()

	src := source(t, env.store, "1.1.1.1")
	require.NotNil(t, src)
	require.Equal(t, int64(n), src.TimesSeen)
	require.Equal(t, 1, env.provider.callCount("1.1.1.1"), "exactly one workflow creates the row")
	require.Equal(t, 0, env.locks.Len(), "all per-key locks released")
	require.Equal(t, float64(1), testutil.ToFloat64(env.metrics.WorkflowsTotal.WithLabelValues(string(OutcomeFetched))))
	require.Equal(t, float64(n-1), testutil.ToFloat64(env.metrics.WorkflowsTotal.WithLabelValues(string(OutcomeKnown))))
	require.Equal(t, float64(0), testutil.ToFloat64(env.metrics.InFlight))
}

func TestScheduler_SpellingsShareOneRecord(t *testing.T) {
	tests := []struct {
		name      string
		canonical string
		spellings []string
	}{
		{"ipv6 compressed and expanded", "2001:4860:4860::8888", []string{"2001:4860:4860::8888", "2001:4860:4860:0:0:0:0:8888"}},
		{"ipv6 upper case", "2a00:1450::1", []string{"2A00:1450::1", "2a00:1450::1"}},
		{"ipv4 mapped", "8.8.8.8", []string{"::ffff:8.8.8.8", "8.8.8.8"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setup(t, true, 45)
			for _, a := range tt.spellings {
				require.True(t, env.s.Schedule(a, time.Now()))
			}
			env.s.Wait()

			src := source(t, env.store, tt.canonical)
			require.NotNil(t, src)
			require.Equal(t, int64(len(tt.spellings)), src.TimesSeen)
			require.Equal(t, 1, env.provider.callCount(tt.canonical))
			for _, a := range tt.spellings {
				if a == tt.canonical {
					continue
				}
				require.Nil(t, source(t, env.store, a), "no row under %q", a)
				require.Equal(t, 0, env.provider.callCount(a))
			}
		})
	}
}

func TestScheduler_RateLimitedLookupStillCounts(t *testing.T) {
	env := setup(t, true, 1)

	require.True(t, env.s.Schedule("8.8.8.8", time.Now()))
	env.s.Wait()
	require.True(t, env.s.Schedule("9.9.9.9", time.Now()))
	env.s.Wait()

	require.Equal(t, 1, env.provider.callCount("8.8.8.8"))
	require.Equal(t, 0, env.provider.callCount("9.9.9.9"))

	denied := source(t, env.store, "9.9.9.9")
	require.NotNil(t, denied)
	require.Equal(t, int64(1), denied.TimesSeen)
	require.Nil(t, denied.Country, "no lookup, no geo")
	require.Equal(t, float64(1), testutil.ToFloat64(env.metrics.WorkflowsTotal.WithLabelValues(string(OutcomeRateLimited))))
}

func TestScheduler_FailedLookupStillCounts(t *testing.T) {
	env := setup(t, false, 45)

	require.True(t, env.s.Schedule("8.8.8.8", time.Time{}))
	env.s.Wait()

	src := source(t, env.store, "8.8.8.8")
	require.NotNil(t, src)
	require.Equal(t, int64(1), src.TimesSeen)
	require.Nil(t, src.ASNumber)
	require.False(t, src.FirstSeen.IsZero(), "missing timestamp defaults to now")
	require.Equal(t, float64(1), testutil.ToFloat64(env.metrics.WorkflowsTotal.WithLabelValues(string(OutcomeFetchFailed))))
}

func TestScheduler_NoProviderCountsOnly(t *testing.T) {
	mem := store.NewMemory()
	s := newScheduler(t, mem, nil, 45)

	require.True(t, s.Schedule("8.8.8.8", time.Now()))
	s.Wait()
	src := source(t, mem, "8.8.8.8")
	require.NotNil(t, src)
	require.Equal(t, int64(1), src.TimesSeen)
	require.Nil(t, src.Country)
}

// failingStore wraps Memory and fails Exists a configurable number of times.
type failingStore struct {
	*store.Memory
	failures atomic.Int32
	acquired atomic.Int32
	released atomic.Int32
}

type failingConn struct {
	store.Conn
	fs *failingStore
}

func (f *failingStore) Acquire(ctx context.Context) (store.Conn, error) {
	c, err := f.Memory.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	f.acquired.Add(1)
	return failingConn{Conn: c, fs: f}, nil
}

func (c failingConn) Exists(ctx context.Context, address string) (bool, error) {
	if c.fs.failures.Add(-1) >= 0 {
		return false, errors.New("connection reset")
	}
	return c.Conn.Exists(ctx, address)
}

func (c failingConn) Release() {
	c.fs.released.Add(1)
	c.Conn.Release()
}

func TestScheduler_StorageErrorReleasesLockAndConn(t *testing.T) {
	fs := &failingStore{Memory: store.NewMemory()}
	fs.failures.Store(1)
	provider := newFakeProvider(true)
	locks := keylock.New()
	s, err := New(Config{
		Store:    fs,
		Provider: provider,
		Limiter:  ratelimit.NewWindow(45, time.Minute, nil),
		Locks:    locks,
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.True(t, s.Schedule("8.8.8.8", time.Now()))
	s.Wait()
	require.Nil(t, source(t, fs.Memory, "8.8.8.8"), "failed check writes nothing")
	require.Equal(t, 0, provider.callCount("8.8.8.8"))
	require.Equal(t, 0, locks.Len())
	require.Equal(t, fs.acquired.Load(), fs.released.Load())

	// The next workflow for the same key is not stuck behind a leaked lock.
	require.True(t, s.Schedule("8.8.8.8", time.Now()))
	s.Wait()
	src := source(t, fs.Memory, "8.8.8.8")
	require.NotNil(t, src)
	require.Equal(t, int64(1), src.TimesSeen)
	require.Equal(t, fs.acquired.Load(), fs.released.Load())
}

func TestScheduler_ScheduleDoesNotBlockCaller(t *testing.T) {
	env := setup(t, true, 45)
	release := make(chan struct{})
	env.provider.mu.Lock()
	env.provider.hold["8.8.8.8"] = release
	env.provider.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			env.s.Schedule("8.8.8.8", time.Now())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Schedule blocked while a lookup was in flight")
	}
	close(release)
	env.s.Wait()
	require.Equal(t, int64(100), source(t, env.store, "8.8.8.8").TimesSeen)
}

func TestScheduler_DifferentAddressesDoNotBlock(t *testing.T) {
	env := setup(t, true, 45)
	release := make(chan struct{})
	entered := make(chan string, 1)
	env.provider.mu.Lock()
	env.provider.hold["1.1.1.1"] = release
	env.provider.entered = entered
	env.provider.mu.Unlock()

	require.True(t, env.s.Schedule("1.1.1.1", time.Now()))
	require.Equal(t, "1.1.1.1", <-entered)

	// Workflow for 1.1.1.1 now holds its lock; 9.9.9.9 must complete regardless.
	require.True(t, env.s.Schedule("9.9.9.9", time.Now()))
	require.Equal(t, "9.9.9.9", <-entered)
	require.Eventually(t, func() bool {
		src, _ := env.store.GetSource(context.Background(), "9.9.9.9")
		return src != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Nil(t, source(t, env.store, "1.1.1.1"))

	close(release)
	env.s.Wait()
	require.NotNil(t, source(t, env.store, "1.1.1.1"))
}

func TestScheduler_ClosedRejectsWork(t *testing.T) {
	env := setup(t, true, 45)
	require.True(t, env.s.Schedule("8.8.8.8", time.Now()))
	require.NoError(t, env.s.Close(context.Background()))

	require.NotNil(t, source(t, env.store, "8.8.8.8"), "Close drains in-flight workflows")
	require.False(t, env.s.Schedule("8.8.4.4", time.Now()))
}

func TestNew_RequiresStoreAndLimiter(t *testing.T) {
	_, err := New(Config{Limiter: ratelimit.NewWindow(1, time.Minute, nil)})
	require.Error(t, err)
	_, err = New(Config{Store: store.NewMemory()})
	require.Error(t, err)
}
