package transport_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sozu-proxy/sozu-prometheus-connector/internal/metrics"
	"github.com/sozu-proxy/sozu-prometheus-connector/internal/transport"
	"github.com/sozu-proxy/sozu-prometheus-connector/internal/transport/transporttest"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

// newDiscardLogger returns a *slog.Logger that discards all output.
func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func poolSnapshot(size int64) *metrics.Snapshot {
	return &metrics.Snapshot{
		Main: map[string]metrics.Metric{"pool.size": {Value: metrics.Gauge(size)}},
	}
}

func poolSize(t *testing.T, s *metrics.Snapshot) metrics.Value {
	t.Helper()
	if s == nil {
		t.Fatal("nil snapshot")
	}
	m, ok := s.Main["pool.size"]
	if !ok {
		t.Fatalf("pool.size missing from snapshot: %+v", s.Main)
	}
	return m.Get()
}

// metricValue sums every sample of the named family whose labels include all
// of the given key/value pairs.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labelPairs ...string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	samples:
		for _, m := range mf.GetMetric() {
			have := map[string]string{}
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for i := 0; i+1 < len(labelPairs); i += 2 {
				if have[labelPairs[i]] != labelPairs[i+1] {
					continue samples
				}
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func newSession(t *testing.T, path string, opts ...transport.Option) (*transport.Session, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts = append([]transport.Option{transport.WithMetrics(transport.NewMetrics(reg))}, opts...)
	s := transport.New(path, newDiscardLogger(), opts...)
	t.Cleanup(func() { s.Close() })
	return s, reg
}

// ─── happy path ───────────────────────────────────────────────────────────────

func TestQueryMetrics_OK(t *testing.T) {
	srv := transporttest.NewServer(t, transporttest.OK(poolSnapshot(7)))
	s, reg := newSession(t, srv.Path)

	if got := s.State(); got != transport.StateDisconnected {
		t.Fatalf("initial state = %v; want disconnected", got)
	}

	snap, err := s.QueryMetrics(context.Background())
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if got := poolSize(t, snap); got != metrics.Gauge(7) {
		t.Errorf("pool.size = %#v; want Gauge(7)", got)
	}

	reqs := srv.Requests()
	if len(reqs) != 1 {
		t.Fatalf("server saw %d requests; want 1", len(reqs))
	}
	if reqs[0].QueryMetrics == nil {
		t.Error("request is not a metrics query")
	}

	if got := s.State(); got != transport.StateConnected {
		t.Errorf("state = %v; want connected", got)
	}
	if v := metricValue(t, reg, "connector_exchanges_total", "result", "ok"); v != 1 {
		t.Errorf("ok exchanges = %v; want 1", v)
	}
	if v := metricValue(t, reg, "connector_connected"); v != 1 {
		t.Errorf("connected gauge = %v; want 1", v)
	}
	if v := metricValue(t, reg, "connector_exchange_duration_seconds"); v != 1 {
		t.Errorf("duration observations = %v; want 1", v)
	}
}

func TestQueryMetrics_ReusesChannel(t *testing.T) {
	srv := transporttest.NewServer(t,
		transporttest.OK(poolSnapshot(1)),
		transporttest.OK(poolSnapshot(2)),
	)
	s, _ := newSession(t, srv.Path)

	for want := int64(1); want <= 2; want++ {
		snap, err := s.QueryMetrics(context.Background())
		if err != nil {
			t.Fatalf("QueryMetrics #%d: %v", want, err)
		}
		if got := poolSize(t, snap); got != metrics.Gauge(want) {
			t.Errorf("call #%d pool.size = %#v", want, got)
		}
	}

	if n := srv.Connections(); n != 1 {
		t.Errorf("server accepted %d connections; want 1", n)
	}
}

func TestQueryMetrics_ProcessingRepliesAreAwaited(t *testing.T) {
	srv := transporttest.NewServer(t,
		transporttest.Processing(),
		transporttest.Processing(),
		transporttest.Processing(),
		transporttest.OK(poolSnapshot(3)),
	)
	s, reg := newSession(t, srv.Path)

	snap, err := s.QueryMetrics(context.Background())
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if got := poolSize(t, snap); got != metrics.Gauge(3) {
		t.Errorf("pool.size = %#v", got)
	}
	if n := len(srv.Requests()); n != 1 {
		t.Errorf("request resent: server saw %d requests", n)
	}
	if v := metricValue(t, reg, "connector_resurrections_total"); v != 0 {
		t.Errorf("resurrections = %v; want 0", v)
	}
}

func TestQueryMetrics_ForwardsQueryOptions(t *testing.T) {
	srv := transporttest.NewServer(t, transporttest.OK(poolSnapshot(1)))
	s, _ := newSession(t, srv.Path, transport.WithQueryOptions(transport.QueryMetricsOptions{
		ClusterIDs:  []string{"app-1"},
		MetricNames: []string{"bytes_in"},
		Workers:     true,
	}))

	if _, err := s.QueryMetrics(context.Background()); err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}

	q := srv.Requests()[0].QueryMetrics
	if q == nil {
		t.Fatal("query_metrics options missing from request")
	}
	if len(q.ClusterIDs) != 1 || q.ClusterIDs[0] != "app-1" {
		t.Errorf("cluster ids = %v", q.ClusterIDs)
	}
	if len(q.MetricNames) != 1 || q.MetricNames[0] != "bytes_in" {
		t.Errorf("metric names = %v", q.MetricNames)
	}
	if !q.Workers || q.NoClusters {
		t.Errorf("flags = %+v", q)
	}
}

// ─── resurrection ─────────────────────────────────────────────────────────────

func TestQueryMetrics_ResurrectsAfterFailures(t *testing.T) {
	srv := transporttest.NewServer(t,
		transporttest.Failure("boom"),
		transporttest.Drop(),
		transporttest.OK(poolSnapshot(5)),
	)
	s, reg := newSession(t, srv.Path)

	snap, err := s.QueryMetrics(context.Background())
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if got := poolSize(t, snap); got != metrics.Gauge(5) {
		t.Errorf("pool.size = %#v", got)
	}

	if n := srv.Connections(); n != 3 {
		t.Errorf("server accepted %d connections; want 3", n)
	}
	if v := metricValue(t, reg, "connector_resurrections_total"); v != 2 {
		t.Errorf("resurrections = %v; want 2", v)
	}
	if v := metricValue(t, reg, "connector_exchange_failures_total", "reason", "protocol"); v != 1 {
		t.Errorf("protocol failures = %v; want 1", v)
	}
	if v := metricValue(t, reg, "connector_exchange_failures_total", "reason", "transport"); v != 1 {
		t.Errorf("transport failures = %v; want 1", v)
	}
	if got := s.State(); got != transport.StateConnected {
		t.Errorf("state = %v; want connected", got)
	}
}

func TestQueryMetrics_ExhaustedAfterThreeResurrections(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.SetFallback(transporttest.Failure("worker 3 is not responding"))
	s, reg := newSession(t, srv.Path)

	_, err := s.QueryMetrics(context.Background())
	if !errors.Is(err, transport.ErrExhausted) {
		t.Fatalf("err = %v; want ErrExhausted", err)
	}
	if errors.Is(err, transport.ErrConnect) {
		t.Errorf("exhausted error must not match ErrConnect: %v", err)
	}

	var perr *transport.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v; want to wrap *ProtocolError", err)
	}
	if perr.Message != "worker 3 is not responding" {
		t.Errorf("message = %q", perr.Message)
	}
	if !errors.Is(err, transport.ErrProtocolFailure) {
		t.Error("ProtocolError should match ErrProtocolFailure")
	}

	// One initial exchange plus three resurrections.
	if n := len(srv.Requests()); n != 4 {
		t.Errorf("server saw %d requests; want 4", n)
	}
	if v := metricValue(t, reg, "connector_resurrections_total"); v != 3 {
		t.Errorf("resurrections = %v; want 3", v)
	}
	if v := metricValue(t, reg, "connector_exchanges_total", "result", "exhausted"); v != 1 {
		t.Errorf("exhausted exchanges = %v; want 1", v)
	}
	if got := s.State(); got != transport.StateFailed {
		t.Errorf("state = %v; want failed", got)
	}
	if v := metricValue(t, reg, "connector_connected"); v != 0 {
		t.Errorf("connected gauge = %v; want 0", v)
	}
}

func TestQueryMetrics_RecoversFromFailedState(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.SetFallback(transporttest.Failure("down"))
	s, _ := newSession(t, srv.Path, transport.WithMaxResurrections(1))

	if _, err := s.QueryMetrics(context.Background()); !errors.Is(err, transport.ErrExhausted) {
		t.Fatalf("first call err = %v; want ErrExhausted", err)
	}

	srv.Push(transporttest.OK(poolSnapshot(9)))
	snap, err := s.QueryMetrics(context.Background())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got := poolSize(t, snap); got != metrics.Gauge(9) {
		t.Errorf("pool.size = %#v", got)
	}
	if got := s.State(); got != transport.StateConnected {
		t.Errorf("state = %v; want connected", got)
	}
}

func TestQueryMetrics_ConnectError(t *testing.T) {
	dir, err := os.MkdirTemp("", "sozu")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, reg := newSession(t, filepath.Join(dir, "missing.sock"))

	_, err = s.QueryMetrics(context.Background())
	if !errors.Is(err, transport.ErrConnect) {
		t.Fatalf("err = %v; want ErrConnect", err)
	}
	if errors.Is(err, transport.ErrExhausted) {
		t.Errorf("connect error must not match ErrExhausted: %v", err)
	}
	if !errors.Is(err, transport.ErrTransport) {
		t.Errorf("connect error should wrap the dial failure: %v", err)
	}
	if v := metricValue(t, reg, "connector_resurrections_total"); v != 0 {
		t.Errorf("resurrections = %v; want 0", v)
	}
	if v := metricValue(t, reg, "connector_exchanges_total", "result", "connect_error"); v != 1 {
		t.Errorf("connect errors = %v; want 1", v)
	}
	if got := s.State(); got != transport.StateDisconnected {
		t.Errorf("state = %v; want disconnected", got)
	}
}

func TestQueryMetrics_ProcessingLimit(t *testing.T) {
	srv := transporttest.NewServer(t,
		transporttest.Processing(),
		transporttest.Processing(),
		transporttest.Processing(),
		transporttest.OK(poolSnapshot(1)),
	)
	s, _ := newSession(t, srv.Path,
		transport.WithMaxProcessingWaits(2),
		transport.WithMaxResurrections(0),
	)

	_, err := s.QueryMetrics(context.Background())
	if !errors.Is(err, transport.ErrExhausted) || !errors.Is(err, transport.ErrTransport) {
		t.Fatalf("err = %v; want ErrExhausted wrapping ErrTransport", err)
	}
}

func TestQueryMetrics_UnknownStatusIsMalformed(t *testing.T) {
	srv := transporttest.NewServer(t,
		transporttest.Reply(transport.Response{Status: transport.Status(7)}),
		transporttest.OK(poolSnapshot(2)),
	)
	s, reg := newSession(t, srv.Path)

	snap, err := s.QueryMetrics(context.Background())
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if got := poolSize(t, snap); got != metrics.Gauge(2) {
		t.Errorf("pool.size = %#v; want Gauge(2)", got)
	}
	if v := metricValue(t, reg, "connector_exchange_failures_total", "reason", "malformed"); v != 1 {
		t.Errorf("malformed failures = %v; want 1", v)
	}
	if n := srv.Connections(); n != 2 {
		t.Errorf("server accepted %d connections; want 2", n)
	}
}

func TestQueryMetrics_OkWithoutMetricsIsMalformed(t *testing.T) {
	srv := transporttest.NewServer(t, transporttest.Reply(transport.Response{Status: transport.StatusOk}))
	s, _ := newSession(t, srv.Path, transport.WithMaxResurrections(0))

	_, err := s.QueryMetrics(context.Background())
	if !errors.Is(err, transport.ErrMalformedResponse) {
		t.Fatalf("err = %v; want ErrMalformedResponse", err)
	}
	if !errors.Is(err, transport.ErrExhausted) {
		t.Errorf("err = %v; want it wrapped in ErrExhausted", err)
	}
}

func TestQueryMetrics_ReceiveTimeout(t *testing.T) {
	srv := transporttest.NewServer(t, transporttest.Hang())
	s, _ := newSession(t, srv.Path,
		transport.WithTimeout(50*time.Millisecond),
		transport.WithMaxResurrections(0),
	)

	start := time.Now()
	_, err := s.QueryMetrics(context.Background())
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("err = %v; want a deadline error", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("QueryMetrics took %v; timeout not honoured", elapsed)
	}
}

func TestQueryMetrics_CancelledContextDoesNotAbortExchange(t *testing.T) {
	srv := transporttest.NewServer(t, transporttest.OK(poolSnapshot(4)))
	s, _ := newSession(t, srv.Path)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, err := s.QueryMetrics(ctx)
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if got := poolSize(t, snap); got != metrics.Gauge(4) {
		t.Errorf("pool.size = %#v", got)
	}
}

func TestClose_ReopensOnNextCall(t *testing.T) {
	srv := transporttest.NewServer(t,
		transporttest.OK(poolSnapshot(1)),
		transporttest.OK(poolSnapshot(2)),
	)
	s, _ := newSession(t, srv.Path)

	if _, err := s.QueryMetrics(context.Background()); err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := s.State(); got != transport.StateDisconnected {
		t.Errorf("state after Close = %v", got)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := s.QueryMetrics(context.Background()); err != nil {
		t.Fatalf("QueryMetrics after Close: %v", err)
	}
	if n := srv.Connections(); n != 2 {
		t.Errorf("server accepted %d connections; want 2", n)
	}
}

// ─── stub connections ─────────────────────────────────────────────────────────

// stubConn answers every request with ok after a short delay and reports an
// error if a second request is sent before the first one is answered.
type stubConn struct {
	t       *testing.T
	busy    atomic.Bool
	sendErr error
}

func (c *stubConn) Send(req *transport.Request) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	if !c.busy.CompareAndSwap(false, true) {
		c.t.Error("request sent while another exchange was in flight")
	}
	return nil
}

func (c *stubConn) Receive(time.Duration) (*transport.Response, error) {
	time.Sleep(time.Millisecond)
	c.busy.Store(false)
	return &transport.Response{
		Status:  transport.StatusOk,
		Content: &transport.Content{Metrics: poolSnapshot(1)},
	}, nil
}

func (c *stubConn) Close() error { return nil }

func TestQueryMetrics_ConcurrentCallsAreSerialized(t *testing.T) {
	conn := &stubConn{t: t}
	var dials atomic.Int32
	s, _ := newSession(t, "stub", transport.WithDialer(func(string) (transport.Conn, error) {
		dials.Add(1)
		return conn, nil
	}))

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.QueryMetrics(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("QueryMetrics: %v", err)
	}
	if n := dials.Load(); n != 1 {
		t.Errorf("dialled %d times; want 1", n)
	}
}

func TestQueryMetrics_OpenFailureDuringResurrectionConsumesBudget(t *testing.T) {
	var dials atomic.Int32
	brokenPipe := errors.New("broken pipe")
	s, _ := newSession(t, "stub", transport.WithDialer(func(string) (transport.Conn, error) {
		if dials.Add(1) == 1 {
			return &stubConn{t: t, sendErr: brokenPipe}, nil
		}
		return nil, errors.New("connection refused")
	}))

	_, err := s.QueryMetrics(context.Background())
	if !errors.Is(err, transport.ErrExhausted) {
		t.Fatalf("err = %v; want ErrExhausted", err)
	}
	if errors.Is(err, transport.ErrConnect) {
		t.Errorf("only the first open of a call is a connect error: %v", err)
	}
	if n := dials.Load(); n != 4 {
		t.Errorf("dialled %d times; want 4", n)
	}
}
