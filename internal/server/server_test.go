package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fnemu/internal/env"
	"github.com/loykin/fnemu/internal/function"
	"github.com/loykin/fnemu/internal/history"
	"github.com/loykin/fnemu/internal/registry"
)

const testBaseURL = "http://localhost:8008"

// funcs is a loader serving in-process exports by name.
type funcs map[string]function.Func

func (f funcs) Load(_ string, name string) (function.Func, error) {
	fn, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", function.ErrExportNotFound, name)
	}
	return fn, nil
}

type memorySink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memorySink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memorySink) snapshot() []history.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Event(nil), m.events...)
}

func newTestServer(t *testing.T, loader function.Loader, mod func(*Options)) (*Server, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg, err := registry.Open(filepath.Join(t.TempDir(), "functions.json"), loader, testBaseURL)
	require.NoError(t, err)
	opts := Options{
		Registry:          reg,
		Loader:            loader,
		Env:               env.New().WithSet("BASE", "1"),
		ProjectID:         "demo",
		InvocationTimeout: 2 * time.Second,
	}
	if mod != nil {
		mod(&opts)
	}
	s := New(opts)
	return s, s.Handler()
}

func doReq(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, rdr))
	return rec
}

func deploy(t *testing.T, h http.Handler, name, typ string) {
	t.Helper()
	rec := doReq(t, h, http.MethodPost, "/function/"+name+"?path="+t.TempDir()+"&type="+typ, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestIdentity(t *testing.T) {
	_, h := newTestServer(t, funcs{}, func(o *Options) { o.Debug = true })

	rec := doReq(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Identity, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/?project=true", "")
	assert.Equal(t, "demo", rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/?env=true", "")
	var info EnvInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, EnvInfo{ProjectID: "demo", Debug: true}, info)
}

func TestDeployListDescribe(t *testing.T) {
	noop := function.FuncOf(func(context.Context, *function.Invocation) error { return nil })
	_, h := newTestServer(t, funcs{"hello": noop, "worker": noop}, nil)

	dir := t.TempDir()
	rec := doReq(t, h, http.MethodPost, "/function/hello?path="+dir+"&type=h", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got registry.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, registry.Record{Name: "hello", Path: dir, Type: function.TriggerHTTP, URL: testBaseURL + "/hello"}, got)

	rec = doReq(t, h, http.MethodPost, "/function/worker?path="+dir, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"url":null`)
	assert.Contains(t, rec.Body.String(), `"type":"BACKGROUND"`)

	rec = doReq(t, h, http.MethodGet, "/function", "")
	var all map[string]registry.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec = doReq(t, h, http.MethodGet, "/function/worker", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/function/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}

func TestDeployRejections(t *testing.T) {
	noop := function.FuncOf(func(context.Context, *function.Invocation) error { return nil })
	s, h := newTestServer(t, funcs{"hello": noop, "function": noop}, nil)
	dir := t.TempDir()

	cases := []struct {
		name string
		path string
		code int
	}{
		{"missing export", "/function/absent?path=" + dir, http.StatusNotFound},
		{"bad type", "/function/hello?path=" + dir + "&type=X", http.StatusBadRequest},
		{"missing path", "/function/hello", http.StatusBadRequest},
		{"reserved name", "/function/function?path=" + dir, http.StatusBadRequest},
		{"bad name", "/function/a..b?path=" + dir, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doReq(t, h, http.MethodPost, tc.path, "")
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, 0, s.reg.Len())
}

func TestUndeployAndClear(t *testing.T) {
	noop := function.FuncOf(func(context.Context, *function.Invocation) error { return nil })
	_, h := newTestServer(t, funcs{"a": noop, "b": noop}, nil)
	deploy(t, h, "a", "B")
	deploy(t, h, "b", "B")

	rec := doReq(t, h, http.MethodDelete, "/function/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rest map[string]registry.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rest))
	assert.Contains(t, rest, "b")
	assert.NotContains(t, rest, "a")

	rec = doReq(t, h, http.MethodDelete, "/function/a", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodDelete, "/function", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/function", "")
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestInvokeHTTP(t *testing.T) {
	hello := function.FuncOf(func(_ context.Context, inv *function.Invocation) error {
		b, _ := io.ReadAll(inv.Request.Body)
		inv.Writer.Header().Set("X-Fn", inv.Name)
		inv.Writer.WriteHeader(http.StatusCreated)
		_, err := fmt.Fprintf(inv.Writer, "%s %s %s", inv.Request.Method, inv.Request.URL.Path, b)
		return err
	})
	_, h := newTestServer(t, funcs{"hello": hello}, nil)
	deploy(t, h, "hello", "H")

	rec := doReq(t, h, http.MethodPut, "/hello?x=1", "payload")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "PUT /hello payload", rec.Body.String())
	assert.Equal(t, "hello", rec.Header().Get("X-Fn"))
	assert.True(t, strings.HasSuffix(rec.Header().Get(ResponseTimeHeader), "ms"))
}

func TestInvokeUnknown(t *testing.T) {
	_, h := newTestServer(t, funcs{}, nil)
	rec := doReq(t, h, http.MethodGet, "/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvokeNestedPathIsNotAFunction(t *testing.T) {
	ran := false
	fn := function.FuncOf(func(_ context.Context, inv *function.Invocation) error {
		ran = true
		if inv.Completion != nil {
			return inv.Completion.Success("x")
		}
		_, err := io.WriteString(inv.Writer, "ran")
		return err
	})
	_, h := newTestServer(t, funcs{"web": fn, "bg": fn}, nil)
	deploy(t, h, "web", "H")
	deploy(t, h, "bg", "B")

	for _, p := range []string{"/web/extra/segments", "/web/", "/bg/sub"} {
		rec := doReq(t, h, http.MethodPost, p, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
	}
	assert.False(t, ran)

	rec := doReq(t, h, http.MethodPost, "/bg", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"x"`, rec.Body.String())
}

func TestInvokeHTTPPanicAnswers500(t *testing.T) {
	boom := function.FuncOf(func(context.Context, *function.Invocation) error { panic("kaboom") })
	_, h := newTestServer(t, funcs{"boom": boom}, nil)
	deploy(t, h, "boom", "H")

	rec := doReq(t, h, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "kaboom")

	// the server keeps serving
	rec = doReq(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInvokeBackgroundOutcomes(t *testing.T) {
	fns := funcs{
		"echo": function.FuncOf(func(_ context.Context, inv *function.Invocation) error {
			var v any
			if err := json.Unmarshal(inv.Data, &v); err != nil {
				return err
			}
			return inv.Completion.Success(v)
		}),
		"empty": function.FuncOf(func(_ context.Context, inv *function.Invocation) error {
			return inv.Completion.Done(nil)
		}),
		"fails": function.FuncOf(func(_ context.Context, inv *function.Invocation) error {
			return inv.Completion.Failure(map[string]string{"reason": "bad"})
		}),
		"errors": function.FuncOf(func(context.Context, *function.Invocation) error {
			return errors.New("boom")
		}),
		"panics": function.FuncOf(func(context.Context, *function.Invocation) error {
			panic("kaboom")
		}),
		"async": function.FuncOf(func(_ context.Context, inv *function.Invocation) error {
			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = inv.Completion.Success("later")
			}()
			return nil
		}),
	}
	_, h := newTestServer(t, fns, nil)
	for name := range fns {
		deploy(t, h, name, "B")
	}

	cases := []struct {
		name string
		body string
		code int
		want string
	}{
		{"echo", `{"n":1}`, http.StatusOK, `{"n":1}`},
		{"echo", ``, http.StatusOK, `{}`},
		{"empty", `{}`, http.StatusOK, ``},
		{"fails", `{}`, http.StatusInternalServerError, `{"reason":"bad"}`},
		{"errors", `{}`, http.StatusInternalServerError, `"boom"`},
		{"async", `{}`, http.StatusOK, `"later"`},
	}
	for _, tc := range cases {
		rec := doReq(t, h, http.MethodPost, "/"+tc.name, tc.body)
		assert.Equal(t, tc.code, rec.Code, tc.name)
		assert.NotEmpty(t, rec.Header().Get(ResponseTimeHeader), tc.name)
		if tc.want == "" {
			assert.Empty(t, rec.Body.String(), tc.name)
			continue
		}
		assert.JSONEq(t, tc.want, rec.Body.String(), tc.name)
	}

	rec := doReq(t, h, http.MethodPost, "/panics", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "kaboom")

	rec = doReq(t, h, http.MethodPost, "/echo", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvokeBackgroundSecondCompletionRejected(t *testing.T) {
	second := make(chan error, 1)
	fn := function.FuncOf(func(_ context.Context, inv *function.Invocation) error {
		_ = inv.Completion.Success("first")
		second <- inv.Completion.Failure("second")
		return nil
	})
	_, h := newTestServer(t, funcs{"twice": fn}, nil)
	deploy(t, h, "twice", "B")

	rec := doReq(t, h, http.MethodPost, "/twice", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"first"`, rec.Body.String())
	assert.ErrorIs(t, <-second, function.ErrAlreadyCompleted)
}

func TestInvokeBackgroundTimeout(t *testing.T) {
	cancelled := make(chan struct{})
	fn := function.FuncOf(func(ctx context.Context, _ *function.Invocation) error {
		<-ctx.Done()
		close(cancelled)
		return nil
	})
	_, h := newTestServer(t, funcs{"slow": fn}, func(o *Options) { o.InvocationTimeout = 50 * time.Millisecond })
	deploy(t, h, "slow", "B")

	rec := doReq(t, h, http.MethodPost, "/slow", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"function slow timed out after 50ms"}`, rec.Body.String())

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("function context was not cancelled")
	}
}

func TestInvocationContextIsExplicit(t *testing.T) {
	type seen struct {
		dir string
		env map[string]string
	}
	got := make(chan seen, 1)
	fn := function.FuncOf(func(_ context.Context, inv *function.Invocation) error {
		m := map[string]string{}
		for _, kv := range inv.Env {
			if k, v, ok := env.Split(kv); ok {
				m[k] = v
			}
		}
		got <- seen{dir: inv.Dir, env: m}
		return inv.Completion.Success(nil)
	})
	s, h := newTestServer(t, funcs{"ctx": fn}, nil)
	dir := t.TempDir()
	rec := doReq(t, h, http.MethodPost, "/function/ctx?path="+dir, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/ctx", "")
	require.Equal(t, http.StatusOK, rec.Code)
	v := <-got
	assert.Equal(t, dir, v.dir)
	assert.Equal(t, "1", v.env["BASE"])
	assert.Equal(t, "demo", v.env["GCLOUD_PROJECT"])
	assert.Equal(t, "demo", v.env["GCP_PROJECT"])
	assert.Equal(t, "ctx", v.env["FUNCTION_NAME"])
	assert.Equal(t, "ctx", v.env["X_GOOGLE_FUNCTION_NAME"])
	assert.Equal(t, "BACKGROUND", v.env["FUNCTION_TRIGGER_TYPE"])
	assert.Equal(t, Region, v.env["FUNCTION_REGION"])

	_, err := s.InvokeBackground(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSerializeMakesCallsExclusive(t *testing.T) {
	var active, peak atomic.Int32
	fn := function.FuncOf(func(_ context.Context, inv *function.Invocation) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return inv.Completion.Success(nil)
	})
	_, h := newTestServer(t, funcs{"one": fn}, func(o *Options) { o.Serialize = true })
	deploy(t, h, "one", "B")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := doReq(t, h, http.MethodPost, "/one", "")
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestInvokeBackgroundRejectsHTTPFunction(t *testing.T) {
	noop := function.FuncOf(func(context.Context, *function.Invocation) error { return nil })
	s, h := newTestServer(t, funcs{"web": noop}, nil)
	deploy(t, h, "web", "H")
	_, err := s.InvokeBackground(context.Background(), "web", nil)
	assert.ErrorIs(t, err, ErrNotBackground)
}

func TestHistoryEvents(t *testing.T) {
	sink := &memorySink{}
	fn := function.FuncOf(func(_ context.Context, inv *function.Invocation) error {
		return inv.Completion.Success(nil)
	})
	_, h := newTestServer(t, funcs{"job": fn}, func(o *Options) { o.History = sink })
	deploy(t, h, "job", "B")
	doReq(t, h, http.MethodPost, "/job", "")
	doReq(t, h, http.MethodPost, "/ghost", "")

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	byType := map[history.EventType][]history.Event{}
	for _, e := range sink.snapshot() {
		byType[e.Type] = append(byType[e.Type], e)
	}
	require.Len(t, byType[history.EventDeploy], 1)
	assert.Equal(t, history.StatusOK, byType[history.EventDeploy][0].Status)
	statuses := []string{}
	for _, e := range byType[history.EventInvoke] {
		statuses = append(statuses, e.Status)
	}
	assert.ElementsMatch(t, []string{history.StatusOK, history.StatusNotFound}, statuses)
}

func TestServeShutsDownOnDelete(t *testing.T) {
	s, _ := newTestServer(t, funcs{}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, base+"/", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	_, err = net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServeStopsWithContext(t *testing.T) {
	s, _ := newTestServer(t, funcs{}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestShutdownHooksRunBeforeHistoryDrain(t *testing.T) {
	sink := &memorySink{}
	tick := function.FuncOf(func(_ context.Context, inv *function.Invocation) error {
		return inv.Completion.Success(nil)
	})
	s, h := newTestServer(t, funcs{"tick": tick}, func(o *Options) { o.History = sink })
	deploy(t, h, "tick", "B")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var hookErr error
	s.OnShutdown(func() {
		// listener already closed, history still accepted
		_, hookErr = s.InvokeBackground(context.Background(), "tick", nil)
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	require.NoError(t, hookErr)

	invokes := func() int {
		n := 0
		for _, e := range sink.snapshot() {
			if e.Type == history.EventInvoke {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 1, invokes())

	// events after the drain are dropped, not raced against Wait
	_, err = s.InvokeBackground(context.Background(), "tick", nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, invokes())
}

func TestFatalExitsWithStatusOne(t *testing.T) {
	code := make(chan int, 1)
	prev := exit
	exit = func(c int) { code <- c }
	defer func() { exit = prev }()

	s, _ := newTestServer(t, funcs{}, func(o *Options) { o.FlushGrace = time.Millisecond })
	s.Go(func() { panic("background failure") })
	select {
	case c := <-code:
		assert.Equal(t, 1, c)
	case <-time.After(2 * time.Second):
		t.Fatal("Fatal was not called")
	}
}
