//go:build !windows

package function

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runBackground(t *testing.T, f *ExecFunc, data string, timeout time.Duration) (Result, string) {
	t.Helper()
	var out bytes.Buffer
	inv := &Invocation{
		Context:    Context{Name: "fn", Dir: f.Dir, Trigger: TriggerBackground, Env: []string{"PATH=" + os.Getenv("PATH"), "FUNCTION_NAME=fn"}},
		Data:       json.RawMessage(data),
		Completion: NewCompletion(),
		Output:     &out,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, f.Invoke(ctx, inv))
	r, err := inv.Completion.Wait(context.Background())
	require.NoError(t, err)
	return r, out.String()
}

func TestExecBackgroundSuccessMessage(t *testing.T) {
	f := &ExecFunc{Dir: t.TempDir(), Command: `{ printf '{"success":'; cat; printf '}'; } >&3`}
	r, _ := runBackground(t, f, `{"n":1}`, 5*time.Second)
	assert.False(t, r.Failed)
	assert.JSONEq(t, `{"n":1}`, string(r.Value.(json.RawMessage)))
}

func TestExecBackgroundEmptyDataIsObject(t *testing.T) {
	f := &ExecFunc{Dir: t.TempDir(), Command: `{ printf '{"success":'; cat; printf '}'; } >&3`}
	r, _ := runBackground(t, f, "", 5*time.Second)
	assert.JSONEq(t, `{}`, string(r.Value.(json.RawMessage)))
}

func TestExecBackgroundFailureAndDone(t *testing.T) {
	dir := t.TempDir()
	r, _ := runBackground(t, &ExecFunc{Dir: dir, Command: `printf '{"failure":"bad input"}' >&3`}, "{}", 5*time.Second)
	assert.True(t, r.Failed)
	assert.Equal(t, `"bad input"`, string(r.Value.(json.RawMessage)))

	r, _ = runBackground(t, &ExecFunc{Dir: dir, Command: `printf '{"done":null}' >&3`}, "{}", 5*time.Second)
	assert.False(t, r.Failed)
	assert.Nil(t, r.Value)

	r, _ = runBackground(t, &ExecFunc{Dir: dir, Command: `printf '{"done":"oops"}' >&3`}, "{}", 5*time.Second)
	assert.True(t, r.Failed)
}

func TestExecBackgroundFirstMessageWins(t *testing.T) {
	f := &ExecFunc{Dir: t.TempDir(), Command: `printf '{"success":1}{"failure":2}' >&3; exit 3`}
	r, _ := runBackground(t, f, "{}", 5*time.Second)
	assert.False(t, r.Failed)
	assert.Equal(t, "1", string(r.Value.(json.RawMessage)))
}

func TestExecBackgroundExitStatus(t *testing.T) {
	dir := t.TempDir()
	r, out := runBackground(t, &ExecFunc{Dir: dir, Command: "echo working"}, "{}", 5*time.Second)
	assert.False(t, r.Failed)
	assert.Nil(t, r.Value)
	assert.Equal(t, "working\n", out)

	r, _ = runBackground(t, &ExecFunc{Dir: dir, Command: "sh -c 'exit 4'"}, "{}", 5*time.Second)
	assert.True(t, r.Failed)
	assert.Contains(t, r.Value, "exit status 4")
}

func TestExecBackgroundUsesModuleDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	f := &ExecFunc{Dir: dir, Command: `printf '{"success":"%s|%s|%s"}' "$(pwd -P)" "$FUNCTION_NAME" "$GREETING" >&3`, Env: []string{"GREETING=hi ${FUNCTION_NAME}"}}
	r, _ := runBackground(t, f, "{}", 5*time.Second)
	real, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(r.Value.(json.RawMessage), &got))
	assert.Equal(t, real+"|fn|hi fn", got)
}

func TestExecBackgroundDoesNotReexpandCallEnv(t *testing.T) {
	f := &ExecFunc{
		Dir:     t.TempDir(),
		Command: `printf '{"success":["%s","%s"]}' "$RAW" "$GREETING" >&3`,
		Env:     []string{"GREETING=hi ${FUNCTION_NAME}"},
	}
	inv := &Invocation{
		Context: Context{Name: "fn", Dir: f.Dir, Trigger: TriggerBackground, Env: []string{
			"PATH=" + os.Getenv("PATH"), "FUNCTION_NAME=fn", "RAW=${FUNCTION_NAME}",
		}},
		Completion: NewCompletion(),
		Output:     &bytes.Buffer{},
	}
	require.NoError(t, f.Invoke(context.Background(), inv))
	r, err := inv.Completion.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `["${FUNCTION_NAME}","hi fn"]`, string(r.Value.(json.RawMessage)))
}

func TestExecBackgroundTimeoutKillsChild(t *testing.T) {
	f := &ExecFunc{Dir: t.TempDir(), Command: "sleep 30"}
	start := time.Now()
	r, _ := runBackground(t, f, "{}", 100*time.Millisecond)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, r.Failed)
}

func TestExecBackgroundRelativeProgram(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\nprintf '{\"success\":\"script\"}' >&3\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755))
	r, _ := runBackground(t, &ExecFunc{Dir: dir, Command: "./run.sh"}, "{}", 5*time.Second)
	assert.Equal(t, `"script"`, string(r.Value.(json.RawMessage)))
}

func TestExecBackgroundStartFailure(t *testing.T) {
	f := &ExecFunc{Dir: t.TempDir(), Command: "./does-not-exist"}
	inv := &Invocation{Context: Context{Name: "fn", Trigger: TriggerBackground}, Completion: NewCompletion()}
	assert.Error(t, f.Invoke(context.Background(), inv))
}

func TestExecHTTPUsesCGI(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\n" +
		"printf 'Content-Type: text/plain\\r\\nX-Fn: %s\\r\\n\\r\\n' \"$FUNCTION_NAME\"\n" +
		"printf '%s %s ' \"$REQUEST_METHOD\" \"$PATH_INFO\"\n" +
		"cat\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "handler.sh"), []byte(script), 0o755))

	f := &ExecFunc{Dir: dir, Command: "./handler.sh"}
	req := httptest.NewRequest(http.MethodPost, "/hello/sub", strings.NewReader("body"))
	rec := httptest.NewRecorder()
	inv := &Invocation{
		Context: Context{Name: "hello", Dir: dir, Trigger: TriggerHTTP, Env: []string{"FUNCTION_NAME=hello"}},
		Writer:  rec,
		Request: req,
	}
	require.NoError(t, f.Invoke(context.Background(), inv))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Header().Get("X-Fn"))
	assert.Equal(t, "POST /sub body", rec.Body.String())
}

func TestResolveCommand(t *testing.T) {
	p, args, err := resolveCommand("/mod", "echo a | tr a b")
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", p)
	assert.Equal(t, []string{"-c", "echo a | tr a b"}, args)

	p, args, err = resolveCommand("/mod", "./bin/run --flag")
	require.NoError(t, err)
	assert.Equal(t, "/mod/bin/run", p)
	assert.Equal(t, []string{"--flag"}, args)

	p, _, err = resolveCommand("/mod", "sh")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(p))

	_, _, err = resolveCommand("/mod", "   ")
	assert.Error(t, err)
}
