package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the user's config and environment out of the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("KOALA_CONFIG", filepath.Join(dir, "config"))
	t.Setenv("KOALA_LOG_FILE", filepath.Join(dir, "koala.log"))
	return dir
}

func writeScript(t *testing.T, dir, src string) string {
	t.Helper()
	path := filepath.Join(dir, "main.js")
	require.NoError(t, os.WriteFile(path, []byte(src), 0600))
	return path
}

func runArgs(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	err := run(ctx, args, strings.NewReader(stdin), &stdout, &stderr)
	code := exitCode(err, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunVersion(t *testing.T) {
	isolate(t)
	code, out, _ := runArgs(t, "", "--version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "koala "+version+"\n", out)
}

func TestRunHelp(t *testing.T) {
	isolate(t)
	code, _, errOut := runArgs(t, "", "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, errOut, "Usage: koala")
}

func TestRunRequiresOneScript(t *testing.T) {
	isolate(t)
	for _, args := range [][]string{nil, {"a.js", "b.js"}} {
		code, out, errOut := runArgs(t, "", args...)
		assert.Equal(t, 1, code)
		assert.Empty(t, out)
		assert.Contains(t, errOut, "Usage: koala")
		assert.NotContains(t, errOut, "Error:")
	}
}

func TestRunUnknownFlag(t *testing.T) {
	isolate(t)
	code, _, errOut := runArgs(t, "", "--bogus", "main.js")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "bogus")
}

func TestRunMissingScript(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "nope.js")
	code, _, errOut := runArgs(t, "", path)
	assert.Equal(t, 1, code)
	assert.True(t, strings.HasPrefix(errOut, "Couldn't read "+path+": "), errOut)
	assert.Equal(t, 1, strings.Count(errOut, "\n"))
}

func TestRunGuestExitCode(t *testing.T) {
	dir := isolate(t)
	path := writeScript(t, dir, `
var ch = koala.channel('io');
ch.on('message', function (v) {
  ch.send(v + 1);
  koala.exit(v);
});
`)
	code, out, errOut := runArgs(t, "{\"channel\":\"io\",\"value\":4}\n", path)
	assert.Equal(t, 4, code)
	assert.Equal(t, "{\"channel\":\"io\",\"value\":5}\n", out)
	assert.Empty(t, errOut)
}

func TestRunGuestExitZero(t *testing.T) {
	dir := isolate(t)
	path := writeScript(t, dir, `koala.exit();`)
	code, _, errOut := runArgs(t, "", path)
	assert.Equal(t, 0, code)
	assert.Empty(t, errOut)
}

func TestRunInterrupted(t *testing.T) {
	dir := isolate(t)
	path := writeScript(t, dir, `// waits forever`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	var stdout, stderr bytes.Buffer
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	err = run(ctx, []string{path}, r, &stdout, &stderr)
	assert.Equal(t, 130, exitCode(err, &stderr))
}

func TestRunInvalidConfig(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), []byte("[proxy]\nport none\n"), 0600))
	code, _, errOut := runArgs(t, "", writeScript(t, dir, ""))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid proxy option")
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "explicit")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel info\nformat json\n[metrics]\naddr :1\n"), 0600))
	t.Setenv("KOALA_LOG_LEVEL", "error")
	t.Setenv("KOALA_METRICS_ADDR", ":2")

	var opts options
	fs := newFlagSet(&opts, &bytes.Buffer{})
	require.NoError(t, fs.Parse([]string{"--config", path, "--metrics-addr", ":3", "--proxy", "socks5://127.0.0.1:1080", "x.js"}))

	cfg, err := loadConfig(fs, &opts)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":3", cfg.Metrics.Addr)
	assert.Equal(t, "socks5", cfg.Proxy.Type)
	assert.Equal(t, 1080, cfg.Proxy.Port)
}

func TestExitCodeMapping(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, 0, exitCode(nil, &buf))
	assert.Equal(t, 1, exitCode(errors.New("boom"), &buf))
	assert.Equal(t, "Error: boom\n", buf.String())

	buf.Reset()
	assert.Equal(t, 9, exitCode(&exitError{code: 9}, &buf))
	assert.Empty(t, buf.String())
}
