package main

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sogaiu/bupstash/internal/config"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	t      *testing.T
	dir    string
	config string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	for _, name := range []string{config.EnvRepository, config.EnvKey, config.EnvSendLog, config.EnvCacheDir, config.EnvToken} {
		t.Setenv(name, "")
	}
	t.Setenv("BUPSTASH_TEST", "1")

	dir := t.TempDir()
	content := "repository: " + filepath.Join(dir, "repo") + "\n" +
		"key: " + filepath.Join(dir, "master.key") + "\n" +
		"send_log: " + filepath.Join(dir, "send.log") + "\n" +
		"cache_dir: " + filepath.Join(dir, "cache") + "\n" +
		"chunking:\n  min_size: 1KiB\n  max_size: 16KiB\n  mask_bits: 12\n"
	return &env{t: t, dir: dir, config: testutil.TempFile(t, dir, "config.yaml", content)}
}

func (e *env) path(name string) string {
	return filepath.Join(e.dir, name)
}

// run executes the command line and returns its stdout.
func (e *env) run(stdin io.Reader, args ...string) (string, error) {
	e.t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(append([]string{"--config", e.config, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(nil, args...)
	require.NoError(e.t, err, "bupstash %s", strings.Join(args, " "))
	return out
}

func readTar(t *testing.T, data []byte) map[string]string {
	t.Helper()
	out := make(map[string]string)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(body)
	}
}

func TestVersion(t *testing.T) {
	e := newEnv(t)
	assert.Contains(t, e.mustRun("version"), "bupstash dev")
}

func TestEndToEnd(t *testing.T) {
	e := newEnv(t)

	repoID := strings.TrimSpace(e.mustRun("init", e.path("repo")))
	_, err := uuid.Parse(repoID)
	require.NoError(t, err)

	e.mustRun("new-key", e.path("master.key"))
	e.mustRun("new-put-key", e.path("put.key"))
	e.mustRun("new-metadata-key", e.path("metadata.key"))
	_, err = e.run(nil, "new-key", e.path("master.key"))
	assert.ErrorIs(t, err, fault.ErrConflict)

	docs := filepath.Join(e.dir, "documents")
	require.NoError(t, os.MkdirAll(filepath.Join(docs, "taxes"), 0o755))
	testutil.TempFile(t, docs, "notes.txt", "remember the milk")
	testutil.TempFile(t, filepath.Join(docs, "taxes"), "2024.csv", "income,0\n")

	dirID := strings.TrimSpace(e.mustRun("put", docs, "host=laptop"))
	out, err := e.run(strings.NewReader("hello stdin"), "put", "-", "name=stdin.txt")
	require.NoError(t, err)
	streamID := strings.TrimSpace(out)

	t.Run("list", func(t *testing.T) {
		out := e.mustRun("list")
		assert.Contains(t, out, dirID)
		assert.Contains(t, out, "host=laptop name=documents")
		assert.Contains(t, out, "name=stdin.txt")

		assert.Equal(t, streamID+"\n", e.mustRun("list", "--ids", "name=stdin.txt"))
		assert.Equal(t, dirID+"\n", e.mustRun("list", "--ids", "host=laptop", "and", "not", "name=*.txt"))
		assert.Empty(t, e.mustRun("list", "--ids", "name=nothing"))

		out = e.mustRun("-k", e.path("metadata.key"), "list", "--ids")
		assert.Equal(t, 2, strings.Count(out, "\n"))
	})

	t.Run("get", func(t *testing.T) {
		assert.Equal(t, "hello stdin", e.mustRun("get", "name=stdin.txt"))
		assert.Equal(t, "hello stdin", e.mustRun("get", streamID))
		assert.Equal(t, "stdin", e.mustRun("get", "--offset", "6", "--length", "5", streamID))

		_, err := e.run(nil, "get", "name=*")
		assert.ErrorIs(t, err, fault.ErrInvalid)
		_, err = e.run(nil, "get", "name=nothing")
		assert.ErrorIs(t, err, fault.ErrNotFound)
		_, err = e.run(nil, "get", "--pick", "x", "--offset", "1", streamID)
		assert.ErrorIs(t, err, fault.ErrInvalid)

		_, err = e.run(nil, "-k", e.path("put.key"), "get", streamID)
		assert.ErrorIs(t, err, fault.ErrAuthentication)
		_, err = e.run(nil, "-k", e.path("metadata.key"), "get", streamID)
		assert.ErrorIs(t, err, fault.ErrAuthentication)
	})

	t.Run("directory", func(t *testing.T) {
		out := e.mustRun("list-contents", "name=documents")
		assert.Contains(t, out, "notes.txt")
		assert.Contains(t, out, "taxes/")
		assert.Contains(t, out, "taxes/2024.csv")

		files := readTar(t, []byte(e.mustRun("get", "--pick", "taxes", dirID)))
		assert.Equal(t, map[string]string{"taxes/": "", "taxes/2024.csv": "income,0\n"}, files)
	})

	t.Run("put key", func(t *testing.T) {
		out := e.mustRun("-k", e.path("put.key"), "put", "--no-default-tags", "--upload-rate", "100MiB/s", "-j", "2", testutil.TempFile(t, e.dir, "blob", "put only"))
		id, err := uuid.Parse(strings.TrimSpace(out))
		require.NoError(t, err)
		assert.Equal(t, "put only", e.mustRun("get", id.String()))
		assert.Equal(t, id.String()+"\n", e.mustRun("list", "--ids", "not", "name=*"))
	})

	t.Run("remove and restore", func(t *testing.T) {
		_, err := e.run(nil, "rm", "name=*")
		assert.ErrorIs(t, err, fault.ErrInvalid)

		assert.Equal(t, "1 item(s) removed\n", e.mustRun("rm", "name=stdin.txt"))
		assert.Empty(t, e.mustRun("list", "--ids", "name=stdin.txt"))
		assert.Equal(t, "1 item(s) restored\n", e.mustRun("restore-removed"))
		assert.Equal(t, streamID+"\n", e.mustRun("list", "--ids", "name=stdin.txt"))

		assert.Equal(t, "2 item(s) removed\n", e.mustRun("rm", "--allow-many", "name=*"))
		e.mustRun("restore-removed", dirID)
		assert.Equal(t, dirID+"\n", e.mustRun("list", "--ids", "name=*"))
	})

	t.Run("gc and stats", func(t *testing.T) {
		out := e.mustRun("gc")
		assert.Contains(t, out, "items purged:")
		assert.Contains(t, out, "chunks remaining:")

		out = e.mustRun("stats")
		assert.Contains(t, out, repoID)
		assert.Regexp(t, `(?m)^items:\s+2$`, out)
		assert.Regexp(t, `(?m)^removed items:\s+1$`, out)
	})
}

func TestNoKey(t *testing.T) {
	e := newEnv(t)
	e.mustRun("init", e.path("repo"))
	_, err := e.run(strings.NewReader("data"), "put", "-")
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = e.run(nil, "new-put-key", e.path("put.key"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDerivedKeyNeedsMaster(t *testing.T) {
	e := newEnv(t)
	e.mustRun("new-key", e.path("master.key"))
	e.mustRun("new-put-key", e.path("put.key"))
	_, err := e.run(nil, "-k", e.path("put.key"), "new-metadata-key", e.path("metadata.key"))
	assert.ErrorIs(t, err, fault.ErrInvalid)
	assert.NoFileExists(t, e.path("metadata.key"))
}

func TestServe_InvalidConfig(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(nil, "serve")
	assert.ErrorIs(t, err, fault.ErrInvalid)
}

func TestParseTags(t *testing.T) {
	tags, err := parseTags([]string{"host=laptop", "note=a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"host": "laptop", "note": "a=b", "empty": ""}, tags)

	for _, bad := range []string{"novalue", "=x"} {
		_, err := parseTags([]string{bad})
		assert.ErrorIs(t, err, fault.ErrInvalid, bad)
	}
}

func TestParseIDs(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	ids, ok := parseIDs([]string{a.String(), b.String()})
	assert.True(t, ok)
	assert.Equal(t, []uuid.UUID{a, b}, ids)

	_, ok = parseIDs([]string{a.String(), "name=x"})
	assert.False(t, ok)
	_, ok = parseIDs(nil)
	assert.False(t, ok)
}

func TestFormatTags(t *testing.T) {
	s := item.Summary{Tags: map[string]string{"name": "x", "host": "y", "a": ""}, Timestamp: time.Now()}
	assert.Equal(t, "a= host=y name=x", formatTags(s))
}

func TestOpenAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, closeFn, err := openAuditLog(path)
	require.NoError(t, err)
	l.LogItems(context.Background(), "remove", 2, 2, nil)
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"audit"`)
	assert.Contains(t, string(data), `"op":"remove"`)

	_, _, err = openAuditLog(filepath.Join(t.TempDir(), "missing", "audit.log"))
	assert.Error(t, err)
}
