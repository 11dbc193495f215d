package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings/embeddingstest"
	"github.com/fyrsmithlabs/sqlrecall/internal/exampleindex"
)

const testTree = `{"kind":"statement","children":[{"kind":"select","children":[{"kind":"column","name":"name"},{"kind":"from","children":[{"kind":"table","name":"singer"}]}]}]}`

// teiServer answers /embed like a TEI instance, with deterministic vectors.
func teiServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	embedder := embeddingstest.NewSemantic(dim)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs json.RawMessage `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var texts []string
		if err := json.Unmarshal(req.Inputs, &texts); err != nil {
			var one string
			if err := json.Unmarshal(req.Inputs, &one); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			texts = []string{one}
		}
		vectors, _ := embedder.EmbedDocuments(r.Context(), texts)
		_ = json.NewEncoder(w).Encode(vectors)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// setupEnv isolates HOME and points embeddings at a fake TEI server.
func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SQLRECALL_EMBEDDINGS_PROVIDER", "tei")
	t.Setenv("SQLRECALL_EMBEDDINGS_BASE_URL", teiServer(t, 32).URL)
	t.Setenv("SQLRECALL_EMBEDDINGS_DIMENSION", "32")
	t.Setenv("SQLRECALL_LOGGING_LEVEL", "error")
}

func execute(t *testing.T, in string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(in))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "mcp", "ingest", "prune", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
	assert.Contains(t, out, "Commit:")
}

func TestArgumentValidation(t *testing.T) {
	_, err := execute(t, "", "ingest")
	assert.Error(t, err)
	_, err = execute(t, "", "prune")
	assert.Error(t, err)
	_, err = execute(t, "", "version", "extra")
	assert.Error(t, err)
}

func TestLoadConfig_RejectsPathOutsideConfigDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("curator:\n  cap: 10\n"), 0600))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestIngestAndPrune(t *testing.T) {
	setupEnv(t)

	corpus := strings.Join([]string{
		fmt.Sprintf(`{"id":"s1","db_id":"concert_singer","intent":"list singer names","sql":"SELECT name FROM singer","tree":%s}`, testTree),
		`not json`,
	}, "\n")
	path := filepath.Join(t.TempDir(), "corpus.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(corpus), 0600))

	out, err := execute(t, "", "ingest", path)
	require.NoError(t, err)
	var report exampleindex.IngestReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, exampleindex.IngestReport{Indexed: 1, Skipped: 1}, report)

	out, err = execute(t, corpus, "ingest", "-")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Indexed)

	out, err = execute(t, "", "prune", "concert_singer")
	require.NoError(t, err)
	var pruned pruneResult
	require.NoError(t, json.Unmarshal([]byte(out), &pruned))
	assert.Equal(t, pruneResult{DBID: "concert_singer"}, pruned)
}

func TestIngest_MissingFile(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "", "ingest", filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.ErrorContains(t, err, "opening corpus")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRunServe(t *testing.T) {
	setupEnv(t)
	port := freePort(t)
	t.Setenv("SQLRECALL_SERVER_HTTP_PORT", strconv.Itoa(port))

	cfg, err := loadConfig("")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
