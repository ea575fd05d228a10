package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/centralseq/config"
	"github.com/petal-labs/centralseq/engine"
	"github.com/petal-labs/centralseq/identity"
	"github.com/petal-labs/centralseq/store"
)

// newTestRoot creates a fresh cobra root command wired to all subcommands.
// Each test gets an isolated command tree to avoid shared state.
func newTestRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "centralseq",
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("verbose", false, "")
	root.PersistentFlags().Bool("quiet", false, "")
	root.AddCommand(NewGenerateCmd())
	root.AddCommand(NewReorderCmd())
	root.AddCommand(NewCreateVersionCmd())
	root.AddCommand(NewShowCmd())
	root.AddCommand(NewResyncCmd())
	root.AddCommand(NewServeCmd())
	return root
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeTestConfig writes a config pointing at a fresh SQLite store.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "seq.db")
	content := fmt.Sprintf("store:\n  backend: sqlite\n  path: %s\n%s", dbPath, extra)
	return writeTestFile(t, "centralseq.yaml", content)
}

// run executes args against cfgPath with quiet logging.
func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	full := append(append([]string{}, args...), "--config", cfgPath, "--quiet")
	stdout, _, err := executeCommand(newTestRoot(), full...)
	return stdout, err
}

func requireExitCode(t *testing.T, err error, code int) {
	t.Helper()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError with code %d, got %T: %v", code, err, err)
	}
	if exitErr.Code != code {
		t.Fatalf("exit code = %d, want %d (%s)", exitErr.Code, code, exitErr.Message)
	}
}

// --- Generate command tests ---

func TestGenerate_Sequential(t *testing.T) {
	cfgPath := writeTestConfig(t, "")

	for want := 1; want <= 3; want++ {
		stdout, err := run(t, cfgPath, "generate", "orders", "42", "--comment", "batch")
		if err != nil {
			t.Fatalf("generate #%d: %v", want, err)
		}
		expected := fmt.Sprintf("orders:42 sequence=%d", want)
		if strings.TrimSpace(stdout) != expected {
			t.Fatalf("stdout = %q, want %q", stdout, expected)
		}
	}
}

func TestGenerate_JSONFormat(t *testing.T) {
	cfgPath := writeTestConfig(t, "")

	stdout, err := run(t, cfgPath, "generate", "orders", "7", "--format", "json", "-c", "first")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var result struct {
		ElementType    string `json:"elementType"`
		ElementID      int64  `json:"elementId"`
		SequenceNumber int64  `json:"sequenceNumber"`
		Comment        string `json:"comment"`
		Sync           struct {
			Degraded bool `json:"degraded"`
		} `json:"sync"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout)
	}
	if result.ElementType != "orders" || result.ElementID != 7 || result.SequenceNumber != 1 || result.Comment != "first" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Sync.Degraded {
		t.Fatal("disabled index must not degrade the result")
	}
}

func TestGenerate_InvalidElementID(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	_, err := run(t, cfgPath, "generate", "orders", "abc")
	requireExitCode(t, err, exitInputParse)
}

func TestGenerate_InvalidElementType(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	_, err := run(t, cfgPath, "generate", "bad:type", "1")
	requireExitCode(t, err, exitValidation)
}

func TestGenerate_ConfigNotFound(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "missing.yaml"), "generate", "orders", "1")
	requireExitCode(t, err, exitFileNotFound)
}

func TestGenerate_DegradedIndex(t *testing.T) {
	var calls atomic.Int32
	index := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"unavailable"}`, http.StatusServiceUnavailable)
	}))
	defer index.Close()

	cfgPath := writeTestConfig(t, fmt.Sprintf("index:\n  endpoint: %s\n  attempt_timeout: 1s\n", index.URL))

	stdout, err := run(t, cfgPath, "generate", "orders", "1")
	requireExitCode(t, err, exitDegraded)
	if strings.TrimSpace(stdout) != "orders:1 sequence=1" {
		t.Fatalf("committed result must still be printed, got %q", stdout)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("index calls = %d, want 2", got)
	}

	// The store mutation stands: the next generate continues from it.
	stdout, err = run(t, cfgPath, "generate", "orders", "1", "--index-endpoint", "")
	if err != nil {
		t.Fatalf("generate without index: %v", err)
	}
	if strings.TrimSpace(stdout) != "orders:1 sequence=2" {
		t.Fatalf("stdout = %q", stdout)
	}
}

// --- Reorder command tests ---

func TestReorder_AppliesBatch(t *testing.T) {
	cfgPath := writeTestConfig(t, "")

	stdout, err := run(t, cfgPath, "reorder", "tasks", "1=30", "2=10", "3=20", "-c", "drag")
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	for _, want := range []string{"tasks:1 sequence=30", "tasks:2 sequence=10", "tasks:3 sequence=20"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}

	stdout, err = run(t, cfgPath, "show", "tasks", "2")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(stdout, "sequence=10") || !strings.Contains(stdout, `comment="drag"`) {
		t.Fatalf("show output = %q", stdout)
	}
}

func TestReorder_InvalidPair(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	_, err := run(t, cfgPath, "reorder", "tasks", "1:30")
	requireExitCode(t, err, exitInputParse)
}

func TestReorder_NegativeSequenceRejectsBatch(t *testing.T) {
	cfgPath := writeTestConfig(t, "")

	_, err := run(t, cfgPath, "reorder", "tasks", "1=5", "2=-1")
	requireExitCode(t, err, exitValidation)

	_, err = run(t, cfgPath, "show", "tasks", "1")
	requireExitCode(t, err, exitNotFound)
}

// --- Version command tests ---

func TestCreateVersion_WithDataAndHistory(t *testing.T) {
	cfgPath := writeTestConfig(t, "")

	stdout, err := run(t, cfgPath, "create-version", "docs", "5", "--data", `{"title":"a"}`, "-c", "v1")
	if err != nil {
		t.Fatalf("create-version: %v", err)
	}
	if strings.TrimSpace(stdout) != "docs:5 version=1" {
		t.Fatalf("stdout = %q", stdout)
	}

	dataFile := writeTestFile(t, "v2.json", `{"title":"b"}`)
	stdout, err = run(t, cfgPath, "version", "docs", "5", "--data-file", dataFile)
	if err != nil {
		t.Fatalf("version alias: %v", err)
	}
	if strings.TrimSpace(stdout) != "docs:5 version=2" {
		t.Fatalf("stdout = %q", stdout)
	}

	stdout, err = run(t, cfgPath, "show", "docs", "5", "--versions", "--format", "json")
	if err != nil {
		t.Fatalf("show --versions: %v", err)
	}
	var versions []store.VersionEntry
	if err := json.Unmarshal([]byte(stdout), &versions); err != nil {
		t.Fatalf("decode versions: %v\n%s", err, stdout)
	}
	if len(versions) != 2 {
		t.Fatalf("versions = %d, want 2", len(versions))
	}
	if versions[0].VersionNumber != 1 || string(versions[0].Data) != `{"title":"a"}` || versions[0].Comment != "v1" {
		t.Fatalf("first version = %+v", versions[0])
	}
	if versions[1].VersionNumber != 2 || string(versions[1].Data) != `{"title":"b"}` {
		t.Fatalf("second version = %+v", versions[1])
	}
}

func TestCreateVersion_InvalidJSON(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	_, err := run(t, cfgPath, "create-version", "docs", "5", "--data", "{not json")
	requireExitCode(t, err, exitInputParse)
}

func TestCreateVersion_DataFileNotFound(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	_, err := run(t, cfgPath, "create-version", "docs", "5", "--data-file", "/nonexistent/data.json")
	requireExitCode(t, err, exitFileNotFound)
}

// --- Show / resync command tests ---

func TestShow_NotFound(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	_, err := run(t, cfgPath, "show", "orders", "99")
	requireExitCode(t, err, exitNotFound)

	// A malformed key is still a validation failure, not a miss.
	_, err = run(t, cfgPath, "show", "bad:type", "1")
	requireExitCode(t, err, exitValidation)
}

func TestShow_CanonicalKey(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	if _, err := run(t, cfgPath, "generate", "orders", "7"); err != nil {
		t.Fatal(err)
	}

	stdout, err := run(t, cfgPath, "show", "orders:7")
	if err != nil {
		t.Fatalf("show orders:7: %v", err)
	}
	if !strings.HasPrefix(stdout, "orders:7 sequence=1 version=0") {
		t.Fatalf("stdout = %q", stdout)
	}

	_, err = run(t, cfgPath, "show", "orders:x")
	requireExitCode(t, err, exitInputParse)
}

func TestShow_UnknownFormat(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	if _, err := run(t, cfgPath, "generate", "orders", "1"); err != nil {
		t.Fatal(err)
	}
	_, err := run(t, cfgPath, "show", "orders", "1", "--format", "yaml")
	requireExitCode(t, err, exitInputParse)
}

func TestResync_IndexDisabled(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	for _, id := range []string{"1", "2"} {
		if _, err := run(t, cfgPath, "generate", "orders", id); err != nil {
			t.Fatal(err)
		}
	}

	stdout, err := run(t, cfgPath, "resync", "--element-type", "orders", "--format", "json")
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	var result struct {
		RunID   string `json:"runId"`
		Records int    `json:"records"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if result.RunID == "" || result.Records != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestResync_MirrorsRecords(t *testing.T) {
	var imported atomic.Int32
	index := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/documents/import") {
			http.Error(w, "unexpected path", http.StatusNotFound)
			return
		}
		var body bytes.Buffer
		_, _ = body.ReadFrom(r.Body)
		for _, line := range strings.Split(strings.TrimSpace(body.String()), "\n") {
			if line == "" {
				continue
			}
			imported.Add(1)
			fmt.Fprintln(w, `{"success":true}`)
		}
	}))
	defer index.Close()

	cfgPath := writeTestConfig(t, "")
	for _, id := range []string{"1", "2", "3"} {
		if _, err := run(t, cfgPath, "generate", "orders", id); err != nil {
			t.Fatal(err)
		}
	}

	stdout, err := run(t, cfgPath, "resync", "--index-endpoint", index.URL)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if !strings.Contains(stdout, "3 record(s), 3 synced") {
		t.Fatalf("stdout = %q", stdout)
	}
	if got := imported.Load(); got != 3 {
		t.Fatalf("imported = %d, want 3", got)
	}
}

func TestBadgerBackendFlag(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	dir := filepath.Join(t.TempDir(), "badger")

	for want := 1; want <= 2; want++ {
		stdout, err := run(t, cfgPath, "generate", "orders", "3", "--store-backend", "badger", "--store-path", dir)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if strings.TrimSpace(stdout) != fmt.Sprintf("orders:3 sequence=%d", want) {
			t.Fatalf("stdout = %q", stdout)
		}
	}
}

// --- Helpers ---

func TestApplyServeFlags(t *testing.T) {
	cmd := NewServeCmd()
	if err := cmd.ParseFlags([]string{"--port", "9090", "--resync-cron", "@hourly", "--max-body", "2048"}); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	applyServeFlags(cmd, &cfg)

	if cfg.Server.Port != 9090 || cfg.Server.MaxBody != 2048 || cfg.Resync.Cron != "@hourly" {
		t.Fatalf("flags not applied: %+v %+v", cfg.Server, cfg.Resync)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("unset flag overrode host: %q", cfg.Server.Host)
	}
}

func TestServe_ResyncCronRequiresIndex(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	_, err := run(t, cfgPath, "serve", "--resync-cron", "@hourly")
	requireExitCode(t, err, exitValidation)
}

func TestOperationExitError(t *testing.T) {
	key := identity.New("orders", 1)
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"timeout", fmt.Errorf("sequence engine generate: %w", context.DeadlineExceeded), exitTimeout},
		{"validation", &engine.Error{Kind: engine.KindValidation, Key: key, Message: "bad"}, exitValidation},
		{"invalid key", fmt.Errorf("lookup: %w", identity.ErrInvalidKey), exitValidation},
		{"busy", &engine.Error{Kind: engine.KindBusy, Key: key, Message: "busy"}, exitBusy},
		{"unavailable", &engine.Error{Kind: engine.KindStoreUnavailable, Key: key, Message: "down"}, exitStoreUnavailable},
		{"store sentinel", fmt.Errorf("list: %w", store.ErrStoreUnavailable), exitStoreUnavailable},
		{"other", errors.New("boom"), exitRuntime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := operationExitError("op", time.Second, tt.err)
			if got.Code != tt.code {
				t.Fatalf("code = %d, want %d (%s)", got.Code, tt.code, got.Message)
			}
		})
	}
}
