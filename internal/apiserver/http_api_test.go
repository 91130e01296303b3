package apiserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/waldiez/studio/internal/store"
	"github.com/waldiez/studio/internal/workspace"
)

func doRequest(t *testing.T, env *testEnv, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, env.http.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := env.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil, (&fakeFactory{}).New)
	status, body := doRequest(t, env, http.MethodGet, "/healthz", "")
	if status != http.StatusOK || body["status"] != "ok" || body["history"] != true {
		t.Fatalf("healthz = %d %v", status, body)
	}
	if body["maxRuns"] != float64(4) {
		t.Fatalf("maxRuns = %v", body["maxRuns"])
	}
}

func TestFlowAPI(t *testing.T) {
	env := newTestEnv(t, nil, (&fakeFactory{}).New)
	env.writeFile(t, "flows/a.waldiez", "{\n  // 注释\n  \"name\": \"a\",\n}\n")
	env.writeFile(t, "notes.txt", "x")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		detail string
	}{
		{"read jsonc", http.MethodGet, "/api/flow?path=flows/a.waldiez", "", http.StatusOK, ""},
		{"read missing", http.MethodGet, "/api/flow?path=flows/b.waldiez", "", http.StatusNotFound, "file not found"},
		{"read wrong type", http.MethodGet, "/api/flow?path=notes.txt", "", http.StatusBadRequest, "invalid file type"},
		{"read traversal", http.MethodGet, "/api/flow?path=../x.waldiez", "", http.StatusBadRequest, "outside root"},
		{"save object", http.MethodPost, "/api/flow?path=flows/a.waldiez", `{"contents":{"name":"b"}}`, http.StatusOK, ""},
		{"save string", http.MethodPost, "/api/flow?path=flows/a.waldiez", `{"contents":"{\"name\":\"c\"}"}`, http.StatusOK, ""},
		{"save invalid flow", http.MethodPost, "/api/flow?path=flows/a.waldiez", `{"contents":"[1,2"}`, http.StatusBadRequest, "invalid flow"},
		{"save missing contents", http.MethodPost, "/api/flow?path=flows/a.waldiez", `{}`, http.StatusBadRequest, "contents are required"},
		{"save bad body", http.MethodPost, "/api/flow?path=flows/a.waldiez", `not json`, http.StatusBadRequest, "invalid body"},
		{"save new file", http.MethodPost, "/api/flow?path=flows/new.waldiez", `{"contents":{}}`, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doRequest(t, env, tt.method, tt.path, tt.body)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (%v)", status, tt.status, body)
			}
			if tt.detail != "" {
				if d, _ := body["detail"].(string); !strings.Contains(d, tt.detail) {
					t.Fatalf("detail = %q, want contains %q", d, tt.detail)
				}
			}
		})
	}

	// 最后一次成功保存的是字符串内容
	data, err := os.ReadFile(filepath.Join(env.root, "flows", "a.waldiez"))
	if err != nil || string(data) != `{"name":"c"}` {
		t.Fatalf("saved = %q err = %v", data, err)
	}
	status, body := doRequest(t, env, http.MethodGet, "/api/flow?path=flows/a.waldiez", "")
	if status != http.StatusOK || body["hash"] != workspace.ContentHash(data) {
		t.Fatalf("read back = %v", body)
	}
	if contents, _ := body["contents"].(map[string]any); contents["name"] != "c" {
		t.Fatalf("contents = %v", body["contents"])
	}
}

func TestRunsAPI(t *testing.T) {
	env := newTestEnv(t, nil, (&fakeFactory{}).New)
	ctx := context.Background()
	now := time.Now().UTC()
	for i, id := range []string{"r1", "r2"} {
		run := &store.Run{ID: id, TaskID: "t", Path: "job.py", StartedAt: now.Add(time.Duration(i) * time.Second)}
		if err := env.runs.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
	_ = env.runs.SaveTranscript(ctx, "r1", []string{"a", "b"})
	_, _ = env.runs.FinishRun(ctx, "r1", store.RunOK, 0, 10)

	status, body := doRequest(t, env, http.MethodGet, "/api/runs?path=job.py", "")
	items, _ := body["items"].([]any)
	if status != http.StatusOK || len(items) != 2 {
		t.Fatalf("list = %d %v", status, body)
	}
	if first := items[0].(map[string]any); first["id"] != "r2" {
		t.Fatalf("newest first expected, got %v", first["id"])
	}

	since := now.Add(500 * time.Millisecond).Format(time.RFC3339Nano)
	status, body = doRequest(t, env, http.MethodGet, "/api/runs?since="+since, "")
	if items, _ := body["items"].([]any); status != http.StatusOK || len(items) != 1 {
		t.Fatalf("list since = %d %v", status, body)
	}
	if status, _ = doRequest(t, env, http.MethodGet, "/api/runs?since=yesterday", ""); status != http.StatusBadRequest {
		t.Fatalf("bad since = %d", status)
	}

	status, body = doRequest(t, env, http.MethodGet, "/api/runs/r1", "")
	if status != http.StatusOK || body["status"] != store.RunOK {
		t.Fatalf("get = %d %v", status, body)
	}
	status, body = doRequest(t, env, http.MethodGet, "/api/runs/r1/transcript", "")
	if lines, _ := body["lines"].([]any); status != http.StatusOK || len(lines) != 2 {
		t.Fatalf("transcript = %d %v", status, body)
	}

	if status, _ = doRequest(t, env, http.MethodDelete, "/api/runs/r1", ""); status != http.StatusNoContent {
		t.Fatalf("delete = %d", status)
	}
	if status, body = doRequest(t, env, http.MethodGet, "/api/runs/r1", ""); status != http.StatusNotFound {
		t.Fatalf("get deleted = %d %v", status, body)
	}
	if status, _ = doRequest(t, env, http.MethodDelete, "/api/runs/r1", ""); status != http.StatusNotFound {
		t.Fatalf("delete twice = %d", status)
	}
}

func TestRunsAPI_HistoryDisabled(t *testing.T) {
	srv, err := New(Deps{Config: testConfig(), Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{srv: srv}
	env.http = newHTTPTestServer(t, srv)

	status, body := doRequest(t, env, http.MethodGet, "/api/runs", "")
	if items, _ := body["items"].([]any); status != http.StatusOK || len(items) != 0 {
		t.Fatalf("list = %d %v", status, body)
	}
	tests := []struct {
		path string
		code string
	}{
		{"/api/runs/x", "HISTORY_DISABLED"},
		{"/api/runs/x/transcript", "HISTORY_DISABLED"},
		{"/api/logs", "LOGS_DISABLED"},
		{"/api/logs/filters", "LOGS_DISABLED"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, body := doRequest(t, env, http.MethodGet, tt.path, "")
			if status != http.StatusNotImplemented || body["code"] != tt.code {
				t.Fatalf("%s = %d %v", tt.path, status, body)
			}
		})
	}
}

func TestQueryLimit(t *testing.T) {
	env := newTestEnv(t, nil, (&fakeFactory{}).New)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = env.runs.CreateRun(ctx, &store.Run{ID: id, Path: "p.py", StartedAt: time.Now()})
	}
	// 内存 store 不裁剪, 这里只确认非法 limit 不会报错
	for _, q := range []string{"limit=abc", "limit=-1", "limit=999999"} {
		if status, _ := doRequest(t, env, http.MethodGet, "/api/runs?"+q, ""); status != http.StatusOK {
			t.Fatalf("%s = %d", q, status)
		}
	}
}

func TestGzip(t *testing.T) {
	env := newTestEnv(t, nil, (&fakeFactory{}).New)
	env.writeFile(t, "big.waldiez", `{"description":"`+strings.Repeat("x", 4000)+`"}`)

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/flow?path=big.waldiez", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	tr := &http.Transport{DisableCompression: true}
	resp, err := (&http.Client{Transport: tr}).Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q", got)
	}
}
