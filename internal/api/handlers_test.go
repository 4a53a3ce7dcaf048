package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oriys/cybergym/internal/blob"
	"github.com/oriys/cybergym/internal/domain"
	"github.com/oriys/cybergym/internal/sandbox"
	"github.com/oriys/cybergym/internal/service"
	"github.com/oriys/cybergym/internal/store"
	"github.com/oriys/cybergym/internal/task"
)

const (
	testSalt   = "test-salt"
	testAPIKey = "test-api-key"
)

// fakeStore is an in-memory store.Store for handler tests.
type fakeStore struct {
	mu   sync.Mutex
	recs []*domain.PoCRecord
}

func (f *fakeStore) Close() error                   { return nil }
func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) GetOrCreate(ctx context.Context, rec *domain.PoCRecord) (*domain.PoCRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.recs {
		if r.AgentID == rec.AgentID && r.TaskID == rec.TaskID && r.PoCHash == rec.PoCHash {
			return r, nil
		}
	}
	cp := *rec
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.recs = append(f.recs, &cp)
	return &cp, nil
}

func (f *fakeStore) Find(ctx context.Context, q store.Query) ([]*domain.PoCRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.PoCRecord
	for _, r := range f.recs {
		if q.PoCID != "" && r.PoCID != q.PoCID {
			continue
		}
		if q.AgentID != "" && r.AgentID != q.AgentID {
			continue
		}
		if q.TaskID != "" && r.TaskID != q.TaskID {
			continue
		}
		if q.PoCHash != "" && r.PoCHash != q.PoCHash {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) UpdateExitCode(ctx context.Context, pocID string, mode domain.Mode, exitCode int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.recs {
		if r.PoCID != pocID {
			continue
		}
		code := exitCode
		if mode == domain.ModeFix {
			r.FixExitCode = &code
		} else {
			r.VulExitCode = &code
		}
		return nil
	}
	return fmt.Errorf("poc record not found: %s", pocID)
}

// fakeEngine returns a scripted exit code and output for every container.
type fakeEngine struct {
	mu       sync.Mutex
	calls    int
	exitCode int
	output   []byte
}

type fakeContainer struct {
	exitCode int
	output   []byte
}

func (c *fakeContainer) Logs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(c.output)), nil
}
func (c *fakeContainer) Wait(ctx context.Context) (int, error) { return c.exitCode, nil }
func (c *fakeContainer) Remove()                               {}

func (e *fakeEngine) Run(ctx context.Context, image string, command []string, binds []sandbox.Bind) (sandbox.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return &fakeContainer{exitCode: e.exitCode, output: e.output}, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestServer(t *testing.T, engine *fakeEngine, maxFileSizeMB int) *httptest.Server {
	t.Helper()
	blobs, err := blob.NewStore(filepath.Join(t.TempDir(), "logs"))
	if err != nil {
		t.Fatalf("blob.NewStore failed: %v", err)
	}
	runner := sandbox.NewRunner(engine, sandbox.Config{})
	svc := service.New(&fakeStore{}, blobs, runner, testSalt)

	srv := httptest.NewServer(NewHandler(ServerConfig{
		Service:       svc,
		APIKey:        testAPIKey,
		APIKeyName:    "X-API-Key",
		MaxFileSizeMB: maxFileSizeMB,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func metadataFor(taskID, agentID string, requireFlag bool) string {
	return fmt.Sprintf(`{"task_id":%q,"agent_id":%q,"checksum":%q,"require_flag":%v}`,
		taskID, agentID, task.Checksum(taskID, agentID, testSalt), requireFlag)
}

func multipartBody(t *testing.T, metadata string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("metadata", metadata); err != nil {
		t.Fatal(err)
	}
	fw, err := w.CreateFormFile("file", "poc.bin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(file); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func postSubmit(t *testing.T, url, metadata string, file []byte, apiKey string) (*http.Response, map[string]any) {
	t.Helper()
	body, contentType := multipartBody(t, metadata, file)
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", contentType)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func postJSON(t *testing.T, url string, payload any, apiKey string) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestSubmitVulCrash(t *testing.T) {
	engine := &fakeEngine{exitCode: 1, output: []byte("ERROR: AddressSanitizer: heap-use-after-free")}
	srv := newTestServer(t, engine, 10)

	resp, body := postSubmit(t, srv.URL+"/submit-vul", metadataFor("arvo:3938", "A", true), []byte("boom"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["task_id"] != "arvo:3938" {
		t.Fatalf("task_id = %v", body["task_id"])
	}
	if body["exit_code"].(float64) != 1 {
		t.Fatalf("exit_code = %v", body["exit_code"])
	}
	if body["output"] != "ERROR: AddressSanitizer: heap-use-after-free" {
		t.Fatalf("output = %v", body["output"])
	}
	if len(body["poc_id"].(string)) != 32 {
		t.Fatalf("poc_id = %v", body["poc_id"])
	}
	if body["flag"] != domain.Flag {
		t.Fatalf("flag = %v", body["flag"])
	}
}

func TestSubmitVulNoFlagWithoutRequest(t *testing.T) {
	engine := &fakeEngine{exitCode: 1, output: []byte("crash")}
	srv := newTestServer(t, engine, 10)

	resp, body := postSubmit(t, srv.URL+"/submit-vul", metadataFor("arvo:1", "A", false), []byte("x"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, ok := body["flag"]; ok {
		t.Fatalf("flag present without require_flag: %v", body)
	}
}

func TestSubmitVulTimeout(t *testing.T) {
	engine := &fakeEngine{exitCode: 137}
	srv := newTestServer(t, engine, 10)

	resp, body := postSubmit(t, srv.URL+"/submit-vul", metadataFor("arvo:1", "A", true), []byte("spin"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["exit_code"].(float64) != 0 {
		t.Fatalf("exit_code = %v, want 0", body["exit_code"])
	}
	if body["output"] != "Timeout waiting for the program" {
		t.Fatalf("output = %v", body["output"])
	}
	if _, ok := body["flag"]; ok {
		t.Fatal("timeout must not earn a flag")
	}
}

func TestSubmitVulDedup(t *testing.T) {
	engine := &fakeEngine{exitCode: 1, output: []byte("crash")}
	srv := newTestServer(t, engine, 10)

	_, first := postSubmit(t, srv.URL+"/submit-vul", metadataFor("arvo:1", "A", false), []byte("same"), "")
	_, second := postSubmit(t, srv.URL+"/submit-vul", metadataFor("arvo:1", "A", false), []byte("same"), "")

	if first["poc_id"] != second["poc_id"] {
		t.Fatalf("poc_id differs: %v vs %v", first["poc_id"], second["poc_id"])
	}
	if engine.callCount() != 1 {
		t.Fatalf("engine calls = %d, want 1", engine.callCount())
	}
}

func TestSubmitVulBadChecksum(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestServer(t, engine, 10)

	metadata := `{"task_id":"arvo:1","agent_id":"A","checksum":"deadbeef"}`
	resp, body := postSubmit(t, srv.URL+"/submit-vul", metadata, []byte("x"), "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["detail"] != "Invalid checksum" {
		t.Fatalf("detail = %v", body["detail"])
	}
	if engine.callCount() != 0 {
		t.Fatal("container started despite bad checksum")
	}
}

func TestSubmitVulBadMetadata(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, 10)

	resp, body := postSubmit(t, srv.URL+"/submit-vul", "{not json", []byte("x"), "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["detail"] != "Invalid metadata format" {
		t.Fatalf("detail = %v", body["detail"])
	}

	// Missing required fields is also a 400.
	resp, _ = postSubmit(t, srv.URL+"/submit-vul", `{"task_id":"arvo:1"}`, []byte("x"), "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitVulSizeLimit(t *testing.T) {
	engine := &fakeEngine{exitCode: 0, output: []byte("ok")}
	srv := newTestServer(t, engine, 1)

	// Exactly at the cap succeeds.
	exact := bytes.Repeat([]byte{0x41}, 1024*1024)
	resp, _ := postSubmit(t, srv.URL+"/submit-vul", metadataFor("arvo:1", "A", false), exact, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("exact-size status = %d, want 200", resp.StatusCode)
	}

	// One byte over is rejected.
	over := bytes.Repeat([]byte{0x42}, 1024*1024+1)
	resp, body := postSubmit(t, srv.URL+"/submit-vul", metadataFor("arvo:1", "A", false), over, "")
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize status = %d, want 413", resp.StatusCode)
	}
	if body["detail"] != "File too large. Maximum size allowed: 1MB" {
		t.Fatalf("detail = %v", body["detail"])
	}
}

func TestPrivateRoutesRequireAPIKey(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, 10)

	paths := []string{"/submit-fix", "/query-poc", "/verify-agent-pocs"}
	for _, path := range paths {
		for _, key := range []string{"", "wrong-key"} {
			resp, body := postJSON(t, srv.URL+path, map[string]string{}, key)
			if resp.StatusCode != http.StatusNotFound {
				t.Fatalf("%s with key %q: status = %d, want 404", path, key, resp.StatusCode)
			}
			var envelope map[string]string
			if err := json.Unmarshal(body, &envelope); err != nil {
				t.Fatalf("%s: decode: %v", path, err)
			}
			if envelope["detail"] != "Not found" {
				t.Fatalf("%s: detail = %q", path, envelope["detail"])
			}
		}
	}
}

func TestSubmitFixWithAPIKey(t *testing.T) {
	engine := &fakeEngine{exitCode: 0, output: []byte("no crash")}
	srv := newTestServer(t, engine, 10)

	resp, body := postSubmit(t, srv.URL+"/submit-fix", metadataFor("arvo:1", "A", false), []byte("x"), testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["exit_code"].(float64) != 0 {
		t.Fatalf("exit_code = %v", body["exit_code"])
	}
	if body["output"] != "no crash" {
		t.Fatalf("output = %v", body["output"])
	}
}

func TestQueryPoC(t *testing.T) {
	engine := &fakeEngine{exitCode: 1, output: []byte("crash")}
	srv := newTestServer(t, engine, 10)

	// Empty store: 404.
	resp, _ := postJSON(t, srv.URL+"/query-poc", map[string]string{"agent_id": "A"}, testAPIKey)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("empty query status = %d, want 404", resp.StatusCode)
	}

	postSubmit(t, srv.URL+"/submit-vul", metadataFor("arvo:1", "A", false), []byte("x"), "")

	resp, body := postJSON(t, srv.URL+"/query-poc", map[string]string{"agent_id": "A", "task_id": "arvo:1"}, testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var records []map[string]any
	if err := json.Unmarshal(body, &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("record count = %d", len(records))
	}
	if records[0]["agent_id"] != "A" || records[0]["task_id"] != "arvo:1" {
		t.Fatalf("record = %v", records[0])
	}
	if records[0]["vul_exit_code"].(float64) != 1 {
		t.Fatalf("vul_exit_code = %v", records[0]["vul_exit_code"])
	}
}

func TestVerifyAgentPoCs(t *testing.T) {
	engine := &fakeEngine{exitCode: 1, output: []byte("crash")}
	srv := newTestServer(t, engine, 10)

	var wantIDs []string
	for i := 0; i < 3; i++ {
		_, body := postSubmit(t, srv.URL+"/submit-vul", metadataFor("arvo:1", "A", false), []byte{byte(i)}, "")
		wantIDs = append(wantIDs, body["poc_id"].(string))
	}

	resp, body := postJSON(t, srv.URL+"/verify-agent-pocs", map[string]string{"agent_id": "A"}, testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out struct {
		Message string   `json:"message"`
		PoCIDs  []string `json:"poc_ids"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Message != "All 3 PoCs for this agent_id have been verified" {
		t.Fatalf("message = %q", out.Message)
	}
	if len(out.PoCIDs) != 3 {
		t.Fatalf("poc_ids = %v", out.PoCIDs)
	}
	for i := range out.PoCIDs {
		if out.PoCIDs[i] != wantIDs[i] {
			t.Fatalf("poc_ids out of order: %v vs %v", out.PoCIDs, wantIDs)
		}
	}

	// Unknown agent: 404.
	resp, _ = postJSON(t, srv.URL+"/verify-agent-pocs", map[string]string{"agent_id": "nobody"}, testAPIKey)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, 10)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
