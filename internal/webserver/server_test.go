package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsagent/opsagent/internal/agent"
	"github.com/opsagent/opsagent/internal/config"
	"github.com/opsagent/opsagent/internal/core"
	"github.com/opsagent/opsagent/internal/store"
	"github.com/opsagent/opsagent/internal/tools"
)

// scriptedClient serves canned model replies in order.
type scriptedClient struct {
	replies []struct {
		content string
		calls   []core.ToolCall
	}
}

func (c *scriptedClient) next() (string, []core.ToolCall) {
	if len(c.replies) == 0 {
		return "out of script", nil
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r.content, r.calls
}

func (c *scriptedClient) ChatCompletion(ctx context.Context, messages []core.Message) (string, error) {
	content, _ := c.next()
	return content, nil
}

func (c *scriptedClient) ChatCompletionWithTools(ctx context.Context, messages []core.Message, defs []core.ToolDefinition) (string, []core.ToolCall, error) {
	content, calls := c.next()
	return content, calls, nil
}

func (c *scriptedClient) reply(content string) {
	c.replies = append(c.replies, struct {
		content string
		calls   []core.ToolCall
	}{content: content})
}

func (c *scriptedClient) toolCall(id, asset, command string) {
	c.replies = append(c.replies, struct {
		content string
		calls   []core.ToolCall
	}{calls: []core.ToolCall{{
		ID:   id,
		Type: "function",
		Function: core.FunctionCall{
			Name:      tools.ToolExecuteCommand,
			Arguments: fmt.Sprintf(`{"asset_name":%q,"command":%q}`, asset, command),
		},
	}}})
}

type stubRunner struct{ pushed string }

func (s *stubRunner) Run(ctx context.Context, asset core.Asset, command string) (string, error) {
	return "ran: " + command, nil
}

func (s *stubRunner) Push(ctx context.Context, asset core.Asset, data []byte, remotePath string) (string, error) {
	s.pushed = remotePath
	return fmt.Sprintf("uploaded %d B to %s", len(data), remotePath), nil
}

func newTestServer(t *testing.T, client core.LLMClient) (*Server, *store.DB, *stubRunner) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.UpsertAsset(context.Background(),
		core.Asset{Name: "web-1", Host: "10.0.0.1", Username: "root", Password: "pw"}))

	runner := &stubRunner{}
	cfg := config.Default()
	loop, err := agent.New(cfg, client, &tools.Registry{Store: db, Runner: runner})
	require.NoError(t, err)
	return New(":0", loop, db, runner), db, runner
}

// newMultipart writes a multipart form to buf and returns the content type.
func newMultipart(t *testing.T, buf *bytes.Buffer, fields map[string]string, fileField, fileName, fileBody string) string {
	t.Helper()
	mw := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile(fileField, fileName)
	require.NoError(t, err)
	_, err = fw.Write([]byte(fileBody))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return mw.FormDataContentType()
}

func postJSON(t *testing.T, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestHandleRunSync(t *testing.T) {
	client := &scriptedClient{}
	client.toolCall("call-1", "web-1", "uptime")
	client.reply("up 3 days")
	srv, _, _ := newTestServer(t, client)

	w := postJSON(t, srv.handleRun, map[string]interface{}{"instruction": "uptime of web-1"})
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Reply     string                 `json:"reply"`
		Commands  []core.ExecutionRecord `json:"commands"`
		SessionID string                 `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "up 3 days", out.Reply)
	require.Len(t, out.Commands, 1)
	assert.Equal(t, "ran: uptime", out.Commands[0].Result)
	assert.NotEmpty(t, out.SessionID)
}

func TestHandleRunRequiresInstruction(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedClient{})
	w := postJSON(t, srv.handleRun, map[string]string{"instruction": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRunStreamEventOrder(t *testing.T) {
	client := &scriptedClient{}
	client.toolCall("call-1", "web-1", "df -h")
	client.reply("disk is fine")
	srv, _, _ := newTestServer(t, client)

	w := postJSON(t, srv.handleRunStream, map[string]string{"instruction": "check disk"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var events []string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Equal(t, []string{"start", "command_start", "command_result", "reply"}, events)
}

func TestHandleRunPersistsSession(t *testing.T) {
	client := &scriptedClient{}
	client.reply("nothing to do")
	srv, db, _ := newTestServer(t, client)

	w := postJSON(t, srv.handleRun, map[string]string{"instruction": "hello", "session_id": "s-1"})
	require.Equal(t, http.StatusOK, w.Code)

	sess, err := db.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, "hello", sess.Turns[0].User)
	assert.Equal(t, "nothing to do", sess.Turns[0].Reply)
	// The stored conversation starts at the user turn, not the system prompt.
	require.NotEmpty(t, sess.Messages)
	assert.Equal(t, "user", sess.Messages[0].Role)
}

func TestHandleRunSessionTitleKeepsRuneBoundary(t *testing.T) {
	client := &scriptedClient{}
	client.reply("磁盘空间充足")
	srv, db, _ := newTestServer(t, client)

	instruction := strings.Repeat("检查服务器磁盘", 15)
	w := postJSON(t, srv.handleRun, map[string]string{"instruction": instruction, "session_id": "s-cn"})
	require.Equal(t, http.StatusOK, w.Code)

	sess, err := db.GetSession(context.Background(), "s-cn")
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(sess.Title), "title %q is not valid UTF-8", sess.Title)
	assert.Equal(t, 80, utf8.RuneCountInString(sess.Title))
	assert.True(t, strings.HasPrefix(instruction, sess.Title))
}

func TestHandleAssetsCRUD(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedClient{})

	w := postJSON(t, srv.handleAssets, assetPayload{
		Name: "db-1", Host: "10.0.0.2", Username: "root", Password: "pw",
	})
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/assets", nil)
	rec := httptest.NewRecorder()
	srv.handleAssets(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "db-1")
	assert.NotContains(t, rec.Body.String(), "pw", "credentials never serialize")

	req = httptest.NewRequest(http.MethodDelete, "/api/assets/db-1", nil)
	rec = httptest.NewRecorder()
	srv.handleAssetByName(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/assets/db-1", nil)
	rec = httptest.NewRecorder()
	srv.handleAssetByName(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUpload(t *testing.T) {
	srv, _, runner := newTestServer(t, &scriptedClient{})

	var buf bytes.Buffer
	mw := newMultipart(t, &buf, map[string]string{"asset": "web-1", "remote_path": "/tmp/x"}, "file", "x.txt", "hello")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw)
	rec := httptest.NewRecorder()
	srv.handleUpload(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/tmp/x", runner.pushed)
	assert.Contains(t, rec.Body.String(), "uploaded 5 B")
}

func TestHandleUploadUnknownAsset(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedClient{})

	var buf bytes.Buffer
	mw := newMultipart(t, &buf, map[string]string{"asset": "ghost", "remote_path": "/tmp/x"}, "file", "x.txt", "hi")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw)
	rec := httptest.NewRecorder()
	srv.handleUpload(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRunStopUnknownTrace(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedClient{})
	w := postJSON(t, srv.handleRunStop, map[string]string{"trace_id": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleSessions(t *testing.T) {
	client := &scriptedClient{}
	client.reply("ok")
	srv, db, _ := newTestServer(t, client)
	require.Equal(t, http.StatusOK,
		postJSON(t, srv.handleRun, map[string]string{"instruction": "hi", "session_id": "s-9"}).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	srv.handleSessions(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "s-9")

	req = httptest.NewRequest(http.MethodDelete, "/api/sessions/s-9", nil)
	rec = httptest.NewRecorder()
	srv.handleSessionByID(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := db.GetSession(context.Background(), "s-9")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}
