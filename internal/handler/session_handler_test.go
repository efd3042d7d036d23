package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"knowledge-ingest-go/internal/middleware"
	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/tracker"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registryIngest 只维护会话条目，不上传也不建任务。
type registryIngest struct {
	sessions *tracker.Registry

	mu      sync.Mutex
	kb      string
	sources []model.FileSource
	removed []string
}

func newRegistryIngest() *registryIngest {
	return &registryIngest{sessions: tracker.NewRegistry()}
}

func (r *registryIngest) CreateSession(userID uint) string {
	id, _ := r.sessions.Create(userID)
	return id
}

func (r *registryIngest) Session(userID uint, sessionID string) (*tracker.Store, error) {
	return r.sessions.Get(sessionID, userID)
}

func (r *registryIngest) StartBatch(userID uint, sessionID, knowledgeBaseID string, sources []model.FileSource) ([]string, error) {
	store, err := r.sessions.Get(sessionID, userID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.kb, r.sources = knowledgeBaseID, sources
	r.mu.Unlock()
	return store.AddFiles(sources)
}

func (r *registryIngest) RunBatch(context.Context, uint, *tracker.Store, string, []string, []model.FileSource) {
}

func (r *registryIngest) RemoveItem(_ context.Context, userID uint, sessionID, itemID string) error {
	store, err := r.sessions.Get(sessionID, userID)
	if err != nil {
		return err
	}
	if _, err := store.Remove(itemID); err != nil {
		return err
	}
	r.mu.Lock()
	r.removed = append(r.removed, itemID)
	r.mu.Unlock()
	return nil
}

func (r *registryIngest) CloseSession(userID uint, sessionID string) error {
	return r.sessions.Close(sessionID, userID)
}

func (r *registryIngest) Shutdown() { r.sessions.CloseAll() }

func (r *registryIngest) removedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

func newSessionRouter(t *testing.T, ingest *registryIngest) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	jwtManager, tok := newTestAuth(t)

	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(jwtManager))
	h := NewSessionHandler(ingest)
	sessions := api.Group("/sessions")
	sessions.POST("", h.Create)
	sessions.GET("/:sid", h.Get)
	sessions.DELETE("/:sid", h.Close)
	sessions.POST("/:sid/files", h.AddFiles)
	sessions.DELETE("/:sid/files/:id", h.RemoveItem)
	sessions.GET("/:sid/ws", h.Stream)
	return r, tok
}

type uploadPart struct {
	name, mime, body string
}

func multipartRequest(t *testing.T, path, tok string, kb string, parts ...uploadPart) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="files"; filename="`+p.name+`"`)
		h.Set("Content-Type", p.mime)
		fw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, _ = fw.Write([]byte(p.body))
	}
	if kb != "" {
		require.NoError(t, w.WriteField("knowledgeBaseId", kb))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func TestSessionHandler_AddFilesAndRemoveItem(t *testing.T) {
	ingest := newRegistryIngest()
	r, tok := newSessionRouter(t, ingest)
	sid := ingest.CreateSession(42)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "/api/v1/sessions/"+sid+"/files", tok, "kb-1",
		uploadPart{"a.txt", "text/plain", "alpha"},
		uploadPart{"b.png", "image/png", "png"},
	))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			IDs []string `json:"ids"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"a.txt", "b.png"}, resp.Data.IDs)
	assert.Equal(t, "kb-1", ingest.kb)
	require.Len(t, ingest.sources, 2)
	assert.Equal(t, "alpha", string(ingest.sources[0].Data))
	assert.Equal(t, int64(5), ingest.sources[0].Size)
	assert.Equal(t, "image/png", ingest.sources[1].MimeType)

	// 同名文件再次加入会冲突。
	w = httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "/api/v1/sessions/"+sid+"/files", tok, "", uploadPart{"a.txt", "text/plain", "again"}))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodDelete, "/api/v1/sessions/"+sid+"/files/a.txt", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a.txt"}, ingest.removedIDs())

	w = doJSON(r, http.MethodDelete, "/api/v1/sessions/"+sid+"/files/a.txt", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	store, err := ingest.Session(42, sid)
	require.NoError(t, err)
	items := store.List()
	require.Len(t, items, 1)
	assert.Equal(t, "b.png", items[0].ID)
	assert.True(t, strings.HasPrefix(items[0].Base64URL, "data:image/png;base64,"))
}

func TestSessionHandler_AddFilesRejectsBadInput(t *testing.T) {
	ingest := newRegistryIngest()
	r, tok := newSessionRouter(t, ingest)
	sid := ingest.CreateSession(42)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "/api/v1/sessions/"+sid+"/files", tok, "kb-1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "/api/v1/sessions/unknown/files", tok, "", uploadPart{"a.txt", "text/plain", "x"}))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 其他用户的会话不可见。
	other := ingest.CreateSession(7)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "/api/v1/sessions/"+other+"/files", tok, "", uploadPart{"a.txt", "text/plain", "x"}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSessionHandler_StreamSnapshotAndRemoveCommand(t *testing.T) {
	ingest := newRegistryIngest()
	r, tok := newSessionRouter(t, ingest)
	sid := ingest.CreateSession(42)
	_, err := ingest.StartBatch(42, sid, "", []model.FileSource{
		{Name: "a.txt", Size: 1, MimeType: "text/plain", Data: []byte("a")},
		{Name: "b.txt", Size: 1, MimeType: "text/plain", Data: []byte("b")},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + sid + "/ws?token=" + tok

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	snap := readMessage(t, conn)
	assert.Equal(t, "snapshot", snap.Type)
	require.Len(t, snap.Items, 2)
	assert.Equal(t, "a.txt", snap.Items[0].ID)
	assert.Equal(t, model.UploadStatusPending, snap.Items[0].Status)

	require.NoError(t, conn.WriteJSON(wsCommand{Type: "remove", ID: "a.txt"}))
	msg := readMessage(t, conn)
	assert.Equal(t, string(tracker.EventRemoved), msg.Type)
	assert.Equal(t, "a.txt", msg.ID)
	assert.Equal(t, []string{"a.txt"}, ingest.removedIDs())

	store, err := ingest.Session(42, sid)
	require.NoError(t, err)
	require.NoError(t, store.Transition("b.txt", model.UploadStatusUploading))
	msg = readMessage(t, conn)
	assert.Equal(t, string(tracker.EventUpdated), msg.Type)
	require.NotNil(t, msg.Item)
	assert.Equal(t, model.UploadStatusUploading, msg.Item.Status)
}

func TestSessionHandler_StreamRequiresOwnSession(t *testing.T) {
	ingest := newRegistryIngest()
	r, tok := newSessionRouter(t, ingest)
	other := ingest.CreateSession(7)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + other + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base+"?token="+tok, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
