package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"knowledge-ingest-go/internal/middleware"
	"knowledge-ingest-go/internal/model"
	"knowledge-ingest-go/internal/service"
	"knowledge-ingest-go/internal/tracker"
	"knowledge-ingest-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

const wsWriteWait = 10 * time.Second

// SessionHandler 负责上传会话：批量上传、条目管理与 WebSocket 状态推送。
type SessionHandler struct {
	ingest service.IngestService
}

// NewSessionHandler 创建一个新的 SessionHandler。
func NewSessionHandler(ingest service.IngestService) *SessionHandler {
	return &SessionHandler{ingest: ingest}
}

// Create 新建一个上传会话。
func (h *SessionHandler) Create(c *gin.Context) {
	respondOK(c, gin.H{"sessionId": h.ingest.CreateSession(middleware.UserID(c))})
}

// AddFiles 把 multipart 表单中的 files 加入会话并开始处理。
func (h *SessionHandler) AddFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的表单")
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		respondError(c, http.StatusBadRequest, "缺少文件")
		return
	}

	sources := make([]model.FileSource, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			respondError(c, http.StatusBadRequest, "无法读取文件: "+fh.Filename)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			respondError(c, http.StatusBadRequest, "无法读取文件: "+fh.Filename)
			return
		}
		sources = append(sources, model.FileSource{
			Name:     fh.Filename,
			Size:     fh.Size,
			MimeType: fh.Header.Get("Content-Type"),
			Data:     data,
		})
	}

	kb := c.PostForm("knowledgeBaseId")
	ids, err := h.ingest.StartBatch(middleware.UserID(c), c.Param("sid"), kb, sources)
	if err != nil {
		respondErr(c, "StartBatch", err)
		return
	}
	respondOK(c, gin.H{"ids": ids})
}

// Get 返回会话内全部条目。
func (h *SessionHandler) Get(c *gin.Context) {
	store, err := h.ingest.Session(middleware.UserID(c), c.Param("sid"))
	if err != nil {
		respondErr(c, "GetSession", err)
		return
	}
	respondOK(c, store.List())
}

// RemoveItem 移除一个条目，已关联的服务端文件一并删除。
func (h *SessionHandler) RemoveItem(c *gin.Context) {
	if err := h.ingest.RemoveItem(c.Request.Context(), middleware.UserID(c), c.Param("sid"), c.Param("id")); err != nil {
		respondErr(c, "RemoveItem", err)
		return
	}
	respondOK(c, nil)
}

// Close 结束会话并取消所有进行中的处理。
func (h *SessionHandler) Close(c *gin.Context) {
	if err := h.ingest.CloseSession(middleware.UserID(c), c.Param("sid")); err != nil {
		respondErr(c, "CloseSession", err)
		return
	}
	respondOK(c, nil)
}

type wsMessage struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id,omitempty"`
	Item      *model.UploadFileItem  `json:"item,omitempty"`
	Items     []model.UploadFileItem `json:"items,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

type wsCommand struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Stream 通过 WebSocket 推送会话条目的变化。连接建立后先发送一次全量快照。
// 客户端可以发送 {"type":"remove","id":"..."} 移除条目。
func (h *SessionHandler) Stream(c *gin.Context) {
	userID := middleware.UserID(c)
	sid := c.Param("sid")
	store, err := h.ingest.Session(userID, sid)
	if err != nil {
		respondErr(c, "StreamSession", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("[SessionHandler] WebSocket 连接已建立, sessionID: %s, userID: %d", sid, userID)

	events, unsubscribe := store.Subscribe()
	defer unsubscribe()

	if err := writeJSON(conn, wsMessage{Type: "snapshot", Items: store.List()}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd wsCommand
			if err := json.Unmarshal(message, &cmd); err != nil || cmd.Type != "remove" {
				continue
			}
			if err := h.ingest.RemoveItem(c.Request.Context(), userID, sid, cmd.ID); err != nil {
				log.Warnf("[SessionHandler] 移除条目失败, id: %s, error: %v", cmd.ID, err)
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := wsMessage{Type: string(ev.Type), ID: ev.ID}
			if ev.Type == tracker.EventUpdated {
				item := ev.Item
				msg.Item = &item
			}
			if err := writeJSON(conn, msg); err != nil {
				log.Warnf("[SessionHandler] 写入 WebSocket 失败: %v", err)
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, msg wsMessage) error {
	msg.Timestamp = time.Now().UnixMilli()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}
