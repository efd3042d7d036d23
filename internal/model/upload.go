package model

// UploadStatus 是上传条目在前端可见的状态。
type UploadStatus string

const (
	UploadStatusPending    UploadStatus = "pending"
	UploadStatusUploading  UploadStatus = "uploading"
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusSuccess    UploadStatus = "success"
	UploadStatusError      UploadStatus = "error"
)

// Terminal 表示该状态不会再发生变化。
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusSuccess || s == UploadStatusError
}

// UploadState 描述传输进度。Progress 取值 0..100，Speed 单位为 KB/s，RestTime 单位为秒。
type UploadState struct {
	Progress float64 `json:"progress"`
	Speed    float64 `json:"speed"`
	RestTime float64 `json:"restTime"`
}

// FileTasks 是条目上展示的任务状态。nil 表示任务尚未触发，零值表示已触发但尚无状态。
type FileTasks struct {
	ChunkCount      *int       `json:"chunkCount"`
	ChunkingStatus  TaskStatus `json:"chunkingStatus"`
	ChunkingError   string     `json:"chunkingError,omitempty"`
	EmbeddingStatus TaskStatus `json:"embeddingStatus"`
	EmbeddingError  string     `json:"embeddingError,omitempty"`
	FinishEmbedding bool       `json:"finishEmbedding"`
}

// TasksFromStatus 把任务快照转换为条目上的任务状态。
func TasksFromStatus(s *JobStatus) *FileTasks {
	return &FileTasks{
		ChunkCount:      s.ChunkCount,
		ChunkingStatus:  s.ChunkingStatus,
		ChunkingError:   s.ChunkingError,
		EmbeddingStatus: s.EmbeddingStatus,
		EmbeddingError:  s.EmbeddingError,
		FinishEmbedding: s.FinishEmbedding,
	}
}

// FileSource 是用户选择的原始文件。
type FileSource struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"type"`
	Data     []byte `json:"-"`
}

// UploadFileItem 是会话内的上传条目，不持久化。
// ID 初始为文件名，文件记录创建后替换为服务端文件 ID。
type UploadFileItem struct {
	ID          string       `json:"id"`
	File        FileSource   `json:"file"`
	Base64URL   string       `json:"base64Url,omitempty"`
	FileURL     string       `json:"fileUrl,omitempty"`
	Status      UploadStatus `json:"status"`
	UploadState *UploadState `json:"uploadState,omitempty"`
	Tasks       *FileTasks   `json:"tasks,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Clone 返回条目的深拷贝，供订阅者与 HTTP 响应使用。
func (it *UploadFileItem) Clone() UploadFileItem {
	c := *it
	c.File.Data = nil
	if it.UploadState != nil {
		s := *it.UploadState
		c.UploadState = &s
	}
	if it.Tasks != nil {
		t := *it.Tasks
		if it.Tasks.ChunkCount != nil {
			n := *it.Tasks.ChunkCount
			t.ChunkCount = &n
		}
		c.Tasks = &t
	}
	return c
}
