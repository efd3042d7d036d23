package handler

import (
	"io"
	"net/http"
	"strconv"

	"knowledge-ingest-go/internal/middleware"
	"knowledge-ingest-go/internal/service"

	"github.com/gin-gonic/gin"
)

// FileHandler 负责文件、分块与任务相关的 API 请求。
type FileHandler struct {
	content service.ContentStore
	files   service.FileService
	jobs    service.JobService
}

// NewFileHandler 创建一个新的 FileHandler 实例。
func NewFileHandler(content service.ContentStore, files service.FileService, jobs service.JobService) *FileHandler {
	return &FileHandler{content: content, files: files, jobs: jobs}
}

// CheckHashRequest 定义了哈希查询 API 的请求体结构。
type CheckHashRequest struct {
	Hash string `json:"hash" binding:"required"`
}

// CheckHash 查询内容哈希是否已存在。
func (h *FileHandler) CheckHash(c *gin.Context) {
	var req CheckHashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "无效的请求负载")
		return
	}
	res, err := h.files.CheckHash(c.Request.Context(), req.Hash)
	if err != nil {
		respondErr(c, "CheckHash", err)
		return
	}
	respondOK(c, res)
}

// Upload 接收单个文件，去重后写入对象存储，返回存储位置。
func (h *FileHandler) Upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "缺少文件")
		return
	}
	src, err := fh.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "无法读取文件")
		return
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		respondError(c, http.StatusBadRequest, "无法读取文件")
		return
	}

	res, err := h.content.Resolve(c.Request.Context(), data, fh.Filename, fh.Header.Get("Content-Type"), nil)
	if err != nil {
		respondErr(c, "Upload", err)
		return
	}
	respondOK(c, gin.H{
		"url":            res.Locator,
		"metadata":       res.Metadata,
		"hash":           res.Hash,
		"alreadyExisted": res.AlreadyExisted,
		"name":           fh.Filename,
		"size":           fh.Size,
		"fileType":       service.DetectFileType(data, fh.Header.Get("Content-Type")),
	})
}

// Create 根据上传结果创建文件记录。
func (h *FileHandler) Create(c *gin.Context) {
	var req service.CreateFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "无效的请求负载")
		return
	}
	file, err := h.files.Create(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		respondErr(c, "CreateFile", err)
		return
	}
	respondOK(c, file)
}

// List 返回当前用户的全部文件。
func (h *FileHandler) List(c *gin.Context) {
	files, err := h.files.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondErr(c, "ListFiles", err)
		return
	}
	respondOK(c, files)
}

// Get 返回单个文件记录。
func (h *FileHandler) Get(c *gin.Context) {
	file, err := h.files.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondErr(c, "GetFile", err)
		return
	}
	respondOK(c, file)
}

// Status 返回文件的任务状态快照。
func (h *FileHandler) Status(c *gin.Context) {
	status, err := h.jobs.GetJobStatus(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondErr(c, "GetJobStatus", err)
		return
	}
	respondOK(c, status)
}

// StartJob 触发文件的切块与向量化任务。
func (h *FileHandler) StartJob(c *gin.Context) {
	jobID, err := h.jobs.StartChunkAndEmbedJob(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondErr(c, "StartChunkAndEmbedJob", err)
		return
	}
	respondOK(c, gin.H{"jobId": jobID})
}

// Delete 删除文件及其分块与向量。
func (h *FileHandler) Delete(c *gin.Context) {
	if err := h.files.Remove(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		respondErr(c, "DeleteFile", err)
		return
	}
	respondOK(c, nil)
}

// Chunks 分页返回文件的分块，page 从 0 开始。
func (h *FileHandler) Chunks(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "无效的页码")
		return
	}
	chunks, err := h.files.ListChunks(c.Request.Context(), middleware.UserID(c), c.Param("id"), page)
	if err != nil {
		respondErr(c, "ListChunks", err)
		return
	}
	respondOK(c, chunks)
}

// ChunkTexts 返回文件全部分块的可读文本。
func (h *FileHandler) ChunkTexts(c *gin.Context) {
	items, err := h.files.ChunkTexts(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondErr(c, "ChunkTexts", err)
		return
	}
	respondOK(c, items)
}

// CountChunksRequest 定义了分块计数 API 的请求体结构。
type CountChunksRequest struct {
	FileIDs []string `json:"fileIds"`
}

// CountChunks 按文件统计分块数量。
func (h *FileHandler) CountChunks(c *gin.Context) {
	var req CountChunksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "无效的请求负载")
		return
	}
	counts, err := h.files.CountChunks(c.Request.Context(), middleware.UserID(c), req.FileIDs)
	if err != nil {
		respondErr(c, "CountChunks", err)
		return
	}
	respondOK(c, counts)
}

// DeleteChunk 删除属于当前用户的分块，分块不存在时不报错。
func (h *FileHandler) DeleteChunk(c *gin.Context) {
	if err := h.files.DeleteChunk(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		respondErr(c, "DeleteChunk", err)
		return
	}
	respondOK(c, nil)
}
