package repository

import "errors"

// ErrFileNotFound 表示文件记录不存在或不属于请求用户。
var ErrFileNotFound = errors.New("file not found")

// ErrChunkNotFound 表示分块记录不存在。
var ErrChunkNotFound = errors.New("chunk not found")
