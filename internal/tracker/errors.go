package tracker

import "errors"

var (
	// ErrItemNotFound 表示会话中不存在该条目。
	ErrItemNotFound = errors.New("upload item not found")
	// ErrInvalidTransition 表示状态机不允许该状态迁移。
	ErrInvalidTransition = errors.New("invalid upload status transition")
	// ErrDuplicateItem 表示同一会话中已存在相同 ID 的条目。
	ErrDuplicateItem = errors.New("duplicate upload item")
	// ErrSessionNotFound 表示会话不存在或不属于请求用户。
	ErrSessionNotFound = errors.New("upload session not found")
)
