package service

import "errors"

var (
	// ErrUploadFailed 表示传输失败（网络错误或非 2xx），不会自动重试。
	ErrUploadFailed = errors.New("upload failed")
	// ErrHashCheckFailed 表示无法确认内容哈希是否已存在，此时不会退化为重新上传。
	ErrHashCheckFailed = errors.New("content hash check failed")
	// ErrInvalidArgument 表示请求参数不合法。
	ErrInvalidArgument = errors.New("invalid argument")
)
