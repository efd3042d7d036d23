package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrJobStartFailed 表示切块与向量化任务没有拿到任务 ID。
	ErrJobStartFailed = errors.New("failed to start chunk and embed job")
	// ErrTransientPoll 表示一次状态查询失败，轮询会继续。
	ErrTransientPoll = errors.New("transient job status poll failure")
	// ErrJobTerminal 表示任务的某个阶段以 error 结束。
	ErrJobTerminal = errors.New("job reached a terminal error")
	// ErrPollingTimedOut 表示连续查询失败次数或总等待时间超过上限。
	ErrPollingTimedOut = errors.New("job status polling timed out")
	// ErrFileGone 表示轮询期间文件记录已被删除。
	ErrFileGone = errors.New("file removed while polling")
)

// JobTerminalError 携带失败阶段与该阶段的错误信息。
type JobTerminalError struct {
	Stage   string
	Message string
}

func (e *JobTerminalError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.Stage)
	}
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Message)
}

func (e *JobTerminalError) Unwrap() error {
	return ErrJobTerminal
}
