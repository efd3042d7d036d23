package tracker

import (
	"math"
	"time"

	"knowledge-ingest-go/internal/model"
)

// DisplayCap 是传输完成但尚未确认成功时展示的进度。
const DisplayCap = 99.9

// ProgressMeter 根据累计字节数计算展示用的上传进度。
type ProgressMeter struct {
	start time.Time
	now   func() time.Time
}

// NewProgressMeter 以当前时刻为传输起点创建计量器，now 为 nil 时使用 time.Now。
func NewProgressMeter(now func() time.Time) *ProgressMeter {
	if now == nil {
		now = time.Now
	}
	return &ProgressMeter{start: now(), now: now}
}

// Measure 计算一次传输进度事件。原始进度达到 100 时展示为 99.9。
func (m *ProgressMeter) Measure(loaded, total int64) model.UploadState {
	if total <= 0 {
		return model.UploadState{Progress: DisplayCap}
	}
	progress := math.Round(float64(loaded)/float64(total)*1000) / 10
	if progress >= 100 {
		progress = DisplayCap
	}

	state := model.UploadState{Progress: progress}
	elapsed := m.now().Sub(m.start).Seconds()
	if elapsed <= 0 || loaded <= 0 {
		return state
	}
	bytesPerSec := float64(loaded) / elapsed
	state.Speed = bytesPerSec / 1024
	state.RestTime = float64(total-loaded) / bytesPerSec
	return state
}

// Complete 是传输确认成功时的进度，只有这里会报告 100。
func (m *ProgressMeter) Complete(total int64) model.UploadState {
	state := model.UploadState{Progress: 100}
	if elapsed := m.now().Sub(m.start).Seconds(); elapsed > 0 {
		state.Speed = float64(total) / elapsed / 1024
	}
	return state
}

// Deduplicated 是命中去重时直接进入处理阶段的进度。
func Deduplicated() model.UploadState {
	return model.UploadState{Progress: 100, RestTime: 0, Speed: 0}
}
