package pipeline

import (
	"context"
	"sync/atomic"
)

// AbortFlag は実行とは独立に設定できる中断要求。
// クライアントが切断した後でも中断を届けられるよう、実行の外で保持する。
type AbortFlag interface {
	Set(ctx context.Context) error
	Clear(ctx context.Context) error
	IsSet(ctx context.Context) (bool, error)
}

// MemoryAbortFlag はプロセス内のAbortFlag。
type MemoryAbortFlag struct {
	set atomic.Bool
}

// NewMemoryAbortFlag はMemoryAbortFlagを生成する。
func NewMemoryAbortFlag() *MemoryAbortFlag {
	return &MemoryAbortFlag{}
}

// Set は中断を要求する。
func (f *MemoryAbortFlag) Set(_ context.Context) error {
	f.set.Store(true)
	return nil
}

// Clear は中断要求を取り消す。
func (f *MemoryAbortFlag) Clear(_ context.Context) error {
	f.set.Store(false)
	return nil
}

// IsSet は中断が要求されているかを返す。
func (f *MemoryAbortFlag) IsSet(_ context.Context) (bool, error) {
	return f.set.Load(), nil
}
