package sandbox

import (
	"context"
	"os"
	"sync"
)

// FakeManager is an in-process Manager for tests. Boxes are plain temp
// directories and executions are delegated to RunFunc, so a test can
// script compiler and program behavior without any isolation binary.
type FakeManager struct {
	// RunFunc handles every execution. When nil, runs succeed with exit
	// code zero and no output.
	RunFunc func(box *FakeBox, cmd Command) (Result, error)

	mu      sync.Mutex
	boxes   int
	cleaned int
}

// NewBox implements Manager.
func (m *FakeManager) NewBox(context.Context) (Box, error) {
	dir, err := os.MkdirTemp("", "gavel-fakebox-*")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.boxes++
	m.mu.Unlock()
	return &FakeBox{manager: m, dir: dir}, nil
}

// Leaked reports boxes allocated but never cleaned up.
func (m *FakeManager) Leaked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.boxes - m.cleaned
}

// FakeBox is the Box produced by FakeManager.
type FakeBox struct {
	manager *FakeManager
	dir     string

	// Commands records every Run in order.
	Commands []Command
}

func (b *FakeBox) Dir() string { return b.dir }

// Run implements Box.
func (b *FakeBox) Run(_ context.Context, cmd Command) (Result, error) {
	b.Commands = append(b.Commands, cmd)
	if b.manager.RunFunc == nil {
		return Result{Status: OK}, nil
	}
	return b.manager.RunFunc(b, cmd)
}

// Cleanup implements Box.
func (b *FakeBox) Cleanup() error {
	b.manager.mu.Lock()
	b.manager.cleaned++
	b.manager.mu.Unlock()
	return os.RemoveAll(b.dir)
}
