package agent

import (
	"context"
	"fmt"
	"sync"
)

// TaskRegistry 把对外可见的任务 ID 映射到正在执行的可取消句柄。
// 只有登记者本人（或管理员）可以取消。
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	owner  string
	cancel context.CancelCauseFunc
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]*task)}
}

// Register 派生一个可取消的 ctx 并登记。release 必须在执行结束后调用。
func (t *TaskRegistry) Register(ctx context.Context, id string, owner string) (context.Context, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[id]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskExists, id)
	}
	tctx, cancel := context.WithCancelCause(ctx)
	entry := &task{owner: owner, cancel: cancel}
	t.tasks[id] = entry

	release := func() {
		t.mu.Lock()
		if t.tasks[id] == entry {
			delete(t.tasks, id)
		}
		t.mu.Unlock()
		cancel(nil)
	}
	return tctx, release, nil
}

// Cancel 以 ErrCancelled 为原因取消任务。
func (t *TaskRegistry) Cancel(id string, actor string, admin bool) error {
	t.mu.Lock()
	entry, ok := t.tasks[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !admin && entry.owner != actor {
		return ErrNotTaskOwner
	}
	entry.cancel(ErrCancelled)
	return nil
}

func (t *TaskRegistry) Running(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[id]
	return ok
}

func (t *TaskRegistry) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
