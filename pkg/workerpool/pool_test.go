package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunReturnsResultsInOrder(t *testing.T) {
	p, err := New(Config{Workers: 4, QueueSize: 16}, func(ctx context.Context, task *Task) *Result {
		n := task.Payload.(int)
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return &Result{TaskID: task.ID, Success: true, Data: n * n}
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	defer p.Stop()

	var tasks []*Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, &Task{ID: fmt.Sprint(i), Payload: i})
	}
	results, err := p.Run(context.Background(), tasks)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		if r.TaskID != fmt.Sprint(i) || r.Data.(int) != i*i {
			t.Errorf("result %d out of order: %+v", i, r)
		}
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	p, _ := New(Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		if calls.Add(1) < 3 {
			return &Result{TaskID: task.ID, Error: errors.New("transient")}
		}
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	p.Start()
	defer p.Stop()

	r, err := p.SubmitWait(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Success || calls.Load() != 3 {
		t.Errorf("expected success on third attempt, got %+v after %d calls", r, calls.Load())
	}
	if s := p.Stats(); s.TasksRetried != 2 || s.TasksCompleted != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestRetriesExhausted(t *testing.T) {
	boom := errors.New("boom")
	p, _ := New(Config{Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Error: boom}
	}, nil)
	p.Start()
	defer p.Stop()

	r, err := p.SubmitWait(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Success || !errors.Is(r.Error, boom) {
		t.Errorf("expected wrapped failure, got %+v", r)
	}
	if p.Stats().TasksFailed != 1 {
		t.Errorf("expected one failed task, got %+v", p.Stats())
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p, _ := New(DefaultConfig(), func(ctx context.Context, task *Task) *Result { return nil }, nil)
	p.Start()
	p.Stop()
	p.Stop()

	if err := p.Submit(context.Background(), &Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}
