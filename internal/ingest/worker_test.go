// ABOUTME: Tests for the ingestion worker goroutine and its message protocol.
// ABOUTME: Covers normal runs, failures, panics, termination, and channel closure.

package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context, runID string, emit func(Message)) error

func (f runnerFunc) Run(ctx context.Context, runID string, emit func(Message)) error {
	return f(ctx, runID, emit)
}

func collect(t *testing.T, w *Worker) []Message {
	t.Helper()
	var msgs []Message
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-w.Messages():
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
			if m.Terminal() {
				return msgs
			}
		case <-timeout:
			t.Fatal("timed out waiting for worker messages")
			return nil
		}
	}
}

func TestWorkerForwardsEngineMessages(t *testing.T) {
	var gotRunID string
	w := NewWorker(runnerFunc(func(ctx context.Context, runID string, emit func(Message)) error {
		gotRunID = runID
		emit(Message{Type: MessageProgress, RowsWritten: 5})
		emit(Message{Type: MessageDone, RowsWritten: 7})
		return nil
	}), testLogger())
	defer w.Terminate()

	require.True(t, w.Send(Command{Type: CommandStart, RunID: "abc"}))
	msgs := collect(t, w)

	assert.Equal(t, []Message{
		{Type: MessageProgress, RowsWritten: 5},
		{Type: MessageDone, RowsWritten: 7},
	}, msgs)
	assert.Equal(t, "abc", gotRunID)
}

func TestWorkerReportsReturnedErrors(t *testing.T) {
	w := NewWorker(runnerFunc(func(ctx context.Context, runID string, emit func(Message)) error {
		return errors.New("disk full")
	}), testLogger())
	defer w.Terminate()

	w.Send(Command{Type: CommandStart})
	msgs := collect(t, w)
	require.Len(t, msgs, 1)
	assert.Equal(t, Message{Type: MessageError, Message: "disk full"}, msgs[0])
}

func TestWorkerReportsMissingResult(t *testing.T) {
	w := NewWorker(runnerFunc(func(ctx context.Context, runID string, emit func(Message)) error {
		return nil
	}), testLogger())
	defer w.Terminate()

	w.Send(Command{Type: CommandStart})
	msgs := collect(t, w)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageError, msgs[0].Type)
}

func TestWorkerRecoversPanics(t *testing.T) {
	w := NewWorker(runnerFunc(func(ctx context.Context, runID string, emit func(Message)) error {
		emit(Message{Type: MessageProgress, RowsWritten: 1})
		panic("boom")
	}), testLogger())
	defer w.Terminate()

	w.Send(Command{Type: CommandStart})
	msgs := collect(t, w)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageError, msgs[1].Type)
	assert.Contains(t, msgs[1].Message, "boom")
}

func TestWorkerDropsMessagesAfterTerminal(t *testing.T) {
	w := NewWorker(runnerFunc(func(ctx context.Context, runID string, emit func(Message)) error {
		emit(Message{Type: MessageDone})
		emit(Message{Type: MessageProgress, RowsWritten: 99})
		return errors.New("late failure")
	}), testLogger())

	w.Send(Command{Type: CommandStart})
	msgs := collect(t, w)
	assert.Equal(t, []Message{{Type: MessageDone}}, msgs)

	w.Terminate()
	_, open := <-w.Messages()
	assert.False(t, open)
}

func TestWorkerTerminateCancelsRun(t *testing.T) {
	started := make(chan struct{})
	w := NewWorker(runnerFunc(func(ctx context.Context, runID string, emit func(Message)) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), testLogger())

	w.Send(Command{Type: CommandStart})
	<-started

	terminated := make(chan struct{})
	go func() {
		w.Terminate()
		close(terminated)
	}()

	select {
	case <-terminated:
	case <-time.After(5 * time.Second):
		t.Fatal("Terminate did not return")
	}

	for range w.Messages() {
	}
	assert.False(t, w.Send(Command{Type: CommandStart}))
	w.Terminate()
}
