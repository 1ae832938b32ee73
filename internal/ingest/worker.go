// ABOUTME: Background ingestion worker: a goroutine that owns one engine.
// ABOUTME: Receives START commands and reports PROGRESS, DONE, and ERROR on a channel.

package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Runner is the part of the engine the worker drives
type Runner interface {
	Run(ctx context.Context, runID string, emit func(Message)) error
}

// Worker runs ingestions on its own goroutine
type Worker struct {
	runner Runner
	logger *logrus.Logger

	commands chan Command
	messages chan Message

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewWorker starts the worker goroutine
func NewWorker(runner Runner, logger *logrus.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		runner:   runner,
		logger:   logger,
		commands: make(chan Command, 1),
		messages: make(chan Message, 16),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// Send delivers a command. It returns false once the worker is terminated.
func (w *Worker) Send(cmd Command) bool {
	select {
	case <-w.ctx.Done():
		return false
	default:
	}
	select {
	case w.commands <- cmd:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// Messages returns the outbound channel. It is closed when the worker exits.
func (w *Worker) Messages() <-chan Message {
	return w.messages
}

// Terminate cancels any in-flight run and waits for the goroutine to exit
func (w *Worker) Terminate() {
	w.closeOnce.Do(w.cancel)
	<-w.done
}

func (w *Worker) loop() {
	defer close(w.done)
	defer close(w.messages)

	for {
		select {
		case <-w.ctx.Done():
			return
		case cmd := <-w.commands:
			if cmd.Type != CommandStart {
				w.logger.WithField("command", cmd.Type).Warn("Ignoring unknown worker command")
				continue
			}
			w.execute(cmd)
		}
	}
}

func (w *Worker) execute(cmd Command) {
	logger := w.logger.WithFields(logrus.Fields{
		"component": "ingest_worker",
		"run_id":    cmd.RunID,
	})

	terminal := false
	emit := func(msg Message) {
		if terminal {
			return
		}
		terminal = msg.Terminal()
		select {
		case w.messages <- msg:
		case <-w.ctx.Done():
		}
	}

	defer func() {
		if p := recover(); p != nil {
			logger.WithField("panic", p).Error("Ingestion worker panicked")
			emit(Message{Type: MessageError, Message: fmt.Sprintf("ingestion worker panic: %v", p)})
		}
	}()

	err := w.runner.Run(w.ctx, cmd.RunID, emit)
	switch {
	case terminal:
	case err != nil:
		emit(Message{Type: MessageError, Message: err.Error()})
	default:
		emit(Message{Type: MessageError, Message: "ingestion ended without a result"})
	}
}
