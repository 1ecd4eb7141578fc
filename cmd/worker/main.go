// Command worker is the reference implementation of the isolated
// subprocess a Pool spawns and speaks workerproto to (§6.2). It is
// intentionally one of many possible worker binaries: the protocol is
// language-agnostic, and an operator may swap this for a worker written
// in any language that can read and write length-prefixed JSON frames
// on stdin/stdout.
//
// This reference worker evaluates a task body as a text/template
// rendered against the execution input, matching the "template" source
// kind used by the repository's own task fixtures and tests.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskforge/executor/workerproto"
)

const heartbeatInterval = 10 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		logger.Error("worker exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	r := workerproto.NewReader(os.Stdin)
	w := workerproto.NewWriter(os.Stdout)

	if err := handshake(r, w); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go heartbeatLoop(w, stop)

	for {
		raw, err := r.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		kind, err := workerproto.PeekKind(raw)
		if err != nil {
			return fmt.Errorf("peek kind: %w", err)
		}

		switch kind {
		case workerproto.KindExecute:
			var exec workerproto.Execute
			if err := json.Unmarshal(raw, &exec); err != nil {
				return fmt.Errorf("decode execute: %w", err)
			}
			result := runTask(exec)
			if err := w.WriteMessage(result); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
		case workerproto.KindCancel:
			// This reference worker executes synchronously and has
			// nothing in flight by the time it can observe a cancel, so
			// there is nothing to abort. A worker with concurrent task
			// bodies would select on a per-correlation cancellation
			// channel here.
		case workerproto.KindHeartbeat:
			// parent liveness ping; no reply required beyond our own
			// heartbeatLoop.
		default:
			return fmt.Errorf("unexpected message kind %q", kind)
		}
	}
}

func handshake(r *workerproto.Reader, w *workerproto.Writer) error {
	raw, err := r.ReadMessage()
	if err != nil {
		return err
	}
	kind, err := workerproto.PeekKind(raw)
	if err != nil {
		return err
	}
	if kind != workerproto.KindHello {
		return fmt.Errorf("expected hello, got %q", kind)
	}
	var hello workerproto.Hello
	if err := json.Unmarshal(raw, &hello); err != nil {
		return err
	}
	if hello.ProtocolVersion != workerproto.ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", hello.ProtocolVersion)
	}

	return w.WriteMessage(workerproto.HelloAck{
		Kind:     workerproto.KindHelloAck,
		WorkerID: uuid.NewString(),
	})
}

func heartbeatLoop(w *workerproto.Writer, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = w.WriteMessage(workerproto.Heartbeat{Kind: workerproto.KindHeartbeat})
		}
	}
}

// runTask renders exec.Task.SourceCode as a text/template against the
// execution input and reports the rendered text as the task's output.
// A production worker for a real scripting language replaces this
// evaluator; the protocol above it is unaffected.
func runTask(exec workerproto.Execute) workerproto.Result {
	tmpl, err := template.New(exec.Task.Fingerprint).Option("missingkey=error").Parse(exec.Task.SourceCode)
	if err != nil {
		return errorResult(exec.CorrelationID, "SyntaxError", err.Error())
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, exec.Input); err != nil {
		return errorResult(exec.CorrelationID, "RuntimeError", err.Error())
	}

	return workerproto.Result{
		Kind:          workerproto.KindResult,
		CorrelationID: exec.CorrelationID,
		OK:            buf.String(),
	}
}

func errorResult(correlationID uint64, code, message string) workerproto.Result {
	return workerproto.Result{
		Kind:          workerproto.KindResult,
		CorrelationID: correlationID,
		Err:           &workerproto.StructuredError{Code: code, Message: message},
	}
}
