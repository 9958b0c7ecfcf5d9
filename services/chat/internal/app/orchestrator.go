package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"pdfchat/pkg/domain"
	"pdfchat/pkg/identity"
)

// queryState is a step of the query state machine.
type queryState string

const (
	stateAuthenticating  queryState = "authenticating"
	stateResolvingThread queryState = "resolving_thread"
	stateAssembling      queryState = "assembling"
	stateStreaming       queryState = "streaming"
	stateCommitting      queryState = "committing"
)

// Outcome is the terminal state of a query that reached streaming.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Cancellation reasons reported with OutcomeCancelled.
const (
	ReasonClient  = "client"
	ReasonTimeout = "timeout"
	ReasonRequest = "request"
)

const (
	cancelledMarker = "[cancelled]"
	failedMarker    = "[error: response interrupted]"
)

// QueryRequest is one user turn.
type QueryRequest struct {
	Credential string
	// Identity, when set, was already resolved by the caller and Credential is ignored.
	Identity *identity.Identity
	ThreadID string
	PdfID    string
	Message  string
}

// StreamStart is handed to the sink once the thread is resolved and the user
// turn is stored.
type StreamStart struct {
	Identity identity.Identity
	ThreadID string
	Created  bool
}

// StreamEnd describes the single terminal event of a stream.
type StreamEnd struct {
	Outcome   Outcome
	ThreadID  string
	MessageID string
	Reason    string
	Err       error
}

// StreamSink receives the output of one query. Open is called at most once
// and before any Chunk; Close is called exactly once after a successful Open.
// A Chunk error means the client is gone.
type StreamSink interface {
	Open(start StreamStart) error
	Chunk(text string) error
	Close(end StreamEnd)
}

// QueryResult summarizes a query. Identity is set whenever authentication ran,
// including when an error is returned.
type QueryResult struct {
	Identity  identity.Identity
	ThreadID  string
	Created   bool
	Outcome   Outcome
	MessageID string
	Chunks    int
}

// Query runs one turn: authenticate, resolve or create the thread, assemble
// the prompt, stream the model output to sink and commit the assistant turn.
// Errors returned before sink.Open are request errors (nothing was streamed).
// Once streaming starts the error is nil and the outcome is reported through
// sink.Close and QueryResult.
func (a *App) Query(ctx context.Context, req QueryRequest, sink StreamSink) (QueryResult, error) {
	start := a.now()
	logger := a.logger(ctx)
	enter := func(s queryState, args ...any) {
		logger.Debug("query_state", append([]any{"state", s}, args...)...)
	}

	enter(stateAuthenticating)
	var (
		ident identity.Identity
		err   error
	)
	if req.Identity != nil {
		ident = *req.Identity
	} else if ident, err = a.Authenticate(ctx, req.Credential); err != nil {
		return QueryResult{}, err
	}
	res := QueryResult{Identity: ident}
	userID := ident.UserID
	threadID := strings.TrimSpace(req.ThreadID)
	pdfID := strings.TrimSpace(req.PdfID)
	if ident.Recovered != nil && threadID != "" {
		// a fresh identity cannot own the old thread
		logger.Info("query_thread_reset", "thread_id", threadID, "reason", ident.Recovered.Error())
		threadID = ""
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return res, fmt.Errorf("%w: message required", ErrInvalidInput)
	}

	enter(stateResolvingThread, "thread_id", threadID, "pdf_id", pdfID)
	var (
		thread  domain.Thread
		pdfText string
	)
	if threadID == "" {
		pdfText, err = a.textForNewThread(ctx, userID, pdfID)
		if err != nil {
			return res, err
		}
	} else {
		thread, err = a.loadOwnedThread(ctx, userID, threadID)
		if err != nil {
			return res, err
		}
		if pdfID != "" && pdfID != thread.PdfID {
			return res, ErrConflict
		}
		pdfText = a.textForThread(ctx, thread)
	}

	enter(stateAssembling, "history", len(thread.Messages))
	prompt, err := a.assembler.Build(thread.Messages, pdfText, message)
	if err != nil {
		return res, err
	}
	if prompt.Dropped > 0 {
		logger.Debug("prompt_trimmed", "thread_id", thread.ID, "dropped_messages", prompt.Dropped)
	}
	if thread.ID == "" {
		thread, err = a.store.CreateThread(ctx, userID, pdfID)
		if err != nil {
			return res, fmt.Errorf("create thread: %w", err)
		}
		res.Created = true
	}
	res.ThreadID = thread.ID
	if _, err := a.store.AppendMessage(ctx, thread.ID, domain.Message{
		Role:      domain.RoleUser,
		Content:   message,
		CreatedAt: a.now().UTC(),
	}); err != nil {
		return res, fmt.Errorf("save user message: %w", err)
	}

	if err := sink.Open(StreamStart{Identity: ident, ThreadID: thread.ID, Created: res.Created}); err != nil {
		return res, fmt.Errorf("open stream: %w", err)
	}

	enter(stateStreaming, "thread_id", thread.ID)
	a.metrics.QueryStarted()
	qctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	unregister := a.cancels.Register(thread.ID, cancel)
	defer unregister()
	qctx, cancelTimeout := context.WithTimeoutCause(qctx, a.queryTimeout, errQueryTimeout)
	defer cancelTimeout()

	partial, chunks, streamErr := a.stream(qctx, cancel, prompt, sink)
	res.Chunks = chunks

	end := StreamEnd{ThreadID: thread.ID}
	switch {
	case qctx.Err() != nil:
		end.Outcome = OutcomeCancelled
		end.Reason = cancelReason(qctx)
	case streamErr != nil:
		end.Outcome = OutcomeFailed
		end.Err = fmt.Errorf("%w: %v", ErrUpstream, streamErr)
	default:
		end.Outcome = OutcomeCompleted
	}

	enter(stateCommitting, "thread_id", thread.ID, "outcome", end.Outcome)
	if msg, ok := assistantMessage(end, partial, chunks, a.model.Model(), a.now().Sub(start)); ok {
		commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		saved, err := a.store.AppendMessage(commitCtx, thread.ID, msg)
		cancelCommit()
		if err != nil {
			logger.Error("commit assistant message failed", "thread_id", thread.ID, "err", err)
			end.Outcome = OutcomeFailed
			end.Reason = ""
			end.Err = fmt.Errorf("save assistant message: %w", err)
		} else {
			end.MessageID = saved.ID
		}
	}

	sink.Close(end)
	duration := a.now().Sub(start)
	a.metrics.QueryFinished(string(end.Outcome), chunks, duration)
	res.Outcome = end.Outcome
	res.MessageID = end.MessageID
	attrs := []any{
		"thread_id", thread.ID,
		"user_id", userID,
		"outcome", end.Outcome,
		"chunks", chunks,
		"duration_ms", duration.Milliseconds(),
	}
	if end.Reason != "" {
		attrs = append(attrs, "reason", end.Reason)
	}
	if end.Err != nil {
		attrs = append(attrs, "err", end.Err)
	}
	logger.Info("query_finished", attrs...)
	return res, nil
}

// stream forwards model output to sink until the model finishes, fails or
// ctx is cancelled. It returns the text the client accepted. A fragment that
// arrives after cancellation is dropped.
func (a *App) stream(ctx context.Context, cancel context.CancelCauseFunc, prompt Prompt, sink StreamSink) (string, int, error) {
	stream, err := a.model.StreamChat(ctx, prompt.Messages)
	if err != nil {
		return "", 0, err
	}
	defer stream.Close()

	var sb strings.Builder
	chunks := 0
	for {
		if ctx.Err() != nil {
			return sb.String(), chunks, nil
		}
		text, err := stream.Recv()
		if ctx.Err() != nil {
			return sb.String(), chunks, nil
		}
		if errors.Is(err, io.EOF) {
			return sb.String(), chunks, nil
		}
		if err != nil {
			return sb.String(), chunks, err
		}
		if text == "" {
			continue
		}
		if err := sink.Chunk(text); err != nil {
			cancel(fmt.Errorf("%w: %v", errClientGone, err))
			return sb.String(), chunks, nil
		}
		sb.WriteString(text)
		chunks++
	}
}

var errClientGone = errors.New("client disconnected")

func cancelReason(ctx context.Context) string {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errQueryTimeout):
		return ReasonTimeout
	case errors.Is(cause, errCancelRequested):
		return ReasonRequest
	default:
		return ReasonClient
	}
}

// assistantMessage builds the turn to commit. Failed streams without any
// output commit nothing.
func assistantMessage(end StreamEnd, partial string, chunks int, model string, elapsed time.Duration) (domain.Message, bool) {
	msg := domain.Message{
		Role: domain.RoleAssistant,
		Meta: domain.MessageMeta{
			Model:      model,
			Chunks:     chunks,
			Reason:     end.Reason,
			DurationMs: elapsed.Milliseconds(),
		},
	}
	switch end.Outcome {
	case OutcomeCompleted:
		msg.Status = domain.MessageComplete
		msg.Content = partial
	case OutcomeCancelled:
		msg.Status = domain.MessageCancelled
		msg.Content = withMarker(partial, cancelledMarker)
	default:
		if partial == "" {
			return domain.Message{}, false
		}
		msg.Status = domain.MessageFailed
		msg.Content = withMarker(partial, failedMarker)
	}
	return msg, true
}

func withMarker(partial, marker string) string {
	if partial == "" {
		return marker
	}
	return partial + "\n\n" + marker
}

// textForNewThread validates the requested document and returns its text.
func (a *App) textForNewThread(ctx context.Context, userID, pdfID string) (string, error) {
	if pdfID == "" {
		return "", nil
	}
	pdf, err := a.loadPdf(ctx, userID, pdfID)
	if err != nil {
		return "", err
	}
	text, err := a.documentText(ctx, pdf)
	if err != nil {
		a.logger(ctx).Warn("pdf text unavailable", "pdf_id", pdfID, "err", err)
		return "", nil
	}
	return text, nil
}

// textForThread returns the bound document's text, or "" when the thread has
// no document or it can no longer be read.
func (a *App) textForThread(ctx context.Context, thread domain.Thread) string {
	if thread.PdfID == "" {
		return ""
	}
	pdf, ok, err := a.store.GetPdf(ctx, thread.PdfID)
	if err != nil || !ok {
		a.logger(ctx).Warn("thread pdf unavailable", "thread_id", thread.ID, "pdf_id", thread.PdfID, "err", err)
		return ""
	}
	text, err := a.documentText(ctx, pdf)
	if err != nil {
		a.logger(ctx).Warn("pdf text unavailable", "pdf_id", pdf.ID, "err", err)
		return ""
	}
	return text
}

func (a *App) loadOwnedThread(ctx context.Context, userID, threadID string) (domain.Thread, error) {
	if err := a.checkThreadOwner(ctx, userID, threadID); err != nil {
		return domain.Thread{}, err
	}
	thread, ok, err := a.store.GetThread(ctx, threadID)
	if err != nil {
		return domain.Thread{}, fmt.Errorf("load thread: %w", err)
	}
	if !ok {
		return domain.Thread{}, ErrThreadNotFound
	}
	return thread, nil
}
