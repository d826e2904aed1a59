package runtime

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	handlerpkg "github.com/fleetops/fleetbus/internal/runtime/handlers"
)

// JobContext provides information about a handler invocation to hooks.
type JobContext struct {
	// MessageUUID is the unique identifier of the message.
	MessageUUID string
	// CallID is the RPC call identifier, if the message carries one.
	CallID string
	// Metadata contains the message metadata.
	Metadata message.Metadata
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when processing started.
	StartedAt time.Time
	// Duration is how long processing took (set in OnJobDone and OnJobError).
	Duration time.Duration
	// RetryCount is how many times this message has been retried.
	RetryCount int
}

// JobHooks defines callbacks for handler lifecycle events.
// All hooks are optional; nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart runs before the handler function is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone runs when the handler completes without error.
	OnJobDone func(ctx JobContext)

	// OnJobError runs when the handler returns an error.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks into one that calls both, h's hooks first.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainStartHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainDoneHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainStartHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainDoneHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks
// around every handler invocation.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return jobHooksMiddleware(hooks), nil
		},
	}
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			startTime := time.Now()

			retryCount := 0
			if raw := msg.Metadata.Get(handlerpkg.MetadataKeyRetryCount); raw != "" {
				if n, err := strconv.Atoi(raw); err == nil && n > 0 {
					retryCount = n
				}
			}

			jobCtx := JobContext{
				MessageUUID: msg.UUID,
				CallID:      msg.Metadata.Get(handlerpkg.MetadataKeyCallID),
				Metadata:    msg.Metadata,
				Context:     msg.Context(),
				StartedAt:   startTime,
				RetryCount:  retryCount,
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)

			jobCtx.Duration = time.Since(startTime)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else {
				if hooks.OnJobDone != nil {
					hooks.OnJobDone(jobCtx)
				}
			}

			return msgs, err
		}
	}
}
