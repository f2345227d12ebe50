// Package scheduler runs batches of model-requested tool calls.
//
// A batch moves every call through a small status machine:
//
//	validating -> awaiting_approval -> scheduled -> executing -> success
//	                                                          -> error
//	                                                          -> cancelled
//
// Calls that need no approval skip awaiting_approval. Execution starts once
// no call of the batch is still validating or awaiting approval, and all
// approved calls then run concurrently.
//
// Lifecycle notifications are delivered in order on Scheduler.Events():
// EventOutput for live tool output, EventBatchUpdate on every status change
// and EventAllComplete once every call of the batch is terminal.
//
// Usage:
//
//	s := scheduler.New(registry, scheduler.WithApprovalMode(scheduler.ApprovalDefault))
//	defer s.Close()
//
//	if err := s.Schedule(ctx, requests); err != nil {
//	    return err
//	}
//	calls, err := s.WaitIdle(ctx)
package scheduler
