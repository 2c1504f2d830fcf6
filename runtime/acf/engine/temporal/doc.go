// Package temporal adapts the fabric's engine abstraction to Temporal.
//
// The adapter maps the fabric contract onto Temporal primitives:
//
//   - SignalWithStart → client.SignalWithStartWorkflow, giving per-key
//     single-in-flight execution with queued, ordered signal delivery. The
//     turn scheduler uses the session key as the workflow ID.
//   - Activity retries → temporal.RetryPolicy with bounded backoff.
//   - Deterministic time, timers, and UUIDs → workflow.Now, workflow.Sleep,
//     workflow.AwaitWithTimeout, and workflow.SideEffect.
//   - Cancellation → workflow.WithCancel for scoped activity cancels and
//     workflow.NewDisconnectedContext for post-cancel cleanup; backend
//     cancellation errors normalize to engine.ErrCanceled.
//
// OpenTelemetry tracing and metrics interceptors are installed by default
// on both the client and the workers.
package temporal
