// Package dispatch implements the execution engine core: a dispatcher that
// accepts typed messages, orders them by priority through a shared queue,
// passes them through a per-type rate limiter gate, and runs them inline,
// on pooled workers, or in killable corelet subprocesses.
//
// The dispatcher also owns retry with exponential backoff, delayed and
// recurring scheduling, result delivery keyed by the submitter's message
// ID, and graceful versus forced shutdown.
package dispatch
