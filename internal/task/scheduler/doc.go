// Package scheduler owns the job registry and the trigger loop.
//
// A single loop goroutine keeps a min-heap of next fire times. Due jobs are
// handed to the task engine without blocking; execution, retries and metrics
// live there. Job definitions are persisted through storage.JobStore and
// rehydrated on Start by task name.
package scheduler
