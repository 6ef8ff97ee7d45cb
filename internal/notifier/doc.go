// Package notifier delivers bot output to chats.
//
// Two paths share one rate limiter:
//
//   - Send is synchronous and used by task bodies (daily reports). Errors are
//     returned so the task engine can retry the run.
//   - Notify is asynchronous and used for operator alerts. Alerts are queued,
//     deduplicated over a window (optionally persisted in storage so a restart
//     does not re-send), and retried with backoff by a small worker pool.
//
// Delivery itself is delegated to a transport.Sender (the Telegram adapter).
package notifier
