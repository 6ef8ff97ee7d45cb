// Package activity keeps per-chat message counters in Redis.
//
// Keys:
//
//	chat:{id}:activity             zset, all-time message count per user
//	chat:{id}:activity:{YYYYMMDD}  zset, per-day message count per user
//	chat:{id}:names                hash, user id -> display name
//	chats:active                   zset, chat id scored by last-seen unix time
//
// The per-day zsets feed the daily report; the weekly cleanup deletes the
// ones older than the retention window.
package activity
