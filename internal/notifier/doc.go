// Package notifier delivers short operator messages (publish failures,
// successes, error-level log lines) to a Telegram chat.
//
// Messages go through a bounded queue served by supervised workers, with a
// token-bucket rate limit, bounded retries and a dedup window so a burst of
// identical failures produces one message.
package notifier
