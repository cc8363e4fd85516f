// Package notifier tells executor peers that work is available.
//
// Peers poll the store on their own interval; a notification only shortens
// the wait. Delivery is therefore best-effort: wake-ups coalesce into a
// single pending slot, each peer call has a short timeout, and failures are
// logged at debug level and otherwise ignored.
//
// # Peers
//
// Executors advertise their base URL in the store's node table (see
// Service.Start). A wake-up is an HTTP POST to /api/v1/notify on every
// fresh node except this one. Cancel requests for a running job go to the
// node that owns it.
//
// # Redis
//
// When notifier.redis.addr is set, wake-ups are also published on the
// "<prefix>:wake" channel and the service subscribes to the same channel,
// so nodes without a reachable URL still hear about new work.
package notifier
