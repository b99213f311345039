// Package notifier is the alert sink.
//
// Alerts are fire-and-forget: Alert enqueues and returns. Workers deliver
// each alert to every configured Transport under a shared rate limit, with
// exponential backoff per transport. Identical alerts inside the dedup
// window are suppressed, optionally across restarts through storage.
//
// Transports live in subpackages: telegram (gopkg.in/telebot.v4) and email.
package notifier
