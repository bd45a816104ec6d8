// Package alerts fans a compliance violation out to every configured
// notification channel and reduces the per-channel outcomes to one
// alert_sent flag.
//
// Dispatcher.Dispatch starts one goroutine per requested channel at call
// start and joins them on a WaitGroup. Each goroutine owns one slot of the
// outcome slice, so no locking is needed. Every channel retries independently
// (MaxAttempts, exponential backoff with jitter, per-attempt timeout); a slow
// or failing channel never delays a healthy one. Result.AlertSent is true when
// at least one channel succeeded.
//
// Transports: Slack incoming webhook, SendGrid email, Twilio WhatsApp and an
// AMQP publisher for workflow automation. Anything implementing Transport can
// be registered.
package alerts
