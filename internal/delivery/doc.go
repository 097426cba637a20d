// Package delivery is the provider-agnostic outbound transport layer.
//
// A Gateway wraps exactly one provider (SMTP relay, Resend, a Telegram bot,
// an SMS/voice webhook bridge). A Channel owns the ordered gateways of one
// medium, validates addresses before any transmission, and fails over to the
// next gateway when the active one reports unavailable.
//
// Nothing in this package returns transport errors to callers: provider
// failures, panics and missing gateways are folded into failed results.
// There is no retry; a send is attempted at most once per message.
//
// Every result is published on the event bus as "delivery.result" so the
// health tracker can build rolling success rates out of band.
package delivery
