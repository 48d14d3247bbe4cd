package notify

import (
	"context"
	"time"

	"github.com/SentinelIQ/SentinelCore/core"
	"go.uber.org/zap"
)

// Runner is the built-in handler for notification-stage modules. The module
// configuration selects the channel:
//
//	channel: webhook | slack
//	url:     destination URL
//	method:  HTTP method (webhook only, default POST)
//	headers: map of extra request headers (webhook only)
//	subject: message subject line
type Runner struct {
	timeout  time.Duration
	breakers *breakerSet
	logger   *zap.SugaredLogger
}

// NewRunner creates the notification runner. timeout bounds each delivery
// request. Endpoints that fail repeatedly are short-circuited until the
// breaker cooldown elapses.
func NewRunner(timeout time.Duration, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		timeout:  timeout,
		breakers: newBreakerSet(BreakerConfig{}),
		logger:   logger,
	}
}

// Handler implements core.Runner.
func (r *Runner) Handler() string { return "notify.send" }

// Execute implements core.Runner: it delivers the input payload through the
// configured channel and counts one item per successful delivery.
func (r *Runner) Execute(ctx context.Context, cfg map[string]interface{}, input core.Payload) (int, core.Payload, error) {
	url, _ := cfg["url"].(string)
	if url == "" {
		return 0, nil, core.Fatalf("notification module missing url")
	}
	subject, _ := cfg["subject"].(string)
	if subject == "" {
		subject = "SentinelCore notification"
	}

	var sender Sender
	channel, _ := cfg["channel"].(string)
	switch ChannelType(channel) {
	case ChannelSlack:
		sender = NewSlackSender(url, r.timeout, r.logger)
	case ChannelWebhook, "":
		method, _ := cfg["method"].(string)
		headers := make(map[string]string)
		if raw, ok := cfg["headers"].(map[string]interface{}); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					headers[k] = s
				}
			}
		}
		sender = NewWebhookSender(url, method, headers, r.timeout, r.logger)
	default:
		return 0, nil, core.Fatalf("unknown notification channel %q", channel)
	}

	breaker := r.breakers.forEndpoint(url)
	if !breaker.Allow() {
		return 0, nil, core.Transientf("notification endpoint %s circuit open", url)
	}

	if err := sender.Send(ctx, subject, input); err != nil {
		breaker.RecordFailure()
		return 0, nil, err
	}
	breaker.RecordSuccess()
	return 1, nil, nil
}
