package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// Config selects the alert channels.
type Config struct {
	SlackWebhookURL string        `mapstructure:"slack_webhook_url"`
	WebhookURL      string        `mapstructure:"webhook_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	// SuppressionWindow drops repeats of the same alert title. Zero
	// disables suppression.
	SuppressionWindow time.Duration `mapstructure:"suppression_window"`
}

// Channels builds the channels enabled by cfg.
func (cfg Config) Channels() []Channel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var channels []Channel
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, NewSlackChannel(cfg.SlackWebhookURL, timeout))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, NewWebhookChannel(cfg.WebhookURL, timeout))
	}
	return channels
}

// Notifier implements external.OperatorAlerter.
type Notifier struct {
	channel Channel
	redis   *redis.Client
	window  time.Duration
	service string
	now     func() time.Time
	logger  *logging.Logger
}

var _ external.OperatorAlerter = (*Notifier)(nil)

// NewNotifier sends alerts through channel. A nil redis client disables
// suppression.
func NewNotifier(channel Channel, redisClient *redis.Client, window time.Duration, service string, logger *logging.Logger) *Notifier {
	return &Notifier{
		channel: channel,
		redis:   redisClient,
		window:  window,
		service: service,
		now:     time.Now,
		logger:  logger.WithComponent("alerts"),
	}
}

// Notify sends the alert unless the same title was sent within the
// suppression window. A suppression store outage lets the alert through.
func (n *Notifier) Notify(ctx context.Context, title, message string) error {
	if n.suppressed(ctx, title) {
		metrics.OperatorAlerts.WithLabelValues("suppressed").Inc()
		n.logger.DebugContext(ctx, "operator alert suppressed", "title", title)
		return nil
	}

	err := n.channel.Send(ctx, Alert{
		Title:     title,
		Message:   message,
		Service:   n.service,
		Timestamp: n.now(),
	})
	if err != nil {
		metrics.OperatorAlerts.WithLabelValues("failed").Inc()
		n.logger.ErrorContext(ctx, "operator alert not delivered", "title", title, logging.Error(err))
		return fmt.Errorf("send alert via %s: %w", n.channel.Type(), err)
	}
	metrics.OperatorAlerts.WithLabelValues("sent").Inc()
	return nil
}

func (n *Notifier) suppressed(ctx context.Context, title string) bool {
	if n.redis == nil || n.window <= 0 {
		return false
	}
	first, err := n.redis.SetNX(ctx, suppressionKey(n.service, title), n.now().Unix(), n.window).Result()
	if err != nil {
		n.logger.WarnContext(ctx, "alert suppression unavailable", logging.Error(err))
		return false
	}
	return !first
}

func suppressionKey(service, title string) string {
	sum := sha256.Sum256([]byte(title))
	return fmt.Sprintf("alert-suppression:%s:%s", service, hex.EncodeToString(sum[:8]))
}
