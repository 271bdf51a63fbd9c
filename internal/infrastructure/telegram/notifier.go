package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"ResearchWriter/internal/config"
	"ResearchWriter/internal/events"
)

// Notifier posts session outcomes to a Telegram chat via the bot API.
type Notifier struct {
	endpoint string
	botToken string
	chatID   string
	client   *http.Client
	logger   *zap.Logger
}

var _ events.Observer = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(cfg config.TelegramConfig, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.telegram.org"
	}
	return &Notifier{
		endpoint: strings.TrimRight(endpoint, "/"),
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger.With(zap.String("component", "telegram")),
	}
}

// Observe forwards terminal session events. Failures are logged only.
func (n *Notifier) Observe(e events.Event) {
	if e.Kind != events.KindFinalized && e.Kind != events.KindAborted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()
	if err := n.Send(ctx, Format(e)); err != nil {
		n.logger.Warn("notification failed", zap.String("session_id", e.SessionID), zap.Error(err))
	}
}

// Send posts a plain text message.
func (n *Notifier) Send(ctx context.Context, text string) error {
	if n.botToken == "" || n.chatID == "" {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.endpoint, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}
	return nil
}

// Format renders a terminal event as a short message.
func Format(e events.Event) string {
	var b strings.Builder
	switch e.Kind {
	case events.KindFinalized:
		fmt.Fprintf(&b, "Paper finished: %s\n", e.Topic)
		fmt.Fprintf(&b, "Rounds: %d, elapsed %s\n", e.Round, e.Elapsed.Round(time.Second))
		if e.Artifact != "" {
			fmt.Fprintf(&b, "Artifact: %s\n", e.Artifact)
		}
	default:
		fmt.Fprintf(&b, "Paper aborted: %s\n", e.Topic)
		fmt.Fprintf(&b, "Phase %s, round %d: %s\n", e.From, e.Round, e.ErrorClass)
		if e.Message != "" {
			fmt.Fprintf(&b, "%s\n", e.Message)
		}
		if e.Checkpoint != "" {
			fmt.Fprintf(&b, "Resume from %s\n", e.Checkpoint)
		}
	}
	fmt.Fprintf(&b, "Session %s", e.SessionID)
	return b.String()
}
