// Package notification fans events out to Telegram and Discord. Sends are
// fire-and-forget: a failed or slow webhook never blocks the pipeline.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"confluence-trading-bot/internal/logging"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifySetup      NotificationType = "setup"
	NotifyTradeOpen  NotificationType = "trade_open"
	NotifyTradeClose NotificationType = "trade_close"
	NotifyTrailing   NotificationType = "trailing"
	NotifyEmergency  NotificationType = "emergency"
	NotifyError      NotificationType = "error"
	NotifyInfo       NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type       NotificationType
	Title      string
	Message    string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
	log       *logging.Logger
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
		log:       logging.WithComponent("notification"),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send dispatches asynchronously to every enabled provider
func (m *Manager) Send(notification *Notification) {
	if !m.enabled {
		return
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		go func(n Notifier) {
			if err := n.Send(notification); err != nil {
				m.log.Warn("notification send failed",
					"provider", n.Name(), "type", string(notification.Type), "error", err)
			}
		}(n)
	}
}

// SendSetupReady announces a completed confluence setup
func (m *Manager) SendSetupReady(bias string, price float64) {
	emoji := "🟢"
	if bias == "BEARISH" {
		emoji = "🔴"
	}
	m.Send(&Notification{
		Type:    NotifySetup,
		Title:   fmt.Sprintf("%s Setup Ready: BTC-USD", emoji),
		Message: fmt.Sprintf("Bias %s\nPrice: %.2f\nSweep → CHoCH → FVG → BOS confirmed", bias, price),
		Price:   price,
	})
}

// SendTradeOpen announces an opened trade
func (m *Manager) SendTradeOpen(direction string, entry, size, stop, takeProfit float64) {
	m.Send(&Notification{
		Type:  NotifyTradeOpen,
		Title: "📈 Trade Opened: BTC-USD",
		Message: fmt.Sprintf("%s\nEntry: %.2f\nSize: %.8f\nSL: %.2f | TP: %.2f",
			direction, entry, size, stop, takeProfit),
		Price: entry,
	})
}

// SendTradeClose announces a closed trade
func (m *Manager) SendTradeClose(outcome string, exit, pnl float64) {
	emoji := "✅"
	if pnl < 0 {
		emoji = "❌"
	}
	m.Send(&Notification{
		Type:    NotifyTradeClose,
		Title:   fmt.Sprintf("%s Trade Closed: %s", emoji, outcome),
		Message: fmt.Sprintf("Exit: %.2f\nP&L: %.2f", exit, pnl),
		Price:   exit,
		PnL:     pnl,
	})
}

// SendEmergencyStop announces the emergency stop
func (m *Manager) SendEmergencyStop(reason string) {
	m.Send(&Notification{
		Type:    NotifyEmergency,
		Title:   "🛑 EMERGENCY STOP",
		Message: reason,
	})
}

// SendError sends an error notification
func (m *Manager) SendError(title, message string) {
	m.Send(&Notification{
		Type:    NotifyError,
		Title:   fmt.Sprintf("⚠️ %s", title),
		Message: message,
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	color := 0x00FF00
	if notification.Type == NotifyError || notification.Type == NotifyEmergency {
		color = 0xFF0000
	} else if notification.Type == NotifyTradeClose && notification.PnL < 0 {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}
	payload := map[string]interface{}{
		"embeds": []interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
