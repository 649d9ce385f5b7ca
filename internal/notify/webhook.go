// Package notify delivers proxy lifecycle events (pool switches,
// upstream disconnects, crashed components) to Discord and Telegram.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tos-network/stratum-splitter/internal/util"
)

// WebhookConfig holds webhook configuration.
type WebhookConfig struct {
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	Enabled      bool   `mapstructure:"enabled"`
	ProxyName    string
}

// Retry configuration.
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier handles sending notifications.
type Notifier struct {
	cfg    *WebhookConfig
	client *http.Client
}

// NewNotifier creates a new notifier.
func NewNotifier(cfg *WebhookConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (n *Notifier) dispatch(discord, telegram func()) {
	if !n.cfg.Enabled {
		return
	}
	if n.cfg.DiscordURL != "" {
		go discord()
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go telegram()
	}
}

// NotifyPoolSwitched announces a scheduler-driven reassignment of a
// miner (or of all miners, on forced failover) from one pool to another.
func (n *Notifier) NotifyPoolSwitched(fromPool, toPool string, forced bool) {
	n.dispatch(
		func() { n.sendDiscordPoolSwitched(fromPool, toPool, forced) },
		func() { n.sendTelegramPoolSwitched(fromPool, toPool, forced) },
	)
}

// NotifyPoolDisconnected announces an upstream pool connection drop.
func (n *Notifier) NotifyPoolDisconnected(poolID string, consecutiveTimeouts int) {
	n.dispatch(
		func() { n.sendDiscordPoolDisconnected(poolID, consecutiveTimeouts) },
		func() { n.sendTelegramPoolDisconnected(poolID, consecutiveTimeouts) },
	)
}

// NotifyComponentCrashed announces a supervised component panic and
// restart.
func (n *Notifier) NotifyComponentCrashed(component string, reason string) {
	n.dispatch(
		func() { n.sendDiscordComponentCrashed(component, reason) },
		func() { n.sendTelegramComponentCrashed(component, reason) },
	)
}

// DiscordEmbed represents a Discord embed object.
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed.
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed.
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message.
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) embed(title, description string, color int, fields []DiscordField) DiscordMessage {
	return DiscordMessage{
		Embeds: []DiscordEmbed{{
			Title:       title,
			Description: description,
			Color:       color,
			Fields:      fields,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Footer:      &DiscordFooter{Text: n.cfg.ProxyName},
		}},
	}
}

func (n *Notifier) sendDiscordPoolSwitched(fromPool, toPool string, forced bool) {
	desc := fmt.Sprintf("**%s** switched a miner from pool %s to pool %s", n.cfg.ProxyName, fromPool, toPool)
	if forced {
		desc = fmt.Sprintf("**%s** force-failed-over all miners from pool %s to pool %s", n.cfg.ProxyName, fromPool, toPool)
	}
	msg := n.embed("Pool Switched", desc, 0x0099FF, []DiscordField{
		{Name: "From", Value: fromPool, Inline: true},
		{Name: "To", Value: toPool, Inline: true},
		{Name: "Forced", Value: fmt.Sprintf("%v", forced), Inline: true},
	})
	n.sendDiscordMessageWithRetry(msg)
}

func (n *Notifier) sendDiscordPoolDisconnected(poolID string, consecutiveTimeouts int) {
	msg := n.embed("Pool Disconnected", fmt.Sprintf("**%s** lost its connection to pool %s", n.cfg.ProxyName, poolID), 0xFF0000, []DiscordField{
		{Name: "Pool", Value: poolID, Inline: true},
		{Name: "Consecutive timeouts", Value: fmt.Sprintf("%d", consecutiveTimeouts), Inline: true},
	})
	n.sendDiscordMessageWithRetry(msg)
}

func (n *Notifier) sendDiscordComponentCrashed(component, reason string) {
	msg := n.embed("Component Crashed", fmt.Sprintf("**%s** recovered a panic and is restarting %s", n.cfg.ProxyName, component), 0xFFA500, []DiscordField{
		{Name: "Component", Value: component, Inline: true},
		{Name: "Reason", Value: reason, Inline: false},
	})
	n.sendDiscordMessageWithRetry(msg)
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry.
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}

		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Discord notification after %d attempts: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message.
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegramPoolSwitched(fromPool, toPool string, forced bool) {
	verb := "switched a miner"
	if forced {
		verb = "force-failed-over all miners"
	}
	text := fmt.Sprintf("*Pool Switched*\n\n%s %s\nFrom: `%s`\nTo: `%s`", n.cfg.ProxyName, verb, fromPool, toPool)
	n.sendTelegramMessageWithRetry(text)
}

func (n *Notifier) sendTelegramPoolDisconnected(poolID string, consecutiveTimeouts int) {
	text := fmt.Sprintf("*Pool Disconnected*\n\nPool: `%s`\nConsecutive timeouts: `%d`", poolID, consecutiveTimeouts)
	n.sendTelegramMessageWithRetry(text)
}

func (n *Notifier) sendTelegramComponentCrashed(component, reason string) {
	text := fmt.Sprintf("*Component Crashed*\n\nComponent: `%s`\nReason: `%s`", component, reason)
	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry.
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}

		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Telegram notification after %d attempts: %v", MaxRetries, lastErr)
	}
}
