// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/skysentry/internal/logger"
	"github.com/rewired-gh/skysentry/internal/models"
	"github.com/rewired-gh/skysentry/internal/service"
)

const recentAlerts = 5

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Commands is what chat commands can ask of the query service.
type Commands interface {
	Regions() []service.RegionStatus
	RequestFetchNow(region string) error
	Summarize(region string) (string, error)
	ListAlerts(filter models.FindingFilter) ([]models.Finding, error)
}

// Options control which findings are pushed.
type Options struct {
	MinSeverity models.Severity
	// MaxFindings caps the findings listed in one message; the rest are counted.
	MaxFindings int
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	out            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	opts           Options
	now            func() time.Time
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration, opts Options) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, maxRetries, retryDelayBase, opts)
	c.bot = bot
	return c, nil
}

func newClient(out sender, chatID int64, maxRetries int, retryDelayBase time.Duration, opts Options) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	if opts.MinSeverity.Rank() == 0 {
		opts.MinSeverity = models.SeverityMedium
	}
	if opts.MaxFindings <= 0 {
		opts.MaxFindings = 10
	}
	return &Client{
		out:            out,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		opts:           opts,
		now:            time.Now,
	}
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// Only messages from the configured chat are answered. It returns immediately; the goroutine
// stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, cmds Commands) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg := update.Message
				if msg == nil || !msg.IsCommand() || msg.Chat.ID != c.chatID {
					continue
				}
				text := c.handleCommand(cmds, msg.Command(), msg.CommandArguments())
				if text == "" {
					continue
				}
				reply := tgbotapi.NewMessage(msg.Chat.ID, text)
				if _, err := c.out.Send(reply); err != nil {
					logger.Warn("Failed to answer /%s: %v", msg.Command(), err)
				}
			}
		}
	}()
}

// handleCommand returns the plain-text reply to a command, or "" to ignore it.
func (c *Client) handleCommand(cmds Commands, command, args string) string {
	region := strings.TrimSpace(args)
	switch command {
	case "ping":
		return "Pong"

	case "regions":
		var b strings.Builder
		for _, r := range cmds.Regions() {
			fmt.Fprintf(&b, "%s: %s, next fetch %s\n", r.Region.Name, r.State,
				humanize.RelTime(r.NextFetch, c.now(), "ago", "from now"))
		}
		if b.Len() == 0 {
			return "No regions configured."
		}
		return strings.TrimSpace(b.String())

	case "fetch":
		if region == "" {
			return "Usage: /fetch <region>"
		}
		if err := cmds.RequestFetchNow(region); err != nil {
			return fmt.Sprintf("Cannot fetch: %v", err)
		}
		return fmt.Sprintf("Fetch queued for %s. It runs as soon as the rate budget allows.", region)

	case "summary":
		if region == "" {
			return "Usage: /summary <region>"
		}
		text, err := cmds.Summarize(region)
		if err != nil {
			return fmt.Sprintf("Cannot summarize: %v", err)
		}
		return text

	case "alerts":
		findings, err := cmds.ListAlerts(models.FindingFilter{Region: region, Limit: recentAlerts})
		if err != nil {
			return fmt.Sprintf("Cannot list alerts: %v", err)
		}
		if len(findings) == 0 {
			return "No alerts recorded."
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Latest %d alert(s):\n", len(findings))
		for _, f := range findings {
			fmt.Fprintf(&b, "[%s] %s %s, %s\n", strings.ToUpper(string(f.Severity)), label(f), f.Rule,
				humanize.RelTime(f.DetectedAt, c.now(), "ago", "from now"))
		}
		return strings.TrimSpace(b.String())
	}
	return ""
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.out.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a polling error notification for region.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(region string, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Polling error* in %s\n`%s`", escapeMarkdownV2(region), escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(region string, failureCount int) error {
	text := fmt.Sprintf("✅ *Polling recovered* in %s after %d consecutive failure\\(s\\)",
		escapeMarkdownV2(region), failureCount)
	return c.sendMarkdownV2(text)
}

// Publish notifies the chat about the new findings of a cycle that reach the minimum severity.
func (c *Client) Publish(ctx context.Context, snap *models.Snapshot, findings []models.Finding) error {
	var notable []models.Finding
	for _, f := range findings {
		if f.Severity.Rank() >= c.opts.MinSeverity.Rank() {
			notable = append(notable, f)
		}
	}
	if len(notable) == 0 {
		return nil
	}
	return c.sendMarkdownV2(c.formatMessage(snap, notable))
}

// formatMessage formats findings into a Telegram MarkdownV2 message, most severe first.
func (c *Client) formatMessage(snap *models.Snapshot, findings []models.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *Flight anomalies in %s*\n", escapeMarkdownV2(snap.Region))
	dateStr := escapeMarkdownV2(snap.FetchedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "📅 Fetched: %s\n\n", dateStr)

	ordered := make([]models.Finding, 0, len(findings))
	for rank := models.SeverityHigh.Rank(); rank >= models.SeverityLow.Rank(); rank-- {
		for _, f := range findings {
			if f.Severity.Rank() == rank {
				ordered = append(ordered, f)
			}
		}
	}

	shown := ordered[:min(len(ordered), c.opts.MaxFindings)]
	for i, f := range shown {
		emoji := "🟡"
		switch f.Severity {
		case models.SeverityHigh:
			emoji = "🔴"
		case models.SeverityLow:
			emoji = "⚪"
		}
		fmt.Fprintf(&b, "%d\\. %s *%s* %s\n", i+1, emoji, escapeMarkdownV2(label(f)), escapeMarkdownV2(string(f.Rule)))
		if f.Description != "" {
			fmt.Fprintf(&b, "   %s\n", escapeMarkdownV2(f.Description))
		}
		if sv, ok := snap.Find(f.AircraftID); ok && sv.Latitude != nil && sv.Longitude != nil {
			pos := escapeMarkdownV2(fmt.Sprintf("%.4f, %.4f", *sv.Latitude, *sv.Longitude))
			fmt.Fprintf(&b, "   📍 %s\n", pos)
		}
	}
	if rest := len(ordered) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "\n…and %d more\n", rest)
	}
	return b.String()
}

func label(f models.Finding) string {
	if f.Callsign != "" {
		return f.Callsign
	}
	return f.AircraftID
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
