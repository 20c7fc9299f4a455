package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/noemahq/noema/internal/core"
)

// Sender pushes one terminal notification to a chat platform. platformID is
// the user's identity on that platform (chat id, channel id).
type Sender interface {
	Platform() string
	Send(ctx context.Context, platformID string, gen *core.Generation) error
}

// renderText formats the terminal notification shared by both chat senders.
func renderText(gen *core.Generation) string {
	switch gen.Status {
	case core.GenCompleted:
		if url := firstOutputURL(gen.ResultPayload); url != "" {
			return fmt.Sprintf("✅ %s finished\n%s", gen.ToolDisplayName, url)
		}
		return fmt.Sprintf("✅ %s finished", gen.ToolDisplayName)
	case core.GenTimeout:
		return fmt.Sprintf("⏱️ %s timed out", gen.ToolDisplayName)
	case core.GenCancelled:
		return fmt.Sprintf("🛑 %s cancelled", gen.ToolDisplayName)
	default:
		msg := "generation failed"
		if gen.Error != nil {
			msg = gen.Error.Message
		}
		return fmt.Sprintf("❌ %s: %s", gen.ToolDisplayName, msg)
	}
}

// firstOutputURL digs the first artifact URL out of a free-form result
// payload. Known shapes: {images:[{url}]}, {outputs:{images:[{url}]}},
// {url}, {response}.
func firstOutputURL(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	if url, ok := payload["url"].(string); ok {
		return url
	}
	if imgs := imageList(payload["images"]); imgs != "" {
		return imgs
	}
	if outputs, ok := payload["outputs"].(map[string]interface{}); ok {
		return firstOutputURL(outputs)
	}
	return ""
}

func imageList(v interface{}) string {
	images, ok := v.([]interface{})
	if !ok || len(images) == 0 {
		return ""
	}
	img, ok := images[0].(map[string]interface{})
	if !ok {
		return ""
	}
	url, _ := img["url"].(string)
	return url
}

// ============================================================================
// TELEGRAM
// ============================================================================

// TelegramSender posts through the Bot API's sendMessage endpoint.
type TelegramSender struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

func NewTelegramSender(token string) *TelegramSender {
	return &TelegramSender{
		token:      token,
		baseURL:    "https://api.telegram.org",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSender) Platform() string { return "telegram" }

func (t *TelegramSender) Send(ctx context.Context, chatID string, gen *core.Generation) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     renderText(gen),
		"disable_web_page_preview": false,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	return postJSON(ctx, t.httpClient, url, nil, body, "telegram")
}

// ============================================================================
// DISCORD
// ============================================================================

// DiscordSender posts a channel message with bot authorization.
type DiscordSender struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

func NewDiscordSender(token string) *DiscordSender {
	return &DiscordSender{
		token:      token,
		baseURL:    "https://discord.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordSender) Platform() string { return "discord" }

func (d *DiscordSender) Send(ctx context.Context, channelID string, gen *core.Generation) error {
	body, err := json.Marshal(map[string]interface{}{
		"content": renderText(gen),
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/v10/channels/%s/messages", d.baseURL, channelID)
	headers := map[string]string{"Authorization": "Bot " + d.token}
	return postJSON(ctx, d.httpClient, url, headers, body, "discord")
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte, platform string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return core.Wrap(core.KindUpstreamFailed, err, "%s request", platform)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return core.Wrap(core.KindUpstreamFailed, err, "%s send", platform)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return core.E(core.KindUpstreamFailed, "%s returned %d", platform, resp.StatusCode)
	}
	return nil
}
