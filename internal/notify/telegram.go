package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/timur-me/kleinanzeigen-sniper/internal/common/config"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/errors"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/logger"
)

// TelegramChannel delivers messages through the Telegram Bot API. Safe for
// concurrent use.
type TelegramChannel struct {
	apiURL     string
	token      string
	httpClient *http.Client
	logger     logger.Logger
}

func NewTelegramChannel(cfg config.TelegramConfig, log logger.Logger) *TelegramChannel {
	return &TelegramChannel{
		apiURL:     cfg.APIURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: config.GetDuration(cfg.Timeout)},
		logger:     log.WithFields(map[string]interface{}{"component": "telegram"}),
	}
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send delivers one message to the user's chat. A 429 from the API becomes a
// typed RateLimitedError carrying the retry_after hint; everything else that
// is not a confirmed delivery is a DELIVERY_FAILED.
func (t *TelegramChannel) Send(ctx context.Context, userID int64, message string) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                userID,
		Text:                  message,
		ParseMode:             "Markdown",
		DisableWebPagePreview: false,
	})
	if err != nil {
		return errors.NewDeliveryFailedError(userID, err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.NewDeliveryFailedError(userID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return errors.NewDeliveryFailedError(userID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewDeliveryFailedError(userID, err)
	}

	// Rate limiting is decided by the status line alone so a 429 with a
	// mangled body still backs off instead of counting as a hard failure.
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Second
		var result sendMessageResponse
		if err := json.Unmarshal(body, &result); err == nil && result.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(result.Parameters.RetryAfter) * time.Second
		}
		return &errors.RateLimitedError{RetryAfter: retryAfter}
	}

	var result sendMessageResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return errors.NewDeliveryFailedError(userID, fmt.Errorf("status %d: unparseable response", resp.StatusCode))
	}

	if !result.OK {
		return errors.NewDeliveryFailedError(userID, fmt.Errorf("status %d: %s", resp.StatusCode, result.Description))
	}

	t.logger.Debug("message delivered", map[string]interface{}{"chatId": userID})
	return nil
}
