package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unclebandit/wa-campaigns/internal/metrics"
	"github.com/unclebandit/wa-campaigns/internal/model"
)

const (
	defaultMessagesPerSecond = 80
	maxErrorRunes            = 512
)

// TemplateMessage is one outbound template send.
type TemplateMessage struct {
	Phone        string
	TemplateName string
	Language     string
	BodyParams   []string
	Buttons      []model.ButtonParam
	// UseLite routes the send through the marketing-only lite endpoint. The
	// caller decides; the client never overrides it.
	UseLite bool
}

type Client struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	logger     *zap.Logger

	mu       sync.Mutex
	limiters map[int]*rate.Limiter
}

func NewClient(baseURL, apiVersion string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: apiVersion,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		limiters:   make(map[int]*rate.Limiter),
	}
}

// Validate checks that a channel carries enough configuration to send.
func (c *Client) Validate(ch *model.Channel) error {
	if ch == nil {
		return &ConfigError{Reason: "channel missing"}
	}
	if strings.TrimSpace(ch.AccessToken) == "" {
		return &ConfigError{ChannelID: ch.ID, Reason: "access token missing"}
	}
	if strings.TrimSpace(ch.PhoneNumberID) == "" {
		return &ConfigError{ChannelID: ch.ID, Reason: "phone number id missing"}
	}
	return nil
}

// Send delivers a template message and returns the provider message id.
func (c *Client) Send(ctx context.Context, ch *model.Channel, msg TemplateMessage) (string, error) {
	if err := c.Validate(ch); err != nil {
		return "", err
	}

	to := NormalizePhone(ch.DefaultCountryCode, msg.Phone)
	if to == "" {
		return "", &ProviderError{StatusCode: http.StatusBadRequest, Code: 100, Title: "Invalid parameter", Message: "recipient phone is empty"}
	}

	body, err := json.Marshal(buildPayload(to, msg))
	if err != nil {
		return "", fmt.Errorf("failed to marshal whatsapp payload: %w", err)
	}

	if err := c.limiter(ch).Wait(ctx); err != nil {
		return "", &NetworkError{Err: err}
	}

	endpoint := c.endpoint(ch, msg.UseLite)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ch.AccessToken)

	timer := prometheus.NewTimer(metrics.ProviderSendDuration.WithLabelValues(metrics.PathLabel(msg.UseLite)))
	defer timer.ObserveDuration()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("whatsapp send transport error",
			zap.Int("channel_id", ch.ID), zap.String("to", to), zap.Error(err))
		return "", &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &NetworkError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sendErr := parseError(ch.ID, resp.StatusCode, respBody)
		c.logger.Warn("whatsapp send rejected",
			zap.Int("channel_id", ch.ID),
			zap.String("to", to),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)),
			zap.Error(sendErr))
		return "", sendErr
	}

	var out sendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &NetworkError{Err: fmt.Errorf("decode send response: %w", err)}
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", &NetworkError{Err: errors.New("send response carried no message id")}
	}

	c.logger.Debug("whatsapp message sent",
		zap.Int("channel_id", ch.ID),
		zap.String("to", to),
		zap.Bool("lite", msg.UseLite),
		zap.String("provider_message_id", out.Messages[0].ID),
		zap.Duration("duration", time.Since(start)))

	return out.Messages[0].ID, nil
}

func (c *Client) endpoint(ch *model.Channel, lite bool) string {
	version := c.apiVersion
	if ch.APIVersion != "" {
		version = ch.APIVersion
	}
	path := "messages"
	if lite {
		path = "marketing_messages"
	}
	return fmt.Sprintf("%s/%s/%s/%s", c.baseURL, version, ch.PhoneNumberID, path)
}

func (c *Client) limiter(ch *model.Channel) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.limiters[ch.ID]; ok {
		return l
	}
	mps := ch.MessagesPerSecond
	if mps <= 0 {
		mps = defaultMessagesPerSecond
	}
	l := rate.NewLimiter(rate.Limit(mps), mps)
	c.limiters[ch.ID] = l
	return l
}

// ====================== wire format ======================

type sendRequest struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string      `json:"name"`
	Language   language    `json:"language"`
	Components []component `json:"components,omitempty"`
}

type language struct {
	Code string `json:"code"`
}

type component struct {
	Type       string      `json:"type"`
	SubType    string      `json:"sub_type,omitempty"`
	Index      string      `json:"index,omitempty"`
	Parameters []parameter `json:"parameters"`
}

type parameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message        string `json:"message"`
		Type           string `json:"type"`
		Code           int    `json:"code"`
		ErrorSubcode   int    `json:"error_subcode"`
		ErrorUserTitle string `json:"error_user_title"`
		ErrorData      struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}

func buildPayload(to string, msg TemplateMessage) sendRequest {
	lang := msg.Language
	if lang == "" {
		lang = "en_US"
	}

	var comps []component
	if len(msg.BodyParams) > 0 {
		comps = append(comps, component{Type: "body", Parameters: textParams(msg.BodyParams)})
	}
	for _, b := range msg.Buttons {
		comps = append(comps, component{
			Type:       "button",
			SubType:    "url",
			Index:      strconv.Itoa(b.Index),
			Parameters: textParams(b.Params),
		})
	}

	return sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "template",
		Template: templatePayload{
			Name:       msg.TemplateName,
			Language:   language{Code: lang},
			Components: comps,
		},
	}
}

func textParams(values []string) []parameter {
	out := make([]parameter, len(values))
	for i, v := range values {
		out[i] = parameter{Type: "text", Text: v}
	}
	return out
}

func parseError(channelID, status int, body []byte) error {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil || (er.Error.Message == "" && er.Error.Code == 0) {
		msg := strings.TrimSpace(string(body))
		if utf8.RuneCountInString(msg) > maxErrorRunes {
			msg = string([]rune(msg)[:maxErrorRunes])
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		if status == http.StatusUnauthorized {
			return &ConfigError{ChannelID: channelID, Reason: msg}
		}
		return &ProviderError{StatusCode: status, Message: msg}
	}

	if status == http.StatusUnauthorized || configCodes[er.Error.Code] {
		return &ConfigError{ChannelID: channelID, Reason: er.Error.Message}
	}

	return &ProviderError{
		StatusCode: status,
		Code:       er.Error.Code,
		Subcode:    er.Error.ErrorSubcode,
		Type:       er.Error.Type,
		Title:      er.Error.ErrorUserTitle,
		Message:    er.Error.Message,
		Details:    er.Error.ErrorData.Details,
	}
}
