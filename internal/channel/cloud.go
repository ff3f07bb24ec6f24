package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bodasure/internal/metrics"
)

// CloudConfig holds configuration for the cloud messaging API transport.
type CloudConfig struct {
	BaseURL     string
	Token       string
	PhoneID     string
	VerifyToken string
	Timeout     time.Duration
}

// Cloud is the hosted messaging API transport. Outbound messages are JSON
// POSTs; inbound traffic arrives on a webhook parsed by Webhook().
type Cloud struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	http      *http.Client
	baseURL   string
	token     string
	phoneID   string
	verify    string
	processor Processor
}

var _ Sender = (*Cloud)(nil)

// NewCloud creates the cloud transport client.
func NewCloud(cfg CloudConfig, logger *slog.Logger, metricRegistry *metrics.Metrics) *Cloud {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Cloud{
		logger:  logger.With("component", "channel_cloud"),
		metrics: metricRegistry,
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		phoneID: cfg.PhoneID,
		verify:  cfg.VerifyToken,
	}
}

// SetProcessor registers the inbound message processor.
func (c *Cloud) SetProcessor(processor Processor) {
	c.processor = processor
}

type cloudEnvelope struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Text             *cloudText      `json:"text,omitempty"`
	Interactive      json.RawMessage `json:"interactive,omitempty"`
	Image            *cloudImage     `json:"image,omitempty"`
}

type cloudText struct {
	Body string `json:"body"`
}

type cloudImage struct {
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// SendText sends a plain text message.
func (c *Cloud) SendText(ctx context.Context, to, text string) error {
	env := cloudEnvelope{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &cloudText{Body: text},
	}
	if err := c.post(ctx, env); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.ChannelOutgoing.WithLabelValues(TypeText).Inc()
	}
	return nil
}

// SendButtons sends up to three quick-reply buttons, falling back to a
// numbered text enumeration if the API rejects the interactive payload.
func (c *Cloud) SendButtons(ctx context.Context, to, body string, options []Option) error {
	if len(options) > 3 {
		return c.SendText(ctx, to, EnumerateOptions(body, options))
	}

	type button struct {
		Type  string `json:"type"`
		Reply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"reply"`
	}
	buttons := make([]button, 0, len(options))
	for _, opt := range options {
		var b button
		b.Type = "reply"
		b.Reply.ID = opt.ID
		b.Reply.Title = opt.Title
		buttons = append(buttons, b)
	}

	interactive, err := json.Marshal(map[string]any{
		"type":   "button",
		"body":   map[string]string{"text": body},
		"action": map[string]any{"buttons": buttons},
	})
	if err != nil {
		return fmt.Errorf("marshal buttons: %w", err)
	}

	env := cloudEnvelope{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "interactive",
		Interactive:      interactive,
	}
	if err := c.post(ctx, env); err != nil {
		c.logger.Warn("interactive send rejected, falling back to text", "error", err)
		return c.SendText(ctx, to, EnumerateOptions(body, options))
	}
	if c.metrics != nil {
		c.metrics.ChannelOutgoing.WithLabelValues(TypeButton).Inc()
	}
	return nil
}

// SendList sends a section list, falling back to plain text on rejection.
func (c *Cloud) SendList(ctx context.Context, to, body, buttonLabel string, sections []Section) error {
	type row struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	type section struct {
		Title string `json:"title,omitempty"`
		Rows  []row  `json:"rows"`
	}
	secs := make([]section, 0, len(sections))
	for _, s := range sections {
		sec := section{Title: s.Title}
		for _, opt := range s.Options {
			sec.Rows = append(sec.Rows, row{ID: opt.ID, Title: opt.Title})
		}
		secs = append(secs, sec)
	}

	if buttonLabel == "" {
		buttonLabel = "Choose"
	}
	interactive, err := json.Marshal(map[string]any{
		"type":   "list",
		"body":   map[string]string{"text": body},
		"action": map[string]any{"button": buttonLabel, "sections": secs},
	})
	if err != nil {
		return fmt.Errorf("marshal list: %w", err)
	}

	env := cloudEnvelope{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "interactive",
		Interactive:      interactive,
	}
	if err := c.post(ctx, env); err != nil {
		c.logger.Warn("list send rejected, falling back to text", "error", err)
		return c.SendText(ctx, to, EnumerateSections(body, sections))
	}
	if c.metrics != nil {
		c.metrics.ChannelOutgoing.WithLabelValues(TypeList).Inc()
	}
	return nil
}

// SendMedia sends an image by link reference. The cloud API does not accept
// raw bytes on this path; callers pass a hosted URL in caption-bearing sends.
func (c *Cloud) SendMedia(ctx context.Context, to string, media []byte, mimeType, caption string) error {
	link := string(media)
	env := cloudEnvelope{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "image",
		Image:            &cloudImage{Link: link, Caption: caption},
	}
	if err := c.post(ctx, env); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.ChannelOutgoing.WithLabelValues(TypeImage).Inc()
	}
	return nil
}

func (c *Cloud) post(ctx context.Context, env cloudEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("cloud api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Webhook returns the HTTP handler for inbound cloud API traffic: GET serves
// the subscription challenge, POST delivers message payloads.
func (c *Cloud) Webhook() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("hub.verify_token") == c.verify {
				_, _ = w.Write([]byte(r.URL.Query().Get("hub.challenge")))
				return
			}
			http.Error(w, "verification failed", http.StatusForbidden)
		case http.MethodPost:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			defer r.Body.Close()

			for _, parsed := range parseCloudPayload(body) {
				if c.metrics != nil {
					c.metrics.ChannelIncoming.WithLabelValues(parsed.Type).Inc()
				}
				if c.processor != nil {
					go c.processor.Process(context.Background(), parsed)
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func parseCloudPayload(body []byte) []ParsedMessage {
	var payload struct {
		Entry []struct {
			Changes []struct {
				Value struct {
					Contacts []struct {
						Profile struct {
							Name string `json:"name"`
						} `json:"profile"`
						WaID string `json:"wa_id"`
					} `json:"contacts"`
					Messages []struct {
						From string `json:"from"`
						ID   string `json:"id"`
						Type string `json:"type"`
						Text *struct {
							Body string `json:"body"`
						} `json:"text"`
						Image *struct {
							ID      string `json:"id"`
							Caption string `json:"caption"`
						} `json:"image"`
						Interactive *struct {
							Type        string `json:"type"`
							ButtonReply *struct {
								ID string `json:"id"`
							} `json:"button_reply"`
							ListReply *struct {
								ID string `json:"id"`
							} `json:"list_reply"`
						} `json:"interactive"`
					} `json:"messages"`
				} `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}

	var res []ParsedMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			profile := ""
			if len(change.Value.Contacts) > 0 {
				profile = change.Value.Contacts[0].Profile.Name
			}
			for _, msg := range change.Value.Messages {
				parsed := ParsedMessage{
					From:        msg.From,
					ProfileName: profile,
					MessageID:   msg.ID,
					Type:        TypeUnknown,
				}
				switch {
				case msg.Text != nil:
					parsed.Type = TypeText
					parsed.Body = msg.Text.Body
				case msg.Image != nil:
					parsed.Type = TypeImage
					parsed.Body = msg.Image.Caption
					parsed.MediaRef = "cloud:" + msg.Image.ID
				case msg.Interactive != nil && msg.Interactive.ButtonReply != nil:
					parsed.Type = TypeButton
					parsed.Body = msg.Interactive.ButtonReply.ID
				case msg.Interactive != nil && msg.Interactive.ListReply != nil:
					parsed.Type = TypeList
					parsed.Body = msg.Interactive.ListReply.ID
				}
				res = append(res, parsed)
			}
		}
	}
	return res
}
