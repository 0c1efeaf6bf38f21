// Package notify posts progress embeds to a chat webhook. Delivery is
// fire-and-forget: an unreachable sink never blocks or fails a
// transition.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Embed colors used across the pipeline.
const (
	ColorInfo    = 0x3498db
	ColorSuccess = 0x00ff00
	ColorRevise  = 0x9b59b6
	ColorWarn    = 0xe67e22
)

// Field is one name/value pair inside an embed.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Sink is the notification channel the handlers talk to.
type Sink interface {
	Notify(ctx context.Context, title, message string, color int, fields []Field)
}

const defaultTimeout = 5 * time.Second

// Webhook posts Discord-style embeds. An empty URL disables delivery.
type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: defaultTimeout},
	}
}

type embed struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Color       int     `json:"color"`
	Fields      []Field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

type payload struct {
	Embeds []embed `json:"embeds"`
}

// Notify posts one embed. Failures are logged and swallowed.
func (w *Webhook) Notify(ctx context.Context, title, message string, color int, fields []Field) {
	if strings.TrimSpace(w.URL) == "" {
		return
	}
	body, err := json.Marshal(payload{Embeds: []embed{{
		Title:       title,
		Description: message,
		Color:       color,
		Fields:      fields,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}}})
	if err != nil {
		log.Printf("notify: marshal failed: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		log.Printf("notify: build request failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := w.Client.Do(req)
	if err != nil {
		log.Printf("notify: deliver failed: %v", err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		log.Printf("notify: deliver failed: %s", fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b))))
	}
}

// Discard is a Sink that drops everything; useful for one-shot commands
// and tests.
type Discard struct{}

func (Discard) Notify(context.Context, string, string, int, []Field) {}
