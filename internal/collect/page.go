package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"greenaudit/internal/browser"
	"greenaudit/pkg/types"
)

const resourceTimingScript = `(() => {
	performance.setResourceTimingBufferSize(10000);
	return JSON.stringify(performance.getEntries());
})()`

func collectConsole(ctx context.Context, page browser.Page, _ Settings) (any, error) {
	var mu sync.Mutex
	messages := make([]types.ConsoleMessage, 0)
	unsubscribe := page.Subscribe(func(evt browser.Event) {
		msg, ok := evt.(browser.ConsoleEvent)
		if !ok {
			return
		}
		mu.Lock()
		messages = append(messages, types.ConsoleMessage{Type: msg.Type, Text: msg.Text})
		mu.Unlock()
	})
	defer unsubscribe()

	if err := page.Navigate(ctx); err != nil {
		return nil, err
	}
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	return &types.ConsoleTrace{Messages: messages}, nil
}

func collectHTML(ctx context.Context, page browser.Page, _ Settings) (any, error) {
	if err := page.Navigate(ctx); err != nil {
		return nil, err
	}
	html, err := page.Content(ctx)
	if err != nil {
		return nil, err
	}
	return &types.HTMLTrace{HTML: html}, nil
}

func collectPerformance(ctx context.Context, page browser.Page, _ Settings) (any, error) {
	if err := page.Navigate(ctx); err != nil {
		return nil, err
	}
	var raw string
	if err := page.Evaluate(ctx, resourceTimingScript, &raw); err != nil {
		return nil, err
	}
	entries := make([]types.ResourceTiming, 0)
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode performance entries: %w", err)
	}
	metrics, err := page.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	return &types.PerformanceTrace{Entries: entries, Metrics: metrics}, nil
}

func collectCookies(ctx context.Context, page browser.Page, _ Settings) (any, error) {
	if err := page.Navigate(ctx); err != nil {
		return nil, err
	}
	raw, err := page.Cookies(ctx)
	if err != nil {
		return nil, err
	}
	cookies := make([]types.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Size:     c.Size,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: c.SameSite,
		})
	}
	return &types.CookieTrace{Cookies: cookies}, nil
}
