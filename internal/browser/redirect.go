package browser

import (
	"context"
	"sync"
)

// FirstRedirect navigates page and returns the target of the first
// redirected navigation request. It returns "" when the navigation settles
// without a redirect.
func FirstRedirect(ctx context.Context, page Page) (string, error) {
	found := make(chan string, 1)
	var once sync.Once
	unsubscribe := page.Subscribe(func(evt Event) {
		req, ok := evt.(RequestEvent)
		if !ok || !req.IsNavigation || req.RedirectFrom == "" {
			return
		}
		once.Do(func() { found <- req.URL })
	})
	defer unsubscribe()

	navErr := make(chan error, 1)
	go func() { navErr <- page.Navigate(ctx) }()

	select {
	case target := <-found:
		return target, nil
	case err := <-navErr:
		select {
		case target := <-found:
			return target, nil
		default:
		}
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
