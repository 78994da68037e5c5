package collect

import (
	"context"
	"fmt"
	"net/url"

	"greenaudit/internal/browser"
)

func robotsCollector(source RobotsSource) RunFunc {
	return func(ctx context.Context, page browser.Page, _ Settings) (any, error) {
		if source == nil {
			return nil, nil
		}
		target, err := url.Parse(page.URL())
		if err != nil {
			return nil, fmt.Errorf("parse page url: %w", err)
		}
		trace, err := source.Trace(ctx, target)
		if err != nil {
			return nil, err
		}
		if trace == nil {
			return nil, nil
		}
		return trace, nil
	}
}
