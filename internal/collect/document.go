package collect

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"greenaudit/internal/browser"
	"greenaudit/pkg/types"
)

func renderedDocument(ctx context.Context, page browser.Page) (string, error) {
	if err := page.Navigate(ctx); err != nil {
		return "", err
	}
	return page.Content(ctx)
}

func collectMetaTags(ctx context.Context, page browser.Page, _ Settings) (any, error) {
	content, err := renderedDocument(ctx, page)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	tags := make([]types.MetaTag, 0)
	doc.Find("meta").Each(func(_ int, sel *goquery.Selection) {
		node := sel.Get(0)
		attr := make(map[string]string, len(node.Attr))
		for _, a := range node.Attr {
			attr[strings.ToLower(a.Key)] = a.Val
		}
		tags = append(tags, types.MetaTag{Attr: attr})
	})
	return &types.MetaTagTrace{Tags: tags}, nil
}

func collectAssets(ctx context.Context, page browser.Page, _ Settings) (any, error) {
	content, err := renderedDocument(ctx, page)
	if err != nil {
		return nil, err
	}
	return scanAssets(content), nil
}

func scanAssets(content string) *types.AssetTrace {
	trace := &types.AssetTrace{
		InlineStyles:  []types.Asset{},
		InlineScripts: []types.Asset{},
		StyleHrefs:    []types.Asset{},
		ScriptSrcs:    []types.Asset{},
	}
	z := html.NewTokenizer(strings.NewReader(content))
	var pending *[]types.Asset
	var pendingAttr []string

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return trace
		case html.TextToken:
			if pending != nil {
				*pending = append(*pending, types.Asset{Attr: pendingAttr, Size: len(z.Text())})
				pending = nil
			}
		case html.EndTagToken:
			if pending != nil {
				// empty element
				*pending = append(*pending, types.Asset{Attr: pendingAttr})
				pending = nil
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			attrs := attributes(tok)
			switch tok.Data {
			case "style":
				if tt == html.StartTagToken {
					pending, pendingAttr = &trace.InlineStyles, flatten(attrs)
				}
			case "script":
				if src, ok := attrs["src"]; ok {
					trace.ScriptSrcs = append(trace.ScriptSrcs, types.Asset{Src: src, Attr: flatten(attrs)})
				} else if tt == html.StartTagToken {
					pending, pendingAttr = &trace.InlineScripts, flatten(attrs)
				}
			case "link":
				if href, ok := attrs["href"]; ok && hasToken(attrs["rel"], "stylesheet") {
					trace.StyleHrefs = append(trace.StyleHrefs, types.Asset{Src: href, Attr: flatten(attrs)})
				}
			}
		}
	}
}

func attributes(tok html.Token) map[string]string {
	out := make(map[string]string, len(tok.Attr))
	for _, a := range tok.Attr {
		out[strings.ToLower(a.Key)] = a.Val
	}
	return out
}

func flatten(attrs map[string]string) []string {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(attrs))
	for k, v := range attrs {
		if v == "" {
			out = append(out, k)
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(strings.ToLower(list)) {
		if f == token {
			return true
		}
	}
	return false
}

func collectLazyMedia(ctx context.Context, page browser.Page, _ Settings) (any, error) {
	content, err := renderedDocument(ctx, page)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	trace := &types.LazyMediaTrace{
		LazyImages: []string{},
		LazyVideos: []string{},
		Images:     []string{},
		Videos:     []string{},
	}
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src := firstAttr(sel, "src", "data-src")
		if src == "" {
			return
		}
		trace.Images = append(trace.Images, src)
		if strings.EqualFold(sel.AttrOr("loading", ""), "lazy") {
			trace.LazyImages = append(trace.LazyImages, src)
		}
	})
	doc.Find("video").Each(func(_ int, sel *goquery.Selection) {
		src := firstAttr(sel, "src")
		if src == "" {
			src = firstAttr(sel.Find("source").First(), "src")
		}
		if src == "" {
			return
		}
		trace.Videos = append(trace.Videos, src)
		if strings.EqualFold(sel.AttrOr("preload", ""), "none") || strings.EqualFold(sel.AttrOr("loading", ""), "lazy") {
			trace.LazyVideos = append(trace.LazyVideos, src)
		}
	})
	return trace, nil
}

func firstAttr(sel *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(sel.AttrOr(name, "")); v != "" {
			return v
		}
	}
	return ""
}
