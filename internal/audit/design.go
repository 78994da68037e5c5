package audit

import (
	"context"
	"regexp"

	"greenaudit/internal/collect"
	"greenaudit/internal/trace"
	"greenaudit/pkg/types"
)

var (
	rasterImage = regexp.MustCompile(`\.(?:jpg|gif|png|jpeg)`)
	anyImage    = regexp.MustCompile(`\.(?:jpg|gif|png|webp|jpeg)`)
	webpImage   = regexp.MustCompile(`\.(?:webp)`)
	dataURI     = regexp.MustCompile(`^data:`)
)

// lazy loading pays off once a page carries more than a couple of media elements
const lazyLoadingMinMedia = 3

// cookies above this total size are sent with every first-party request
const cookieBudgetBytes = 2048

func noConsoleLogs() Audit {
	a := Audit{
		ID:           "noconsolelogs",
		Title:        "Does not have console logs",
		FailureTitle: "Avoid console logs",
		Description:  "It is important to keep the console log clean of error, warning or info outputs.",
		Category:     Design,
		Collectors:   []string{collect.ConsoleID},
	}
	a.Evaluate = func(_ context.Context, b trace.Bundle) (Outcome, error) {
		console, err := trace.Lookup[*types.ConsoleTrace](b, collect.ConsoleID)
		if err != nil {
			return Outcome{}, err
		}
		seen := make(map[string]struct{}, len(console.Messages))
		unique := make([]types.ConsoleMessage, 0)
		for _, m := range console.Messages {
			if _, dup := seen[m.Text]; dup {
				continue
			}
			seen[m.Text] = struct{}{}
			unique = append(unique, m)
		}
		var info any
		if len(unique) > 0 {
			info = unique
		}
		return BinaryOutcome(len(unique) == 0, info), nil
	}
	return a
}

func avoidInlineAssets(opts Options) Audit {
	a := Audit{
		ID:           "avoidinlineassets",
		Title:        "CSS/JS assets are not inlined",
		FailureTitle: "Avoid HTML inlining on big size CSS/JS assets",
		Description:  "It's not recommended to inline big (>2kb) static resources since they can't be cached on browser memory",
		Category:     Design,
		Collectors:   []string{collect.AssetsID},
	}
	a.Evaluate = func(_ context.Context, b trace.Bundle) (Outcome, error) {
		assets, err := trace.Lookup[*types.AssetTrace](b, collect.AssetsID)
		if err != nil {
			return Outcome{}, err
		}
		type bigAsset struct {
			Name string `json:"name"`
			Size int    `json:"size"`
		}
		big := make([]bigAsset, 0)
		inline := append(append([]types.Asset(nil), assets.InlineStyles...), assets.InlineScripts...)
		for _, asset := range inline {
			if asset.Size > opts.InlineAssetMaxBytes {
				big = append(big, bigAsset{Name: asset.Src, Size: asset.Size})
			}
		}
		var info any
		if len(big) > 0 {
			info = big
		}
		return BinaryOutcome(len(big) == 0, info), nil
	}
	return a
}

func webpImages(opts Options) Audit {
	a := Audit{
		ID:           "webpimages",
		Title:        "Uses WebP image format",
		FailureTitle: "Ensure WebP image are used",
		Description:  "WebP images provides superior lossless and lossy compression for images on the web. They maintain a low file size and high quality at the same time. Although browser support is good (95%) you may use WebP images along with other fallback sources.",
		Category:     Design,
		Collectors:   []string{collect.LazyMediaID, collect.TransferID, collect.RedirectID},
	}
	a.Evaluate = func(_ context.Context, b trace.Bundle) (Outcome, error) {
		transfer, err := trace.Lookup[*types.TransferTrace](b, collect.TransferID)
		if err != nil {
			return Outcome{}, err
		}
		// lazy media is optional: images found only in the DOM still count
		lazy, _ := trace.Optional[*types.LazyMediaTrace](b, collect.LazyMediaID)

		savings := make(map[string]float64)
		for _, r := range transfer.Records {
			if r.Request.ResourceType == "image" {
				savings[r.Response.URL] = r.Response.WebPSavingsPercent
			}
		}
		images := make([]string, 0, len(savings))
		if lazy != nil {
			images = append(images, lazy.LazyImages...)
		}
		for _, r := range transfer.Records {
			if r.Request.ResourceType == "image" {
				images = append(images, r.Response.URL)
			}
		}

		applicable := false
		filtered := images[:0]
		for _, img := range images {
			if dataURI.MatchString(img) {
				continue
			}
			filtered = append(filtered, img)
			if anyImage.MatchString(img) {
				applicable = true
			}
		}
		if !applicable {
			return Skipped("No JPEG, PNG, GIF or WebP images were requested"), nil
		}

		type candidate struct {
			Name    string  `json:"name"`
			Savings float64 `json:"savings"`
		}
		candidates := make([]candidate, 0)
		seen := make(map[string]bool)
		for _, img := range filtered {
			if webpImage.MatchString(img) || !rasterImage.MatchString(img) {
				continue
			}
			estimate := savings[img]
			if estimate < opts.WebPSavingsThreshold {
				continue
			}
			name := lastSegment(img)
			if seen[name] {
				continue
			}
			seen[name] = true
			candidates = append(candidates, candidate{Name: name, Savings: estimate})
		}
		var info any
		if len(candidates) > 0 {
			info = candidates
		}
		return BinaryOutcome(len(candidates) == 0, info), nil
	}
	return a
}

func avoidableBotTraffic() Audit {
	a := Audit{
		ID:           "avoidablebottraffic",
		Title:        "Successfully handles bot traffic",
		FailureTitle: "Bot traffic is not handled",
		Description:  `About 40% of current internet traffic and bandwidth is due to bots or web crawlers. Proper handling of robot.txt and <meta name="robots"> allow to control which content should be allowed for bots visiting your site and thus save precious resources.`,
		Category:     Design,
		Collectors:   []string{collect.RobotsID, collect.MetaTagsID, collect.TransferID, collect.RedirectID},
	}
	a.Evaluate = func(_ context.Context, b trace.Bundle) (Outcome, error) {
		robots, ok := trace.Optional[*types.RobotsTrace](b, collect.RobotsID)
		if !ok || robots == nil || (len(robots.Agents) == 0 && len(robots.Sitemaps) == 0 && robots.Host == "") {
			return Skipped("Could not find a valid robots.txt file"), nil
		}
		meta, err := trace.Lookup[*types.MetaTagTrace](b, collect.MetaTagsID)
		if err != nil {
			return Outcome{}, err
		}
		transfer, redirect, err := transferAndServer(b)
		if err != nil {
			return Outcome{}, err
		}

		robotsMeta := false
		for _, tag := range meta.Tags {
			if tag.Attr["name"] == "robots" {
				robotsMeta = true
				break
			}
		}
		xRobots := false
		for _, r := range transfer.Records {
			if r.Response.Headers["x-robots-tag"] != "" && redirect.Server.HasHost(r.Request.Host) {
				xRobots = true
				break
			}
		}

		if robotsMeta || xRobots {
			out := BinaryOutcome(true, nil)
			out.ErrorMessage = "Consider handling all bot traffic in the robots.txt file"
			return out, nil
		}
		for _, rules := range robots.Agents {
			if len(rules.Disallow) > 0 {
				return BinaryOutcome(true, nil), nil
			}
		}
		return BinaryOutcome(false, nil), nil
	}
	return a
}

func usesLazyLoading() Audit {
	a := Audit{
		ID:           "useslazyloading",
		Title:        "Defers offscreen media",
		FailureTitle: "Lazy load images and videos",
		Description:  "Loading images and videos only when they are about to enter the viewport avoids transferring media the visitor never sees.",
		Category:     Design,
		Collectors:   []string{collect.LazyMediaID},
	}
	a.Evaluate = func(_ context.Context, b trace.Bundle) (Outcome, error) {
		media, err := trace.Lookup[*types.LazyMediaTrace](b, collect.LazyMediaID)
		if err != nil {
			return Outcome{}, err
		}
		total := len(media.Images) + len(media.Videos)
		if total == 0 {
			return Skipped("No images or videos were found on the page"), nil
		}
		lazy := len(media.LazyImages) + len(media.LazyVideos)
		pass := lazy > 0 || total < lazyLoadingMinMedia
		var info any
		if !pass {
			info = map[string]any{"images": media.Images, "videos": media.Videos}
		}
		return BinaryOutcome(pass, info), nil
	}
	return a
}

func cookieOptimisation() Audit {
	a := Audit{
		ID:           "cookieoptimisation",
		Title:        "Keeps cookies lean",
		FailureTitle: "Reduce cookie size and remove duplicated cookies",
		Description:  "Cookies travel with every request to their domain. Large or duplicated cookies add avoidable bytes to each of those requests.",
		Category:     Design,
		Collectors:   []string{collect.CookiesID, collect.RedirectID},
	}
	a.Evaluate = func(_ context.Context, b trace.Bundle) (Outcome, error) {
		cookies, err := trace.Lookup[*types.CookieTrace](b, collect.CookiesID)
		if err != nil {
			return Outcome{}, err
		}
		redirect, err := trace.Lookup[*types.RedirectTrace](b, collect.RedirectID)
		if err != nil {
			return Outcome{}, err
		}

		total := 0
		counts := make(map[string]int)
		for _, c := range cookies.Cookies {
			if !firstPartyCookie(c.Domain, redirect.Server) {
				continue
			}
			total += c.Size
			counts[c.Name]++
		}
		duplicated := make([]string, 0)
		for _, c := range cookies.Cookies {
			if counts[c.Name] > 1 {
				duplicated = append(duplicated, c.Name)
				counts[c.Name] = 0
			}
		}
		pass := total <= cookieBudgetBytes && len(duplicated) == 0
		info := map[string]any{
			"totalSize":  types.Bytes(float64(total)),
			"count":      len(cookies.Cookies),
			"duplicated": duplicated,
		}
		return BinaryOutcome(pass, info), nil
	}
	return a
}

func firstPartyCookie(domain string, server types.ServerInfo) bool {
	domain = trimDot(domain)
	for _, host := range server.Hosts {
		if host == domain || hasSuffixLabel(host, domain) {
			return true
		}
	}
	return false
}

func trimDot(s string) string {
	for len(s) > 0 && s[0] == '.' {
		s = s[1:]
	}
	return s
}

func hasSuffixLabel(host, domain string) bool {
	return len(host) > len(domain) && host[len(host)-len(domain)-1] == '.' && host[len(host)-len(domain):] == domain
}
