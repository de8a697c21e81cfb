package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

var fetchLogger = logrus.WithField("tool", "fetch")

const (
	defaultFetchCacheSize = 64
	defaultFetchMaxBytes  = 1 << 20
	defaultFetchCacheTTL  = 5 * time.Minute
	maxExtractedText      = 15000
)

// FetchConfig tunes the fetch tool. Zero values select defaults.
type FetchConfig struct {
	CacheSize int
	CacheTTL  time.Duration
	MaxBytes  int64
	Client    *http.Client
}

// FetchResult is the value produced by the fetch tool.
type FetchResult struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
	Truncated   bool   `json:"truncated,omitempty"`
	Cached      bool   `json:"cached"`
}

// FetchTool performs HTTP GET requests. HTML bodies are reduced to readable
// text unless raw output is requested. Successful responses are cached until
// their TTL passes.
type FetchTool struct {
	client   *http.Client
	cache    *expirable.LRU[string, FetchResult]
	maxBytes int64
}

func NewFetchTool(cfg FetchConfig) *FetchTool {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultFetchCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultFetchCacheTTL
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultFetchMaxBytes
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}

	fetchLogger.WithFields(logrus.Fields{
		"cacheSize": cfg.CacheSize,
		"cacheTTL":  cfg.CacheTTL,
		"maxBytes":  cfg.MaxBytes,
	}).Debug("Initializing fetch tool")

	return &FetchTool{
		client:   cfg.Client,
		cache:    expirable.NewLRU[string, FetchResult](cfg.CacheSize, nil, cfg.CacheTTL),
		maxBytes: cfg.MaxBytes,
	}
}

func (f *FetchTool) Name() string {
	return "fetch"
}

func (f *FetchTool) Description() string {
	return "Fetch a URL over HTTP(S). HTML pages are converted to text. Arguments: url (string), raw (boolean, optional: return the body unmodified)."
}

func (f *FetchTool) Schema() []byte {
	return []byte(`{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1, "description": "Absolute http or https URL"},
    "raw": {"type": "boolean", "description": "Return the response body without HTML conversion"}
  },
  "required": ["url"]
}`)
}

func (f *FetchTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := stringArg(args, "url")
	raw, _ := args["raw"].(bool)

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid url %q: only absolute http and https URLs are supported", rawURL)
	}

	toolLogger := fetchLogger.WithField("url", parsed.String())
	key := cacheKey(parsed.String(), raw)
	if result, ok := f.cache.Get(key); ok {
		toolLogger.Debug("Serving fetch from cache")
		result.Cached = true
		return result, nil
	}

	startTime := time.Now()
	result, err := f.fetch(ctx, parsed.String(), raw)
	if err != nil {
		toolLogger.WithError(err).Warn("Fetch failed")
		return nil, err
	}

	f.cache.Add(key, result)
	toolLogger.WithFields(logrus.Fields{
		"status":        result.Status,
		"contentLength": len(result.Content),
		"executionTime": time.Since(startTime),
	}).Info("Fetch completed")

	return result, nil
}

func (f *FetchTool) fetch(ctx context.Context, target string, raw bool) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "agentlink/1.0 (tool fetch)")

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return FetchResult{}, fmt.Errorf("failed to fetch %s: HTTP %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to read response: %w", err)
	}
	truncated := int64(len(body)) > f.maxBytes
	if truncated {
		body = body[:f.maxBytes]
	}

	contentType := resp.Header.Get("Content-Type")
	content := string(body)
	if !raw && strings.Contains(strings.ToLower(contentType), "html") {
		text, err := htmlToText(content)
		if err != nil {
			return FetchResult{}, fmt.Errorf("failed to parse HTML: %w", err)
		}
		content = text
	}

	return FetchResult{
		URL:         resp.Request.URL.String(),
		Status:      resp.StatusCode,
		ContentType: contentType,
		Content:     content,
		Truncated:   truncated,
	}, nil
}

func cacheKey(target string, raw bool) string {
	if raw {
		return "raw:" + target
	}
	return "text:" + target
}

// htmlToText reduces an HTML document to markdown-like text in document order.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside, iframe, noscript").Remove()

	var content strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		content.WriteString("# " + title + "\n\n")
	}

	doc.Find("body").Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote").Each(func(i int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return
		}
		switch tag := goquery.NodeName(s); tag {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			content.WriteString(strings.Repeat("#", int(tag[1]-'0')) + " " + text + "\n\n")
		case "li":
			content.WriteString("- " + text + "\n")
		default:
			content.WriteString(text + "\n\n")
		}
	})

	result := strings.TrimSpace(content.String())
	if len(result) > maxExtractedText {
		result = result[:maxExtractedText] + "\n\n[Content truncated...]"
	}
	return result, nil
}

var _ Tool = (*FetchTool)(nil)
