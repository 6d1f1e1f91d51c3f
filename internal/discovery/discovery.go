// Package discovery finds new video URLs by polling channel feeds.
// Each configured feed is an Atom/RSS document; entries already seen in
// this process are skipped, and the durable duplicate guard is the
// queue's unique pending-URL constraint.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openclip/clipd/internal/retry"
)

// Config controls collector behavior and pacing across feeds.
type Config struct {
	Feeds          []string
	MaxPerFeed     int
	UserAgent      string
	RequestsPerSec float64
	Timeout        time.Duration
}

// Discoverer polls feeds for entry links.
type Discoverer struct {
	cfg           Config
	limiter       *rate.Limiter
	retryPolicy   retry.Policy
	logger        *zap.Logger
	baseCollector *colly.Collector

	mu   sync.Mutex
	seen map[string]struct{}
}

func New(cfg Config, logger *zap.Logger) *Discoverer {
	if cfg.MaxPerFeed <= 0 {
		cfg.MaxPerFeed = 10
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	// Feeds are polled repeatedly; dedup happens per entry, not per URL.
	c.AllowURLRevisit = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Discoverer{
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		retryPolicy:   retry.DefaultPolicy(),
		logger:        logger,
		baseCollector: c,
		seen:          make(map[string]struct{}),
	}
}

// Discover polls every configured feed and returns the URLs not yet
// seen by this process. A failing feed is logged and skipped; the
// remaining feeds are still polled.
func (d *Discoverer) Discover(ctx context.Context) ([]string, error) {
	var discovered []string
	for _, feed := range d.cfg.Feeds {
		if err := d.limiter.Wait(ctx); err != nil {
			return discovered, err
		}
		urls, err := d.pollFeed(ctx, feed)
		if err != nil {
			d.logger.Warn("feed poll failed",
				zap.String("feed", feed),
				zap.Error(err))
			continue
		}
		discovered = append(discovered, d.filterNew(urls)...)
	}
	d.logger.Info("discovery finished",
		zap.Int("feeds", len(d.cfg.Feeds)),
		zap.Int("new_urls", len(discovered)))
	return discovered, nil
}

// pollFeed fetches one feed with retries and collects its entry links.
func (d *Discoverer) pollFeed(ctx context.Context, feed string) ([]string, error) {
	var urls []string
	op := func(ctx context.Context) error {
		urls = urls[:0]
		collector := d.baseCollector.Clone()
		collector.OnXML("//feed/entry/link", func(e *colly.XMLElement) {
			if len(urls) >= d.cfg.MaxPerFeed {
				return
			}
			if href := e.Attr("href"); href != "" {
				urls = append(urls, href)
			}
		})
		// RSS feeds carry the link as element text instead.
		collector.OnXML("//rss/channel/item/link", func(e *colly.XMLElement) {
			if len(urls) >= d.cfg.MaxPerFeed {
				return
			}
			if text := e.Text; text != "" {
				urls = append(urls, text)
			}
		})
		var fetchErr error
		collector.OnError(func(_ *colly.Response, err error) {
			fetchErr = err
		})
		if err := collector.Visit(feed); err != nil {
			return fmt.Errorf("visiting feed: %w", err)
		}
		collector.Wait()
		return fetchErr
	}
	if err := retry.Do(ctx, d.retryPolicy, op); err != nil {
		return nil, err
	}
	return urls, nil
}

func (d *Discoverer) filterNew(urls []string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var fresh []string
	for _, u := range urls {
		if _, ok := d.seen[u]; ok {
			continue
		}
		d.seen[u] = struct{}{}
		fresh = append(fresh, u)
	}
	return fresh
}
