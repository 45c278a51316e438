// Package feed turns a feed URL into an ordered sequence of items with stable
// identifiers. Failures are reported as typed errors, never panics; the check
// routine treats all of them as "skip this cycle".
package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

var (
	// ErrUnreachable covers network failures and non-2xx responses.
	ErrUnreachable = errors.New("feed unreachable")
	// ErrTimeout is a fetch that exceeded its deadline.
	ErrTimeout = errors.New("feed fetch timed out")
	// ErrUnparseable is a response body that is not a feed.
	ErrUnparseable = errors.New("feed unparseable")
)

// Item is one feed entry. ID is the feed's GUID when present, the item link
// otherwise; it is opaque to callers and only compared for equality.
type Item struct {
	ID    string
	Title string
	Link  string
}

// Feed is a fetched feed: title plus items in the order the source reports
// them (index 0 = latest for the common reverse-chronological case).
type Feed struct {
	Title string
	Items []Item
}

const defaultUserAgent = "Mozilla/5.0 (compatible; feedwatch/1.0)"

type Config struct {
	// Timeout bounds every fetch. Zero means 10s.
	Timeout   time.Duration
	UserAgent string
}

// Client fetches and parses feeds over HTTP.
type Client struct {
	http      *http.Client
	parser    *gofeed.Parser
	userAgent string
	timeout   time.Duration
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		parser:    gofeed.NewParser(),
		userAgent: ua,
		timeout:   timeout,
	}
}

// Fetch retrieves and parses the feed at url. The returned items keep the
// feed's own ordering.
func (c *Client) Fetch(ctx context.Context, url string) (*Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	// Some feed hosts reject default Go/anonymous agents with 403.
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	parsed, err := c.parser.Parse(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	f := &Feed{Title: strings.TrimSpace(parsed.Title)}
	for _, it := range parsed.Items {
		if it == nil {
			continue
		}
		id := strings.TrimSpace(it.GUID)
		if id == "" {
			id = strings.TrimSpace(it.Link)
		}
		if id == "" {
			// An item we can't identify can't be deduplicated; skip it.
			continue
		}
		f.Items = append(f.Items, Item{
			ID:    id,
			Title: strings.TrimSpace(it.Title),
			Link:  strings.TrimSpace(it.Link),
		})
	}
	return f, nil
}

// Validate is the synchronous add-time probe: the url must fetch and parse,
// and look like a real feed (a title or at least one entry).
func (c *Client) Validate(ctx context.Context, url string) error {
	f, err := c.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if f.Title == "" && len(f.Items) == 0 {
		return fmt.Errorf("%w: no title and no entries", ErrUnparseable)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
