package httpfetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/italolelis/attachment_downloader/internal/attachment"
)

// Resolver turns a target's content address into a URL that can be fetched
// with a plain GET, optionally honoring Range requests.
type Resolver interface {
	ResolveURL(ctx context.Context, target attachment.Target) (string, error)
}

// DirectResolver uses absolute http(s) addresses as they are and joins bare
// hashes onto BaseURL.
type DirectResolver struct {
	BaseURL string
}

func (r DirectResolver) ResolveURL(_ context.Context, target attachment.Target) (string, error) {
	if u, err := url.Parse(target.HashOrURL); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return target.HashOrURL, nil
	}

	if r.BaseURL == "" {
		return "", fmt.Errorf("cannot resolve %q: not a URL and no base URL configured", target.HashOrURL)
	}

	return strings.TrimRight(r.BaseURL, "/") + "/" + url.PathEscape(target.HashOrURL), nil
}
