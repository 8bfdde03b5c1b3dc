package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/italolelis/attachment_downloader/internal/logctx"
)

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Prober is a Connectivity Signal that polls a URL and reports transitions.
// Any HTTP response counts as connected; only transport errors and 5xx
// answers count as disconnected.
type Prober struct {
	client   *http.Client
	url      string
	interval time.Duration
	timeout  time.Duration

	last   Status
	signal chan Status
}

func NewProber(url string, interval time.Duration, client *http.Client) *Prober {
	if client == nil {
		client = http.DefaultClient
	}

	if interval <= 0 {
		interval = defaultProbeInterval
	}

	return &Prober{
		client:   client,
		url:      url,
		interval: interval,
		timeout:  min(interval, defaultProbeTimeout),
		signal:   make(chan Status, 1),
	}
}

// Signal is closed when Run returns.
func (p *Prober) Signal() <-chan Status {
	return p.signal
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("probe_url", p.url)

	defer close(p.signal)

	logger.InfoContext(ctx, "watching connectivity", "interval", p.interval.String())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		s := p.Probe(ctx)
		if ctx.Err() != nil {
			return
		}

		if s != p.last {
			logger.InfoContext(ctx, "connectivity changed", "from", p.last.String(), "to", s.String())
			p.last = s

			select {
			case p.signal <- s:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("connectivity prober shutdown", "reason", "context_cancelled")

			return
		case <-ticker.C:
		}
	}
}

// Probe performs one check.
func (p *Prober) Probe(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return Disconnected
	}

	resp, err := p.client.Do(req)
	if err != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "connectivity probe failed", "err", err)

		return Disconnected
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return Disconnected
	}

	return Connected
}
