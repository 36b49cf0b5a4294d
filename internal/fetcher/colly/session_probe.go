package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/edusync/harvester/internal/core"
)

// SessionProbe implements core.AuthChecker by fetching a known
// authenticated page. A non-200 status or a redirect onto a login page
// means the upstream session is gone and no crawl should start.
type SessionProbe struct {
	fetcher  core.Fetcher
	probeURL string
}

// NewSessionProbe builds a SessionProbe.
func NewSessionProbe(fetcher core.Fetcher, probeURL string) *SessionProbe {
	return &SessionProbe{fetcher: fetcher, probeURL: probeURL}
}

// Check verifies the authenticated-session precondition.
func (p *SessionProbe) Check(ctx context.Context) error {
	if p.probeURL == "" {
		return fmt.Errorf("no auth probe url configured")
	}
	resp, err := p.fetcher.Fetch(ctx, core.FetchRequest{URL: p.probeURL})
	if err != nil {
		return fmt.Errorf("auth probe: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("auth probe rejected with status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth probe returned status %d", resp.StatusCode)
	}
	if strings.Contains(strings.ToLower(resp.URL), "login") {
		return fmt.Errorf("auth probe redirected to login page")
	}
	return nil
}
