// Package twitchapi discovers the most-viewed live channels through the Helix API.
package twitchapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nicklaw5/helix/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/chatfleet/telemetry"
)

// DefaultBaseURL is the public Helix endpoint.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// maxPageSize is the largest page Helix serves for streams and users.
const maxPageSize = 100

// Discovery pages through live streams by viewer count and resolves broadcaster ids to logins.
// Only the client id is sent; no OAuth token is involved.
type Discovery struct {
	ClientID   string
	BaseURL    string
	HTTPClient *http.Client
}

// NewDiscovery returns a Discovery with a bounded per-request timeout.
func NewDiscovery(clientID, baseURL string, timeout time.Duration) *Discovery {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Discovery{ClientID: clientID, BaseURL: baseURL, HTTPClient: &http.Client{Timeout: timeout}}
}

// ctxDoer binds every helix request to ctx.
type ctxDoer struct {
	ctx context.Context
	hc  *http.Client
}

func (d ctxDoer) Do(req *http.Request) (*http.Response, error) {
	return d.hc.Do(req.WithContext(d.ctx))
}

func (d *Discovery) client(ctx context.Context) (*helix.Client, error) {
	hc := d.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	base := d.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return helix.NewClient(&helix.Options{
		ClientID:   d.ClientID,
		APIBaseURL: base,
		HTTPClient: ctxDoer{ctx: ctx, hc: hc},
	})
}

// TopChannels returns up to n channel logins ranked by current viewer count. It is best effort: any
// failed page or user lookup ends pagination and what was collected so far is returned.
func (d *Discovery) TopChannels(ctx context.Context, n int) []string {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerHelix, "discovery.top_channels", attribute.Int("requested", n))
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "discovery"))

	out, err := d.topChannels(ctx, n, log)
	span.SetAttributes(attribute.Int("returned", len(out)))
	telemetry.EndSpan(span, err)
	telemetry.RecordDiscovery(len(out), err)
	if err != nil {
		log.Warn("discovery truncated", slog.Int("requested", n), slog.Int("returned", len(out)), slog.Any("err", err))
	}
	return out
}

func (d *Discovery) topChannels(ctx context.Context, n int, log *slog.Logger) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	hc, err := d.client(ctx)
	if err != nil {
		return nil, fmt.Errorf("helix client: %w", err)
	}

	out := make([]string, 0, n)
	cursor := ""
	for page := 0; len(out) < n; page++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		want := min(maxPageSize, n-len(out))
		resp, err := hc.GetStreams(&helix.StreamsParams{First: want, After: cursor})
		if err != nil {
			return out, fmt.Errorf("streams page %d: %w", page, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return out, fmt.Errorf("streams page %d: status %d: %s", page, resp.StatusCode, resp.ErrorMessage)
		}
		telemetry.CountDiscoveryPage()
		streams := resp.Data.Streams
		if len(streams) == 0 {
			break
		}

		logins, err := resolveLogins(hc, streams)
		if err != nil {
			return out, fmt.Errorf("users page %d: %w", page, err)
		}
		if len(logins) > n-len(out) {
			logins = logins[:n-len(out)]
		}
		out = append(out, logins...)
		log.Debug("discovery page", slog.Int("page", page), slog.Int("streams", len(streams)), slog.Int("total", len(out)))

		cursor = resp.Data.Pagination.Cursor
		if cursor == "" {
			break
		}
	}
	return out, nil
}

// resolveLogins maps the page's broadcaster ids to logins in stream order. Repeated ids within the
// page are collapsed and ids the users endpoint does not return are skipped.
func resolveLogins(hc *helix.Client, streams []helix.Stream) ([]string, error) {
	ids := make([]string, 0, len(streams))
	seen := make(map[string]struct{}, len(streams))
	for _, s := range streams {
		if s.UserID == "" {
			continue
		}
		if _, ok := seen[s.UserID]; ok {
			continue
		}
		seen[s.UserID] = struct{}{}
		ids = append(ids, s.UserID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	resp, err := hc.GetUsers(&helix.UsersParams{IDs: ids})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, resp.ErrorMessage)
	}
	byID := make(map[string]string, len(resp.Data.Users))
	for _, u := range resp.Data.Users {
		byID[u.ID] = u.Login
	}
	logins := make([]string, 0, len(ids))
	for _, id := range ids {
		if login, ok := byID[id]; ok && login != "" {
			logins = append(logins, login)
		}
	}
	return logins, nil
}
