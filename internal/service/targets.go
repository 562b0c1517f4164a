package service

import (
	"fmt"
	"net/url"
	"strings"

	"m3u8-edge-proxy/internal/config"
	"m3u8-edge-proxy/internal/model"
)

// Route binds a path prefix to a target-selection policy.
type Route struct {
	Prefix   string
	Policy   string
	Upstream *url.URL // nil for the target policy
}

// newRoutes resolves the configured route table against upstream.base_url.
func newRoutes(cfg *config.Config) ([]Route, error) {
	routes := make([]Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		r := Route{Prefix: rc.Prefix, Policy: rc.Policy}
		if rc.Policy != config.PolicyTarget {
			raw := rc.Upstream
			if raw == "" {
				raw = cfg.Upstream.BaseURL
			}
			u, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("route %s: parse upstream: %w", rc.Prefix, err)
			}
			r.Upstream = u
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// BuildTargets returns the ordered candidate upstream URLs for a request.
func BuildTargets(route Route, pr *model.ProxyRequest) ([]model.Target, error) {
	switch route.Policy {
	case config.PolicyRewrite:
		return []model.Target{
			{Attempt: model.AttemptA, URL: rewriteURL(route, pr.Path, pr.RawQuery)},
		}, nil
	case config.PolicyFallback:
		return []model.Target{
			{Attempt: model.AttemptA, URL: rewriteURL(route, pr.Path, pr.RawQuery)},
			{Attempt: model.AttemptB, URL: rewriteURL(route, pr.Path, decodeURLParam(pr.RawQuery))},
		}, nil
	case config.PolicyTarget:
		u, err := parseClientTarget(pr.Query)
		if err != nil {
			return nil, err
		}
		return []model.Target{{Attempt: model.AttemptA, URL: u.String()}}, nil
	default:
		return nil, fmt.Errorf("route %s: unknown policy %q", route.Prefix, route.Policy)
	}
}

// rewriteURL replays the inbound path (minus the route prefix) and query
// against the route's fixed upstream.
func rewriteURL(route Route, path, rawQuery string) string {
	rest := strings.TrimPrefix(path, route.Prefix)
	if rest == "" {
		rest = "/"
	}

	var b strings.Builder
	b.WriteString(strings.TrimSuffix(route.Upstream.String(), "/"))
	b.WriteString(rest)
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	return b.String()
}

// decodeURLParam rewrites the url query parameter with one extra
// percent-decoding pass applied. The remaining pairs keep their order and
// encoding; repeated url pairs collapse into the first. Values that fail to
// decode are left as they are.
func decodeURLParam(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	pairs := strings.Split(rawQuery, "&")
	out := make([]string, 0, len(pairs))
	seen := false
	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err != nil || k != "url" {
			out = append(out, pair)
			continue
		}
		if seen {
			continue
		}
		seen = true

		v, err := url.QueryUnescape(value)
		if err != nil {
			out = append(out, pair)
			continue
		}
		if decoded, err := url.PathUnescape(v); err == nil {
			v = decoded
		}
		out = append(out, "url="+url.QueryEscape(v))
	}
	return strings.Join(out, "&")
}

// parseClientTarget validates the client-supplied url parameter. A value
// that is not an absolute URL gets exactly one percent-decoding pass.
func parseClientTarget(query url.Values) (*url.URL, error) {
	raw := query.Get("url")
	if raw == "" {
		return nil, ErrMissingTarget
	}

	u, ok := parseAbsolute(raw)
	if !ok {
		if decoded, err := url.PathUnescape(raw); err == nil {
			u, ok = parseAbsolute(decoded)
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, Redact(raw))
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: no host in %q", ErrInvalidTarget, Redact(raw))
	}
	return u, nil
}

func parseAbsolute(raw string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !u.IsAbs() {
		return nil, false
	}
	return u, true
}
