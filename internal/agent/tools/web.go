package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const (
	webFetchBodyMax = 2 << 20 // 2 MiB read cap
	webFetchTextMax = 50000
	webUserAgent    = "hearth/1.0 (+https://github.com/hearthlabs/hearth)"
)

// privateNets covers loopback, RFC1918, link-local, CGNAT, and their IPv6
// equivalents. web_fetch refuses hosts that resolve into them.
var privateNets = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"169.254.0.0/16", "0.0.0.0/8", "100.64.0.0/10", "192.0.0.0/24",
		"198.18.0.0/15", "::1/128", "fc00::/7", "fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()

type webFetchArgs struct {
	URL string `json:"url" jsonschema:"required,description=The http(s) URL to fetch"`
}

func webFetchTool(d Deps) *Tool {
	client := d.httpClient()
	return &Tool{
		Name:        "web_fetch",
		Description: "Fetch a public web page and return its visible text. Private and internal addresses are refused.",
		Parameters:  GenerateSchema[webFetchArgs](),
		Enabled:     true,
		Scrub:       ScrubAggressive,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args webFetchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if err := validateFetchURL(args.URL); err != nil {
				return "", err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
			if err != nil {
				return "", err
			}
			req.Header.Set("User-Agent", webUserAgent)

			resp, err := client.Do(req)
			if err != nil {
				return "", fmt.Errorf("fetch failed: %v", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchBodyMax))
			if err != nil {
				return "", fmt.Errorf("read failed: %v", err)
			}

			contentType := resp.Header.Get("Content-Type")
			text := VisibleText(body, contentType)
			if len(text) > webFetchTextMax {
				text = text[:webFetchTextMax] + "\n... (content truncated)"
			}
			header := fmt.Sprintf("HTTP %d %s\nContent-Type: %s\n\n", resp.StatusCode, http.StatusText(resp.StatusCode), contentType)
			if resp.StatusCode >= 400 {
				return "", fmt.Errorf("%s%s", header, text)
			}
			return header + text, nil
		},
	}
}

// validateFetchURL enforces http(s), a resolvable public host, and no
// cloud metadata endpoints.
func validateFetchURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed, only http and https", u.Scheme)
	}
	hostname := u.Hostname()
	if hostname == "" {
		return fmt.Errorf("empty hostname")
	}
	lower := strings.ToLower(hostname)
	if lower == "metadata.google.internal" || lower == "metadata.google.com" {
		return fmt.Errorf("cloud metadata endpoint %q is blocked", hostname)
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("DNS resolution failed for %q: %v", hostname, err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("%q resolves to private address %s", hostname, ip)
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
