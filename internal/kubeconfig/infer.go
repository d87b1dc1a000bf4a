package kubeconfig

import (
	"net"
	"net/url"
	"regexp"
	"strings"
)

// DefaultRegion is reported when no heuristic matches.
const DefaultRegion = "us-east-1"

// ipRegionPrefixes maps known provider address ranges to regions. Checked
// before any hostname heuristic.
var ipRegionPrefixes = []struct {
	prefix string
	region string
}{
	{"51.79.", "eu-west-1"},
	{"139.99.", "ap-southeast-2"},
	{"15.235.", "us-east-1"},
}

var (
	// awsStyleRegion matches tokens like eu-west-1 or ap-southeast-2.
	awsStyleRegion = regexp.MustCompile(`\b([a-z]{2}-[a-z]+-\d)\b`)
	// bareRegionLabel matches provider short codes like gra7 or sbg5 as a
	// whole hostname label; must not start with a digit.
	bareRegionLabel = regexp.MustCompile(`^[a-z]+\d+$`)
	// embeddedRegion matches a .xx-xxxx. fragment such as .us-east. in a
	// hostname without a numbered suffix.
	embeddedRegion = regexp.MustCompile(`\.([a-z]{2}-[a-z]+)\.`)
)

// region infers a region from the API server URL using the parser's
// configured fallback.
func (p *Parser) region(serverURL string) string {
	return regionWithDefault(serverURL, p.defaultRegion)
}

// Region infers the region for a server endpoint using the package default
// fallback.
func Region(serverURL string) string {
	return regionWithDefault(serverURL, DefaultRegion)
}

func regionWithDefault(serverURL, fallback string) string {
	host := hostOf(serverURL)
	if host == "" {
		return fallback
	}
	for _, rule := range ipRegionPrefixes {
		if strings.HasPrefix(host, rule.prefix) {
			return rule.region
		}
	}
	if net.ParseIP(host) != nil {
		return fallback
	}
	if m := awsStyleRegion.FindStringSubmatch(host); m != nil {
		return m[1]
	}
	label := host
	if i := strings.IndexByte(host, '.'); i >= 0 {
		label = host[:i]
	}
	if bareRegionLabel.MatchString(label) {
		return label
	}
	if m := embeddedRegion.FindStringSubmatch(host); m != nil {
		return m[1]
	}
	return fallback
}

// providerKeywords is checked in order against the cluster name and server
// host; first match wins.
var providerKeywords = []struct {
	provider string
	keywords []string
}{
	{"ovh", []string{"ovh"}},
	{"aws", []string{"eks", "amazonaws", "aws"}},
	{"gcp", []string{"gke", "googleapis", "gcp"}},
	{"azure", []string{"aks", "azmk8s", "azure"}},
	{"digitalocean", []string{"digitalocean", "doks"}},
	{"linode", []string{"lke", "linode"}},
}

// Provider infers the hosting provider from the cluster name and server URL.
func Provider(clusterName, serverURL string) string {
	haystack := strings.ToLower(clusterName + " " + hostOf(serverURL))
	for _, rule := range providerKeywords {
		for _, keyword := range rule.keywords {
			if strings.Contains(haystack, keyword) {
				return rule.provider
			}
		}
	}
	return "generic"
}

func hostOf(serverURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil || parsed.Host == "" {
		// Bare host:port without a scheme.
		if host, _, splitErr := net.SplitHostPort(strings.TrimSpace(serverURL)); splitErr == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(strings.TrimSpace(serverURL))
	}
	host := parsed.Hostname()
	return strings.ToLower(host)
}
