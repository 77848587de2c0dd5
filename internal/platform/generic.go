package platform

import (
	"net/url"
	"strings"
)

// GenericCanonicalizer normalizes URLs of any other site: https, bare host,
// no fragment, no tracking parameters, sorted query.
type GenericCanonicalizer struct {
	tracking map[string]bool
}

func NewGeneric() *GenericCanonicalizer {
	return &GenericCanonicalizer{
		tracking: map[string]bool{
			"fbclid": true, "gclid": true, "si": true, "igshid": true, "igsh": true,
			"feature": true, "ref": true, "ref_src": true, "ref_url": true,
			"mibextid": true, "_rdr": true, "is_from_webapp": true, "sender_device": true,
		},
	}
}

func (c *GenericCanonicalizer) Platform() Platform { return Generic }

func (c *GenericCanonicalizer) CanHandle(*url.URL) bool { return true }

func (c *GenericCanonicalizer) Canonicalize(u *url.URL) (Result, error) {
	host := bareHost(u)
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host += ":" + port
	}

	query := url.Values{}
	for key, values := range u.Query() {
		if c.isTracking(key) {
			continue
		}
		query[key] = values
	}

	out := url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     strings.TrimRight(u.Path, "/"),
		RawQuery: query.Encode(),
	}

	return Result{
		Platform:  Infer(host),
		Canonical: out.String(),
	}, nil
}

func (c *GenericCanonicalizer) isTracking(key string) bool {
	key = strings.ToLower(key)
	return strings.HasPrefix(key, "utm_") || c.tracking[key]
}

var hostPlatforms = []struct {
	suffix   string
	platform Platform
}{
	{"instagram.com", Instagram},
	{"facebook.com", Facebook},
	{"fb.watch", Facebook},
	{"tiktok.com", TikTok},
	{"twitter.com", Twitter},
	{"x.com", Twitter},
	{"pinterest.com", Pinterest},
	{"pin.it", Pinterest},
	{"linkedin.com", LinkedIn},
	{"reddit.com", Reddit},
	{"redd.it", Reddit},
	{"snapchat.com", Snapchat},
	{"vimeo.com", Vimeo},
	{"youtube.com", YouTube},
	{"youtu.be", YouTube},
	{"soundcloud.com", SoundCloud},
}

// Infer guesses the platform from a host name
func Infer(host string) Platform {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	for _, hp := range hostPlatforms {
		if host == hp.suffix || strings.HasSuffix(host, "."+hp.suffix) {
			return hp.platform
		}
	}
	return Generic
}
