package sources

import (
	"errors"
	"net/url"
	"path"
	"strings"
)

var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_id":       {},
	"gclid":        {},
	"dclid":        {},
	"fbclid":       {},
	"msclkid":      {},
	"igshid":       {},
}

// Canonical normalises a source URL so the same document cited by several
// findings collapses to one entry. Schemeless input defaults to https.
func Canonical(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch {
	case u.Scheme == "" && u.Host != "":
		// protocol-relative: //host/path
		u.Scheme = "https"
	case u.Scheme == "":
		u, err = url.Parse("https://" + raw)
		if err != nil {
			return "", err
		}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("unsupported scheme " + u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.New("url missing host")
	}
	if port := u.Port(); port != "" && !(u.Scheme == "http" && port == "80") && !(u.Scheme == "https" && port == "443") {
		host += ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""

	p := path.Clean("/" + u.Path)
	if p != "/" && strings.HasSuffix(u.Path, "/") {
		p += "/"
	}
	u.Path = p
	u.RawPath = ""

	q := u.Query()
	for key := range q {
		if _, drop := trackingParams[strings.ToLower(key)]; drop {
			q.Del(key)
		}
	}
	// Encode sorts by key.
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Domain returns the lowercased host of raw without default ports.
func Domain(raw string) string {
	c, err := Canonical(raw)
	if err != nil {
		return ""
	}
	u, err := url.Parse(c)
	if err != nil {
		return ""
	}
	return u.Host
}
