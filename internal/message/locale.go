package message

import (
	"net/url"
	"strings"
)

// DefaultLocalePrefixes are path prefixes under which the locale segment
// follows the prefix rather than leading the path.
var DefaultLocalePrefixes = []string{"/app/", "/m/"}

// DefaultLocales are the segments recognised as an existing locale.
var DefaultLocales = []string{
	"en", "en-us", "en-gb", "zh", "zh-cn", "zh-tw", "zh-hk", "ja", "ko", "de", "fr", "es",
	"pt", "pt-br", "it", "ru", "ar", "nl", "pl", "tr", "vi", "th", "id", "ms", "hi",
}

// Localizer inserts the active UI language into notification URLs.
type Localizer struct {
	// Prefixes are well-known path prefixes like "/app/".
	Prefixes []string
	// Hosts are the hosts whose absolute URLs may be rewritten. Absolute URLs
	// to any other host are left alone.
	Hosts   []string
	locales map[string]struct{}
}

func NewLocalizer(prefixes, hosts, locales []string) *Localizer {
	if len(prefixes) == 0 {
		prefixes = DefaultLocalePrefixes
	}
	if len(locales) == 0 {
		locales = DefaultLocales
	}
	l := &Localizer{locales: make(map[string]struct{}, len(locales))}
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
		l.Prefixes = append(l.Prefixes, p)
	}
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			l.Hosts = append(l.Hosts, h)
		}
	}
	for _, c := range locales {
		l.locales[strings.ToLower(c)] = struct{}{}
	}
	return l
}

func (l *Localizer) isLocale(seg string) bool {
	_, ok := l.locales[strings.ToLower(seg)]
	return ok
}

func (l *Localizer) ownHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range l.Hosts {
		if h == host {
			return true
		}
	}
	return false
}

// Localize rewrites raw for language lang:
//
//	/                -> /L/
//	/xx/rest         -> /L/rest      (xx an existing locale)
//	/app/rest        -> /app/L/rest  (well-known prefix)
//	/other           -> /L/other
//
// Query and fragment are kept. Empty lang, unparsable URLs and absolute URLs
// to foreign hosts are returned unchanged.
func (l *Localizer) Localize(raw, lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" || strings.TrimSpace(raw) == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Scheme != "" || u.Host != "" {
		if !l.ownHost(u.Hostname()) {
			return raw
		}
	}
	u.Path = l.localizePath(u.Path, lang)
	u.RawPath = ""
	return u.String()
}

func (l *Localizer) localizePath(p, lang string) string {
	if p == "" || p == "/" {
		return "/" + lang + "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for _, prefix := range l.Prefixes {
		if p+"/" == prefix {
			return prefix + lang + "/"
		}
		if strings.HasPrefix(p, prefix) {
			return prefix + l.replaceLeading(p[len(prefix)-1:], lang)[1:]
		}
	}
	return l.replaceLeading(p, lang)
}

// replaceLeading swaps an existing leading locale segment for lang, or
// inserts lang in front of the path.
func (l *Localizer) replaceLeading(p, lang string) string {
	rest := strings.TrimPrefix(p, "/")
	seg, tail, hasTail := strings.Cut(rest, "/")
	if l.isLocale(seg) {
		if !hasTail {
			return "/" + lang
		}
		return "/" + lang + "/" + tail
	}
	if rest == "" {
		return "/" + lang + "/"
	}
	return "/" + lang + "/" + rest
}
