// Package uriconf parses the scheme://[user:pass@]host[:port]/path[?k=v&...]
// URIs used to instantiate sinks (C5) and enrichers (C4) by name, shared
// between both registries. The settings package applies its own copy of
// the scheme grammar, with its own underscore diagnostic (spec.md §3/§6),
// when settings are loaded.
package uriconf

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/kluzzebass/fapilog/internal/ferror"
)

var schemeRe = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

// Parsed is the decomposed form of a sink/enricher URI. Params holds the
// raw string values from the query string; typed accessors below attempt
// coercion the way spec.md §4.4 describes for enricher/factory parameters.
type Parsed struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     string
	Path     string
	Params   map[string]string
}

// Parse validates the scheme grammar and decomposes the URI. An
// underscore in the scheme produces a diagnostic suggesting the hyphen
// equivalent, per spec.md's explicit testable property.
func Parse(subsystem, raw string) (Parsed, error) {
	schemeEnd := strings.Index(raw, "://")
	if schemeEnd < 0 {
		return Parsed{}, ferror.New(ferror.Configuration, subsystem, "parse_uri", nil).WithValue(raw)
	}
	scheme := raw[:schemeEnd]
	if strings.Contains(scheme, "_") {
		suggestion := strings.ReplaceAll(scheme, "_", "-")
		return Parsed{}, ferror.New(ferror.Configuration, subsystem, "parse_uri",
			nil).WithValue(raw).WithKey("scheme '" + scheme + "' contains underscore; use '" + suggestion + "' instead")
	}
	if !schemeRe.MatchString(scheme) {
		return Parsed{}, ferror.New(ferror.Configuration, subsystem, "parse_uri", nil).WithValue(raw).WithKey("scheme")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Parsed{}, ferror.New(ferror.Configuration, subsystem, "parse_uri", err).WithValue(raw)
	}

	params := make(map[string]string, len(u.Query()))
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			params[k] = vs[len(vs)-1]
		}
	}

	p := Parsed{
		Scheme: scheme,
		Host:   u.Hostname(),
		Port:   u.Port(),
		Path:   u.Path,
		Params: params,
	}
	if u.User != nil {
		p.User = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	// Some built-in schemes (e.g. "stdout://json") put their sole
	// parameter in the host position rather than the path; callers that
	// care inspect Host directly.
	return p, nil
}

// Int coerces a parameter to a plain base-10 int.
func (p Parsed) Int(key string, def int) (int, error) {
	v, ok := p.Params[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, ferror.New(ferror.Configuration, "uriconf", "coerce_int", err).WithKey(key).WithValue(v)
	}
	return n, nil
}

// Float64 coerces a parameter to float64.
func (p Parsed) Float64(key string, def float64) (float64, error) {
	v, ok := p.Params[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, ferror.New(ferror.Configuration, "uriconf", "coerce_float", err).WithKey(key).WithValue(v)
	}
	return f, nil
}

var truthy = map[string]bool{"true": true, "1": true, "yes": true}
var falsy = map[string]bool{"false": true, "0": true, "no": true}

// Bool coerces a parameter to bool using true|false|1|0|yes|no,
// case-insensitive.
func (p Parsed) Bool(key string, def bool) (bool, error) {
	v, ok := p.Params[key]
	if !ok {
		return def, nil
	}
	lower := strings.ToLower(strings.TrimSpace(v))
	if truthy[lower] {
		return true, nil
	}
	if falsy[lower] {
		return false, nil
	}
	return false, ferror.New(ferror.Configuration, "uriconf", "coerce_bool", nil).WithKey(key).WithValue(v)
}

// String returns the raw string parameter, or def if absent.
func (p Parsed) String(key, def string) string {
	if v, ok := p.Params[key]; ok {
		return v
	}
	return def
}
