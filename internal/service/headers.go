package service

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// hopByHopHeaders are meaningful for a single network leg and never forwarded.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
}

// IsHopByHop reports whether name is in the hop-by-hop exclusion set.
func IsHopByHop(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// HeaderDefaults are applied to the forward header set when the caller omits them.
type HeaderDefaults struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
}

// BuildForwardHeaders derives the upstream request headers from the inbound
// ones and the optional headers query parameter (a JSON object whose entries
// override everything else).
func BuildForwardHeaders(inbound http.Header, headersParam string, d HeaderDefaults) http.Header {
	out := make(http.Header, len(inbound)+3)
	for key, vals := range inbound {
		if IsHopByHop(key) {
			continue
		}
		out[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
	}

	setDefault(out, "User-Agent", d.UserAgent)
	setDefault(out, "Accept", d.Accept)
	setDefault(out, "Accept-Language", d.AcceptLanguage)

	for _, key := range []string{"Origin", "Referer"} {
		if out.Get(key) == "" && inbound.Get(key) != "" {
			out.Set(key, inbound.Get(key))
		}
	}

	for key, val := range ParseHeaderOverrides(headersParam) {
		if IsHopByHop(key) || !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(val) {
			continue
		}
		out.Set(key, val)
	}
	return out
}

func setDefault(h http.Header, key, value string) {
	if value != "" && h.Get(key) == "" {
		h.Set(key, value)
	}
}

// ParseHeaderOverrides parses raw as a JSON object of header overrides.
// Keys are lower-cased and values stringified; for keys repeated in the
// document the last one wins. Anything that is not a single JSON object
// yields an empty map.
func ParseHeaderOverrides(raw string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return out
	}

	parsed, ok := parseObject(raw)
	if !ok {
		return out
	}
	for _, kv := range parsed {
		out[strings.ToLower(kv.key)] = kv.value
	}
	return out
}

type headerOverride struct {
	key   string
	value string
}

// parseObject walks the top-level object token by token so document order survives.
func parseObject(raw string) ([]headerOverride, bool) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil, false
	}

	var kvs []headerOverride
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, ok := tok.(string)
		if !ok {
			return nil, false
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, false
		}
		kvs = append(kvs, headerOverride{key: key, value: stringify(v)})
	}

	if tok, err := dec.Token(); err != nil || tok != json.Delim('}') {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return kvs, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, len(t))
		for i, el := range t {
			if el != nil {
				parts[i] = stringify(el)
			}
		}
		return strings.Join(parts, ",")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
