package sharedkey

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// CanonicalPrefix marks the service specific headers that take part in the
// canonicalized header block of the string-to-sign.
const CanonicalPrefix = "x-ms-"

// templateHeaders are read positionally into the string-to-sign. The empty
// entry is the standard Date header, which is always blank because x-ms-date
// is sent instead.
var templateHeaders = []string{
	"Content-Encoding",
	"Content-Language",
	"Content-Length",
	"Content-MD5",
	"Content-Type",
	"",
	"If-Modified-Since",
	"If-Match",
	"If-None-Match",
	"If-Unmodified-Since",
	"Range",
}

// QueryParam is a single raw key=value pair taken from a query string.
type QueryParam struct {
	Key   string
	Value string
}

// StringToSign builds the exact byte sequence that is HMAC signed for a
// SharedKey Authorization header.
func StringToSign(method string, header http.Header, accountName, resourcePath string, query []QueryParam) string {
	var b strings.Builder

	b.WriteString(method)
	b.WriteByte('\n')

	for _, name := range templateHeaders {
		if name != "" {
			b.WriteString(header.Get(name))
		}
		b.WriteByte('\n')
	}

	for _, h := range canonicalizedHeaders(header) {
		b.WriteString(h.name)
		b.WriteByte(':')
		b.WriteString(h.value)
		b.WriteByte('\n')
	}

	b.WriteByte('/')
	b.WriteString(accountName)
	if resourcePath != "" && !strings.HasPrefix(resourcePath, "/") {
		b.WriteByte('/')
	}
	b.WriteString(resourcePath)

	params := make([]QueryParam, len(query))
	copy(params, query)
	sort.SliceStable(params, func(i, j int) bool {
		return params[i].Key < params[j].Key
	})
	for _, p := range params {
		// Undecodable values are dropped rather than failing the request.
		value, err := url.PathUnescape(p.Value)
		if err != nil {
			continue
		}
		b.WriteByte('\n')
		b.WriteString(p.Key)
		b.WriteByte(':')
		b.WriteString(value)
	}

	return b.String()
}

// StringToSignForURL is StringToSign with the resource path and query
// parameters taken from u. The path is signed in its escaped form, as it
// appears on the wire.
func StringToSignForURL(method string, header http.Header, accountName string, u *url.URL) string {
	return StringToSign(method, header, accountName, u.EscapedPath(), ParseQuery(u.RawQuery))
}

// ParseQuery splits a raw query string into its pairs, keeping the original
// order and leaving values encoded. Components without '=' are skipped.
func ParseQuery(rawQuery string) []QueryParam {
	if rawQuery == "" {
		return nil
	}

	components := strings.Split(rawQuery, "&")
	params := make([]QueryParam, 0, len(components))
	for _, component := range components {
		idx := strings.IndexByte(component, '=')
		if idx < 0 {
			continue
		}
		params = append(params, QueryParam{Key: component[:idx], Value: component[idx+1:]})
	}
	return params
}

type canonicalHeader struct {
	name  string
	value string
}

func canonicalizedHeaders(header http.Header) []canonicalHeader {
	names := make([]string, 0, len(header))
	for name := range header {
		if strings.HasPrefix(strings.ToLower(name), CanonicalPrefix) {
			names = append(names, name)
		}
	}
	// Map iteration order is random, so ties on the lowercased name fall back
	// to the stored name to keep the output deterministic.
	sort.Slice(names, func(i, j int) bool {
		li, lj := strings.ToLower(names[i]), strings.ToLower(names[j])
		if li != lj {
			return li < lj
		}
		return names[i] < names[j]
	})

	headers := make([]canonicalHeader, 0, len(names))
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, value := range header[name] {
			headers = append(headers, canonicalHeader{name: lower, value: value})
		}
	}
	return headers
}
