// Package form produces the exact request bodies used to drive UWS services.
//
// Two encodings are supported:
//   - application/x-www-form-urlencoded, for string-only submissions
//   - multipart/form-data (RFC 2046 sec 5.1, RFC 2388), when streamed
//     parameters such as table uploads are present
//
// Everything in this package is a pure byte producer; it never opens
// connections. The uws package decides where the bytes go.
package form

import (
	"net/url"
	"sort"
	"strings"
)

// ContentTypeURLEncoded is the media type of EncodeURL output.
const ContentTypeURLEncoded = "application/x-www-form-urlencoded"

// EncodeURL encodes a name->value map as an application/x-www-form-urlencoded
// body: percent-encoded UTF-8 pairs joined by '&' and '='.
//
// Keys are emitted in sorted order so that the output is deterministic.
func EncodeURL(params map[string]string) []byte {
	keys := sortedKeys(params)

	var b strings.Builder
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return []byte(b.String())
}

// lineBreaks maps every line terminator form onto CRLF.
// Replacer tries arguments in order, so "\r\n" wins over a lone "\r".
var lineBreaks = strings.NewReplacer("\r\n", "\r\n", "\r", "\r\n", "\n", "\r\n")

// ToTextPlain renders text as text/plain content in UTF-8 with every line
// break normalised to CRLF, as RFC 2046 sec 4.1.1 requires.
func ToTextPlain(text string) []byte {
	return []byte(lineBreaks.Replace(text))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
