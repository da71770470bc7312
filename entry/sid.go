package entry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ComputeSID derives the session id for a (url, headers) pair: the first
// 12 bytes (24 hex chars) of SHA-256 over the URL and the headers sorted
// by lowercased key, so header ordering and casing never affect identity.
func ComputeSID(url string, headers map[string]string) string {
	return truncatedHash(url, headers)[:24]
}

// contentHash derives the on-disk directory name for an entry: sha256(url)
// alone, independent of headers, so two clients proxying the same URL
// with different request headers (e.g. a different User-Agent) share one
// on-disk cache rather than each fetching and storing the bytes twice.
func contentHash(url string, _ map[string]string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

type headerPair struct {
	lowerKey string
	value    string
}

func truncatedHash(url string, headers map[string]string) string {
	pairs := make([]headerPair, 0, len(headers))
	for k, v := range headers {
		pairs = append(pairs, headerPair{lowerKey: strings.ToLower(k), value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].lowerKey < pairs[j].lowerKey })

	var b strings.Builder
	b.WriteString(url)
	for _, p := range pairs {
		b.WriteByte('\n')
		b.WriteString(p.lowerKey)
		b.WriteByte(':')
		b.WriteString(p.value)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
