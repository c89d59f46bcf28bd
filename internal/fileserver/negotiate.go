package fileserver

import (
	"sort"
	"strconv"
	"strings"

	"github.com/spiderbutter/spiderbutter/internal/asset"
)

// acceptedEncodings parses an Accept-Encoding value into the supported
// encodings it names, most preferred first. Unknown tokens and tokens with
// q=0 are dropped; other parameters do not affect the order.
func acceptedEncodings(header string) []asset.Encoding {
	var out []asset.Encoding
	seen := map[asset.Encoding]bool{}
	for _, tok := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(tok, ";")
		var enc asset.Encoding
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "gzip":
			enc = asset.Gzip
		case "deflate":
			enc = asset.Deflate
		default:
			continue
		}
		if refused(params) || seen[enc] {
			continue
		}
		seen[enc] = true
		out = append(out, enc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}

// negotiate picks the encoding to serve, identity when nothing usable is offered.
func negotiate(header string) asset.Encoding {
	if encs := acceptedEncodings(header); len(encs) > 0 {
		return encs[0]
	}
	return asset.Identity
}

func refused(params string) bool {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil && q == 0 {
			return true
		}
	}
	return false
}
