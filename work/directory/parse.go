package directory

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Catalog rows arrive from provider imports with loosely structured JSON
// blobs. Parsing happens here, once, at the database boundary; everything
// past this file works with typed values and never re-parses raw strings.

// ParseMetadata decodes a channel metadata blob into a flat string map.
// Invalid or empty input yields an empty map rather than an error; a broken
// import must not take a channel off the air.
func ParseMetadata(raw string) map[string]string {
	out := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out
	}

	var generic map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return out
	}
	for key, value := range generic {
		switch v := value.(type) {
		case string:
			out[key] = v
		case float64:
			out[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[key] = strconv.FormatBool(v)
		case map[string]interface{}:
			// Nested objects (http_headers and the like) stay as JSON for
			// the typed accessors below.
			if data, err := json.Marshal(v); err == nil {
				out[key] = string(data)
			}
		}
	}
	return out
}

// MetadataHeaders returns the extra upstream headers a channel's metadata
// names under "http_headers": a JSON object of header name to value. Missing
// or malformed input yields nil.
func MetadataHeaders(ch *Channel) map[string]string {
	raw, ok := ch.Metadata["http_headers"]
	if !ok || raw == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// ParseBackupURLs decodes the backup origin list. Accepts a JSON array of
// strings; anything else yields nil. Entries that are not http(s) URLs are
// dropped here so the failover walk never sees them.
func ParseBackupURLs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var urls []string
	if err := json.Unmarshal([]byte(raw), &urls); err != nil {
		return nil
	}

	out := urls[:0]
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
