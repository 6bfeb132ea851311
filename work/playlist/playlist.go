// Package playlist rewrites upstream manifests so that every URL a client
// sees points back at the relay's segment endpoint as an opaque token. The
// provider origin never appears in anything sent to a player.
package playlist

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"

	"iptv-relay/work/logger"
	"iptv-relay/work/tokens"
)

var (
	// uriAttrRe matches URI="..." attributes on tag lines (#EXT-X-KEY,
	// #EXT-X-MEDIA, #EXT-X-MAP and friends).
	uriAttrRe = regexp.MustCompile(`URI="([^"]+)"`)

	// baseURLRe matches a DASH BaseURL element with its content.
	baseURLRe = regexp.MustCompile(`<BaseURL>([^<]*)</BaseURL>`)

	// mpdOpenRe matches the opening MPD tag, for injecting a BaseURL into
	// manifests that carry none.
	mpdOpenRe = regexp.MustCompile(`<MPD[^>]*>`)
)

// Rewriter turns upstream manifest bodies into relay-facing ones.
type Rewriter struct {
	codec      *tokens.Codec
	publicBase string
}

// NewRewriter builds a Rewriter. publicBase is this relay's externally
// visible base URL, without a trailing slash.
func NewRewriter(codec *tokens.Codec, publicBase string) *Rewriter {
	return &Rewriter{codec: codec, publicBase: strings.TrimSuffix(publicBase, "/")}
}

// Kind is the classification of an HLS body.
type Kind int

const (
	KindUnknown Kind = iota
	KindMaster
	KindMedia
)

// Classify decides whether an HLS body is a master or media playlist. The
// structured decoder gets the first shot; bodies it chokes on (plenty of
// providers emit slightly broken manifests) fall back to a tag scan.
func Classify(body []byte) Kind {
	_, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err == nil {
		switch listType {
		case m3u8.MASTER:
			return KindMaster
		case m3u8.MEDIA:
			return KindMedia
		}
	}

	text := string(body)
	if !strings.Contains(text, "#EXTM3U") {
		return KindUnknown
	}
	if strings.Contains(text, "#EXT-X-STREAM-INF") {
		return KindMaster
	}
	return KindMedia
}

// RewriteHLS rewrites every reference in an HLS playlist into split
// base/data segment tokens. The base half — the template payload (viewer
// identity, upstream headers) plus the playlist's own resolved URL — is
// sealed once and shared by every line; the data half carries the per-line
// target, resolved to absolute form.
func (r *Rewriter) RewriteHLS(body []byte, upstreamURL string, template tokens.Payload) ([]byte, error) {
	template.Href = upstreamURL
	baseToken, err := r.codec.EncodePayload(template)
	if err != nil {
		return nil, fmt.Errorf("sealing playlist base: %w", err)
	}

	lines := strings.Split(string(body), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			if strings.Contains(trimmed, `URI="`) {
				rewritten, err := r.rewriteURIAttr(trimmed, upstreamURL, baseToken)
				if err != nil {
					return nil, err
				}
				lines[i] = rewritten
			}
			continue
		}

		dataToken, err := r.codec.EncodeString(resolveAgainst(upstreamURL, trimmed))
		if err != nil {
			return nil, fmt.Errorf("sealing segment reference: %w", err)
		}
		lines[i] = r.segmentQueryURL("seg.ts", baseToken, dataToken)
	}

	return []byte(strings.Join(lines, "\n")), nil
}

func (r *Rewriter) rewriteURIAttr(line, upstreamURL, baseToken string) (string, error) {
	// Key URIs get the .key endpoint name so players treat them as opaque
	// key material rather than media.
	name := "seg.ts"
	if strings.HasPrefix(line, "#EXT-X-KEY") || strings.HasPrefix(line, "#EXT-X-SESSION-KEY") {
		name = "seg.key"
	}

	var sealErr error
	out := uriAttrRe.ReplaceAllStringFunc(line, func(match string) string {
		uri := uriAttrRe.FindStringSubmatch(match)[1]
		dataToken, err := r.codec.EncodeString(resolveAgainst(upstreamURL, uri))
		if err != nil {
			sealErr = err
			return match
		}
		return fmt.Sprintf(`URI="%s"`, r.segmentQueryURL(name, baseToken, dataToken))
	})
	return out, sealErr
}

func (r *Rewriter) segmentQueryURL(name, baseToken, dataToken string) string {
	return fmt.Sprintf("%s/live/segment/%s?base=%s&data=%s", r.publicBase, name, baseToken, dataToken)
}

// RewriteDASH points a DASH manifest's BaseURL elements at the relay's
// segment endpoint in path form: relative segment paths in the manifest then
// resolve under the sealed origin. Manifests without any BaseURL get one
// injected right after the MPD open tag.
func (r *Rewriter) RewriteDASH(body []byte, upstreamURL string, template tokens.Payload) ([]byte, error) {
	prefix := func(origin string) (string, error) {
		sealed := template
		sealed.Href = origin
		token, err := r.codec.EncodePayload(sealed)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s/live/segment/%s/", r.publicBase, token), nil
	}

	text := string(body)
	if baseURLRe.MatchString(text) {
		var sealErr error
		text = baseURLRe.ReplaceAllStringFunc(text, func(match string) string {
			origin := baseURLRe.FindStringSubmatch(match)[1]
			resolved := resolveAgainst(upstreamURL, strings.TrimSpace(origin))
			p, err := prefix(resolved)
			if err != nil {
				sealErr = err
				return match
			}
			return "<BaseURL>" + p + "</BaseURL>"
		})
		if sealErr != nil {
			return nil, sealErr
		}
		return []byte(text), nil
	}

	loc := mpdOpenRe.FindStringIndex(text)
	if loc == nil {
		logger.Warn("{playlist/playlist - RewriteDASH} no MPD element found, body passed through unrewritten")
		return body, nil
	}
	p, err := prefix(dirOf(upstreamURL))
	if err != nil {
		return nil, err
	}
	injected := text[:loc[1]] + "<BaseURL>" + p + "</BaseURL>" + text[loc[1]:]
	return []byte(injected), nil
}

// resolveAgainst resolves a possibly-relative reference against a base URL,
// returning the reference untouched when either side fails to parse.
func resolveAgainst(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// dirOf strips the last path element, leaving the directory a manifest's
// relative references resolve under.
func dirOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if idx := strings.LastIndex(u.Path, "/"); idx >= 0 {
		u.Path = u.Path[:idx+1]
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
