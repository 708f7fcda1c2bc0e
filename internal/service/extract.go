package service

import (
	"net/url"
	"sort"
	"strings"

	"github.com/relaygw/relay/internal/domain/entity"
)

// trackingParams are stripped during URL canonicalization.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
	"igshid":       true,
	"ref":          true,
	"ref_src":      true,
}

// CanonicalURL normalizes a URL for deduplication: lowercase scheme and
// host, fragment stripped, tracking parameters removed, remaining query
// parameters sorted. Unparseable input is returned unchanged so it still
// deduplicates against itself.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for param := range q {
		if trackingParams[strings.ToLower(param)] {
			q.Del(param)
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = b.String()
	return u.String()
}

// ExtractArtifacts merges the artifacts produced by every tool execution
// of a request into one deduplicated set. Artifacts are client-visible
// supplementary data only; they are never fed back to the model.
func ExtractArtifacts(executions []ToolExecution) *entity.ExtractedArtifacts {
	out := &entity.ExtractedArtifacts{}
	seenSources := make(map[string]bool)
	seenMedia := make(map[string]bool)

	for _, exec := range executions {
		a := exec.Artifacts
		if a == nil {
			continue
		}
		for _, src := range a.Sources {
			key := CanonicalURL(src.URL)
			if key == "" || seenSources[key] {
				continue
			}
			seenSources[key] = true
			src.URL = key
			out.Sources = append(out.Sources, src)
		}
		out.Images = appendDeduped(out.Images, a.Images, seenMedia)
		out.YoutubeVideos = appendDeduped(out.YoutubeVideos, a.YoutubeVideos, seenMedia)
		out.OtherVideos = appendDeduped(out.OtherVideos, a.OtherVideos, seenMedia)
		out.Media = appendMediaDeduped(out.Media, a.Media, seenMedia)
	}

	if out.IsEmpty() {
		return nil
	}
	return out
}

func appendDeduped(dst, src []string, seen map[string]bool) []string {
	for _, raw := range src {
		key := CanonicalURL(raw)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		dst = append(dst, key)
	}
	return dst
}

func appendMediaDeduped(dst, src []entity.MediaItem, seen map[string]bool) []entity.MediaItem {
	for _, item := range src {
		key := CanonicalURL(item.URL)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		item.URL = key
		dst = append(dst, item)
	}
	return dst
}
