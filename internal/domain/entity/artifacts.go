package entity

// Source is a web reference extracted from a tool reply.
type Source struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// MediaItem is a non-image media reference (audio, documents).
type MediaItem struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
}

// ExtractedArtifacts is the client-visible index distilled from tool
// outputs after the loop terminates. It is never re-inserted into the
// model's conversation; entries are deduplicated by canonical URL.
type ExtractedArtifacts struct {
	Sources       []Source    `json:"sources,omitempty"`
	Images        []string    `json:"images,omitempty"`
	YoutubeVideos []string    `json:"youtubeVideos,omitempty"`
	OtherVideos   []string    `json:"otherVideos,omitempty"`
	Media         []MediaItem `json:"media,omitempty"`
}

// IsEmpty reports whether no artifacts were collected.
func (a *ExtractedArtifacts) IsEmpty() bool {
	if a == nil {
		return true
	}
	return len(a.Sources) == 0 && len(a.Images) == 0 &&
		len(a.YoutubeVideos) == 0 && len(a.OtherVideos) == 0 && len(a.Media) == 0
}
