package domain

// Product is one search result as the presentation layer renders it.
type Product struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Price                string   `json:"price"`
	ConditionDescription string   `json:"condition_description"`
	ThumbnailURL         string   `json:"thumbnail_url,omitempty"`
	Description          string   `json:"description,omitempty"`
	GalleryURLs          []string `json:"gallery_urls,omitempty"`
}

// Clone returns a copy that does not share the gallery slice.
func (p Product) Clone() Product {
	if p.GalleryURLs != nil {
		p.GalleryURLs = append([]string(nil), p.GalleryURLs...)
	}
	return p
}

// ResultPage is one page returned by the search backend.
// An empty NextCursor means the result set is exhausted. EnhancedQuery is
// the query as the backend rewrote it, empty when it ran the text verbatim.
type ResultPage struct {
	Products      []Product
	NextCursor    string
	EnhancedQuery string
}

// Snapshot is the read-only view handed to the presentation layer.
type Snapshot struct {
	Transcript  []TranscriptEntry  `json:"transcript"`
	Results     []Product          `json:"results"`
	Markers     []RefinementMarker `json:"markers"`
	LoadingMore bool               `json:"loading_more"`
	Complete    bool               `json:"complete"`
	Mode        Mode               `json:"mode"`
	Searching   bool               `json:"searching"`
	VoiceState  string             `json:"voice_state"`
	Notice      string             `json:"notice,omitempty"`
}
