package search

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"

	"github.com/ashureev/shoplens/internal/domain"
	"github.com/microcosm-cc/bluemonday"
)

type searchRequest struct {
	Query         string `json:"query"`
	Limit         int    `json:"limit"`
	Offset        int    `json:"offset"`
	ForceOriginal bool   `json:"force_original"`
}

type searchResponse struct {
	Results       []searchResult `json:"results"`
	TotalCount    int64          `json:"total_count"`
	EnhancedQuery *string        `json:"enhanced_query"`
}

type searchResult struct {
	ProductID    string          `json:"product_id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	ProductType  string          `json:"product_type"`
	Category     string          `json:"category"`
	Price        json.RawMessage `json:"price"`
	ThumbnailURL *string         `json:"thumbnail_url"`
	Gallery      []galleryImage  `json:"gallery"`
}

type galleryImage struct {
	URL   string `json:"url"`
	Order int    `json:"order"`
}

// mapper turns search service payloads into domain products. Text fields
// come from sellers and are stripped of markup, leaving plain text.
type mapper struct {
	policy *bluemonday.Policy
}

func newMapper() *mapper {
	return &mapper{policy: bluemonday.StrictPolicy()}
}

func (m *mapper) decode(body []byte, offset, limit int) (domain.ResultPage, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.ResultPage{}, fmt.Errorf("failed to decode search response: %w", err)
	}
	return m.page(resp, offset, limit), nil
}

func (m *mapper) page(resp searchResponse, offset, limit int) domain.ResultPage {
	products := make([]domain.Product, 0, len(resp.Results))
	for _, r := range resp.Results {
		if p, ok := m.product(r); ok {
			products = append(products, p)
		}
	}
	page := domain.ResultPage{
		Products:   products,
		NextCursor: nextCursor(offset, len(resp.Results), limit, resp.TotalCount),
	}
	if resp.EnhancedQuery != nil {
		page.EnhancedQuery = strings.TrimSpace(*resp.EnhancedQuery)
	}
	return page
}

func (m *mapper) product(r searchResult) (domain.Product, bool) {
	id := strings.TrimSpace(r.ProductID)
	if id == "" {
		return domain.Product{}, false
	}
	p := domain.Product{
		ID:                   id,
		Title:                m.text(r.Title),
		Price:                formatPrice(r.Price),
		ConditionDescription: conditionDescription(r.ProductType),
		Description:          m.text(r.Description),
	}
	if r.ThumbnailURL != nil {
		p.ThumbnailURL = strings.TrimSpace(*r.ThumbnailURL)
	}
	if len(r.Gallery) > 0 {
		images := append([]galleryImage(nil), r.Gallery...)
		sort.SliceStable(images, func(i, j int) bool { return images[i].Order < images[j].Order })
		for _, img := range images {
			if url := strings.TrimSpace(img.URL); url != "" {
				p.GalleryURLs = append(p.GalleryURLs, url)
			}
		}
	}
	return p, true
}

func (m *mapper) text(s string) string {
	return strings.TrimSpace(html.UnescapeString(m.policy.Sanitize(s)))
}

// formatPrice accepts the price as a JSON string, number, or null.
func formatPrice(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

func conditionDescription(productType string) string {
	switch strings.ToLower(strings.TrimSpace(productType)) {
	case "new":
		return "New"
	case "used":
		return "Used"
	default:
		return ""
	}
}
