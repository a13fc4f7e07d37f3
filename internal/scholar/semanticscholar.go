package scholar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const (
	DirectionCitations  = "citations"
	DirectionReferences = "references"
)

// SemanticScholarClient 查询论文的引用（谁引用了它）与参考文献（它引用了谁）。
type SemanticScholarClient struct {
	baseURL string
	http    *httpGetter
}

func NewSemanticScholarClient(cfg Config, client *http.Client) *SemanticScholarClient {
	def := DefaultConfig()
	if cfg.SemanticScholarBaseURL == "" {
		cfg.SemanticScholarBaseURL = def.SemanticScholarBaseURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	g := newHTTPGetter(client, cfg.SemanticScholarRPS, cfg.MaxTries, cfg.HTTPTimeout)
	if cfg.SemanticScholarAPIKey != "" {
		g.headers["x-api-key"] = cfg.SemanticScholarAPIKey
	}
	return &SemanticScholarClient{baseURL: cfg.SemanticScholarBaseURL, http: g}
}

type s2Paper struct {
	Title       string            `json:"title"`
	Year        int               `json:"year"`
	Abstract    string            `json:"abstract"`
	ExternalIDs map[string]string `json:"externalIds"`
	Authors     []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

type s2Page struct {
	Data []struct {
		CitingPaper *s2Paper `json:"citingPaper"`
		CitedPaper  *s2Paper `json:"citedPaper"`
	} `json:"data"`
}

// Citations 返回 arxivID 的引用或参考文献列表，direction 取 citations / references。
func (c *SemanticScholarClient) Citations(ctx context.Context, arxivID string, direction string, limit int) ([]Paper, error) {
	if direction != DirectionCitations && direction != DirectionReferences {
		return nil, fmt.Errorf("unknown citation direction %q", direction)
	}
	id := NormalizeArxivID(arxivID)
	if id == "" {
		return nil, fmt.Errorf("arxiv id is required")
	}
	if limit <= 0 {
		limit = 10
	}

	v := url.Values{}
	v.Set("fields", "title,year,abstract,externalIds,authors")
	v.Set("limit", strconv.Itoa(limit))
	u := fmt.Sprintf("%s/paper/arXiv:%s/%s?%s", c.baseURL, url.PathEscape(id), direction, v.Encode())

	body, err := c.http.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("semantic scholar request: %w", err)
	}
	var page s2Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("semantic scholar response: %w", err)
	}

	out := make([]Paper, 0, len(page.Data))
	for _, d := range page.Data {
		p := d.CitingPaper
		if direction == DirectionReferences {
			p = d.CitedPaper
		}
		if p == nil || p.Title == "" {
			continue
		}
		paper := Paper{
			ArxivID:  p.ExternalIDs["ArXiv"],
			Title:    p.Title,
			Abstract: p.Abstract,
			Year:     p.Year,
		}
		for _, a := range p.Authors {
			paper.Authors = append(paper.Authors, a.Name)
		}
		out = append(out, paper)
	}
	return out, nil
}
