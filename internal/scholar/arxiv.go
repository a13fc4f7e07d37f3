package scholar

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ArxivClient 调用 arXiv 的 Atom 查询接口。
type ArxivClient struct {
	baseURL string
	http    *httpGetter
}

func NewArxivClient(cfg Config, client *http.Client) *ArxivClient {
	def := DefaultConfig()
	if cfg.ArxivBaseURL == "" {
		cfg.ArxivBaseURL = def.ArxivBaseURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	return &ArxivClient{
		baseURL: cfg.ArxivBaseURL,
		http:    newHTTPGetter(client, cfg.ArxivRPS, cfg.MaxTries, cfg.HTTPTimeout),
	}
}

// Search 按关键词检索 arXiv，结果按相关性排序。
func (c *ArxivClient) Search(ctx context.Context, query string, maxResults int) ([]Paper, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("arxiv search: empty query")
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	v := url.Values{}
	v.Set("search_query", "all:"+query)
	v.Set("start", "0")
	v.Set("max_results", strconv.Itoa(maxResults))
	v.Set("sortBy", "relevance")
	return c.fetch(ctx, v)
}

// Lookup 按 arXiv ID 批量取元数据。不存在的 ID 不会出现在结果里。
func (c *ArxivClient) Lookup(ctx context.Context, ids []string) ([]Paper, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	v := url.Values{}
	v.Set("id_list", strings.Join(ids, ","))
	v.Set("max_results", strconv.Itoa(len(ids)))
	return c.fetch(ctx, v)
}

func (c *ArxivClient) fetch(ctx context.Context, v url.Values) ([]Paper, error) {
	body, err := c.http.get(ctx, c.baseURL+"?"+v.Encode())
	if err != nil {
		return nil, fmt.Errorf("arxiv request: %w", err)
	}
	papers, err := parseAtom(body)
	if err != nil {
		return nil, fmt.Errorf("arxiv response: %w", err)
	}
	return papers, nil
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Links []struct {
		Href  string `xml:"href,attr"`
		Title string `xml:"title,attr"`
		Type  string `xml:"type,attr"`
	} `xml:"link"`
	PrimaryCategory struct {
		Term string `xml:"term,attr"`
	} `xml:"http://arxiv.org/schemas/atom primary_category"`
}

var (
	arxivVersionRe = regexp.MustCompile(`v\d+$`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

func parseAtom(body []byte) ([]Paper, error) {
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, err
	}
	out := make([]Paper, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		id := NormalizeArxivID(e.ID)
		if id == "" {
			continue
		}
		p := Paper{
			ArxivID:  id,
			Title:    collapse(e.Title),
			Abstract: collapse(e.Summary),
			Category: e.PrimaryCategory.Term,
		}
		for _, a := range e.Authors {
			if name := collapse(a.Name); name != "" {
				p.Authors = append(p.Authors, name)
			}
		}
		for _, l := range e.Links {
			if l.Title == "pdf" || l.Type == "application/pdf" {
				p.PDFURL = l.Href
			}
		}
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Published)); err == nil {
			p.Published = ts
			p.Year = ts.Year()
		}
		out = append(out, p)
	}
	return out, nil
}

// NormalizeArxivID 把 abs URL / 带版本号 / 带 arXiv: 前缀的写法统一成裸 ID（例如 2401.01234）。
func NormalizeArxivID(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "/abs/"); i >= 0 {
		s = s[i+len("/abs/"):]
	}
	if i := strings.Index(s, "/pdf/"); i >= 0 {
		s = strings.TrimSuffix(s[i+len("/pdf/"):], ".pdf")
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "arXiv:"), "arxiv:")
	return arxivVersionRe.ReplaceAllString(s, "")
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
