// Package scholar 封装外部论文源：arXiv（检索/元数据）与 Semantic Scholar（引用关系）。
package scholar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

type Config struct {
	ArxivBaseURL           string `mapstructure:"arxiv_base_url"`
	SemanticScholarBaseURL string `mapstructure:"semantic_scholar_base_url"`
	SemanticScholarAPIKey  string `mapstructure:"semantic_scholar_api_key"`
	// ArxivRPS / SemanticScholarRPS 为每秒请求数上限（arXiv 要求不超过 1 次 / 3 秒）。
	ArxivRPS           float64       `mapstructure:"arxiv_rps"`
	SemanticScholarRPS float64       `mapstructure:"semantic_scholar_rps"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	MaxTries           uint          `mapstructure:"max_tries"`
}

func DefaultConfig() Config {
	return Config{
		ArxivBaseURL:           "https://export.arxiv.org/api/query",
		SemanticScholarBaseURL: "https://api.semanticscholar.org/graph/v1",
		ArxivRPS:               0.34,
		SemanticScholarRPS:     1,
		HTTPTimeout:            20 * time.Second,
		MaxTries:               3,
	}
}

// Paper 是外部论文源返回的统一论文元数据。
type Paper struct {
	ArxivID   string    `json:"arxiv_id"`
	Title     string    `json:"title"`
	Authors   []string  `json:"authors,omitempty"`
	Abstract  string    `json:"abstract,omitempty"`
	Category  string    `json:"category,omitempty"`
	PDFURL    string    `json:"pdf_url,omitempty"`
	Published time.Time `json:"published,omitempty"`
	Year      int       `json:"year,omitempty"`
}

// StatusError 为非 2xx 响应。
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// httpGetter 负责限流 + 重试 + 读取响应体，两个客户端共用。
type httpGetter struct {
	client   *http.Client
	limiter  *rate.Limiter
	maxTries uint
	headers  map[string]string
}

func newHTTPGetter(client *http.Client, rps float64, maxTries uint, timeout time.Duration) *httpGetter {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if maxTries == 0 {
		maxTries = 1
	}
	return &httpGetter{
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		maxTries: maxTries,
		headers:  map[string]string{},
	}
}

// get 对 429 与 5xx 做指数退避重试，其余 4xx 直接失败。
func (g *httpGetter) get(ctx context.Context, url string) ([]byte, error) {
	return backoff.Retry(ctx, func() ([]byte, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for k, v := range g.headers {
			req.Header.Set(k, v)
		}
		resp, err := g.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}
		serr := &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 256)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, serr
		}
		return nil, backoff.Permanent(serr)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(g.maxTries),
	)
}

// IsNotFound 判断外部源是否返回 404。
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
