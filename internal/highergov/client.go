// Package highergov fetches opportunity records from the HigherGov API. It
// pages through saved searches, maps wire records onto the domain type and
// pulls attached document text, falling back to local PDF extraction when the
// server-side text extract is empty.
package highergov

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sourceonespares/sos-triage/internal/opportunity"
)

const pageSize = 100

// Client is the HigherGov API client. Requests are rate limited; the API
// throttles aggressive callers.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
	maxPages    int
	retryDelays []time.Duration
}

// New builds a client. maxPages caps pagination per search id.
func New(baseURL, apiKey string, timeout time.Duration, maxPages int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPages <= 0 {
		maxPages = 10
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
		logger:      logger,
		maxPages:    maxPages,
		retryDelays: []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second},
	}
}

// wire shapes

type searchResponse struct {
	Results []oppRecord `json:"results"`
	Meta    struct {
		Pagination struct {
			Pages int `json:"pages"`
		} `json:"pagination"`
	} `json:"meta"`
}

type oppRecord struct {
	SourceID     string `json:"source_id"`
	Announcement string `json:"source_id_version"`
	Title        string `json:"title"`
	Agency       struct {
		Name string `json:"agency_name"`
	} `json:"agency"`
	NAICS struct {
		Code string `json:"naics_code"`
	} `json:"naics_code"`
	PSC struct {
		Code string `json:"psc_code"`
	} `json:"psc_code"`
	SetAside struct {
		Code string `json:"set_aside_code"`
	} `json:"set_aside_code"`
	PostedDate  string      `json:"posted_date"`
	DueDate     string      `json:"due_date"`
	Path        string      `json:"path"`
	ValueLow    json.Number `json:"val_est_low"`
	ValueHigh   json.Number `json:"val_est_high"`
	Description string      `json:"description_text"`
	Documents   []docRecord `json:"documents"`
}

type docRecord struct {
	FileName    string `json:"file_name"`
	TextExtract string `json:"text_extract"`
	DownloadURL string `json:"download_url"`
}

// FetchSearch pulls every opportunity for one saved search id, paging until
// the reported page count or the configured cap. Each page is retried up to
// three times with 5s, 10s, 20s backoff before the search id is given up.
func (c *Client) FetchSearch(ctx context.Context, searchID string) ([]opportunity.Opportunity, error) {
	var opps []opportunity.Opportunity

	pages := 1
	for page := 1; page <= pages && page <= c.maxPages; page++ {
		resp, err := c.fetchPage(ctx, searchID, page)
		if err != nil {
			return opps, fmt.Errorf("search %s page %d: %w", searchID, page, err)
		}
		if resp.Meta.Pagination.Pages > 0 {
			pages = resp.Meta.Pagination.Pages
		}
		for i := range resp.Results {
			opps = append(opps, c.mapRecord(ctx, &resp.Results[i]))
		}
		c.logger.Debug("fetched page",
			zap.String("search_id", searchID),
			zap.Int("page", page),
			zap.Int("records", len(resp.Results)))
	}
	return opps, nil
}

func (c *Client) fetchPage(ctx context.Context, searchID string, page int) (*searchResponse, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.getPage(ctx, searchID, page)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= len(c.retryDelays) {
			return nil, lastErr
		}
		delay := c.retryDelays[attempt]
		c.logger.Warn("page fetch failed, retrying",
			zap.String("search_id", searchID),
			zap.Int("page", page),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) getPage(ctx context.Context, searchID string, page int) (*searchResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("search_id", searchID)
	q.Set("page_size", strconv.Itoa(pageSize))
	q.Set("page_number", strconv.Itoa(page))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/opportunity/?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("malformed search response: %w", err)
	}
	return &sr, nil
}

func (c *Client) mapRecord(ctx context.Context, rec *oppRecord) opportunity.Opportunity {
	opp := opportunity.Opportunity{
		ID:                 rec.SourceID,
		AnnouncementNumber: rec.Announcement,
		Title:              rec.Title,
		Agency:             rec.Agency.Name,
		NAICS:              rec.NAICS.Code,
		PSC:                rec.PSC.Code,
		SetAside:           rec.SetAside.Code,
		PostedDate:         rec.PostedDate,
		ResponseDeadline:   rec.DueDate,
		URL:                rec.Path,
		Synopsis:           rec.Description,
	}
	if v, err := rec.ValueLow.Float64(); err == nil {
		opp.ValueLow = v
	}
	if v, err := rec.ValueHigh.Float64(); err == nil {
		opp.ValueHigh = v
	}

	for _, d := range rec.Documents {
		text := d.TextExtract
		if text == "" && d.DownloadURL != "" {
			extracted, err := c.extractDocument(ctx, d.DownloadURL)
			if err != nil {
				c.logger.Warn("document extraction failed",
					zap.String("opportunity", opp.ID),
					zap.String("file", d.FileName),
					zap.Error(err))
			} else {
				text = extracted
			}
		}
		if text != "" {
			opp.Documents = append(opp.Documents, opportunity.Document{
				FileName: d.FileName,
				Text:     text,
			})
		}
	}
	return opp
}

// extractDocument downloads an attachment and extracts its text locally.
// Only PDFs are handled; other formats rely on the server-side extract.
func (c *Client) extractDocument(ctx context.Context, downloadURL string) (string, error) {
	if !strings.HasSuffix(strings.ToLower(downloadURL), ".pdf") {
		return "", fmt.Errorf("no text extract and not a pdf")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return extractPDFText(data)
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf parse failed: %w", err)
	}
	var b strings.Builder
	r, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf text extraction failed: %w", err)
	}
	if _, err := io.Copy(&b, r); err != nil {
		return "", err
	}
	return b.String(), nil
}
