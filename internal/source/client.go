// Package source implements the Kleinanzeigen mobile-API client adapter. One
// long-lived Client is constructed at process start and injected into the
// orchestrator; it is a pure fetch-and-normalize step with no persistence of
// its own.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xeipuuv/gojsonschema"

	"github.com/timur-me/kleinanzeigen-sniper/internal/common/config"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/errors"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/logger"
	"github.com/timur-me/kleinanzeigen-sniper/internal/common/metrics"
	"github.com/timur-me/kleinanzeigen-sniper/internal/model"
)

const (
	adsNamespace      = "{http://www.ebayclassifiedsgroup.com/schema/ad/v1}ads"
	locationNamespace = "{http://www.ebayclassifiedsgroup.com/schema/location/v1}locations"

	locationCachePrefix = "sniper:location:"
)

// candidateSchema is the minimal shape an upstream ad must have to enter the
// pipeline. Everything beyond the id stays opaque until rendering.
const candidateSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1}
	}
}`

// Client talks to the Kleinanzeigen mobile API with the Android app's request
// signature. Safe for concurrent use.
type Client struct {
	baseURL     string
	headers     map[string]string
	pageSize    int
	maxPages    int
	locationTTL time.Duration

	httpClient *http.Client
	rdb        *redis.Client
	schema     *gojsonschema.Schema
	logger     logger.Logger
}

// NewClient builds the one long-lived API client.
func NewClient(cfg config.SourceConfig, rdb *redis.Client, log logger.Logger) (*Client, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(candidateSchema))
	if err != nil {
		return nil, fmt.Errorf("compile candidate schema: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		headers: map[string]string{
			"User-Agent":         "Kleinanzeigen/100.43.3 (Android 9; google G011A)",
			"X-ECG-USER-AGENT":   "ebayk-android-app-100.43.3",
			"X-ECG-USER-VERSION": "100.43.3",
			"X-EBAYK-APP":        generateInstallID(),
			"Authorization":      "Basic " + cfg.AuthToken,
			"Accept":             "application/json",
		},
		pageSize:    cfg.PageSize,
		maxPages:    cfg.MaxPages,
		locationTTL: time.Duration(cfg.LocationTTL) * time.Second,
		httpClient:  &http.Client{Timeout: config.GetDuration(cfg.Timeout)},
		rdb:         rdb,
		schema:      schema,
		logger:      log.WithFields(map[string]interface{}{"component": "source"}),
	}, nil
}

// FetchCandidates returns the normalized hits for one search definition,
// newest first, paging until a short page or the page cap. A transport error
// or non-200 status is a recoverable FETCH_FAILED; a malformed envelope is
// treated the same as an empty result.
func (c *Client) FetchCandidates(ctx context.Context, search model.SearchDefinition) ([]Candidate, error) {
	timer := time.Now()
	metrics.FetchInFlight.Inc()
	defer func() {
		metrics.FetchInFlight.Dec()
		metrics.FetchDuration.Observe(time.Since(timer).Seconds())
	}()

	var candidates []Candidate

	for page := 0; page < c.maxPages; page++ {
		batch, err := c.fetchPage(ctx, search, page)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, batch...)
		if len(batch) < c.pageSize {
			break
		}
	}

	return candidates, nil
}

func (c *Client) fetchPage(ctx context.Context, search model.SearchDefinition, page int) ([]Candidate, error) {
	params := url.Values{}
	params.Set("q", search.Query)
	params.Set("page", strconv.Itoa(page))
	params.Set("size", strconv.Itoa(c.pageSize))
	params.Set("sortType", "DATE_DESCENDING")
	params.Set("pictureRequired", "false")
	params.Set("includeTopAds", "false")
	params.Set("limitTotalResultCount", "true")
	if search.LocationID != "" {
		params.Set("locationId", search.LocationID)
		if search.RadiusKM > 0 {
			params.Set("distance", strconv.Itoa(search.RadiusKM))
		}
	}
	if search.CategoryID != "" {
		params.Set("categoryId", search.CategoryID)
	}
	if search.PriceMin != nil {
		params.Set("minPrice", strconv.Itoa(*search.PriceMin))
	}
	if search.PriceMax != nil {
		params.Set("maxPrice", strconv.Itoa(*search.PriceMax))
	}

	body, err := c.get(ctx, c.baseURL+"/ads.json?"+params.Encode())
	if err != nil {
		return nil, err
	}

	return c.extractCandidates(body), nil
}

// extractCandidates unwraps the namespaced ads envelope and drops any ad that
// fails the minimal shape check. Malformed input never fails the fetch.
func (c *Client) extractCandidates(body []byte) []Candidate {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.logger.Warn("malformed search response", map[string]interface{}{"error": err.Error()})
		return nil
	}

	raw, ok := envelope[adsNamespace]
	if !ok {
		return nil
	}

	var ads adEnvelope
	if err := json.Unmarshal(raw, &ads); err != nil {
		c.logger.Warn("malformed ads envelope", map[string]interface{}{"error": err.Error()})
		return nil
	}

	candidates := make([]Candidate, 0, len(ads.Value.Ad))
	for _, ad := range ads.Value.Ad {
		result, err := c.schema.Validate(gojsonschema.NewBytesLoader(ad))
		if err != nil || !result.Valid() {
			c.logger.Debug("skipping ad without usable id", nil)
			continue
		}

		var identity adIdentity
		if err := json.Unmarshal(ad, &identity); err != nil {
			continue
		}

		candidates = append(candidates, Candidate{ID: identity.ID, RawData: ad})
	}

	return candidates
}

// LookupLocation resolves a free-text place name to a location id, with a
// Redis cache in front of the API. Used by the bot layer during search
// creation, not on the scan hot path.
func (c *Client) LookupLocation(ctx context.Context, name string) (*Location, error) {
	key := locationCachePrefix + strings.ToLower(strings.TrimSpace(name))

	if cached, err := c.rdb.Get(ctx, key).Result(); err == nil {
		var loc Location
		if err := json.Unmarshal([]byte(cached), &loc); err == nil {
			return &loc, nil
		}
	}

	params := url.Values{}
	params.Set("q", name)
	params.Set("depth", "1")

	body, err := c.get(ctx, c.baseURL+"/locations.json?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.NewMalformedResponseError(err.Error())
	}
	raw, ok := envelope[locationNamespace]
	if !ok {
		return nil, errors.NewMalformedResponseError("locations envelope missing")
	}

	var locations locationEnvelope
	if err := json.Unmarshal(raw, &locations); err != nil {
		return nil, errors.NewMalformedResponseError(err.Error())
	}
	if len(locations.Value.Location) == 0 {
		return nil, errors.NewMalformedResponseError(fmt.Sprintf("no location matches %q", name))
	}

	loc := Location{
		ID:   locations.Value.Location[0].ID.Value,
		Name: locations.Value.Location[0].LocalizedName.Value,
	}

	if encoded, err := json.Marshal(loc); err == nil {
		if err := c.rdb.Set(ctx, key, encoded, c.locationTTL).Err(); err != nil {
			c.logger.Warn("location cache write failed", map[string]interface{}{"error": err.Error()})
		}
	}

	return &loc, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.NewFetchFailedError(err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewFetchFailedError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewFetchFailedError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewFetchFailedError(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	return body, nil
}

// generateInstallID fakes the Android app's per-install identifier: a uuid
// followed by 13 random digits.
func generateInstallID() string {
	digits := make([]byte, 13)
	for i := range digits {
		digits[i] = byte('0' + rand.Intn(10))
	}
	return uuid.New().String() + string(digits)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
