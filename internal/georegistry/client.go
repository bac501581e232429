// Package georegistry fetches the region, department and commune catalogs of the
// French geographic registry, falling back to an embedded snapshot when it is unreachable.
package georegistry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"

	"homepedia/server/config"
)

const communeFields = "nom,code,codeDepartement,codeRegion,centre,codesPostaux,population,surface"

type Region struct {
	Code string `json:"code"`
	Name string `json:"nom"`
}

type Department struct {
	Code       string `json:"code"`
	Name       string `json:"nom"`
	RegionCode string `json:"codeRegion"`
}

type Commune struct {
	Code           string            `json:"code"`
	Name           string            `json:"nom"`
	DepartmentCode string            `json:"codeDepartement"`
	RegionCode     string            `json:"codeRegion"`
	PostalCodes    []string          `json:"codesPostaux"`
	Centre         *geojson.Geometry `json:"centre"`
	Population     *int64            `json:"population"`
	// Hectares
	Surface *float64 `json:"surface"`
}

// Centroid returns the commune centre when it is a valid WGS84 point.
func (c Commune) Centroid() (orb.Point, bool) {
	if c.Centre == nil || c.Centre.Coordinates == nil {
		return orb.Point{}, false
	}
	p, ok := c.Centre.Coordinates.(orb.Point)
	if !ok {
		return orb.Point{}, false
	}
	if p.Lon() < -180 || p.Lon() > 180 || p.Lat() < -90 || p.Lat() > 90 {
		return orb.Point{}, false
	}
	return p, true
}

// Catalog holds the three registry lists. Fallback names the lists served
// from the embedded snapshot.
type Catalog struct {
	Regions     []Region
	Departments []Department
	Communes    []Commune
	Fallback    []string
}

type snapshot struct {
	Regions     []Region     `json:"regions"`
	Departments []Department `json:"departements"`
	Communes    []Commune    `json:"communes"`
}

// Client reads the registry lists over HTTP behind a circuit breaker.
type Client struct {
	logger  *logrus.Logger
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]

	regionsURL      string
	departementsURL string
	communesURL     string
}

// NewClient creates a registry client for the configured URLs.
func NewClient(cfg *config.Config, logger *logrus.Logger) *Client {
	c := &Client{
		logger:          logger,
		client:          &http.Client{Timeout: cfg.HTTPTimeout},
		regionsURL:      cfg.Geo.RegionsURL,
		departementsURL: cfg.Geo.DepartementsURL,
		communesURL:     cfg.Geo.CommunesURL,
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "geo-registry",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	return c
}

// Catalog fetches every list, each one independently replaced by the
// embedded snapshot when its request fails. It never returns an error for an
// unreachable registry.
func (c *Client) Catalog(ctx context.Context) (*Catalog, error) {
	fallback, err := loadSnapshot()
	if err != nil {
		return nil, err
	}
	cat := &Catalog{}

	if err := c.fetch(ctx, c.regionsURL, nil, &cat.Regions); err != nil {
		c.logFallback("regions", err)
		cat.Regions = fallback.Regions
		cat.Fallback = append(cat.Fallback, "regions")
	}
	if err := c.fetch(ctx, c.departementsURL, nil, &cat.Departments); err != nil {
		c.logFallback("departements", err)
		cat.Departments = fallback.Departments
		cat.Fallback = append(cat.Fallback, "departements")
	}
	params := url.Values{
		"fields":   []string{communeFields},
		"format":   []string{"json"},
		"geometry": []string{"centre"},
	}
	if err := c.fetch(ctx, c.communesURL, params, &cat.Communes); err != nil {
		c.logFallback("communes", err)
		cat.Communes = fallback.Communes
		cat.Fallback = append(cat.Fallback, "communes")
	}

	c.logger.WithFields(logrus.Fields{
		"regions":      len(cat.Regions),
		"departements": len(cat.Departments),
		"communes":     len(cat.Communes),
		"fallback":     cat.Fallback,
	}).Info("Geographic catalog loaded")
	return cat, nil
}

func (c *Client) logFallback(list string, err error) {
	c.logger.WithError(err).WithField("list", list).Warn("Registry unavailable, using embedded snapshot")
}

func (c *Client) fetch(ctx context.Context, rawURL string, params url.Values, out interface{}) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid registry url: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		if q.Get(k) == "" {
			q[k] = v
		}
	}
	u.RawQuery = q.Encode()

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.get(ctx, u.String())
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse registry response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Homepedia Pipeline/1.0")

	c.logger.WithField("url", target).Debug("Fetching registry list")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("registry returned an empty body")
	}
	return body, nil
}

func loadSnapshot() (*snapshot, error) {
	var s snapshot
	if err := json.Unmarshal(config.GeoFallback, &s); err != nil {
		return nil, fmt.Errorf("failed to parse embedded geographic snapshot: %w", err)
	}
	return &s, nil
}
