package prices

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/awaistahir/smart-charge/internal/engine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultBaseURL   = "https://api.energidataservice.dk"
	defaultPriceArea = "DK1"
	hourLayout       = "2006-01-02T15:04"
	recordTimeLayout = "2006-01-02T15:04:05"
)

// Options configures how raw feed values are normalized into prices
type Options struct {
	BaseURL   string
	PriceArea string
	// EURToDKK converts SpotPriceEUR when no DKK price is published
	EURToDKK decimal.Decimal
	// PriceFactor scales the per-kWh spot price into the final consumer price
	PriceFactor decimal.Decimal
	Timeout     time.Duration
}

// DefaultOptions returns the DK1 feed settings
func DefaultOptions() Options {
	return Options{
		BaseURL:     defaultBaseURL,
		PriceArea:   defaultPriceArea,
		EURToDKK:    decimal.RequireFromString("7.44"),
		PriceFactor: decimal.NewFromInt(2),
		Timeout:     30 * time.Second,
	}
}

// Client fetches hourly spot prices from the Energi Data Service Elspotprices dataset
type Client struct {
	httpClient *retryablehttp.Client
	opts       Options
	log        logrus.FieldLogger
}

// NewClient creates a feed client. Zero-valued options fall back to DefaultOptions.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	if opts.PriceArea == "" {
		opts.PriceArea = def.PriceArea
	}
	if opts.EURToDKK.IsZero() {
		opts.EURToDKK = def.EURToDKK
	}
	if opts.PriceFactor.IsZero() {
		opts.PriceFactor = def.PriceFactor
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = nil

	return &Client{
		httpClient: rc,
		opts:       opts,
		log:        logrus.WithField("component", "prices"),
	}
}

// PriceArea returns the bidding zone this client fetches
func (c *Client) PriceArea() string {
	return c.opts.PriceArea
}

type elspotResponse struct {
	Total   int            `json:"total"`
	Dataset string         `json:"dataset"`
	Records []elspotRecord `json:"records"`
}

type elspotRecord struct {
	HourUTC      string   `json:"HourUTC"`
	HourDK       string   `json:"HourDK"`
	PriceArea    string   `json:"PriceArea"`
	SpotPriceDKK *float64 `json:"SpotPriceDKK"`
	SpotPriceEUR *float64 `json:"SpotPriceEUR"`
}

// Hourly fetches prices for records with HourUTC in [from, to)
func (c *Client) Hourly(ctx context.Context, from, to time.Time) (engine.PriceSeries, error) {
	started := time.Now()

	params := url.Values{}
	params.Set("start", from.UTC().Format(hourLayout))
	params.Set("end", to.UTC().Format(hourLayout))
	params.Set("filter", `{"PriceArea":["`+c.opts.PriceArea+`"]}`)
	params.Set("sort", "HourUTC asc")
	params.Set("timezone", "utc")

	endpoint := c.opts.BaseURL + "/dataset/Elspotprices?" + params.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching prices")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("price feed returned status %d", resp.StatusCode)
	}

	var body elspotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "decoding response")
	}

	series, dropped := c.normalize(body.Records)

	c.log.WithFields(logrus.Fields{
		"area":     c.opts.PriceArea,
		"from":     from.UTC().Format(time.RFC3339),
		"to":       to.UTC().Format(time.RFC3339),
		"records":  len(series),
		"dropped":  dropped,
		"duration": time.Since(started).String(),
	}).Debug("fetched spot prices")

	return series, nil
}

// FetchTodayAndTomorrow fetches from the start of today through the end of
// tomorrow in now's location. Tomorrow's prices are published around midday,
// so an early fetch may simply return fewer records.
func (c *Client) FetchTodayAndTomorrow(ctx context.Context, now time.Time) (engine.PriceSeries, error) {
	y, m, d := now.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	to := time.Date(y, m, d+2, 0, 0, 0, 0, now.Location())

	series, err := c.Hourly(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "fetching today and tomorrow")
	}
	return series, nil
}

// normalize converts feed records into final-unit prices. Records without a
// usable time or price are dropped and counted.
func (c *Client) normalize(records []elspotRecord) (engine.PriceSeries, int) {
	out := make([]engine.PriceRecord, 0, len(records))
	dropped := 0

	for _, r := range records {
		t, err := time.ParseInLocation(recordTimeLayout, r.HourUTC, time.UTC)
		if err != nil {
			dropped++
			continue
		}

		price, ok := Normalize(r.SpotPriceDKK, r.SpotPriceEUR, c.opts.EURToDKK, c.opts.PriceFactor)
		if !ok {
			dropped++
			continue
		}

		out = append(out, engine.PriceRecord{Time: t, Price: price})
	}

	return engine.NewPriceSeries(out), dropped
}

// Normalize turns a per-MWh spot price into a per-kWh consumer price rounded
// to two decimals. The DKK price is preferred; the EUR price is converted when
// DKK is missing or zero. ok is false when neither is present.
func Normalize(dkk, eur *float64, eurToDKK, factor decimal.Decimal) (decimal.Decimal, bool) {
	var perMWh decimal.Decimal
	switch {
	case dkk != nil && *dkk != 0:
		perMWh = decimal.NewFromFloat(*dkk)
	case eur != nil:
		perMWh = decimal.NewFromFloat(*eur).Mul(eurToDKK)
	case dkk != nil:
		perMWh = decimal.Zero
	default:
		return decimal.Zero, false
	}

	perKWh := perMWh.Div(decimal.NewFromInt(1000)).Mul(factor)
	return engine.RoundPrice(perKWh), true
}
