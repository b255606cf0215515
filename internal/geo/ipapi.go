package geo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const (
	DefaultIPAPIEndpoint = "http://ip-api.com/json"
	DefaultTimeout       = 5 * time.Second

	ipAPIFields = "status,message,country,countryCode,region,regionName,city,zip,lat,lon," +
		"timezone,isp,org,as,reverse,mobile,proxy,hosting,query"
)

// IPAPIConfig configures the ip-api.com client.
type IPAPIConfig struct {
	Endpoint         string        // default DefaultIPAPIEndpoint
	Timeout          time.Duration // per call, default DefaultTimeout
	BreakerFailures  uint32        // consecutive failures before the breaker opens, default 5
	BreakerOpenFor   time.Duration // default 60s
	HTTPClient       *http.Client  // overrides Timeout when set
	Log              zerolog.Logger
	OnBreakerChanged func(from, to string)
}

// IPAPI looks addresses up against ip-api.com's JSON endpoint.
type IPAPI struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[*ipAPIResponse]
	log      zerolog.Logger
}

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	Region      string  `json:"region"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Zip         string  `json:"zip"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	AS          string  `json:"as"`
	Reverse     string  `json:"reverse"`
	Mobile      bool    `json:"mobile"`
	Proxy       bool    `json:"proxy"`
	Hosting     bool    `json:"hosting"`
	Query       string  `json:"query"`
}

// errLookupFailed marks a well-formed "fail" answer; it does not trip the breaker.
var errLookupFailed = errors.New("ip-api lookup failed")

// NewIPAPI creates an ip-api.com provider.
func NewIPAPI(cfg IPAPIConfig) *IPAPI {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultIPAPIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = time.Minute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	failures := cfg.BreakerFailures
	st := gobreaker.Settings{
		Name:        "ip-api",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errLookupFailed)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("geo provider breaker state changed")
			if cfg.OnBreakerChanged != nil {
				cfg.OnBreakerChanged(from.String(), to.String())
			}
		},
	}
	return &IPAPI{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		client:   client,
		breaker:  gobreaker.NewCircuitBreaker[*ipAPIResponse](st),
		log:      cfg.Log,
	}
}

// Fetch performs one lookup. Every failure, including an open breaker, yields ok=false.
func (p *IPAPI) Fetch(ctx context.Context, address string) (Result, bool) {
	resp, err := p.breaker.Execute(func() (*ipAPIResponse, error) {
		return p.query(ctx, address)
	})
	if err != nil {
		p.log.Debug().Err(err).Str("ip", address).Msg("geo lookup failed")
		return Result{}, false
	}
	return resp.result(), true
}

func (p *IPAPI) query(ctx context.Context, address string) (*ipAPIResponse, error) {
	u := p.endpoint + "/" + url.PathEscape(address) + "?fields=" + ipAPIFields
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query ip-api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ip-api returned status %d", resp.StatusCode)
	}
	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ip-api response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("%w: status %q: %s", errLookupFailed, body.Status, body.Message)
	}
	return &body, nil
}

func (r *ipAPIResponse) result() Result {
	asNum, asOrg := ParseAS(r.AS)
	return Result{
		Country:     r.Country,
		CountryCode: r.CountryCode,
		Region:      r.Region,
		RegionName:  r.RegionName,
		City:        r.City,
		Zip:         r.Zip,
		Latitude:    r.Lat,
		Longitude:   r.Lon,
		Timezone:    r.Timezone,
		ISP:         r.ISP,
		Org:         r.Org,
		ASNumber:    asNum,
		ASOrg:       asOrg,
		ReverseDNS:  r.Reverse,
		Mobile:      r.Mobile,
		Proxy:       r.Proxy,
		Hosting:     r.Hosting,
	}
}
