package octopus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// API is the surface the importer, rate resolver, and auditor consume.
type API interface {
	Account(ctx context.Context) (Account, error)
	Consumption(ctx context.Context, fuel Fuel, from, to time.Time) ([]UsageRow, error)
	UnitRates(ctx context.Context, fuel Fuel, tariffCode string, from, to time.Time) ([]RateRow, error)
}

// Options parameterise the billing API client.
type Options struct {
	BaseURL           string
	APIKey            string
	AccountNumber     string
	MPAN              string
	ElectricitySerial string
	MPRN              string
	GasSerial         string
	PageSize          int
	Timeout           time.Duration
	UserAgent         string
}

// Client talks to the Octopus billing API.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs a billing API client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.octopus.energy/v1"
	}

	if opts.PageSize <= 0 {
		opts.PageSize = 1500
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "octopus_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Account fetches account metadata including tariff agreement history.
func (c *Client) Account(ctx context.Context) (Account, error) {
	if c.opts.AccountNumber == "" {
		return Account{}, errors.New("account number required")
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/", c.baseURL, url.PathEscape(c.opts.AccountNumber))
	var payload accountResponse
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return Account{}, fmt.Errorf("fetch account: %w", err)
	}

	return payload.toAccount(c.opts.AccountNumber)
}

// Consumption pages through half-hour usage for the fuel's meter in [from, to).
func (c *Client) Consumption(ctx context.Context, fuel Fuel, from, to time.Time) ([]UsageRow, error) {
	point, serial, err := c.meterPath(fuel)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("period_from", from.UTC().Format(time.RFC3339))
	query.Set("period_to", to.UTC().Format(time.RFC3339))
	query.Set("page_size", strconv.Itoa(c.opts.PageSize))
	query.Set("order_by", "period")

	next := fmt.Sprintf("%s/%s/meters/%s/consumption/?%s", c.baseURL, point, url.PathEscape(serial), query.Encode())

	var rows []UsageRow
	for next != "" {
		var page consumptionPage
		if err := c.getJSON(ctx, next, &page); err != nil {
			return nil, fmt.Errorf("fetch consumption page: %w", err)
		}
		for _, raw := range page.Results {
			row, err := raw.toUsageRow()
			if err != nil {
				return nil, fmt.Errorf("consumption row for %s: %w", raw.IntervalStart, err)
			}
			rows = append(rows, row)
		}
		next = page.Next
	}

	return rows, nil
}

// UnitRates pages through per-interval unit prices for the tariff in [from, to),
// tagging each returned row with the tariff code.
func (c *Client) UnitRates(ctx context.Context, fuel Fuel, tariffCode string, from, to time.Time) ([]RateRow, error) {
	product, err := ProductCode(tariffCode)
	if err != nil {
		return nil, err
	}

	kind := "electricity-tariffs"
	if fuel == FuelGas {
		kind = "gas-tariffs"
	}

	query := url.Values{}
	query.Set("period_from", from.UTC().Format(time.RFC3339))
	query.Set("period_to", to.UTC().Format(time.RFC3339))
	query.Set("page_size", strconv.Itoa(c.opts.PageSize))

	next := fmt.Sprintf("%s/products/%s/%s/%s/standard-unit-rates/?%s",
		c.baseURL, url.PathEscape(product), kind, url.PathEscape(tariffCode), query.Encode())

	var rows []RateRow
	for next != "" {
		var page ratePage
		if err := c.getJSON(ctx, next, &page); err != nil {
			return nil, fmt.Errorf("fetch unit rate page: %w", err)
		}
		for _, raw := range page.Results {
			row, err := raw.toRateRow(tariffCode)
			if err != nil {
				return nil, fmt.Errorf("rate row for %s: %w", raw.ValidFrom, err)
			}
			rows = append(rows, row)
		}
		next = page.Next
	}

	return rows, nil
}

func (c *Client) meterPath(fuel Fuel) (point, serial string, err error) {
	switch fuel {
	case FuelElectricity:
		if c.opts.MPAN == "" || c.opts.ElectricitySerial == "" {
			return "", "", errors.New("mpan and electricity serial required")
		}
		return "electricity-meter-points/" + url.PathEscape(c.opts.MPAN), c.opts.ElectricitySerial, nil
	case FuelGas:
		if c.opts.MPRN == "" || c.opts.GasSerial == "" {
			return "", "", errors.New("mprn and gas serial required")
		}
		return "gas-meter-points/" + url.PathEscape(c.opts.MPRN), c.opts.GasSerial, nil
	}
	return "", "", fmt.Errorf("unknown fuel %q", fuel)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "usage-sync/1.0")
	}
	if c.opts.APIKey != "" {
		req.SetBasicAuth(c.opts.APIKey, "")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}

	return json.Unmarshal(payload, out)
}

type consumptionPage struct {
	Next    string           `json:"next"`
	Results []rawConsumption `json:"results"`
}

type rawConsumption struct {
	Consumption   *float64 `json:"consumption"`
	IntervalStart string   `json:"interval_start"`
	IntervalEnd   string   `json:"interval_end"`
}

func (r rawConsumption) toUsageRow() (UsageRow, error) {
	if r.Consumption == nil {
		return UsageRow{}, errors.New("missing consumption value")
	}
	start, err := time.Parse(time.RFC3339, r.IntervalStart)
	if err != nil {
		return UsageRow{}, fmt.Errorf("parse interval_start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, r.IntervalEnd)
	if err != nil {
		return UsageRow{}, fmt.Errorf("parse interval_end: %w", err)
	}
	return UsageRow{
		Start:          start.UTC(),
		End:            end.UTC(),
		ConsumptionKWh: decimal.NewFromFloat(*r.Consumption),
	}, nil
}

type ratePage struct {
	Next    string    `json:"next"`
	Results []rawRate `json:"results"`
}

type rawRate struct {
	ValueExcVAT   *float64 `json:"value_exc_vat"`
	ValueIncVAT   *float64 `json:"value_inc_vat"`
	ValidFrom     string   `json:"valid_from"`
	ValidTo       *string  `json:"valid_to"`
	PaymentMethod *string  `json:"payment_method"`
}

func (r rawRate) toRateRow(tariffCode string) (RateRow, error) {
	if r.ValueIncVAT == nil || r.ValueExcVAT == nil {
		return RateRow{}, errors.New("missing rate value")
	}
	from, err := time.Parse(time.RFC3339, r.ValidFrom)
	if err != nil {
		return RateRow{}, fmt.Errorf("parse valid_from: %w", err)
	}

	row := RateRow{
		TariffCode:  tariffCode,
		ValidFrom:   from.UTC(),
		ValueIncVAT: decimal.NewFromFloat(*r.ValueIncVAT),
		ValueExcVAT: decimal.NewFromFloat(*r.ValueExcVAT),
	}
	if r.ValidTo != nil && *r.ValidTo != "" {
		to, err := time.Parse(time.RFC3339, *r.ValidTo)
		if err != nil {
			return RateRow{}, fmt.Errorf("parse valid_to: %w", err)
		}
		utc := to.UTC()
		row.ValidTo = &utc
	}
	if r.PaymentMethod != nil {
		row.PaymentMethod = *r.PaymentMethod
	}
	return row, nil
}

type accountResponse struct {
	Properties []struct {
		MovedInAt              string         `json:"moved_in_at"`
		MovedOutAt             *string        `json:"moved_out_at"`
		ElectricityMeterPoints []rawMeterPath `json:"electricity_meter_points"`
		GasMeterPoints         []rawMeterPath `json:"gas_meter_points"`
	} `json:"properties"`
}

type rawMeterPath struct {
	MPAN       string         `json:"mpan"`
	MPRN       string         `json:"mprn"`
	Agreements []rawAgreement `json:"agreements"`
}

type rawAgreement struct {
	TariffCode string  `json:"tariff_code"`
	ValidFrom  string  `json:"valid_from"`
	ValidTo    *string `json:"valid_to"`
}

func (a accountResponse) toAccount(number string) (Account, error) {
	account := Account{Number: number}
	for _, p := range a.Properties {
		prop := Property{}
		if p.MovedInAt != "" {
			movedIn, err := time.Parse(time.RFC3339, p.MovedInAt)
			if err != nil {
				return Account{}, fmt.Errorf("parse moved_in_at: %w", err)
			}
			prop.MovedInAt = movedIn.UTC()
		}
		if p.MovedOutAt != nil && *p.MovedOutAt != "" {
			movedOut, err := time.Parse(time.RFC3339, *p.MovedOutAt)
			if err != nil {
				return Account{}, fmt.Errorf("parse moved_out_at: %w", err)
			}
			utc := movedOut.UTC()
			prop.MovedOutAt = &utc
		}

		for _, mp := range p.ElectricityMeterPoints {
			point, err := mp.toMeterPoint(mp.MPAN)
			if err != nil {
				return Account{}, err
			}
			prop.ElectricityMeterPoints = append(prop.ElectricityMeterPoints, point)
		}
		for _, mp := range p.GasMeterPoints {
			point, err := mp.toMeterPoint(mp.MPRN)
			if err != nil {
				return Account{}, err
			}
			prop.GasMeterPoints = append(prop.GasMeterPoints, point)
		}
		account.Properties = append(account.Properties, prop)
	}
	return account, nil
}

func (m rawMeterPath) toMeterPoint(identifier string) (MeterPoint, error) {
	point := MeterPoint{Identifier: identifier}
	for _, ag := range m.Agreements {
		from, err := time.Parse(time.RFC3339, ag.ValidFrom)
		if err != nil {
			return MeterPoint{}, fmt.Errorf("parse agreement valid_from: %w", err)
		}
		agreement := Agreement{TariffCode: ag.TariffCode, ValidFrom: from.UTC()}
		if ag.ValidTo != nil && *ag.ValidTo != "" {
			to, err := time.Parse(time.RFC3339, *ag.ValidTo)
			if err != nil {
				return MeterPoint{}, fmt.Errorf("parse agreement valid_to: %w", err)
			}
			utc := to.UTC()
			agreement.ValidTo = &utc
		}
		point.Agreements = append(point.Agreements, agreement)
	}
	return point, nil
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Detail != "" {
		return fmt.Errorf("octopus api error (%d): %s", status, apiErr.Detail)
	}
	if len(payload) > 0 {
		return fmt.Errorf("octopus api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("octopus api error (%d)", status)
}

var _ API = (*Client)(nil)
