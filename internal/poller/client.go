package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gridwatch/powermon/internal/models"
)

// ErrMeterFailure marks a response the meter itself flagged as
// unsuccessful or returned in an unexpected shape. The owning poll loop
// treats it exactly like a transport failure.
var ErrMeterFailure = errors.New("meter request failed")

// instantRegisters are the named electrical registers requested from the
// meter on every instantaneous poll.
var instantRegisters = []string{
	"UrmsA",   // phase A voltage RMS
	"IrmsA",   // phase A current RMS
	"PmeanA",  // phase A active power
	"QmeanA",  // phase A reactive power
	"SmeanA",  // phase A apparent power
	"PFmeanA", // phase A power factor
	"Freq",    // line frequency
}

// Client speaks the meter's local HTTP API. The transport pools keep-alive
// connections and performs no automatic retries; retrying is the poll
// loop's responsibility. The shared rate limiter caps the fleet-wide
// outbound request rate.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

func NewClient(timeout time.Duration, limiter *rate.Limiter, logger *logrus.Logger) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		limiter: limiter,
		logger:  logger,
	}
}

type readRequest struct {
	Registers []string `json:"registers"`
}

type registerValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Error string  `json:"error,omitempty"`
}

type readResponse struct {
	Success bool            `json:"success"`
	Data    []registerValue `json:"data"`
}

// FetchReading polls the named electrical registers and assembles one
// instantaneous reading, timestamped with the local clock.
func (c *Client) FetchReading(ctx context.Context, d models.Device) (models.Reading, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.Reading{}, err
	}

	body, err := json.Marshal(readRequest{Registers: instantRegisters})
	if err != nil {
		return models.Reading{}, err
	}

	url := fmt.Sprintf("http://%s/api/read", d.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.Reading{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Reading{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Reading{}, fmt.Errorf("%w: status %d from %s", ErrMeterFailure, resp.StatusCode, d.Address)
	}

	var parsed readResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return models.Reading{}, fmt.Errorf("%w: malformed response: %v", ErrMeterFailure, err)
	}
	if !parsed.Success {
		return models.Reading{}, fmt.Errorf("%w: meter %s reported success=false", ErrMeterFailure, d.ID)
	}

	values := make(map[string]float64, len(parsed.Data))
	for _, v := range parsed.Data {
		if v.Error == "" {
			values[v.Name] = v.Value
		}
	}

	// Some firmware revisions omit the power factor register; fall back to
	// active/apparent power.
	pf := values["PFmeanA"]
	if pf == 0 {
		if apparent := values["SmeanA"]; apparent > 0 {
			pf = values["PmeanA"] / apparent
		}
	}

	return models.Reading{
		Timestamp:     time.Now().UTC(),
		DeviceID:      d.ID,
		VoltageRMS:    values["UrmsA"],
		CurrentRMS:    values["IrmsA"],
		ActivePower:   values["PmeanA"],
		ReactivePower: values["QmeanA"],
		ApparentPower: values["SmeanA"],
		PowerFactor:   pf,
		Frequency:     values["Freq"],
	}, nil
}

type energyPhase struct {
	Phase          string  `json:"phase"`
	AccumulatedKWh float64 `json:"accumulatedKWh"`
}

type energyResponse struct {
	Success        bool          `json:"success"`
	Phase          string        `json:"phase"`
	AccumulatedKWh float64       `json:"accumulatedKWh"`
	Phases         []energyPhase `json:"phases"`
}

// FetchEnergy polls the cumulative energy counters. The meter answers with
// either a single phase or a phase list; both shapes are accepted,
// anything else is a failure.
func (c *Client) FetchEnergy(ctx context.Context, d models.Device) ([]models.EnergyReading, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s/api/energy?phase=ALL", d.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d from %s", ErrMeterFailure, resp.StatusCode, d.Address)
	}

	var parsed energyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed energy response: %v", ErrMeterFailure, err)
	}
	if !parsed.Success {
		return nil, fmt.Errorf("%w: meter %s reported success=false", ErrMeterFailure, d.ID)
	}

	now := time.Now().UTC()
	var readings []models.EnergyReading
	switch {
	case len(parsed.Phases) > 0:
		for _, p := range parsed.Phases {
			readings = append(readings, models.EnergyReading{
				Timestamp: now,
				DeviceID:  d.ID,
				Phase:     p.Phase,
				TotalKWh:  p.AccumulatedKWh,
			})
		}
	case parsed.Phase != "":
		readings = append(readings, models.EnergyReading{
			Timestamp: now,
			DeviceID:  d.ID,
			Phase:     parsed.Phase,
			TotalKWh:  parsed.AccumulatedKWh,
		})
	default:
		return nil, fmt.Errorf("%w: unexpected energy response shape from %s", ErrMeterFailure, d.ID)
	}

	return readings, nil
}
