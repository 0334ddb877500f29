package poller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/gridwatch/powermon/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testClient() *Client {
	return NewClient(5*time.Second, rate.NewLimiter(rate.Inf, 1), testLogger())
}

func meterDevice(srv *httptest.Server) models.Device {
	return models.Device{
		ID:      "meter-1",
		Address: strings.TrimPrefix(srv.URL, "http://"),
		Enabled: true,
	}
}

func TestFetchReading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/read", r.URL.Path)

		var req readRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, instantRegisters, req.Registers)

		json.NewEncoder(w).Encode(readResponse{
			Success: true,
			Data: []registerValue{
				{Name: "UrmsA", Value: 230.2},
				{Name: "IrmsA", Value: 0.435},
				{Name: "PmeanA", Value: 98.6},
				{Name: "QmeanA", Value: 12.1},
				{Name: "SmeanA", Value: 100.1},
				{Name: "PFmeanA", Value: 0.985},
				{Name: "Freq", Value: 50.01},
			},
		})
	}))
	defer srv.Close()

	r, err := testClient().FetchReading(context.Background(), meterDevice(srv))
	require.NoError(t, err)

	assert.Equal(t, "meter-1", r.DeviceID)
	assert.Equal(t, 230.2, r.VoltageRMS)
	assert.Equal(t, 0.435, r.CurrentRMS)
	assert.Equal(t, 98.6, r.ActivePower)
	assert.Equal(t, 12.1, r.ReactivePower)
	assert.Equal(t, 100.1, r.ApparentPower)
	assert.Equal(t, 0.985, r.PowerFactor)
	assert.Equal(t, 50.01, r.Frequency)
	assert.WithinDuration(t, time.Now().UTC(), r.Timestamp, time.Minute)
}

func TestFetchReadingPowerFactorFallback(t *testing.T) {
	// Firmware that omits PFmeanA: the power factor derives from
	// active/apparent power instead.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(readResponse{
			Success: true,
			Data: []registerValue{
				{Name: "PmeanA", Value: 90.0},
				{Name: "SmeanA", Value: 100.0},
			},
		})
	}))
	defer srv.Close()

	r, err := testClient().FetchReading(context.Background(), meterDevice(srv))
	require.NoError(t, err)
	assert.InDelta(t, 0.9, r.PowerFactor, 1e-9)
}

func TestFetchReadingSkipsErroredRegisters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(readResponse{
			Success: true,
			Data: []registerValue{
				{Name: "UrmsA", Value: 230.0},
				{Name: "PmeanA", Value: 500.0, Error: "register read timeout"},
			},
		})
	}))
	defer srv.Close()

	r, err := testClient().FetchReading(context.Background(), meterDevice(srv))
	require.NoError(t, err)
	assert.Equal(t, 230.0, r.VoltageRMS)
	assert.Zero(t, r.ActivePower, "errored registers are dropped, not trusted")
}

func TestFetchReadingMeterReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(readResponse{Success: false})
	}))
	defer srv.Close()

	_, err := testClient().FetchReading(context.Background(), meterDevice(srv))
	assert.ErrorIs(t, err, ErrMeterFailure)
}

func TestFetchReadingHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient().FetchReading(context.Background(), meterDevice(srv))
	assert.ErrorIs(t, err, ErrMeterFailure)
}

func TestFetchReadingMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": tru`))
	}))
	defer srv.Close()

	_, err := testClient().FetchReading(context.Background(), meterDevice(srv))
	assert.ErrorIs(t, err, ErrMeterFailure)
}

func TestFetchEnergyPhaseList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/energy", r.URL.Path)
		assert.Equal(t, "ALL", r.URL.Query().Get("phase"))

		json.NewEncoder(w).Encode(energyResponse{
			Success: true,
			Phases: []energyPhase{
				{Phase: "A", AccumulatedKWh: 12.5},
				{Phase: "B", AccumulatedKWh: 8.75},
			},
		})
	}))
	defer srv.Close()

	readings, err := testClient().FetchEnergy(context.Background(), meterDevice(srv))
	require.NoError(t, err)
	require.Len(t, readings, 2)

	assert.Equal(t, "A", readings[0].Phase)
	assert.Equal(t, 12.5, readings[0].TotalKWh)
	assert.Equal(t, "B", readings[1].Phase)
	assert.Equal(t, 8.75, readings[1].TotalKWh)
	assert.Equal(t, "meter-1", readings[0].DeviceID)
}

func TestFetchEnergySinglePhase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(energyResponse{
			Success:        true,
			Phase:          "ALL",
			AccumulatedKWh: 42.125,
		})
	}))
	defer srv.Close()

	readings, err := testClient().FetchEnergy(context.Background(), meterDevice(srv))
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "ALL", readings[0].Phase)
	assert.Equal(t, 42.125, readings[0].TotalKWh)
}

func TestFetchEnergyUnexpectedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(energyResponse{Success: true})
	}))
	defer srv.Close()

	_, err := testClient().FetchEnergy(context.Background(), meterDevice(srv))
	assert.ErrorIs(t, err, ErrMeterFailure)
}

func TestFetchEnergyMeterReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(energyResponse{Success: false})
	}))
	defer srv.Close()

	_, err := testClient().FetchEnergy(context.Background(), meterDevice(srv))
	assert.ErrorIs(t, err, ErrMeterFailure)
}
