package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/meshforge/maps/internal/model"
)

// NOAA SWPC endpoints used when no local HamClock instance answers.
const (
	swpcSolarFlux = "https://services.swpc.noaa.gov/products/summary/10cm-flux.json"
	swpcKpIndex   = "https://services.swpc.noaa.gov/products/noaa-planetary-k-index.json"
	swpcSolarWind = "https://services.swpc.noaa.gov/products/summary/solar-wind-speed.json"
)

// HamClockFetcher produces the propagation overlay: space weather,
// band conditions, and the solar terminator. It emits no point
// features; everything rides in the collection properties.
type HamClockFetcher struct {
	host       string
	legacyPort int
	nextPort   int
	client     *http.Client
	now        func() time.Time
}

// NewHamClockFetcher builds the fetcher. legacyPort is the classic
// HamClock REST port (8080); nextPort is the OpenHamClock successor
// port (3000), probed when the legacy port does not answer.
func NewHamClockFetcher(host string, legacyPort, nextPort int) *HamClockFetcher {
	return &HamClockFetcher{
		host:       host,
		legacyPort: legacyPort,
		nextPort:   nextPort,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func (h *HamClockFetcher) Source() string { return "hamclock" }

func (h *HamClockFetcher) Fetch(ctx context.Context) (*model.FeatureCollection, error) {
	fc := model.NewFeatureCollection(nil, h.Source())
	fc.Properties["space_weather"] = h.fetchSpaceWeather(ctx)
	fc.Properties["solar_terminator"] = h.solarTerminator()
	if local := h.probeLocal(ctx); local != nil {
		fc.Properties["hamclock"] = local
	}
	return fc, nil
}

// probeLocal checks the legacy HamClock port and then the OpenHamClock
// port via their get_sys.txt endpoint. A timeout is surfaced
// distinctly so an operator can tell a slow instance from a missing
// one.
func (h *HamClockFetcher) probeLocal(ctx context.Context) map[string]any {
	var lastErr string
	for _, probe := range []struct {
		port    int
		variant string
	}{
		{h.legacyPort, "hamclock"},
		{h.nextPort, "openhamclock"},
	} {
		if probe.port == 0 {
			continue
		}
		url := fmt.Sprintf("http://%s:%d/get_sys.txt", h.host, probe.port)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		resp, err := h.client.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
				lastErr = "timeout: " + err.Error()
			} else {
				lastErr = err.Error()
			}
			continue
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return map[string]any{
				"available": true,
				"variant":   probe.variant,
				"port":      probe.port,
			}
		}
		lastErr = fmt.Sprintf("status %d", resp.StatusCode)
	}
	if lastErr != "" {
		return map[string]any{"available": false, "last_error": lastErr}
	}
	return nil
}

func (h *HamClockFetcher) fetchSpaceWeather(ctx context.Context) map[string]any {
	weather := map[string]any{
		"solar_flux":       nil,
		"kp_index":         nil,
		"solar_wind_speed": nil,
		"band_conditions":  "unknown",
		"fetched_at":       h.now().UTC().Format(time.RFC3339),
	}

	var sfi, kp *float64

	var flux struct {
		Flux string `json:"Flux"`
	}
	if h.fetchJSON(ctx, swpcSolarFlux, &flux) && flux.Flux != "" {
		if v, err := parseFloat(flux.Flux); err == nil {
			sfi = &v
			weather["solar_flux"] = v
		}
	}

	// The Kp feed is a header row followed by [time, kp, ...] rows;
	// the last row is the most recent.
	var kpRows [][]any
	if h.fetchJSON(ctx, swpcKpIndex, &kpRows) && len(kpRows) > 1 {
		last := kpRows[len(kpRows)-1]
		if len(last) >= 2 {
			if s, ok := last[1].(string); ok {
				if v, err := parseFloat(s); err == nil {
					kp = &v
					weather["kp_index"] = v
				}
			}
		}
	}

	var wind struct {
		WindSpeed string `json:"WindSpeed"`
	}
	if h.fetchJSON(ctx, swpcSolarWind, &wind) && wind.WindSpeed != "" {
		if v, err := parseFloat(wind.WindSpeed); err == nil {
			weather["solar_wind_speed"] = v
		}
	}

	weather["band_conditions"] = assessBandConditions(sfi, kp)
	return weather
}

// assessBandConditions derives an HF outlook from solar flux and the
// planetary K-index. Storm levels dominate; quiet conditions grade on
// flux.
func assessBandConditions(sfi, kp *float64) string {
	if sfi == nil || kp == nil {
		return "unknown"
	}
	switch {
	case *kp >= 7:
		return "poor"
	case *kp >= 5:
		return "fair"
	case *sfi >= 150 && *kp < 4:
		return "excellent"
	case *sfi >= 100 && *kp < 4:
		return "good"
	case *sfi >= 70:
		return "fair"
	default:
		return "poor"
	}
}

// solarTerminator computes the subsolar point; the terminator line
// itself renders client-side.
func (h *HamClockFetcher) solarTerminator() map[string]any {
	now := h.now().UTC()
	dayOfYear := float64(now.YearDay())
	hourUTC := float64(now.Hour()) + float64(now.Minute())/60.0

	declination := -23.44 * math.Cos(rad(360.0/365.0*(dayOfYear+10)))
	subsolarLon := (12.0 - hourUTC) * 15.0
	if subsolarLon > 180 {
		subsolarLon -= 360
	} else if subsolarLon < -180 {
		subsolarLon += 360
	}

	return map[string]any{
		"subsolar_lat": declination,
		"subsolar_lon": subsolarLon,
		"timestamp":    now.Format(time.RFC3339),
	}
}

func (h *HamClockFetcher) fetchJSON(ctx context.Context, url string, out any) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "MeshForge-Maps/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	return json.NewDecoder(resp.Body).Decode(out) == nil
}

func parseFloat(s string) (float64, error) {
	var v float64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
