package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const arednSysinfoBody = `{
	"node": "KF7ABC-hilltop",
	"lat": "45.52",
	"lon": "-122.68",
	"model": "Ubiquiti Rocket M5",
	"firmware_version": "3.24.4.0",
	"api_version": "1.14",
	"grid_square": "CN85pm",
	"sysinfo": {"uptime": "12 days", "loads": [0.41, 0.35, 0.30]},
	"meshrf": {"ssid": "AREDN"},
	"lqm": [
		{"hostname": "KF7XYZ-valley", "snr": 24.0, "quality": 130, "blocked": false},
		{"hostname": "KE7QQQ-ridge", "snr": -4.0, "quality": -10, "blocked": false},
		{"hostname": "blocked-node", "snr": 10.0, "quality": 80, "blocked": true}
	]
}`

func TestArednSysinfoParse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/a/sysinfo" || r.URL.Query().Get("lqm") != "1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(arednSysinfoBody))
	}))
	defer ts.Close()

	target := strings.TrimPrefix(ts.URL, "http://")
	f := NewArednFetcher([]string{target}, "")

	fc, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(fc.Features) != 1 {
		t.Fatalf("features = %d, want 1", len(fc.Features))
	}

	props := fc.Features[0].Properties
	if props["id"] != "KF7ABC-hilltop" {
		t.Fatalf("id = %v", props["id"])
	}
	if props["network"] != "aredn" {
		t.Fatalf("network = %v", props["network"])
	}
	if props["hardware"] != "Ubiquiti Rocket M5" {
		t.Fatalf("hardware = %v", props["hardware"])
	}
	if props["load_avg"] != 0.41 {
		t.Fatalf("load_avg = %v", props["load_avg"])
	}
	if props["description"] != "AREDN Ubiquiti Rocket M5 - 3.24.4.0" {
		t.Fatalf("description = %v", props["description"])
	}
}

func TestArednLinkQualityClamping(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(arednSysinfoBody))
	}))
	defer ts.Close()

	target := strings.TrimPrefix(ts.URL, "http://")
	f := NewArednFetcher([]string{target}, "")

	if _, err := f.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	links := f.Links()
	if len(links) != 2 {
		t.Fatalf("links = %d, want 2 (blocked dropped)", len(links))
	}
	if links[0].Quality != 100 {
		t.Fatalf("quality = %d, want clamped to 100", links[0].Quality)
	}
	if links[1].Quality != 0 {
		t.Fatalf("quality = %d, want clamped to 0", links[1].Quality)
	}
	if links[0].Source != "KF7ABC-hilltop" || links[0].Target != "KF7XYZ-valley" {
		t.Fatalf("link endpoints = %s -> %s", links[0].Source, links[0].Target)
	}
}

func TestArednRejectsNonArednResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "ok", "service": "something-else"}`))
	}))
	defer ts.Close()

	target := strings.TrimPrefix(ts.URL, "http://")
	f := NewArednFetcher([]string{target}, "")

	fc, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(fc.Features) != 0 {
		t.Fatalf("features = %d, want 0 for a non-AREDN response", len(fc.Features))
	}
}

func TestEnsurePort(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"hilltop.local.mesh", "hilltop.local.mesh:8080"},
		{"hilltop.local.mesh:80", "hilltop.local.mesh:80"},
		{"10.54.1.7", "10.54.1.7:8080"},
		{"[fd00::1]:8080", "[fd00::1]:8080"},
	}
	for _, tc := range cases {
		if got := ensurePort(tc.in); got != tc.want {
			t.Fatalf("ensurePort(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestArednConcurrentFetchAndLinks(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(arednSysinfoBody))
	}))
	defer ts.Close()

	target := strings.TrimPrefix(ts.URL, "http://")
	f := NewArednFetcher([]string{target}, "")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				f.Fetch(context.Background())
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				for _, l := range f.Links() {
					_ = l.Quality
				}
			}
		}()
	}
	wg.Wait()

	links := f.Links()
	if len(links) != 2 {
		t.Fatalf("links = %d, want 2", len(links))
	}
	links[0].Target = "mutated"
	if f.Links()[0].Target == "mutated" {
		t.Fatal("Links returned shared backing storage")
	}
}
