package alert

import (
	"testing"
	"time"

	"github.com/meshforge/maps/internal/bus"
)

func at(sec int64) time.Time { return time.Unix(sec, 0) }

func TestDefaultRulesFire(t *testing.T) {
	e := New()

	fired := e.EvaluateNode("!aa", map[string]any{"battery": float64(15)}, nil, at(1000))
	if len(fired) != 1 || fired[0].AlertType != TypeBatteryLow {
		t.Fatalf("fired = %+v, want single battery_low", fired)
	}
	if fired[0].AlertID != "alert-1" {
		t.Fatalf("alert id = %s, want alert-1", fired[0].AlertID)
	}

	// A critical battery level trips both battery rules on a fresh node.
	fired = e.EvaluateNode("!bb", map[string]any{"battery": float64(3)}, nil, at(1000))
	if len(fired) != 2 {
		t.Fatalf("fired = %d alerts, want battery_low and battery_critical", len(fired))
	}
	types := map[string]bool{}
	for _, a := range fired {
		types[a.AlertType] = true
	}
	if !types[TypeBatteryLow] || !types[TypeBatteryCritical] {
		t.Fatalf("fired types = %v", types)
	}
}

func TestCooldownSpacing(t *testing.T) {
	e := New()

	props := map[string]any{"battery": float64(10)}
	if fired := e.EvaluateNode("!aa", props, nil, at(1000)); len(fired) != 1 {
		t.Fatalf("first evaluation fired %d alerts", len(fired))
	}
	// Within the 600s cooldown nothing re-fires.
	if fired := e.EvaluateNode("!aa", props, nil, at(1300)); len(fired) != 0 {
		t.Fatalf("evaluation inside cooldown fired %d alerts", len(fired))
	}
	// Other nodes are cooled down independently.
	if fired := e.EvaluateNode("!bb", props, nil, at(1300)); len(fired) != 1 {
		t.Fatalf("unrelated node throttled")
	}
	// Past the cooldown the rule fires again with a fresh id.
	fired := e.EvaluateNode("!aa", props, nil, at(1601))
	if len(fired) != 1 {
		t.Fatalf("evaluation past cooldown fired %d alerts", len(fired))
	}
	if fired[0].AlertID != "alert-3" {
		t.Fatalf("alert id = %s, want monotonic alert-3", fired[0].AlertID)
	}
}

func TestHealthScoreMergedIntoContext(t *testing.T) {
	e := New()

	score := 15
	fired := e.EvaluateNode("!aa", map[string]any{}, &score, at(1000))
	if len(fired) != 1 || fired[0].AlertType != TypeHealthDegraded {
		t.Fatalf("fired = %+v, want health_degraded", fired)
	}
	if fired[0].Value != 15 || fired[0].Threshold != 20 {
		t.Fatalf("alert value = %g threshold = %g", fired[0].Value, fired[0].Threshold)
	}
}

func TestNetworkFilter(t *testing.T) {
	e := New(WithRules([]Rule{{
		RuleID:        "aredn_snr",
		AlertType:     TypeSignalPoor,
		Severity:      SeverityWarning,
		Metric:        "snr",
		Operator:      "lte",
		Threshold:     -10,
		Cooldown:      DefaultCooldown,
		Enabled:       true,
		NetworkFilter: "aredn",
	}}))

	props := map[string]any{"snr": float64(-12), "network": "meshtastic"}
	if fired := e.EvaluateNode("!aa", props, nil, at(1000)); len(fired) != 0 {
		t.Fatalf("rule fired for filtered-out network")
	}
	props["network"] = "aredn"
	if fired := e.EvaluateNode("!aa", props, nil, at(1000)); len(fired) != 1 {
		t.Fatalf("rule did not fire for matching network")
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	e := New()
	if !e.DisableRule("battery_low") {
		t.Fatalf("rule not found")
	}
	fired := e.EvaluateNode("!aa", map[string]any{"battery": float64(15)}, nil, at(1000))
	if len(fired) != 0 {
		t.Fatalf("disabled rule fired")
	}
	if !e.EnableRule("battery_low") {
		t.Fatalf("rule not found on enable")
	}
	if fired := e.EvaluateNode("!aa", map[string]any{"battery": float64(15)}, nil, at(1000)); len(fired) != 1 {
		t.Fatalf("re-enabled rule did not fire")
	}
}

func TestOfflineAlert(t *testing.T) {
	e := New()

	if a := e.EvaluateOffline("!aa", 1000, 3600, at(4000)); a != nil {
		t.Fatalf("node within threshold alerted: %+v", a)
	}
	a := e.EvaluateOffline("!aa", 1000, 3600, at(5000))
	if a == nil || a.AlertType != TypeNodeOffline || a.Severity != SeverityCritical {
		t.Fatalf("offline alert = %+v", a)
	}
	if a.Value != 4000 {
		t.Fatalf("alert value = %g, want age 4000", a.Value)
	}
	// The offline rule shares the cooldown protocol.
	if again := e.EvaluateOffline("!aa", 1000, 3600, at(5300)); again != nil {
		t.Fatalf("offline alert re-fired inside cooldown")
	}
	if again := e.EvaluateOffline("!aa", 1000, 3600, at(5700)); again == nil {
		t.Fatalf("offline alert did not re-fire past cooldown")
	}
}

func TestAcknowledgeAndActive(t *testing.T) {
	e := New()
	fired := e.EvaluateNode("!aa", map[string]any{"battery": float64(3)}, nil, at(1000))
	if len(fired) != 2 {
		t.Fatalf("fired = %d", len(fired))
	}

	if len(e.ActiveAlerts()) != 2 {
		t.Fatalf("active = %d, want 2", len(e.ActiveAlerts()))
	}
	if !e.Acknowledge(fired[0].AlertID) {
		t.Fatalf("acknowledge failed")
	}
	if e.Acknowledge("alert-999") {
		t.Fatalf("acknowledged unknown alert")
	}
	if len(e.ActiveAlerts()) != 1 {
		t.Fatalf("active after ack = %d, want 1", len(e.ActiveAlerts()))
	}

	s := e.Summary()
	if s.ActiveAlerts != 1 || s.TotalAlertsFired != 2 || s.HistorySize != 2 {
		t.Fatalf("summary = %+v", s)
	}
	if s.TotalRules != 5 || s.EnabledRules != 5 {
		t.Fatalf("rule counts = %d/%d", s.EnabledRules, s.TotalRules)
	}
}

func TestHistoryFiltersAndBound(t *testing.T) {
	e := New(WithMaxHistory(3))
	e.ClearCooldowns()

	// Fire four alerts across two nodes; the bound keeps the newest 3.
	e.EvaluateNode("!aa", map[string]any{"battery": float64(10)}, nil, at(1000))
	e.EvaluateNode("!bb", map[string]any{"battery": float64(10)}, nil, at(2000))
	e.EvaluateNode("!aa", map[string]any{"snr": float64(-15)}, nil, at(3000))
	e.EvaluateNode("!bb", map[string]any{"channel_util": float64(90)}, nil, at(4000))

	hist := e.History(50, "", "")
	if len(hist) != 3 {
		t.Fatalf("history = %d, want bounded 3", len(hist))
	}
	if hist[0].AlertType != TypeCongestionHigh {
		t.Fatalf("newest first: got %s", hist[0].AlertType)
	}

	if got := e.History(50, "", "!bb"); len(got) != 2 {
		t.Fatalf("node filter = %d, want 2", len(got))
	}
	if got := e.History(1, "", ""); len(got) != 1 {
		t.Fatalf("limit = %d, want 1", len(got))
	}
	if got := e.History(50, SeverityWarning, "!aa"); len(got) != 1 || got[0].AlertType != TypeSignalPoor {
		t.Fatalf("combined filter = %+v", got)
	}
}

func TestBusPublication(t *testing.T) {
	b := bus.New()
	var events []bus.Event
	if _, err := b.Subscribe(bus.EventAlertFired, func(ev bus.Event) {
		events = append(events, ev)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	e := New(WithBus(b))
	e.EvaluateNode("!aa", map[string]any{"battery": float64(3)}, nil, at(1000))

	if len(events) != 2 {
		t.Fatalf("published = %d events, want 2", len(events))
	}
	if events[0].Source != "alert_engine" {
		t.Fatalf("event source = %s", events[0].Source)
	}
	if events[0].Data["node_id"] != "!aa" || events[0].Data["alert_id"] == nil {
		t.Fatalf("event data = %v", events[0].Data)
	}
}

func TestCooldownCleanup(t *testing.T) {
	e := New()
	e.EvaluateNode("!aa", map[string]any{"battery": float64(10)}, nil, at(1000))
	e.EvaluateNode("!bb", map[string]any{"battery": float64(10)}, nil, at(80000))

	// Entries under 24 hours old survive cleanup.
	e.CleanupCooldowns(at(81000))
	e.mu.Lock()
	n := len(e.cooldowns)
	e.mu.Unlock()
	if n != 2 {
		t.Fatalf("cooldowns = %d, want 2 retained", n)
	}

	// The first entry crosses the 24h age bound and is dropped.
	e.CleanupCooldowns(at(1000 + 86401))
	e.mu.Lock()
	_, aa := e.cooldowns["!aa:battery_low"]
	_, bb := e.cooldowns["!bb:battery_low"]
	e.mu.Unlock()
	if aa || !bb {
		t.Fatalf("cleanup kept !aa=%v !bb=%v, want only !bb", aa, bb)
	}
}
