package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"trustcore/pkg/ledger"
	"trustcore/pkg/models"
	"trustcore/pkg/store"
)

const anomalyTenant = "acme"

// 14:00 UTC on a weekday, well inside business hours.
var daytime = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func newDetector(t *testing.T) (*Detector, *ledger.MemoryStore) {
	t.Helper()
	recs := ledger.NewMemoryStore()
	return NewDetector(recs, ledger.New(recs)), recs
}

func seedLogin(t *testing.T, lgr *ledger.Ledger, user, ip, device string, lat, lon *float64) {
	t.Helper()
	payload := map[string]interface{}{"ip": ip, "device": device}
	if lat != nil {
		payload["lat"] = *lat
		payload["lon"] = *lon
	}
	raw, _ := json.Marshal(payload)
	if _, err := lgr.Append(context.Background(), ledger.AppendRequest{
		TenantID:    anomalyTenant,
		ActorUserID: user,
		Module:      "auth",
		Action:      "login",
		Resource:    "session",
		Payload:     raw,
	}); err != nil {
		t.Fatalf("seed login: %v", err)
	}
}

func TestDetectKnownPatternScoresZero(t *testing.T) {
	t.Parallel()
	d, recs := newDetector(t)
	lgr := ledger.New(recs)
	seedLogin(t, lgr, "alice", "10.0.0.5", "laptop", nil, nil)

	a, err := d.Detect(context.Background(), Event{
		TenantID: anomalyTenant, UserID: "alice", EventType: "login",
		IP: "10.0.0.5", Device: "laptop", At: daytime,
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if a.IsAnomaly || a.RiskScore != 0 {
		t.Fatalf("assessment = %+v, want calm zero", a)
	}
}

func TestDetectNewDeviceAndIP(t *testing.T) {
	t.Parallel()
	d, recs := newDetector(t)
	lgr := ledger.New(recs)
	seedLogin(t, lgr, "alice", "10.0.0.5", "laptop", nil, nil)

	a, err := d.Detect(context.Background(), Event{
		TenantID: anomalyTenant, UserID: "alice", EventType: "login",
		IP: "203.0.113.9", Device: "burner-phone", At: daytime,
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if a.RiskScore != 45 {
		t.Fatalf("score = %d, want 25+20", a.RiskScore)
	}
	if a.IsAnomaly {
		t.Fatal("45 sits under the escalation threshold")
	}
}

func TestDetectFreshActorHasNoBaseline(t *testing.T) {
	t.Parallel()
	d, _ := newDetector(t)

	// no history at all: device and IP rules cannot fire
	a, err := d.Detect(context.Background(), Event{
		TenantID: anomalyTenant, UserID: "newcomer", EventType: "login",
		IP: "203.0.113.9", Device: "phone", At: daytime,
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if a.RiskScore != 0 {
		t.Fatalf("score = %d, a first event has nothing to deviate from", a.RiskScore)
	}
}

func TestDetectImpossibleTravel(t *testing.T) {
	t.Parallel()
	d, recs := newDetector(t)
	lgr := ledger.New(recs)
	// pin the seed record an hour before the event under test
	lgr.Clock = func() time.Time { return daytime.Add(-time.Hour) }
	lonLat := func(lat, lon float64) (*float64, *float64) { return &lat, &lon }
	lat, lon := lonLat(51.5, -0.12) // London
	seedLogin(t, lgr, "alice", "10.0.0.5", "laptop", lat, lon)

	syd := Event{
		TenantID: anomalyTenant, UserID: "alice", EventType: "login",
		IP: "10.0.0.5", Device: "laptop", At: daytime,
	}
	sydLat, sydLon := lonLat(-33.86, 151.2) // Sydney an hour later
	syd.Lat, syd.Lon = sydLat, sydLon

	a, err := d.Detect(context.Background(), syd)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	var found bool
	for _, r := range a.Reasons {
		if r == "impossible travel" {
			found = true
		}
	}
	if !found {
		t.Fatalf("reasons = %v, want impossible travel", a.Reasons)
	}
}

func TestDetectOffHoursAndFailedAttempts(t *testing.T) {
	t.Parallel()
	d, _ := newDetector(t)

	a, err := d.Detect(context.Background(), Event{
		TenantID: anomalyTenant, UserID: "alice", EventType: "login",
		At:       time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC),
		Metadata: map[string]string{"failed_attempts": "4"},
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if a.RiskScore != 25 {
		t.Fatalf("score = %d, want 10+15", a.RiskScore)
	}
	// below three failures the counter rule stays quiet
	a, err = d.Detect(context.Background(), Event{
		TenantID: anomalyTenant, UserID: "alice", EventType: "login",
		At:       time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC),
		Metadata: map[string]string{"failed_attempts": "2"},
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if a.RiskScore != 10 {
		t.Fatalf("score = %d, want off-hours only", a.RiskScore)
	}
}

func TestDetectEscalatesToLedgerAndNotifiers(t *testing.T) {
	t.Parallel()
	d, recs := newDetector(t)
	lgr := ledger.New(recs)
	seedLogin(t, lgr, "alice", "10.0.0.5", "laptop", nil, nil)

	var notified []string
	d.Notifiers = append(d.Notifiers, notifierFunc(func(eventType string, _ interface{}) {
		notified = append(notified, eventType)
	}))

	// new device + new IP + off-hours + failed attempts crosses 60
	a, err := d.Detect(context.Background(), Event{
		TenantID: anomalyTenant, UserID: "alice", EventType: "login",
		IP: "203.0.113.9", Device: "burner-phone",
		At:       time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC),
		Metadata: map[string]string{"failed_attempts": "5"},
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !a.IsAnomaly || a.RiskScore != 70 {
		t.Fatalf("assessment = %+v", a)
	}
	if len(notified) != 1 || notified[0] != "anomaly.detected" {
		t.Fatalf("notified = %v", notified)
	}

	found := false
	records, err := lgr.Records(context.Background(), anomalyTenant, 10)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	for _, r := range records {
		if r.Module == "security" && r.Action == "anomaly.detected" && r.Resource == "alice" && r.ActorUserID == "" {
			found = true
		}
	}
	if !found {
		t.Fatal("escalation must land on the ledger as a system record")
	}
}

func TestDetectClassifierAugments(t *testing.T) {
	t.Parallel()
	d, _ := newDetector(t)
	d.Classifier = classifierFunc(func(context.Context, Event, []models.AuditRecord) (int, []string, error) {
		return 70, []string{"pattern break"}, nil
	})

	a, err := d.Detect(context.Background(), Event{
		TenantID: anomalyTenant, UserID: "alice", EventType: "login", At: daytime,
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !a.IsAnomaly || a.RiskScore != 70 {
		t.Fatalf("assessment = %+v", a)
	}
}

func TestDetectClassifierOutageIgnored(t *testing.T) {
	t.Parallel()
	d, _ := newDetector(t)
	d.Classifier = classifierFunc(func(context.Context, Event, []models.AuditRecord) (int, []string, error) {
		return 0, nil, errors.New("model endpoint down")
	})

	a, err := d.Detect(context.Background(), Event{
		TenantID: anomalyTenant, UserID: "alice", EventType: "login", At: daytime,
	})
	if err != nil {
		t.Fatalf("classifier outage must not fail detection: %v", err)
	}
	if a.RiskScore != 0 {
		t.Fatalf("score = %d, rule score stands alone", a.RiskScore)
	}
}

func TestDetectScoreClampedAt100(t *testing.T) {
	t.Parallel()
	d, _ := newDetector(t)
	d.Classifier = classifierFunc(func(context.Context, Event, []models.AuditRecord) (int, []string, error) {
		return 500, nil, nil
	})

	a, err := d.Detect(context.Background(), Event{
		TenantID: anomalyTenant, UserID: "alice", EventType: "login", At: daytime,
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if a.RiskScore != 100 {
		t.Fatalf("score = %d, want capped at 100", a.RiskScore)
	}
}

func TestDetectRejectsIncompleteEvent(t *testing.T) {
	t.Parallel()
	d, _ := newDetector(t)

	var verr *models.ValidationError
	if _, err := d.Detect(context.Background(), Event{UserID: "alice"}); !errors.As(err, &verr) {
		t.Fatalf("missing tenant: err = %v, want ValidationError", err)
	}
	if _, err := d.Detect(context.Background(), Event{TenantID: anomalyTenant}); !errors.As(err, &verr) {
		t.Fatalf("missing user: err = %v, want ValidationError", err)
	}
}

func TestVelocityClassifier(t *testing.T) {
	t.Parallel()
	v := NewVelocityClassifier(store.NewMemoryCache())
	v.Burst = 3
	ev := Event{TenantID: anomalyTenant, UserID: "alice"}

	for i := 0; i < 3; i++ {
		delta, _, err := v.Score(context.Background(), ev, nil)
		if err != nil || delta != 0 {
			t.Fatalf("call %d: delta=%d err=%v", i, delta, err)
		}
	}
	delta, reasons, err := v.Score(context.Background(), ev, nil)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if delta != 20 || len(reasons) != 1 {
		t.Fatalf("over burst: delta=%d reasons=%v", delta, reasons)
	}

	// counters are per actor
	other := Event{TenantID: anomalyTenant, UserID: "bob"}
	delta, _, err = v.Score(context.Background(), other, nil)
	if err != nil || delta != 0 {
		t.Fatalf("other actor: delta=%d err=%v", delta, err)
	}
}

func TestHaversine(t *testing.T) {
	t.Parallel()
	// London to Paris is roughly 340 km
	km := haversineKm(51.5074, -0.1278, 48.8566, 2.3522)
	if km < 330 || km > 350 {
		t.Fatalf("km = %v", km)
	}
	if haversineKm(10, 20, 10, 20) != 0 {
		t.Fatal("zero distance expected")
	}
}

type notifierFunc func(eventType string, data interface{})

func (f notifierFunc) Notify(eventType string, data interface{}) { f(eventType, data) }

type classifierFunc func(ctx context.Context, ev Event, history []models.AuditRecord) (int, []string, error)

func (f classifierFunc) Score(ctx context.Context, ev Event, history []models.AuditRecord) (int, []string, error) {
	return f(ctx, ev, history)
}
