// Package anomaly scores authentication and access events against the
// actor's ledger history. Deterministic rules (new device, new IP,
// impossible travel, off-hours) are always computed; an optional
// RiskClassifier can only augment the score, never gate it, so its outage
// is not an outage of anomaly detection.
package anomaly

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"strconv"
	"time"

	"trustcore/pkg/ledger"
	"trustcore/pkg/models"
)

// EscalationThreshold is the risk score (of 100) at or above which an event
// escalates to the ledger and the security-event stream.
const EscalationThreshold = 60

// Event is one attempt to assess.
type Event struct {
	TenantID  string            `json:"tenant_id"`
	UserID    string            `json:"user_id"`
	EventType string            `json:"event_type"` // login, password_reset, ...
	IP        string            `json:"ip,omitempty"`
	Device    string            `json:"device,omitempty"`
	Lat       *float64          `json:"lat,omitempty"`
	Lon       *float64          `json:"lon,omitempty"`
	At        time.Time         `json:"at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Assessment is the scored outcome.
type Assessment struct {
	IsAnomaly       bool     `json:"is_anomaly"`
	RiskScore       int      `json:"risk_score"`
	Reasons         []string `json:"reasons"`
	Recommendations []string `json:"recommendations"`
}

// RiskClassifier augments the rule-based score, typically backed by a
// generative service commenting on the actor's recent pattern. Treated as a
// black box returning a risk delta.
type RiskClassifier interface {
	Score(ctx context.Context, ev Event, history []models.AuditRecord) (delta int, reasons []string, err error)
}

// Notifier receives escalation events; the in-process stream hub and the
// Kafka security bus both satisfy it.
type Notifier interface {
	Notify(eventType string, data interface{})
}

// HistorySource is the slice of the ledger the detector reads.
type HistorySource interface {
	RecentByActor(ctx context.Context, tenantID, actorUserID string, limit int) ([]models.AuditRecord, error)
}

// Appender escalates into the ledger.
type Appender interface {
	Append(ctx context.Context, req ledger.AppendRequest) (models.AuditRecord, error)
}

type Detector struct {
	History      HistorySource
	Ledger       Appender
	Classifier   RiskClassifier // optional
	Notifiers    []Notifier
	HistoryDepth int
	Threshold    int
}

func NewDetector(history HistorySource, lgr Appender) *Detector {
	return &Detector{History: history, Ledger: lgr, HistoryDepth: 50, Threshold: EscalationThreshold}
}

// Detect scores ev and, when the score crosses the threshold, appends a
// security record to the ledger and notifies the event stream. The
// escalation append is independent of the event's own audit record, which
// the calling flow writes itself.
func (d *Detector) Detect(ctx context.Context, ev Event) (Assessment, error) {
	if ev.TenantID == "" || ev.UserID == "" {
		return Assessment{}, &models.ValidationError{Field: "tenant_id/user_id", Reason: "required"}
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	depth := d.HistoryDepth
	if depth <= 0 {
		depth = 50
	}
	history, err := d.History.RecentByActor(ctx, ev.TenantID, ev.UserID, depth)
	if err != nil {
		return Assessment{}, err
	}
	a := d.scoreRules(ev, history)
	if d.Classifier != nil {
		delta, reasons, err := d.Classifier.Score(ctx, ev, history)
		if err != nil {
			log.Printf("anomaly: classifier unavailable, rule score stands: %v", err)
		} else {
			a.RiskScore += delta
			a.Reasons = append(a.Reasons, reasons...)
		}
	}
	if a.RiskScore > 100 {
		a.RiskScore = 100
	}
	if a.RiskScore < 0 {
		a.RiskScore = 0
	}
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = EscalationThreshold
	}
	a.IsAnomaly = a.RiskScore >= threshold
	if a.IsAnomaly {
		d.escalate(ctx, ev, a)
	}
	return a, nil
}

func (d *Detector) scoreRules(ev Event, history []models.AuditRecord) Assessment {
	a := Assessment{Reasons: []string{}, Recommendations: []string{}}
	obs := observedFromHistory(history)
	if ev.Device != "" && len(obs.devices) > 0 {
		if _, seen := obs.devices[ev.Device]; !seen {
			a.RiskScore += 25
			a.Reasons = append(a.Reasons, "new device")
			a.Recommendations = append(a.Recommendations, "verify device with a second factor")
		}
	}
	if ev.IP != "" && len(obs.ips) > 0 {
		if _, seen := obs.ips[ev.IP]; !seen {
			a.RiskScore += 20
			a.Reasons = append(a.Reasons, "new IP address")
		}
	}
	if ev.Lat != nil && ev.Lon != nil && obs.lastGeo != nil {
		elapsed := ev.At.Sub(obs.lastGeo.at).Hours()
		if elapsed > 0 {
			km := haversineKm(*ev.Lat, *ev.Lon, obs.lastGeo.lat, obs.lastGeo.lon)
			if km/elapsed > 900 { // faster than a commercial flight
				a.RiskScore += 35
				a.Reasons = append(a.Reasons, "impossible travel")
				a.Recommendations = append(a.Recommendations, "lock the session and require re-authentication")
			}
		}
	}
	hour := ev.At.UTC().Hour()
	if hour < 6 || hour >= 22 {
		a.RiskScore += 10
		a.Reasons = append(a.Reasons, "off-hours activity")
	}
	if n, err := strconv.Atoi(ev.Metadata["failed_attempts"]); err == nil && n >= 3 {
		a.RiskScore += 15
		a.Reasons = append(a.Reasons, "repeated failed attempts")
	}
	return a
}

func (d *Detector) escalate(ctx context.Context, ev Event, a Assessment) {
	payload, err := json.Marshal(map[string]interface{}{
		"event_type": ev.EventType,
		"risk_score": a.RiskScore,
		"reasons":    a.Reasons,
		"ip":         ev.IP,
		"device":     ev.Device,
	})
	if err != nil {
		return
	}
	if d.Ledger != nil {
		// system actor: the escalation is the detector's own statement
		if _, err := d.Ledger.Append(ctx, ledger.AppendRequest{
			TenantID: ev.TenantID,
			Module:   "security",
			Action:   "anomaly.detected",
			Resource: ev.UserID,
			Payload:  payload,
		}); err != nil {
			log.Printf("anomaly: escalation append failed: %v", err)
		}
	}
	for _, n := range d.Notifiers {
		n.Notify("anomaly.detected", map[string]interface{}{
			"tenant_id":  ev.TenantID,
			"user_id":    ev.UserID,
			"event_type": ev.EventType,
			"risk_score": a.RiskScore,
			"reasons":    a.Reasons,
		})
	}
}

type geoPoint struct {
	lat, lon float64
	at       time.Time
}

type observed struct {
	devices map[string]struct{}
	ips     map[string]struct{}
	lastGeo *geoPoint
}

// observedFromHistory pulls devices, IPs and the most recent geolocation
// out of auth-module payloads in the actor's recent records.
func observedFromHistory(history []models.AuditRecord) observed {
	obs := observed{devices: map[string]struct{}{}, ips: map[string]struct{}{}}
	for _, rec := range history {
		if rec.Module != "auth" && rec.Module != "security" {
			continue
		}
		var payload struct {
			IP     string   `json:"ip"`
			Device string   `json:"device"`
			Lat    *float64 `json:"lat"`
			Lon    *float64 `json:"lon"`
		}
		if len(rec.Payload) == 0 || json.Unmarshal(rec.Payload, &payload) != nil {
			continue
		}
		if payload.Device != "" {
			obs.devices[payload.Device] = struct{}{}
		}
		if payload.IP != "" {
			obs.ips[payload.IP] = struct{}{}
		}
		if payload.Lat != nil && payload.Lon != nil {
			// history arrives newest first; keep the newest point
			if obs.lastGeo == nil || rec.CreatedAt.After(obs.lastGeo.at) {
				obs.lastGeo = &geoPoint{lat: *payload.Lat, lon: *payload.Lon, at: rec.CreatedAt}
			}
		}
	}
	return obs
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
