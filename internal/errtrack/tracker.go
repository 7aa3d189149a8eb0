// Package errtrack accumulates push delivery failures, drives automatic
// cleanup of dead subscriptions and raises threshold alerts. All counters
// are process-local; multi-worker deployments tolerate slightly divergent
// views rather than paying for a shared coordination store.
package errtrack

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iwent-com-tr/bilet-push/internal/obs"
	"github.com/iwent-com-tr/bilet-push/internal/sender"
)

const (
	maxAlerts          = 100
	alertRepeatWindow  = 5 * time.Minute
	subCountCacheTTL   = time.Minute
	staleCleanupWindow = 7 * 24 * time.Hour
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Stats struct {
	TotalErrors            int64          `json:"totalErrors"`
	ErrorsByStatusCode     map[int]int64  `json:"errorsByStatusCode"`
	ErrorsByType           map[Type]int64 `json:"errorsByType"`
	InvalidEndpointsFound  int64          `json:"invalidEndpointsFound"`
	SubscriptionsCleanedUp int64          `json:"subscriptionsCleanedUp"`
	LastCleanup            time.Time      `json:"lastCleanup"`
}

type Health struct {
	Status      string    `json:"status"`
	ErrorRate   float64   `json:"errorRate"`
	LastCleanup time.Time `json:"lastCleanup"`
}

// Thresholds are configurable per deployment; zero values fall back to the
// platform defaults.
type Thresholds struct {
	WarningRate        float64 `mapstructure:"warning_rate"`
	CriticalRate       float64 `mapstructure:"critical_rate"`
	InvalidEndpoints   int64   `mapstructure:"invalid_endpoints"`
	ServiceUnavailable int64   `mapstructure:"service_unavailable"`
}

func (t Thresholds) withDefaults() Thresholds {
	if t.WarningRate <= 0 {
		t.WarningRate = 10
	}
	if t.CriticalRate <= 0 {
		t.CriticalRate = 25
	}
	if t.InvalidEndpoints <= 0 {
		t.InvalidEndpoints = 50
	}
	if t.ServiceUnavailable <= 0 {
		t.ServiceUnavailable = 10
	}
	return t
}

// Cleaner is the slice of the subscription store the tracker needs.
type Cleaner interface {
	CleanupInvalid(ctx context.Context, endpoints []string) (int64, error)
	CleanupStaleDisabled(ctx context.Context, olderThan time.Duration) (int64, error)
	Counts(ctx context.Context) (total, active, disabled int64, err error)
}

type Tracker struct {
	mu         sync.Mutex
	stats      Stats
	alerts     []Alert
	thresholds Thresholds
	cleaner    Cleaner
	log        *zap.Logger
	now        func() time.Time

	subCount     int64
	subCountedAt time.Time
}

var _ sender.Tracker = (*Tracker)(nil)

func New(cleaner Cleaner, thresholds Thresholds, l *zap.Logger) *Tracker {
	return &Tracker{
		stats: Stats{
			ErrorsByStatusCode: make(map[int]int64),
			ErrorsByType:       make(map[Type]int64),
		},
		thresholds: thresholds.withDefaults(),
		cleaner:    cleaner,
		log:        l.With(zap.String("component", "errtrack")),
		now:        time.Now,
	}
}

// TrackError classifies and counts one delivery failure. Invalid endpoints
// trigger a best-effort cleanup; nothing raised here may fail the caller's
// send path.
func (t *Tracker) TrackError(ctx context.Context, perr *sender.PushError, jobID, eventID string) {
	errType := Classify(perr.StatusCode, perr.Message)

	t.mu.Lock()
	t.stats.TotalErrors++
	if perr.StatusCode != 0 {
		t.stats.ErrorsByStatusCode[perr.StatusCode]++
	}
	t.stats.ErrorsByType[errType]++
	if errType == TypeInvalidEndpoint {
		t.stats.InvalidEndpointsFound++
	}
	t.mu.Unlock()

	t.log.Debug("delivery error tracked",
		zap.String("endpoint", obs.MaskEndpoint(perr.Endpoint)),
		zap.Int("status", perr.StatusCode),
		zap.String("type", string(errType)),
		zap.String("job_id", jobID),
		zap.String("event_id", eventID))

	if errType == TypeInvalidEndpoint && t.cleaner != nil {
		cleaned, err := t.cleaner.CleanupInvalid(ctx, []string{perr.Endpoint})
		if err != nil {
			t.log.Warn("invalid endpoint cleanup failed",
				zap.String("endpoint", obs.MaskEndpoint(perr.Endpoint)),
				zap.Error(err))
		} else if cleaned > 0 {
			t.mu.Lock()
			t.stats.SubscriptionsCleanedUp += cleaned
			t.stats.LastCleanup = t.now()
			t.mu.Unlock()
		}
	}

	t.evaluateAlerts(ctx)
}

// PerformBatchCleanup removes disabled subscriptions unseen for a week.
// Errors are captured, never thrown.
func (t *Tracker) PerformBatchCleanup(ctx context.Context) (processed, cleaned int64, errs []string) {
	if t.cleaner == nil {
		return 0, 0, nil
	}

	n, err := t.cleaner.CleanupStaleDisabled(ctx, staleCleanupWindow)
	if err != nil {
		t.log.Warn("batch cleanup failed", zap.Error(err))
		return 0, 0, []string{err.Error()}
	}

	t.mu.Lock()
	t.stats.SubscriptionsCleanedUp += n
	t.stats.LastCleanup = t.now()
	t.mu.Unlock()

	t.log.Info("batch cleanup done", zap.Int64("cleaned", n))
	return n, n, nil
}

func (t *Tracker) HealthStatus(ctx context.Context) Health {
	rate := t.ErrorRate(ctx)

	t.mu.Lock()
	last := t.stats.LastCleanup
	t.mu.Unlock()

	status := "healthy"
	switch {
	case rate >= t.thresholds.CriticalRate:
		status = "critical"
	case rate >= t.thresholds.WarningRate:
		status = "warning"
	}
	return Health{Status: status, ErrorRate: rate, LastCleanup: last}
}

// ErrorRate is totalErrors over total known subscriptions, in percent.
func (t *Tracker) ErrorRate(ctx context.Context) float64 {
	total := t.subscriptionCount(ctx)
	if total == 0 {
		return 0
	}
	t.mu.Lock()
	errors := t.stats.TotalErrors
	t.mu.Unlock()
	return float64(errors) / float64(total) * 100
}

func (t *Tracker) ErrorStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := t.stats
	cp.ErrorsByStatusCode = make(map[int]int64, len(t.stats.ErrorsByStatusCode))
	for k, v := range t.stats.ErrorsByStatusCode {
		cp.ErrorsByStatusCode[k] = v
	}
	cp.ErrorsByType = make(map[Type]int64, len(t.stats.ErrorsByType))
	for k, v := range t.stats.ErrorsByType {
		cp.ErrorsByType[k] = v
	}
	return cp
}

func (t *Tracker) ResetErrorStats() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = Stats{
		ErrorsByStatusCode: make(map[int]int64),
		ErrorsByType:       make(map[Type]int64),
	}
}

// RecentAlerts returns up to limit alerts, most recent first.
func (t *Tracker) RecentAlerts(limit int) []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.alerts) {
		limit = len(t.alerts)
	}
	out := make([]Alert, 0, limit)
	for i := len(t.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.alerts[i])
	}
	return out
}

func (t *Tracker) ClearAlerts() {
	t.mu.Lock()
	t.alerts = nil
	t.mu.Unlock()
}

func (t *Tracker) evaluateAlerts(ctx context.Context) {
	rate := t.ErrorRate(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case rate >= t.thresholds.CriticalRate:
		t.raise("high_failure_rate", SeverityCritical, "push failure rate is critical")
	case rate >= t.thresholds.WarningRate:
		t.raise("high_failure_rate", SeverityWarning, "push failure rate is elevated")
	}
	if t.stats.InvalidEndpointsFound >= t.thresholds.InvalidEndpoints {
		t.raise("invalid_endpoints", SeverityWarning, "large number of invalid push endpoints")
	}
	if t.stats.ErrorsByType[TypeServiceUnavailable] >= t.thresholds.ServiceUnavailable {
		t.raise("service_unavailable", SeverityWarning, "push service reported repeated outages")
	}
}

// raise appends an alert unless the same one fired within the repeat
// window. Caller holds t.mu.
func (t *Tracker) raise(alertType string, sev Severity, msg string) {
	now := t.now()
	for i := len(t.alerts) - 1; i >= 0; i-- {
		a := t.alerts[i]
		if a.Type == alertType && a.Severity == sev {
			if now.Sub(a.Timestamp) < alertRepeatWindow {
				return
			}
			break
		}
	}

	t.alerts = append(t.alerts, Alert{Type: alertType, Severity: sev, Message: msg, Timestamp: now})
	if len(t.alerts) > maxAlerts {
		t.alerts = t.alerts[len(t.alerts)-maxAlerts:]
	}

	t.log.Warn("alert raised",
		zap.String("alert", alertType),
		zap.String("severity", string(sev)),
		zap.String("message", msg))
}

func (t *Tracker) subscriptionCount(ctx context.Context) int64 {
	t.mu.Lock()
	if t.now().Sub(t.subCountedAt) < subCountCacheTTL {
		n := t.subCount
		t.mu.Unlock()
		return n
	}
	t.mu.Unlock()

	if t.cleaner == nil {
		return 0
	}
	total, _, _, err := t.cleaner.Counts(ctx)
	if err != nil {
		t.log.Warn("subscription count failed", zap.Error(err))
		return 0
	}

	t.mu.Lock()
	t.subCount = total
	t.subCountedAt = t.now()
	t.mu.Unlock()
	return total
}
