// Package alert adapts the promotion event into structured alerts pushed to
// registered webhook endpoints (Slack/Discord/SIEM-compatible JSON), with an
// in-memory recent-alert history. Adapted from the teacher's alert/webhook
// system, re-targeted from transaction risk assessments to verified threat
// intelligence.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rawblock/fedsig-coordinator/pkg/models"
	"github.com/rs/zerolog"
)

// Alert is a structured notification emitted when an IOC is promoted to
// verified.
type Alert struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Severity    models.ThreatLevel `json:"severity"`
	IOCID       string            `json:"ioc_id"`
	IOCType     models.IOCType    `json:"ioc_type"`
	Value       string            `json:"value"`
	VerifiedBy  []string          `json:"verified_by"`
	TrustWeight float64           `json:"trust_weight"`
	Title       string            `json:"title"`
}

// Webhook is a registered delivery endpoint.
type Webhook struct {
	Name        string
	URL         string
	Enabled     bool
	Headers     map[string]string
	MinSeverity models.ThreatLevel
}

// Manager distributes promotion alerts to registered webhooks and keeps a
// bounded in-memory history.
type Manager struct {
	mu         sync.RWMutex
	webhooks   []Webhook
	recent     []Alert
	maxHistory int
	client     *http.Client
	log        zerolog.Logger
}

// NewManager constructs an alert Manager with an empty webhook set.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		maxHistory: 1000,
		client:     &http.Client{Timeout: 5 * time.Second},
		log:        log.With().Str("component", "alert_manager").Logger(),
	}
}

// RegisterWebhook adds a delivery endpoint; alerts below minSeverity are
// never sent to it.
func (m *Manager) RegisterWebhook(name, url string, minSeverity models.ThreatLevel, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, Webhook{Name: name, URL: url, Enabled: true, Headers: headers, MinSeverity: minSeverity})
	m.log.Info().Str("webhook", name).Str("url", url).Str("min_severity", string(minSeverity)).Msg("webhook registered")
}

// EmitPromotion builds an Alert from a freshly-verified ThreatIntel and
// distributes it to history and every eligible webhook. Delivery is
// fire-and-forget: a webhook failure never blocks the promotion path.
func (m *Manager) EmitPromotion(intel models.ThreatIntel) {
	a := Alert{
		ID:          fmt.Sprintf("promotion-%s", intel.IOC.ID),
		Timestamp:   time.Now().UTC(),
		Severity:    intel.IOC.ThreatLevel,
		IOCID:       intel.IOC.ID,
		IOCType:     intel.IOC.Type,
		Value:       intel.IOC.Value,
		VerifiedBy:  intel.VerifiedBy,
		TrustWeight: intel.TrustWeight,
		Title:       fmt.Sprintf("IOC verified: %s (%s)", intel.IOC.Value, intel.IOC.Type),
	}

	m.mu.Lock()
	m.recent = append(m.recent, a)
	if len(m.recent) > m.maxHistory {
		m.recent = m.recent[len(m.recent)-m.maxHistory:]
	}
	webhooks := make([]Webhook, len(m.webhooks))
	copy(webhooks, m.webhooks)
	m.mu.Unlock()

	for _, wh := range webhooks {
		if !wh.Enabled || !wh.MinSeverity.Valid() {
			continue
		}
		if !a.Severity.AtLeast(wh.MinSeverity) {
			continue
		}
		go m.deliver(wh, a)
	}

	m.log.Info().Str("ioc_id", a.IOCID).Str("severity", string(a.Severity)).Msg("📣 promotion alert emitted")
}

func (m *Manager) deliver(wh Webhook, a Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		m.log.Error().Err(err).Str("webhook", wh.Name).Msg("failed to marshal alert")
		return
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		m.log.Error().Err(err).Str("webhook", wh.Name).Msg("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Warn().Err(err).Str("webhook", wh.Name).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		m.log.Warn().Str("webhook", wh.Name).Int("status", resp.StatusCode).Msg("webhook returned error status")
	}
}

// Recent returns the most recently emitted alerts, newest first.
func (m *Manager) Recent(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.recent[len(m.recent)-1-i]
	}
	return out
}
