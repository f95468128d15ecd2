// Package session implements the Session Layer / Hub (spec §4.3): accepts
// client websocket sessions, dispatches the inbound envelope protocol, and
// broadcasts promotions. The per-session outbound queue and disconnect
// detection follow the teacher's internal/api/websocket.go Hub, generalized
// from a single broadcast-only channel to per-session bounded queues with
// drop-on-overflow, as the spec requires.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rawblock/fedsig-coordinator/internal/alert"
	"github.com/rawblock/fedsig-coordinator/internal/intel"
	"github.com/rawblock/fedsig-coordinator/internal/metrics"
	"github.com/rawblock/fedsig-coordinator/internal/trust"
	"github.com/rawblock/fedsig-coordinator/pkg/models"
	"github.com/rs/zerolog"
)

const (
	outboundQueueSize  = 256
	detectionFeedLimit = 1000
	writeWait          = 5 * time.Second
)

// Upgrader accepts any origin, matching the teacher's local-dashboard
// posture; production deployments front this with a reverse proxy.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Session is one client's connection: a serialized inbound read loop and a
// bounded outbound send queue pumped by its own writer goroutine.
type Session struct {
	conn *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	clientID  string
	profile   models.ClientProfile
	connected bool

	closeOnce sync.Once
}

// Hub owns every live Session and wires inbound events to the Trust
// Manager, Aggregator and alert Manager.
type Hub struct {
	trust      *trust.Manager
	aggregator *intel.Aggregator
	alerts     *alert.Manager
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by client_id

	feedMu sync.Mutex
	feed   []models.DetectionEvent
}

// New constructs a Hub wired to the Trust Manager, Aggregator, alert
// Manager and metrics collectors it dispatches to. m may be nil.
func New(tm *trust.Manager, agg *intel.Aggregator, am *alert.Manager, m *metrics.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		trust:      tm,
		aggregator: agg,
		alerts:     am,
		metrics:    m,
		log:        log.With().Str("component", "hub").Logger(),
		sessions:   make(map[string]*Session),
	}
}

// ServeWebSocket upgrades an HTTP request to a websocket session and runs
// its read loop until disconnect. It blocks until the session ends.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := &Session{conn: conn, send: make(chan []byte, outboundQueueSize)}
	go sess.writeLoop(h.log)
	h.readLoop(r.Context(), sess)
}

// readLoop owns the per-session read side; it is the only goroutine that
// dispatches inbound envelopes for this session, so per-session ordering
// is preserved by construction (spec §4.3 session guarantees).
func (h *Hub) readLoop(ctx context.Context, sess *Session) {
	defer h.onDisconnect(sess)

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			sess.sendEnvelope(models.EventError, models.ErrorPayload{Message: "malformed envelope"})
			continue
		}

		if err := h.dispatch(ctx, sess, env); err != nil {
			h.log.Warn().Err(err).Str("event", string(env.Event)).Msg("envelope handling failed")
			sess.sendEnvelope(models.EventError, models.ErrorPayload{Message: err.Error()})
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, sess *Session, env models.Envelope) error {
	switch env.Event {
	case models.EventClientRegister:
		return h.handleRegister(ctx, sess, env.Data)
	case models.EventClientHeartbeat:
		return h.handleHeartbeat(sess, env.Data)
	case models.EventIOCReport:
		return h.handleIOCReport(ctx, sess, env.Data)
	case models.EventDetection:
		return h.handleDetection(sess, env.Data)
	case models.EventSyncRequest:
		return h.handleSyncRequest(sess, env.Data)
	default:
		return fmt.Errorf("unknown event type %q", env.Event)
	}
}

func (h *Hub) handleRegister(ctx context.Context, sess *Session, data json.RawMessage) error {
	var profile models.ClientProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("decode register payload: %w", err)
	}
	if profile.ClientID == "" {
		return fmt.Errorf("register requires a client_id")
	}

	trustVal, err := h.trust.Initialize(ctx, profile.ClientID)
	if err != nil {
		return fmt.Errorf("initialize trust for %s: %w", profile.ClientID, err)
	}

	now := time.Now().UTC()
	profile.Status = models.ClientStatusOnline
	profile.RegisteredAt = now
	profile.LastHeartbeat = now

	sess.mu.Lock()
	sess.clientID = profile.ClientID
	sess.profile = profile
	sess.connected = true
	sess.mu.Unlock()

	// A new registration replaces any prior session for the same client_id
	// (spec §4.3 register): the old session, if any, is evicted.
	h.mu.Lock()
	if old, ok := h.sessions[profile.ClientID]; ok && old != sess {
		old.closeOnce.Do(func() { close(old.send) })
	}
	h.sessions[profile.ClientID] = sess
	sessionCount := len(h.sessions)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveSessions.Set(float64(sessionCount))
	}

	h.log.Info().Str("client_id", profile.ClientID).Str("hostname", profile.Hostname).
		Float64("trust", trustVal).Msg("🔗 client registered")

	sess.sendEnvelope(models.EventRegistered, models.RegisteredPayload{ClientID: profile.ClientID, Trust: trustVal})
	return nil
}

func (h *Hub) handleHeartbeat(sess *Session, data json.RawMessage) error {
	var hb models.HeartbeatPayload
	if err := json.Unmarshal(data, &hb); err != nil {
		return fmt.Errorf("decode heartbeat payload: %w", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.connected || sess.clientID != hb.ClientID {
		return fmt.Errorf("heartbeat from unregistered session")
	}
	sess.profile.Status = hb.Status
	sess.profile.IOCsReported = hb.IOCsReported
	sess.profile.IOCsVerified = hb.IOCsVerified
	sess.profile.DetectionsLocal = hb.DetectionsLocal
	sess.profile.LastHeartbeat = time.Now().UTC()
	return nil
}

func (h *Hub) handleIOCReport(ctx context.Context, sess *Session, data json.RawMessage) error {
	var ioc models.IOC
	if err := json.Unmarshal(data, &ioc); err != nil {
		return fmt.Errorf("decode ioc_report payload: %w", err)
	}
	if !ioc.Type.Valid() {
		return fmt.Errorf("invalid ioc_type %q", ioc.Type)
	}

	sess.mu.Lock()
	active := sess.connected && sess.clientID == ioc.SourceClient
	sess.mu.Unlock()
	if !active {
		return fmt.Errorf("ioc_report requires an active registered session for %s", ioc.SourceClient)
	}

	if ioc.ID == "" {
		ioc = models.NewIOC(ioc.Type, ioc.Value, ioc.ThreatLevel, ioc.SourceClient, ioc.Metadata, ioc.Timestamp)
	}

	reporterTrust, err := h.trust.Get(ctx, ioc.SourceClient)
	if err != nil {
		return fmt.Errorf("fetch trust for %s: %w", ioc.SourceClient, err)
	}

	if h.metrics != nil {
		h.metrics.RecordReport(string(ioc.Type))
	}

	promoted, err := h.aggregator.Report(ctx, ioc, reporterTrust)
	if err != nil {
		return fmt.Errorf("aggregate report: %w", err)
	}
	if promoted == nil {
		return nil
	}

	if h.metrics != nil {
		h.metrics.RecordPromotion(len(promoted.VerifiedBy))
	}

	h.BroadcastPromotion(ctx, promoted)
	return nil
}

// BroadcastPromotion fans a freshly-promoted ThreatIntel out to every
// connected session, emits its alert, and rewards each corroborating
// client with a trust update. This is the single place those promotion
// side effects happen, shared by the websocket ioc_report path above and
// by REST-triggered promotions (POST /api/report_threat), so a report
// submitted over HTTP gets the same fan-out and trust reward as one
// submitted over a live session (spec §6 report_threat).
func (h *Hub) BroadcastPromotion(ctx context.Context, promoted *models.ThreatIntel) {
	h.broadcast(models.EventIOCBroadcast, promoted)
	if h.alerts != nil {
		h.alerts.EmitPromotion(*promoted)
	}

	for _, clientID := range promoted.VerifiedBy {
		newTrust, err := h.trust.Update(ctx, clientID, true, nil)
		if err != nil {
			h.log.Error().Err(err).Str("client_id", clientID).Msg("failed to reward corroborating client")
			continue
		}
		if h.metrics != nil {
			h.metrics.RecordTrustUpdate(clientID, true, newTrust)
		}
		h.bumpVerifiedCount(clientID)
		h.sendTo(clientID, models.EventTrustUpdate, models.TrustUpdatePayload{
			ClientID: clientID, Trust: newTrust, Reason: "ioc corroboration verified",
		})
	}
}

// bumpVerifiedCount increments a connected client's iocs_verified counter;
// a no-op if that client has no live session right now.
func (h *Hub) bumpVerifiedCount(clientID string) {
	h.mu.RLock()
	sess, ok := h.sessions[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.profile.IOCsVerified++
	sess.mu.Unlock()
}

func (h *Hub) handleDetection(sess *Session, data json.RawMessage) error {
	var ev models.DetectionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode detection_event payload: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.feedMu.Lock()
	h.feed = append(h.feed, ev)
	if len(h.feed) > detectionFeedLimit {
		h.feed = h.feed[len(h.feed)-detectionFeedLimit:]
	}
	feedLen := len(h.feed)
	h.feedMu.Unlock()

	if h.metrics != nil {
		h.metrics.DetectionFeedLen.Set(float64(feedLen))
	}

	return nil
}

func (h *Hub) handleSyncRequest(sess *Session, data json.RawMessage) error {
	var req models.SyncRequestPayload
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decode sync_request payload: %w", err)
	}

	snapshot := h.aggregator.VerifiedSnapshot()
	sess.sendEnvelope(models.EventSyncResponse, models.SyncResponsePayload{
		IOCs: snapshot, Count: len(snapshot), Timestamp: time.Now().UTC(),
	})
	return nil
}

func (h *Hub) onDisconnect(sess *Session) {
	sess.mu.Lock()
	clientID := sess.clientID
	wasConnected := sess.connected
	sess.profile.Status = models.ClientStatusOffline
	sess.connected = false
	sess.mu.Unlock()

	sess.closeOnce.Do(func() { close(sess.send) })
	sess.conn.Close()

	if wasConnected {
		h.mu.Lock()
		if current, ok := h.sessions[clientID]; ok && current == sess {
			delete(h.sessions, clientID)
		}
		sessionCount := len(h.sessions)
		h.mu.Unlock()

		if h.metrics != nil {
			h.metrics.ActiveSessions.Set(float64(sessionCount))
		}
		h.log.Info().Str("client_id", clientID).Msg("client disconnected")
	}
}

// broadcast fans an envelope out to every currently-connected session,
// dropping (never blocking) on a session whose queue is full (spec §4.3
// broadcast semantics, §5 resource model).
func (h *Hub) broadcast(event models.EventType, payload any) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", string(event)).Msg("failed to encode broadcast envelope")
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal broadcast envelope")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for clientID, sess := range h.sessions {
		select {
		case sess.send <- raw:
		default:
			h.log.Warn().Str("client_id", clientID).Msg("outbound queue full, dropping broadcast message")
		}
	}
}

// sendTo delivers a targeted envelope to one client's session, if connected.
func (h *Hub) sendTo(clientID string, event models.EventType, payload any) {
	h.mu.RLock()
	sess, ok := h.sessions[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	sess.sendEnvelope(event, payload)
}

// RecentDetections returns up to limit of the most recent detection feed
// entries, newest first.
func (h *Hub) RecentDetections(limit int) []models.DetectionEvent {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()

	n := len(h.feed)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.DetectionEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = h.feed[n-1-i]
	}
	return out
}

// Profiles returns a snapshot of the ClientProfile of every client with a
// live session. onDisconnect removes a session from the Hub, so the profiles
// of disconnected clients are not retained or listed.
func (h *Hub) Profiles() []models.ClientProfile {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.ClientProfile, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sess.mu.Lock()
		out = append(out, sess.profile)
		sess.mu.Unlock()
	}
	return out
}

// Profile returns one client's profile, if a session exists for it.
func (h *Hub) Profile(clientID string) (models.ClientProfile, bool) {
	h.mu.RLock()
	sess, ok := h.sessions[clientID]
	h.mu.RUnlock()
	if !ok {
		return models.ClientProfile{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.profile, true
}

// sendEnvelope marshals and queues an outbound envelope on this session's
// send channel, dropping rather than blocking if the queue is full.
func (s *Session) sendEnvelope(event models.EventType, payload any) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case s.send <- raw:
	default:
	}
}

// writeLoop is the sole writer for this session's connection, draining the
// send queue until it's closed.
func (s *Session) writeLoop(log zerolog.Logger) {
	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Warn().Err(err).Msg("websocket write error")
			return
		}
	}
}
