package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/agentworkforce/peertransit/internal/peerauth"
	"github.com/agentworkforce/peertransit/internal/transit"
)

// handlePeerInbox accepts an envelope from a known peer. The caller must name
// itself, present a token it minted for this tenant, and sign the body with
// the secret both sides share.
func (s *Server) handlePeerInbox(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.svc.Receiver == nil || s.cfg.Peers == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "peer delivery is not configured", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := s.cfg.Now().UTC()

	sender := strings.ToLower(strings.TrimSpace(r.Header.Get(peerauth.SenderHeader)))
	peer, known := s.cfg.Peers.Lookup(sender)
	if sender == "" || !known {
		writeError(w, http.StatusForbidden, "forbidden", "unknown peer", correlationID)
		return
	}
	claims, authErr := peerauth.Authorize(r.Header.Get("Authorization"), peer.Secret, s.cfg.Identity, peerauth.ScopeDeliver, now)
	if authErr != nil {
		writeError(w, authErr.Status, authErr.Code, authErr.Message, correlationID)
		return
	}
	if !strings.EqualFold(claims.Issuer, peer.Identity) {
		writeError(w, http.StatusForbidden, "forbidden", "token issued by another peer", correlationID)
		return
	}
	timestamp := r.Header.Get(peerauth.TimestampHeader)
	signature := r.Header.Get(peerauth.SignatureHeader)
	if authErr := peerauth.VerifySignature(peer.Secret, timestamp, signature, body, now, s.cfg.SignatureMaxSkew); authErr != nil {
		writeError(w, authErr.Status, authErr.Code, authErr.Message, correlationID)
		return
	}
	if !s.markReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "request replay detected", correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(peer.Identity, now) {
		writeRateLimited(w, s.rateLimiter.window, correlationID)
		return
	}

	if err := transit.ValidateEnvelope(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var env transit.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if !strings.EqualFold(env.Sender, peer.Identity) {
		writeError(w, http.StatusForbidden, "forbidden", "envelope sender does not match caller", correlationID)
		return
	}
	if env.CorrelationID == "" {
		env.CorrelationID = correlationID
	}

	item, err := s.svc.Receiver.Accept(r.Context(), env)
	if err != nil {
		if errors.Is(err, transit.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		s.cfg.Logger.WithError(err).WithField("sender", peer.Identity).Error("accept transfer failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to stage transfer", correlationID)
		return
	}
	if s.svc.InboxTrigger != nil {
		s.svc.InboxTrigger.Trigger(item.Box)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"itemId": item.ID, "correlationId": env.CorrelationID})
}
