package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agentoauth/go-core/internal/audit"
	"github.com/agentoauth/go-core/internal/canonical"
	"github.com/agentoauth/go-core/internal/errcode"
	"github.com/agentoauth/go-core/internal/policy"
	"github.com/agentoauth/go-core/internal/tenant"
	"github.com/agentoauth/go-core/internal/token"
	"github.com/agentoauth/go-core/internal/verifier"
	"github.com/agentoauth/go-core/pkg/types"
)

func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	s.evaluate(w, r, false)
}

func (s *Server) simulateHandler(w http.ResponseWriter, r *http.Request) {
	s.evaluate(w, r, true)
}

// evaluate is the shared verify/simulate flow: body decode, tenant
// attribution, tenant quota, full evaluation, audit.
func (s *Server) evaluate(w http.ResponseWriter, r *http.Request, simulate bool) {
	start := time.Now()

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, start, "", nil, errcode.Wrap(errcode.InvalidPayload, "request body is not valid JSON", err))
		return
	}
	if err := validate.Struct(&req); err != nil {
		s.fail(w, r, start, "", nil, errcode.Wrap(errcode.InvalidPayload, "token and context are required", err))
		return
	}

	tn, err := s.attributeTenant(r, req.Token)
	if err != nil {
		s.fail(w, r, start, "", req.Context, err)
		return
	}

	if s.limiter != nil {
		status, err := s.limiter.CheckTenant(r.Context(), tn)
		setRateHeaders(w, status)
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordRateLimited("tenant")
			}
			s.recordAudit(r, start, &audit.Event{
				Tenant: tn.ID,
				Status: errcode.From(err).HTTPStatus(),
				Code:   string(errcode.From(err).Code),
			}, req.Context)
			writeRateLimited(w, err, status)
			return
		}
	}

	vreq := &verifier.Request{Token: req.Token, Context: req.Context, Simulate: simulate}
	if tn.Keyed {
		vreq.Tenant = tn.ID
	}

	res, err := s.verifier.Evaluate(r.Context(), vreq)
	if err != nil {
		s.fail(w, r, start, tn.ID, req.Context, err)
		return
	}

	status := http.StatusOK
	if res.Decision == types.DecisionDeny {
		status = errcode.HTTPStatus(res.Code)
		if status < http.StatusBadRequest {
			status = http.StatusForbidden
		}
	}

	if s.metrics != nil {
		s.metrics.RecordDecision(string(res.Decision), string(res.Code))
		if res.Degraded && !simulate {
			s.metrics.RecordReceiptLost()
		}
	}
	s.recordAudit(r, start, &audit.Event{
		Tenant:    res.Tenant,
		Status:    status,
		Decision:  string(res.Decision),
		Code:      string(res.Code),
		ReceiptID: res.ReceiptID,
		Degraded:  res.Degraded,
		UserHash:  s.fingerprint(res.User),
		AgentHash: s.fingerprint(res.Agent),
	}, req.Context)

	if res.Decision == types.DecisionAllow && res.ReceiptID != "" {
		w.Header().Set("X-ACT-Receipt-Id", res.ReceiptID)
	}

	ts := res.Timestamp
	body := DecisionResponse{
		Decision:       res.Decision,
		Reason:         res.Reason,
		PolicyHash:     res.PolicyHash,
		Timestamp:      &ts,
		IntentVerified: res.IntentVerified,
		Simulation:     res.Simulation,
		Idempotent:     res.Idempotent,
	}
	if res.Decision == types.DecisionDeny {
		body.Code = res.Code
		body.PolicyHash = ""
		body.Timestamp = nil
	} else {
		body.ReceiptID = res.ReceiptID
		body.RemainingBudget = res.Remaining
	}
	writeJSON(w, status, body)
}

// attributeTenant resolves the quota principal: API key first, then the
// token's iss claim on the keyless path.
func (s *Server) attributeTenant(r *http.Request, rawToken string) (*tenant.Tenant, error) {
	if s.tenants == nil {
		return &tenant.Tenant{ID: "default", Tier: "free"}, nil
	}
	tn, err := s.tenants.Authenticate(r)
	if err != nil {
		return nil, err
	}
	if tn != nil {
		return tn, nil
	}

	// Keyless: a decode-only parse surfaces iss without any I/O.
	decoded, err := s.codec.Decode(rawToken)
	if err != nil {
		return nil, err
	}
	if decoded.Payload.Issuer == "" {
		return nil, errcode.New(errcode.MissingIssuer, "token has no iss claim and no API key was presented").
			WithSuggestion("include an iss claim or authenticate with an API key")
	}
	return s.tenants.FreeTier(decoded.Payload.Issuer), nil
}

func (s *Server) revokeHandler(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errcode.Wrap(errcode.InvalidPayload, "request body is not valid JSON", err))
		return
	}
	if req.JTI == "" && req.PolicyID == "" {
		writeError(w, errcode.New(errcode.InvalidPayload, "jti or policy_id is required"))
		return
	}

	if err := s.verifier.Revoke(r.Context(), req.JTI, req.PolicyID); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("revocation recorded",
		zap.String("jti", req.JTI),
		zap.String("policy_id", req.PolicyID),
		zap.String("request_id", requestID(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) receiptHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	signed, ok, err := s.verifier.Receipt(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Valid: false,
			Error: "receipt not found",
			Code:  errcode.InvalidPayload,
		})
		return
	}

	w.Header().Set("Content-Type", "application/jwt")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(signed))
}

func (s *Server) lintPolicyHandler(w http.ResponseWriter, r *http.Request) {
	var req LintPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errcode.Wrap(errcode.InvalidPayload, "request body is not valid JSON", err))
		return
	}
	if len(req.Policy) == 0 {
		writeError(w, errcode.New(errcode.InvalidPayload, "policy is required"))
		return
	}

	if _, err := policy.Lint(req.Policy); err != nil {
		writeError(w, err)
		return
	}
	canon, err := canonical.Canonicalize(req.Policy)
	if err != nil {
		writeError(w, err)
		return
	}
	hash, err := canonical.Hash(req.Policy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LintPolicyResponse{
		Valid:      true,
		Canonical:  canon,
		PolicyHash: hash,
	})
}

func (s *Server) lintTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req LintTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errcode.Wrap(errcode.InvalidPayload, "request body is not valid JSON", err))
		return
	}

	decoded, err := s.codec.Decode(req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := token.ValidatePayload(decoded.Payload); err != nil {
		writeError(w, err)
		return
	}

	canon, err := canonical.Canonicalize(decoded.Payload.PolicyRaw)
	if err != nil {
		writeError(w, err)
		return
	}
	hashOK, err := canonical.VerifyHash(decoded.Payload.PolicyRaw, decoded.Payload.PolicyHash)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LintTokenResponse{
		Valid: true,
		Header: lintHeader{
			Alg: decoded.Header.Alg,
			Kid: decoded.Header.Kid,
			Typ: decoded.Header.Typ,
		},
		Ver:             decoded.Payload.Ver,
		JTI:             decoded.Payload.JTI,
		Issuer:          decoded.Payload.Issuer,
		Exp:             decoded.Payload.Exp,
		PolicyHash:      decoded.Payload.PolicyHash,
		PolicyHashValid: hashOK,
		Canonical:       canon,
		HasIntent:       decoded.Payload.Intent != nil,
	})
}

func (s *Server) jwksHandler(w http.ResponseWriter, r *http.Request) {
	keys := token.JWKS{}
	if s.receipts != nil {
		keys.Keys = append(keys.Keys, token.PublicJWK(s.receipts.KID(), s.receipts.PublicKey()))
	}
	keys.Keys = append(keys.Keys, s.cfg.PublishedIssuerKeys...)
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) usageHandler(w http.ResponseWriter, r *http.Request) {
	if s.tenants == nil || s.limiter == nil {
		writeError(w, errcode.New(errcode.InvalidAPIKey, "usage reporting is not enabled"))
		return
	}
	tn, err := s.tenants.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if tn == nil {
		writeError(w, errcode.New(errcode.InvalidAPIKey, "usage requires an authenticated tenant").
			WithSuggestion("authenticate with an API key"))
		return
	}

	day, month, err := s.limiter.Usage(r.Context(), tn.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{
		Tenant: tn.ID,
		Tier:   tn.Tier,
		Usage:  usageWindow{Day: day, Month: month},
		Quotas: usageQuotas{Daily: tn.Quotas.Daily, Monthly: tn.Quotas.Monthly},
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        s.cfg.Version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) termsHandler(w http.ResponseWriter, r *http.Request) {
	terms := s.cfg.TermsURL
	if terms == "" {
		terms = "Decisions are advisory capability checks, not payment guarantees."
	}
	writeJSON(w, http.StatusOK, map[string]string{"terms": terms})
}

// fail writes a coded error response and records audit and metrics for it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, start time.Time, tenantID string, rc *types.RequestContext, err error) {
	ce := errcode.From(err)
	if s.metrics != nil {
		s.metrics.RecordError(string(ce.Code))
	}
	s.recordAudit(r, start, &audit.Event{
		Tenant: tenantID,
		Status: ce.HTTPStatus(),
		Code:   string(ce.Code),
	}, rc)
	writeError(w, err)
}

// recordAudit fills in the request-level fields and enqueues the event.
func (s *Server) recordAudit(r *http.Request, start time.Time, event *audit.Event, rc *types.RequestContext) {
	if s.auditor == nil {
		return
	}
	event.RequestID = requestID(r.Context())
	event.Method = r.Method
	event.Path = r.URL.Path
	event.IPHash = s.fingerprint(clientIP(r))
	event.LatencyMS = time.Since(start).Milliseconds()
	if rc != nil {
		event.AmountBand = audit.AmountBand(rc.Amount)
	}
	s.auditor.Record(event)
}

func (s *Server) fingerprint(value string) string {
	if s.auditor == nil {
		return ""
	}
	return s.auditor.Fingerprint(value)
}
