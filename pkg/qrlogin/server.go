// Package qrlogin implements the cross-device QR login handoff: a pending
// browser login on a primary device is completed by an already-authenticated
// secondary device scanning and confirming a QR session. Every state-changing
// request is authenticated with a timestamp-windowed HMAC signature.
package qrlogin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gematik/qrlogin-lab/pkg/broker"
	"github.com/gematik/qrlogin-lab/pkg/nonce"
	"github.com/gematik/qrlogin-lab/pkg/qrlogin/introspect"
	"github.com/gematik/qrlogin-lab/pkg/qrlogin/signature"
	"github.com/labstack/echo/v4"
	"github.com/segmentio/ksuid"
)

// uniform rejection message for every mutating-operation failure, so an
// unauthenticated caller cannot probe session existence or signature validity
const errQRNotFound = "qr not found"

type Option func(*Server) error

type Server struct {
	cfg          *Config
	store        SessionStore
	signer       *signature.Signer
	tokens       introspect.Validator
	broker       broker.Broker
	nonces       nonce.Service
	baseURL      string
	alg          signature.Algorithm
	introspectTO time.Duration
	now          func() time.Time
}

func NewServer(opts ...Option) (*Server, error) {
	s := &Server{
		now:          time.Now,
		introspectTO: 5 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.cfg == nil {
		return nil, errors.New("qrlogin: configuration is required")
	}
	if s.store == nil {
		return nil, errors.New("qrlogin: session store is required")
	}
	if s.tokens == nil {
		return nil, errors.New("qrlogin: token validator is required")
	}
	if s.broker == nil {
		return nil, errors.New("qrlogin: broker is required")
	}
	if s.nonces == nil {
		nonces, err := nonce.NewHashicorpNonceService()
		if err != nil {
			return nil, err
		}
		s.nonces = nonces
	}
	alg, err := signature.ParseAlgorithm(s.cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	s.alg = alg
	if s.signer == nil {
		s.signer, err = signature.New(signature.Config{
			Secret:     s.cfg.HMACSecret,
			Algorithm:  alg,
			TimeWindow: s.cfg.TimeWindow(),
		})
		if err != nil {
			return nil, err
		}
	}
	if s.baseURL == "" {
		s.baseURL = strings.TrimSuffix(s.cfg.BaseURL, "/")
	}

	return s, nil
}

func ErrorLogMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			slog.Error("request failed", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
		}
		return err
	}
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.Use(ErrorLogMiddleware)
	group.GET("/qr/new", s.InitiateEndpoint)
	group.POST("/qr/scan", s.ScanEndpoint)
	group.POST("/qr/confirm", s.ConfirmEndpoint)
	group.GET("/qr/status", s.StatusEndpoint)
	group.GET("/qr/events", s.EventsEndpoint)
	group.GET("/qr/callback", s.CallbackEndpoint)
}

// qrPayload is the structured blob encoded into the QR image by the login
// page. The scanning device fills the token, timestamp and sign placeholders
// before posting to the scan and confirm endpoints.
type qrPayload struct {
	Type      string `json:"type"`
	BaseURL   string `json:"baseUrl"`
	QRSession string `json:"qr_session"`
	KCSession string `json:"kc_session"`
	Algorithm string `json:"algorithm"`
	Token     string `json:"token"`
	Sign      string `json:"sign"`
	TTL       int    `json:"ttl"`
	Timestamp string `json:"timestamp"`
	ExpiredAt int64  `json:"expiredAt"`
}

// InitiateEndpoint starts a handoff for the primary device: registers a
// pending login with the hosting broker, stores a fresh PENDING session and
// returns the QR payload plus polling instructions.
func (s *Server) InitiateEndpoint(c echo.Context) error {
	ctx := c.Request().Context()

	login, err := s.broker.BeginLogin(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to begin login")
	}

	now := s.now()
	session := &Session{
		ID:             ksuid.New().String(),
		Status:         StatusPending,
		LoginContextID: login.ContextID,
		CreatedAt:      now,
		ExpireAt:       now.Add(s.cfg.SessionTTL()),
		LoginRef:       login,
	}

	if err := s.store.Put(ctx, session); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to store session")
	}

	statusURL := s.baseURL + "/qr/status?" + url.Values{
		"qr_session": {session.ID},
		"kc_session": {session.LoginContextID},
	}.Encode()

	payload := qrPayload{
		Type:      "qr_login",
		BaseURL:   s.baseURL + "/qr/",
		QRSession: session.ID,
		KCSession: session.LoginContextID,
		Algorithm: s.alg.JCAName(),
		TTL:       s.cfg.SessionTTLSeconds,
		ExpiredAt: session.ExpireAt.UnixMilli(),
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to encode payload")
	}

	slog.Info("qr session created", "qr_session", session.ID, "kc_session", session.LoginContextID, "expire_at", session.ExpireAt)

	return c.JSON(http.StatusOK, echo.Map{
		"qr_session": session.ID,
		"kc_session": session.LoginContextID,
		"qr_payload": string(payloadJSON),
		"status_url": statusURL,
		"ttl":        s.cfg.SessionTTLSeconds,
		"interval":   s.cfg.PollIntervalMillis,
	})
}

type mutatingRequest struct {
	KCSession string `json:"kc_session"`
	QRSession string `json:"qr_session"`
	Token     string `json:"token"`
	Timestamp string `json:"timestamp"`
	Sign      string `json:"sign"`
}

// validateMutatingRequest runs the shared checks of scan and confirm:
// signature and timestamp, session lookup, login-context match and token
// introspection. Any failure maps to the one generic rejection.
func (s *Server) validateMutatingRequest(c echo.Context) (*mutatingRequest, *Session, *introspect.Identity, error) {
	req := new(mutatingRequest)
	if err := c.Bind(req); err != nil {
		return nil, nil, nil, errors.New("malformed request body")
	}
	if req.KCSession == "" || req.QRSession == "" || req.Token == "" || req.Timestamp == "" || req.Sign == "" {
		return nil, nil, nil, errors.New("missing required fields")
	}

	params := map[string]string{
		"qr_session": req.QRSession,
		"kc_session": req.KCSession,
		"token":      req.Token,
		"timestamp":  req.Timestamp,
		"sign":       req.Sign,
	}
	if err := s.signer.Verify(params); err != nil {
		return nil, nil, nil, err
	}

	ctx := c.Request().Context()
	session, err := s.store.Get(ctx, req.QRSession)
	if err != nil {
		return nil, nil, nil, err
	}
	if session.LoginContextID != req.KCSession {
		return nil, nil, nil, errors.New("login context mismatch")
	}

	introspectCtx, cancel := context.WithTimeout(ctx, s.introspectTO)
	defer cancel()
	identity, err := s.tokens.Validate(introspectCtx, req.Token)
	if err != nil {
		return nil, nil, nil, err
	}

	return req, session, identity, nil
}

// ScanEndpoint transitions PENDING -> SCANNED on behalf of the secondary
// device. Responds 200 with an error body on rejection; thin mobile clients
// only ever parse one response shape.
func (s *Server) ScanEndpoint(c echo.Context) error {
	_, session, _, err := s.validateMutatingRequest(c)
	if err != nil {
		slog.Warn("scan rejected", "error", err, "remote_addr", c.RealIP())
		return c.JSON(http.StatusOK, echo.Map{"error": errQRNotFound})
	}
	if session.Status != StatusPending {
		slog.Warn("scan rejected: not pending", "qr_session", session.ID, "status", session.Status)
		return c.JSON(http.StatusOK, echo.Map{"error": errQRNotFound})
	}

	// the transition carries the precondition; the read above only filters
	// the obvious cases early. A racer that lost between read and transition
	// gets the same rejection as everyone else.
	scanned, err := s.store.SetScanned(c.Request().Context(), session.ID)
	if err != nil || !scanned {
		slog.Warn("scan rejected: lost transition", "qr_session", session.ID, "error", err)
		return c.JSON(http.StatusOK, echo.Map{"error": errQRNotFound})
	}

	slog.Info("qr session scanned", "qr_session", session.ID)
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// ConfirmEndpoint transitions SCANNED -> CONFIRMED: generates the signed
// one-time callback URL, attaches it and the identity claims.
func (s *Server) ConfirmEndpoint(c echo.Context) error {
	req, session, identity, err := s.validateMutatingRequest(c)
	if err != nil {
		slog.Warn("confirm rejected", "error", err, "remote_addr", c.RealIP())
		return c.JSON(http.StatusOK, echo.Map{"error": errQRNotFound})
	}
	if session.Status != StatusScanned {
		slog.Warn("confirm rejected: not scanned", "qr_session", session.ID, "status", session.Status)
		return c.JSON(http.StatusOK, echo.Map{"error": errQRNotFound})
	}

	callbackURL, err := s.buildCallbackURL(session, req.Token)
	if err != nil {
		slog.Error("unable to build callback url", "error", err, "qr_session", session.ID)
		return c.JSON(http.StatusOK, echo.Map{"error": errQRNotFound})
	}

	// URL and claims land atomically with the transition: when confirms race,
	// exactly one URL is stored and every loser is told so here, regardless
	// of how the pre-transition read went.
	confirmed, err := s.store.SetConfirmed(c.Request().Context(), session.ID, Identity{
		Subject:  identity.Subject,
		Username: identity.Username,
		Email:    identity.Email,
	}, callbackURL)
	if err != nil || !confirmed {
		slog.Warn("confirm rejected: lost transition", "qr_session", session.ID, "error", err)
		return c.JSON(http.StatusOK, echo.Map{"error": errQRNotFound})
	}

	slog.Info("qr session confirmed", "qr_session", session.ID, "subject", identity.Subject)
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// buildCallbackURL signs a fresh parameter set including a one-time nonce.
// The signature binds session, login context, token, nonce and timestamp.
func (s *Server) buildCallbackURL(session *Session, token string) (string, error) {
	nonceStr, err := s.nonces.Get()
	if err != nil {
		return "", err
	}

	params := map[string]string{
		"qr_session": session.ID,
		"kc_session": session.LoginContextID,
		"token":      token,
		"nonce":      nonceStr,
		"timestamp":  strconv.FormatInt(s.now().Unix(), 10),
	}
	sign, err := s.signer.Sign(params)
	if err != nil {
		return "", err
	}

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("sign", sign)

	return s.baseURL + "/qr/callback?" + query.Encode(), nil
}

// StatusEndpoint serves the primary device's poll loop. Authentication is
// timestamp freshness plus the caller's own login context id; polling is too
// frequent to pay for a full signature on every tick.
func (s *Server) StatusEndpoint(c echo.Context) error {
	kcSession := c.QueryParam("kc_session")
	qrSession := c.QueryParam("qr_session")
	timestamp := c.QueryParam("timestamp")
	if kcSession == "" || qrSession == "" || timestamp == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := s.signer.ValidateTimestamp(timestamp); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	session, err := s.store.Get(c.Request().Context(), qrSession)
	if err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	if session.LoginContextID != kcSession {
		return c.NoContent(http.StatusForbidden)
	}

	return c.JSON(http.StatusOK, statusResponse(session))
}

func statusResponse(session *Session) echo.Map {
	url := ""
	if session.Status == StatusConfirmed {
		url = session.ResponseURL
	}
	return echo.Map{
		"status": session.Status,
		"url":    url,
	}
}

// CallbackEndpoint completes the handoff: the primary device follows the
// signed callback URL it observed in a CONFIRMED status response. The nonce
// makes the URL single-use; the session ends in CONSUMED. Every failure is a
// plain 404.
func (s *Server) CallbackEndpoint(c echo.Context) error {
	params := map[string]string{
		"qr_session": c.QueryParam("qr_session"),
		"kc_session": c.QueryParam("kc_session"),
		"token":      c.QueryParam("token"),
		"nonce":      c.QueryParam("nonce"),
		"timestamp":  c.QueryParam("timestamp"),
		"sign":       c.QueryParam("sign"),
	}
	for _, v := range params {
		if v == "" {
			return c.NoContent(http.StatusNotFound)
		}
	}

	if err := s.signer.Verify(params); err != nil {
		slog.Warn("callback rejected: bad signature", "error", err, "remote_addr", c.RealIP())
		return c.NoContent(http.StatusNotFound)
	}

	ctx := c.Request().Context()
	session, err := s.store.Get(ctx, params["qr_session"])
	if err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	if session.LoginContextID != params["kc_session"] || session.Status != StatusConfirmed {
		return c.NoContent(http.StatusNotFound)
	}

	introspectCtx, cancel := context.WithTimeout(ctx, s.introspectTO)
	defer cancel()
	identity, err := s.tokens.Validate(introspectCtx, params["token"])
	if err != nil {
		slog.Warn("callback rejected: token validation failed", "error", err, "qr_session", session.ID)
		return c.NoContent(http.StatusNotFound)
	}

	// the nonce is redeemed last: a transient failure in any check above
	// leaves the URL intact, so the primary device can retry instead of the
	// session being stranded until expiry
	if err := s.nonces.Redeem(params["nonce"]); err != nil {
		slog.Warn("callback rejected: nonce already redeemed", "qr_session", session.ID)
		return c.NoContent(http.StatusNotFound)
	}

	if err := s.broker.Authenticated(ctx, session.LoginContextID, broker.Identity{
		Subject:  identity.Subject,
		Username: identity.Username,
		Email:    identity.Email,
	}); err != nil {
		slog.Error("broker handoff failed", "error", err, "qr_session", session.ID)
		return c.NoContent(http.StatusNotFound)
	}

	if consumed, err := s.store.SetConsumed(ctx, session.ID); err != nil || !consumed {
		slog.Error("unable to mark session consumed", "error", err, "qr_session", session.ID)
	}

	slog.Info("login handoff completed", "qr_session", session.ID, "kc_session", session.LoginContextID, "subject", identity.Subject)
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}
