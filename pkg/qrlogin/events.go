package qrlogin

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{}

type eventsHello struct {
	KCSession string `json:"kc_session"`
	QRSession string `json:"qr_session"`
	Timestamp string `json:"timestamp"`
}

// EventsEndpoint pushes status changes to the primary device over a
// websocket, sparing it the poll loop. Authentication matches the status
// endpoint: timestamp freshness plus the caller's own login context id. The
// socket closes after a terminal state or when the session disappears.
func (s *Server) EventsEndpoint(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	var hello eventsHello
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := ws.ReadJSON(&hello); err != nil {
		return nil
	}
	if hello.KCSession == "" || hello.QRSession == "" {
		ws.WriteJSON(echo.Map{"error": errQRNotFound})
		return nil
	}
	if err := s.signer.ValidateTimestamp(hello.Timestamp); err != nil {
		ws.WriteJSON(echo.Map{"error": errQRNotFound})
		return nil
	}

	ctx := c.Request().Context()
	interval := time.Duration(s.cfg.PollIntervalMillis) * time.Millisecond / 3
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastStatus Status
	for {
		session, err := s.store.Get(ctx, hello.QRSession)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				ws.WriteJSON(echo.Map{"status": StatusExpired, "url": ""})
			}
			return nil
		}
		if session.LoginContextID != hello.KCSession {
			ws.WriteJSON(echo.Map{"error": errQRNotFound})
			return nil
		}

		if session.Status != lastStatus {
			lastStatus = session.Status
			if err := ws.WriteJSON(statusResponse(session)); err != nil {
				return nil
			}
			slog.Debug("pushed qr status", "qr_session", session.ID, "status", session.Status)
		}

		if session.Status == StatusConfirmed || session.Status == StatusConsumed || session.Status == StatusExpired {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
