// Package httpapi assembles the Echo application serving the websocket relay
// and the observability endpoints.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"roomdrop/internal/core"
	"roomdrop/internal/protocol"
	"roomdrop/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application.
type Server struct {
	echo  *echo.Echo
	relay *core.Relay
}

// New constructs an Echo app with websocket + REST routes.
func New(relay *core.Relay) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, relay: relay}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	ws.NewHandler(s.relay).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Rooms   int    `json:"rooms"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Rooms:   s.relay.RoomCount(),
		Clients: s.relay.ClientCount(),
	})
}

type roomState struct {
	RoomID     string            `json:"room_id"`
	Members    []protocol.Member `json:"members"`
	HistoryLen int               `json:"history_len"`
}

type stateResponse struct {
	Rooms []roomState `json:"rooms"`
}

func (s *Server) handleState(c echo.Context) error {
	ids := s.relay.RoomIDs()
	rooms := make([]roomState, 0, len(ids))
	for _, id := range ids {
		members := s.relay.MembersOf(id)
		if members == nil {
			members = []protocol.Member{}
		}
		rooms = append(rooms, roomState{
			RoomID:     id,
			Members:    members,
			HistoryLen: len(s.relay.Snapshot(id)),
		})
	}
	return c.JSON(http.StatusOK, stateResponse{Rooms: rooms})
}
