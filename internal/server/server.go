package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"RangeLedger/internal/core"
	"RangeLedger/internal/observability"
)

// Server wires the HTTP surface around the engine.
type Server struct {
	engine *core.Engine
	router *gin.Engine
	http   *http.Server
	log    zerolog.Logger
}

func New(engine *core.Engine, store *PrincipalStore, metrics *observability.Metrics, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ErrorHandler())

	s := &Server{
		engine: engine,
		router: router,
		http: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: observability.NewLogger("server"),
	}

	positions := NewPositionHandler(engine, metrics)
	admin := NewAdminHandler(engine)

	v1 := router.Group("/v1", AuthMiddleware(store))
	{
		v1.POST("/positions", positions.Open)
		v1.GET("/positions/:id", positions.GetPosition)
		v1.DELETE("/positions/:id", positions.Close)
		v1.DELETE("/positions/:id/emergency", positions.EmergencyClose)
		v1.PUT("/positions/:id/protection", positions.SetProtection)
		v1.PUT("/positions/:id/pause", positions.SetPause)
		v1.POST("/positions/:id/rebalance", positions.Rebalance)
		v1.GET("/positions/:id/eligibility", positions.Eligibility)
		v1.GET("/positions/:id/actions", positions.ActionsToday)
		v1.GET("/owners/:owner/positions", positions.ListOwnerPositions)

		v1.GET("/admin/params", admin.GetParams)
		v1.PUT("/admin/params", admin.UpdateParams)
		v1.POST("/admin/breaker/trip", admin.TripBreaker)
		v1.POST("/admin/breaker/release", admin.ReleaseBreaker)
		v1.GET("/admin/status", admin.Status)
	}

	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until ListenAndServe fails. Callers run this in a goroutine and
// pair it with Shutdown.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
