package server

import (
	"github.com/prevotnp/Session-Maps/internal/auth"
	"github.com/prevotnp/Session-Maps/internal/config"
	"github.com/prevotnp/Session-Maps/internal/session"
	"github.com/prevotnp/Session-Maps/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	App    *fiber.App
	Cfg    config.Config
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Hub    *stream.Hub
	Store  *session.Store
	Tokens *auth.Service
}

func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	store := session.NewStore(db)
	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     db,
		Redis:  redisClient,
		Store:  store,
		Hub:    stream.NewHub(stream.NewRegistry(), store, redisClient),
		Tokens: auth.NewService(cfg.JWTSecret, db),
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	auth.RegisterRoutes(s.App.Group("/auth"), s.Tokens)
	session.RegisterRoutes(s.App.Group("/sessions"), s.Store, s.Hub, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Hub, s.Tokens)
}
