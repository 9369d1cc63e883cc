package http

import (
	"github.com/gin-gonic/gin"
	"github.com/liangchen812/walletsync/internal/config"
	"github.com/liangchen812/walletsync/internal/service"
	"github.com/liangchen812/walletsync/internal/syncer"
	"go.uber.org/zap"
)

func NewRouter(svc *service.TransactionService, coord *syncer.Coordinator, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, coord)
	return r
}
