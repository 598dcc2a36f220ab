package router

import (
	"github.com/gin-gonic/gin"

	"github.com/kevinreber/pixel-studio-sub001/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	generationHandler := handler.NewGenerationHandler(deps)

	// Health check endpoint
	r.GET("/health", generationHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		generations := v1.Group("/generations")
		{
			// POST /api/v1/generations - Enqueue a generation job
			generations.POST("", generationHandler.CreateGeneration)

			// GET /api/v1/generations/:request_id/status - Poll job status
			generations.GET("/:request_id/status", generationHandler.GetStatus)

			// GET /api/v1/generations/:request_id/subscribe - Stream job status
			generations.GET("/:request_id/subscribe", generationHandler.Subscribe)
		}

		// POST /api/v1/queue/callback - Delivery service processing callback
		v1.POST("/queue/callback", generationHandler.Callback)
	}

	return r
}
