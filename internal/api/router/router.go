package router

import (
	"github.com/cuongbtq/recipe-be/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(ShutdownMiddleware(deps.Shutdown))
	r.Use(CORSMiddleware(deps.Origins))

	healthHandler := handler.NewHealthHandler(deps)
	recipeHandler := handler.NewRecipeHandler(deps)

	r.GET("/health", healthHandler.Health)

	authenticated := AuthMiddleware(deps.Auth, deps.Logger)

	recipes := r.Group("/recipe")
	{
		// POST /recipe/generate - Queue recipe generation for an image
		recipes.POST("/generate", authenticated, RateLimitMiddleware(deps.RateLimit), recipeHandler.GenerateRecipes)

		// GET /recipe/events/:userId - Stream results to the user
		recipes.GET("/events/:userId", StreamAuthMiddleware(deps.Auth, deps.Logger), recipeHandler.Events)

		// GET /recipe/generations - List the caller's generation history
		recipes.GET("/generations", authenticated, recipeHandler.ListGenerations)
	}

	return r
}
