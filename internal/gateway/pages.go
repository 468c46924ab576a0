package gateway

import (
	"embed"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/railgate/railgate/pkg/routeguard"
)

// Page routes rendered from the single embedded shell. The SPA takes over
// client-side once the shell loads; the guard decides before any of them is
// served.
var pagePaths = []string{
	"/",
	"/login",
	"/register",
	"/schedules",
	"/seat-selection",
	"/seats",
	"/passenger-info",
	"/payment",
	"/payment-success",
	"/booking-history",
}

// MountPages registers the guarded page routes over the embedded app shell.
func MountPages(router gin.IRouter, guard *routeguard.Guard, filesystem embed.FS) {
	group := router.Group("/", guard.GinMiddleware())
	for _, path := range pagePaths {
		group.GET(path, func(contextGin *gin.Context) {
			serveAppShell(contextGin, filesystem)
		})
	}
}

func serveAppShell(contextGin *gin.Context, filesystem embed.FS) {
	data, readErr := filesystem.ReadFile("app.html")
	if readErr != nil {
		contextGin.AbortWithStatus(http.StatusNotFound)
		return
	}
	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "text/html; charset=utf-8", data)
}
