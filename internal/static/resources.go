package static

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	pathpkg "path"
	"strings"

	"github.com/tariel-x/edupay/internal/config"

	"github.com/gin-gonic/gin"
)

const (
	distDir               = "dist"
	apiAddressPlaceholder = `window.API_ADDRESS=""`
)

//go:embed all:dist
var distFiles embed.FS

// RegisterUIRoutes serves the PWA manifest and the app shell. Unknown
// non-API paths fall back to index.html.
func RegisterUIRoutes(router *gin.Engine, cfg *config.Config) {
	distFS, err := fs.Sub(distFiles, distDir)
	if err != nil {
		router.NoRoute(func(c *gin.Context) {
			c.String(http.StatusServiceUnavailable, "UI bundle is missing")
		})
		return
	}

	router.GET("/manifest.json", serveManifest(distFS))
	// Gin can't combine a root catch-all with top-level routes like /api.
	router.NoRoute(newUIHandler(distFS, cfg))
}

func serveManifest(distFS fs.FS) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := fs.ReadFile(distFS, "manifest.json")
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		c.Header("Cache-Control", "no-cache")
		c.Data(http.StatusOK, "application/manifest+json", data)
	}
}

func newUIHandler(distFS fs.FS, cfg *config.Config) gin.HandlerFunc {
	fileServer := http.FileServer(http.FS(distFS))

	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}

		// Normalize path and prevent path traversal attempts.
		requestPath := strings.TrimPrefix(pathpkg.Clean("/"+c.Request.URL.Path), "/")
		if requestPath == "" || requestPath == "index.html" || strings.HasPrefix(requestPath, "..") {
			serveIndex(c, distFS, cfg)
			return
		}

		info, err := fs.Stat(distFS, requestPath)
		if err != nil || info.IsDir() {
			serveIndex(c, distFS, cfg)
			return
		}

		c.Request.URL.Path = "/" + requestPath
		fileServer.ServeHTTP(c.Writer, c.Request)
		c.Abort()
	}
}

func serveIndex(c *gin.Context, distFS fs.FS, cfg *config.Config) {
	content, err := fs.ReadFile(distFS, "index.html")
	if err != nil {
		c.String(http.StatusServiceUnavailable, "UI entrypoint not found")
		return
	}

	html := strings.Replace(string(content), apiAddressPlaceholder, fmt.Sprintf("window.API_ADDRESS=%q", resolveAPIAddress(cfg)), 1)

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	if c.Request.Method == http.MethodHead {
		c.Status(http.StatusOK)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

func resolveAPIAddress(cfg *config.Config) string {
	if cfg != nil && cfg.HTTPOnly && cfg.FrontendURI != "" {
		return cfg.FrontendURI
	}
	return ""
}
