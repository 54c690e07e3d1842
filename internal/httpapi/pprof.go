package httpapi

import (
	"net/http/pprof"

	"github.com/gin-gonic/gin"
)

// mountPprof exposes the runtime profiles under /debug/pprof. They sit
// behind the same bearer auth as /v1 when a secret is configured.
func mountPprof(r *gin.Engine, secret string) {
	g := r.Group("/debug/pprof")
	if secret != "" {
		g.Use(bearerAuth(secret))
	}
	g.GET("/", gin.WrapF(pprof.Index))
	g.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	g.GET("/profile", gin.WrapF(pprof.Profile))
	g.GET("/symbol", gin.WrapF(pprof.Symbol))
	g.POST("/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/trace", gin.WrapF(pprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		g.GET("/"+name, gin.WrapH(pprof.Handler(name)))
	}
}
