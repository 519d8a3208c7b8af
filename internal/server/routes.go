package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/bcnet/internal/auth"
	"github.com/danmuck/bcnet/internal/peer"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type connectionView struct {
	ID        uint16    `json:"id"`
	TypeID    uint8     `json:"type_id"`
	Type      string    `json:"type"`
	Address   string    `json:"address"`
	Sleep     uint8     `json:"sleep"`
	CreatedAt time.Time `json:"created_at"`
}

func viewOf(e peer.Entry) connectionView {
	return connectionView{
		ID:        e.ID,
		TypeID:    e.TypeID,
		Type:      e.TypeName,
		Address:   e.Address.String(),
		Sleep:     e.Sleep,
		CreatedAt: e.CreatedAt,
	}
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"node":        a.id,
			"uptime":      time.Since(a.startedAt).Round(time.Second).String(),
			"service":     "bcnetd",
			"version":     a.version,
			"sessions":    a.peer.Sessions(),
			"connections": a.peer.Table().Len(),
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))

	a.router.GET("/connections", func(c *gin.Context) {
		entries := a.peer.Table().Snapshot()
		out := make([]connectionView, 0, len(entries))
		for _, e := range entries {
			out = append(out, viewOf(e))
		}
		c.JSON(http.StatusOK, out)
	})

	a.router.GET("/connections/:id", func(c *gin.Context) {
		id, ok := connID(c)
		if !ok {
			return
		}
		for _, e := range a.peer.Table().Snapshot() {
			if e.ID == uint16(id) {
				c.JSON(http.StatusOK, viewOf(e))
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "no such connection"})
	})

	a.router.DELETE("/connections/:id", a.requireToken(), func(c *gin.Context) {
		id, ok := connID(c)
		if !ok {
			return
		}
		if status := a.peer.Table().End(id); status != peer.StatusOK {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such connection"})
			return
		}
		log.Info().Msgf("server.Admin ended connection id=%d node=%s", id, a.id)
		c.JSON(http.StatusOK, gin.H{"status": "ended", "id": id})
	})
}

func (a *Admin) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := auth.BearerToken(c.GetHeader("Authorization"))
		if err := a.tokens.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func connID(c *gin.Context) (uint16, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid id %q", c.Param("id"))})
		return 0, false
	}
	return uint16(id), true
}
