package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only and served on the local network.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

// Handler builds the status API. logs and feed are optional.
func Handler(status *Status, logs *LogBuffer, feed *FixFeed, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), requestLog(logger))

	api := r.Group("/api")
	api.GET("/status", func(c *gin.Context) {
		c.IndentedJSON(http.StatusOK, status.Snapshot(time.Now().UTC()))
	})
	api.GET("/fix.geojson", func(c *gin.Context) {
		snap := status.Snapshot(time.Now().UTC())
		if snap.Fix == nil || snap.Fix.Lat == nil || snap.Fix.Lon == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no fix yet"})
			return
		}
		f := geojson.NewFeature(orb.Point{*snap.Fix.Lon, *snap.Fix.Lat})
		f.Properties["time_utc"] = snap.Fix.TimeUTC
		f.Properties["quality"] = snap.Fix.Quality
		f.Properties["quality_label"] = snap.Fix.QualityLabel
		f.Properties["satellites"] = snap.Fix.Satellites
		b, err := f.MarshalJSON()
		if err != nil {
			c.String(http.StatusInternalServerError, "marshal failed")
			return
		}
		c.Data(http.StatusOK, "application/geo+json", b)
	})
	if logs != nil {
		api.GET("/logs", logs.handle)
	}
	if feed != nil {
		r.GET("/ws", feed.serveWS(logger))
	}

	r.GET("/", func(c *gin.Context) {
		snap := status.Snapshot(time.Now().UTC())
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(
			"<!doctype html><html><head><meta charset=\"utf-8\"><title>gnss-bridge</title></head><body>"+
				"<h1>gnss-bridge</h1><p>See <a href=\"/api/status\">/api/status</a>.</p>"+
				"<pre>device=%s\nuptime_sec=%d</pre></body></html>",
			snap.Device, snap.UptimeSec,
		)))
	})
	return r
}

func requestLog(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"dur", time.Since(start),
		)
	}
}

func (b *FixFeed) serveWS(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "remote", c.ClientIP(), "err", err)
			return
		}
		defer conn.Close()

		id, ch := b.Subscribe(4)
		defer b.Unsubscribe(id)

		// Drain client frames so close and ping control messages are handled.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						logger.Debug("websocket closed", "err", err)
					}
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case v, ok := <-ch:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(time.Second))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(v); err != nil {
					return
				}
			}
		}
	}
}

// ServeListener runs the HTTP server on ln until ctx is cancelled.
func ServeListener(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
