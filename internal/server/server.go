package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/xandeum/pnode-monitor/internal/metrics"
	"github.com/xandeum/pnode-monitor/internal/models"
	"github.com/xandeum/pnode-monitor/internal/store"
)

// Scheduler is the slice of the ingestor the server needs.
type Scheduler interface {
	TryRefresh(ctx context.Context) bool
	Countdown() int
	State() string
}

// StatsSource fetches endpoint-level statistics from the upstream pRPC
// endpoint.
type StatsSource interface {
	GetStats(ctx context.Context) (*models.NetworkStats, error)
}

// Server manages HTTP and WebSocket connections
type Server struct {
	router             *gin.Engine
	logger             *logrus.Logger
	store              *store.Store
	scheduler          Scheduler
	statsSource        StatsSource
	listenAddr         string
	listenPort         int
	corsAllowedOrigins []string
	httpServer         *http.Server
	wsUpgrader         websocket.Upgrader
	wsClients          map[*WSClient]bool
	wsMu               sync.RWMutex
	broadcast          chan store.View
	stopBroadcast      chan struct{}
	stopOnce           sync.Once
	storeSubID         int
}

// WSClient represents a WebSocket client connection
type WSClient struct {
	conn   *websocket.Conn
	send   chan store.View
	server *Server
	once   sync.Once
}

// NewServer creates a new HTTP server bound to a store and scheduler
func NewServer(
	st *store.Store,
	scheduler Scheduler,
	statsSource StatsSource,
	listenAddr string,
	listenPort int,
	corsAllowedOrigins []string,
	logger *logrus.Logger,
) *Server {
	if logger == nil {
		logger = logrus.New()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	srv := &Server{
		router:             router,
		logger:             logger,
		store:              st,
		scheduler:          scheduler,
		statsSource:        statsSource,
		listenAddr:         listenAddr,
		listenPort:         listenPort,
		corsAllowedOrigins: corsAllowedOrigins,
		wsClients:          make(map[*WSClient]bool),
		broadcast:          make(chan store.View, 16),
		stopBroadcast:      make(chan struct{}),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				for _, allowed := range corsAllowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
	}

	srv.registerRoutes()

	// Fan view changes out to websocket clients
	srv.storeSubID = st.Subscribe(srv.onViewChange)
	go srv.broadcastLoop()

	return srv
}

// registerRoutes sets up all HTTP endpoints
func (s *Server) registerRoutes() {
	s.router.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		for _, allowedOrigin := range s.corsAllowedOrigins {
			if origin == allowedOrigin {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
		metrics.HTTPRequestTotal.WithLabelValues(c.Request.Method, c.FullPath(), strconv.Itoa(c.Writer.Status())).Inc()
	})

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/pnodes", s.handleGetPNodes)
	s.router.GET("/pnodes/:identity", s.handleGetPNode)
	s.router.GET("/stats", s.handleStats)
	s.router.GET("/network", s.handleNetworkStats)
	s.router.POST("/refresh", s.handleRefresh)
	s.router.GET("/updates", s.handleUpdatesWebSocket)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// handleHealth returns service health status
func (s *Server) handleHealth(c *gin.Context) {
	view := s.store.View()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"pnodes_count":      view.TotalCount,
		"last_update":       s.store.LastUpdated(),
		"scheduler_state":   s.scheduler.State(),
		"refresh_countdown": s.scheduler.Countdown(),
		"websocket_clients": s.websocketClientCount(),
	})
}

// handleGetPNodes returns the current filtered, sorted, paginated view.
// Query params status, search, sort, order, page and page_size update the
// view state before it is returned.
func (s *Server) handleGetPNodes(c *gin.Context) {
	update := store.QueryUpdate{}
	touched := false

	if status, ok := c.GetQuery("status"); ok {
		update.Status = &status
		touched = true
	}
	if search, ok := c.GetQuery("search"); ok {
		update.Search = &search
		touched = true
	}
	if raw, ok := c.GetQuery("page"); ok {
		if page, err := strconv.Atoi(raw); err == nil && page >= 0 {
			update.PageIndex = &page
			touched = true
		}
	}
	if raw, ok := c.GetQuery("page_size"); ok {
		if size, err := strconv.Atoi(raw); err == nil && size > 0 {
			update.PageSize = &size
			touched = true
		}
	}

	var view store.View
	sortKey, hasSort := c.GetQuery("sort")
	order, hasOrder := c.GetQuery("order")
	switch {
	case hasSort && hasOrder:
		asc := order != "desc"
		update.SortKey = &sortKey
		update.SortAsc = &asc
		view = s.store.SetQuery(update)
	case hasSort:
		// No explicit direction: reselecting the current column toggles
		s.store.SetSort(sortKey)
		view = s.store.SetQuery(update)
	case touched:
		view = s.store.SetQuery(update)
	default:
		view = s.store.View()
	}

	c.JSON(http.StatusOK, gin.H{
		"view":  view,
		"stats": s.store.Stats(),
	})
}

// handleGetPNode returns one pNode by identity
func (s *Server) handleGetPNode(c *gin.Context) {
	identity := c.Param("identity")
	node, ok := s.store.Node(identity)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("pNode %s not found", identity)})
		return
	}
	c.JSON(http.StatusOK, node)
}

// handleStats returns aggregate statistics and refresh state
func (s *Server) handleStats(c *gin.Context) {
	resp := gin.H{
		"stats":             s.store.Stats(),
		"last_update":       s.store.LastUpdated(),
		"scheduler_state":   s.scheduler.State(),
		"refresh_countdown": s.scheduler.Countdown(),
	}
	if err := s.store.LastError(); err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// handleNetworkStats proxies endpoint-level statistics from the pRPC
// endpoint
func (s *Server) handleNetworkStats(c *gin.Context) {
	if s.statsSource == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "network stats unavailable"})
		return
	}
	stats, err := s.statsSource.GetStats(c.Request.Context())
	if err != nil {
		s.logger.WithError(err).Warn("Failed to fetch network stats")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleRefresh triggers an on-demand refresh cycle. A cycle already in
// flight coalesces the request into a no-op.
func (s *Server) handleRefresh(c *gin.Context) {
	if s.scheduler.TryRefresh(c.Request.Context()) {
		c.JSON(http.StatusAccepted, gin.H{"status": "refresh started"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refresh already in progress"})
}

// handleUpdatesWebSocket upgrades the connection and streams view
// snapshots on every store change
func (s *Server) handleUpdatesWebSocket(c *gin.Context) {
	conn, err := s.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}

	client := &WSClient{
		conn:   conn,
		send:   make(chan store.View, 16),
		server: s,
	}

	s.wsMu.Lock()
	s.wsClients[client] = true
	s.wsMu.Unlock()
	metrics.WebSocketConnectionsActive.Inc()

	s.logger.WithField("client_addr", conn.RemoteAddr()).Info("WebSocket client connected")

	// Send the current view immediately so the client does not wait for
	// the next refresh cycle
	client.send <- s.store.View()

	go client.readPump()
	go client.writePump()
}

// onViewChange is the store subscription callback
func (s *Server) onViewChange(view store.View) {
	select {
	case <-s.stopBroadcast:
	case s.broadcast <- view:
	default:
		s.logger.Warn("Broadcast channel full, dropping view update")
	}
}

// broadcastLoop distributes view snapshots to all connected clients
func (s *Server) broadcastLoop() {
	for {
		select {
		case <-s.stopBroadcast:
			return
		case view := <-s.broadcast:
			s.wsMu.RLock()
			clients := make([]*WSClient, 0, len(s.wsClients))
			for client := range s.wsClients {
				clients = append(clients, client)
			}
			s.wsMu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- view:
				default:
					go s.closeClient(client)
				}
			}
		}
	}
}

// closeClient closes a WebSocket client connection
func (s *Server) closeClient(client *WSClient) {
	s.wsMu.Lock()
	_, present := s.wsClients[client]
	delete(s.wsClients, client)
	s.wsMu.Unlock()

	client.once.Do(func() {
		close(client.send)
		client.conn.Close()
	})

	if present {
		metrics.WebSocketConnectionsActive.Dec()
		s.logger.WithField("client_addr", client.conn.RemoteAddr()).Info("WebSocket client disconnected")
	}
}

func (s *Server) websocketClientCount() int {
	s.wsMu.RLock()
	defer s.wsMu.RUnlock()
	return len(s.wsClients)
}

// readPump reads messages from the WebSocket client
func (c *WSClient) readPump() {
	defer func() {
		c.server.closeClient(c)
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}
}

// writePump writes view snapshots to the WebSocket client
func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case view, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(view); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.listenAddr, s.listenPort)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.logger.WithField("address", addr).Info("Starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the HTTP server and halts broadcasting
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.store.Unsubscribe(s.storeSubID)
		close(s.stopBroadcast)
	})
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
