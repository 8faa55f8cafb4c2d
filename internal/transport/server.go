// Package transport implements the Transport (C1) HTTP surface: the gin
// router exposing /auth, /rpc, /gossip/pull, /gossip/push, /lp/{client_id},
// /lp/{client_id}/push, /health, /metrics (spec §6), and the pooled
// outbound client the gossip registry and dispatcher use to reach peers.
// Grounded on cmd/api/main.go's gin.Default() + middleware chain shape and
// internal/consensus/transport/rpc.go's per-peer client pooling pattern.
package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meshforge/fabricd/internal/auth"
	"github.com/meshforge/fabricd/internal/config"
	ferrors "github.com/meshforge/fabricd/internal/errors"
	"github.com/meshforge/fabricd/internal/fabric"
	"github.com/meshforge/fabricd/internal/mailbox"
	"github.com/meshforge/fabricd/internal/middleware"
	"github.com/meshforge/fabricd/pkg/metrics"
)

// GossipView is the slice of the gossip registry the server exposes over
// HTTP.
type GossipView interface {
	Summary() map[string]uint64
	RecordsNewerThan(theirSummary map[string]uint64) map[string]fabric.NodeRecord
	Merge(incoming map[string]fabric.NodeRecord) []string
	SelfRecord() fabric.NodeRecord
}

// Mailbox is the slice of the long-poll mailbox (C6) the server exposes.
type Mailbox interface {
	PollSince(ctx context.Context, clientID string, afterID uint64) []mailbox.Message
	Push(clientID, sender string, payload any) mailbox.Message
}

// Dispatcher handles one RPC envelope and returns its result or an error.
type Dispatcher interface {
	Dispatch(ctx context.Context, callerRole fabric.Role, method string, params json.RawMessage) (any, error)
}

// Config carries the pieces needed to wire the router.
type Config struct {
	Auth       *auth.Service
	Gossip     GossipView
	Mailbox    Mailbox
	Dispatcher Dispatcher
	Logger     *zap.Logger
	LongPoll   time.Duration
	Metrics    *metrics.Metrics
	RateLimit  config.RateLimitConfig
}

// Server wraps the gin engine implementing the fabric's wire protocol.
type Server struct {
	engine *gin.Engine
	cfg    Config
}

func NewServer(cfg Config) *Server {
	if cfg.LongPoll <= 0 {
		cfg.LongPoll = 60 * time.Second
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RateLimit(cfg.RateLimit, cfg.Metrics))

	s := &Server{engine: engine, cfg: cfg}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.POST("/auth", s.handleAuth)

	authed := s.engine.Group("")
	authed.Use(middleware.Auth(s.cfg.Auth))
	authed.POST("/rpc", s.handleRPC)
	authed.GET("/gossip/pull", s.handleGossipPull)
	authed.POST("/gossip/push", s.handleGossipPush)
	authed.GET("/lp/:client_id", s.handleLongPollGet)
	authed.POST("/lp/:client_id/push", s.handleLongPollPush)
}

func (s *Server) handleHealth(c *gin.Context) {
	self := s.cfg.Gossip.SelfRecord()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"node_id":           self.NodeID,
		"role":              self.Role,
		"heartbeat_version": self.HeartbeatVersion,
		"services":          self.Services,
	})
}

type handshakeRequest struct {
	NodeID    string `json:"node_id"`
	Role      string `json:"role"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"` // hex-encoded ed25519 signature over node_id+nonce
}

func (s *Server) handleAuth(c *gin.Context) {
	var req handshakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, ferrors.NewBadRequest("malformed handshake request"))
		return
	}

	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		writeError(c, ferrors.NewAuthInvalid("signature is not valid hex"))
		return
	}
	challenge := auth.HandshakeChallenge(req.NodeID + req.Nonce)
	if err := s.cfg.Auth.VerifyHandshake(req.NodeID, challenge, sig); err != nil {
		writeError(c, err)
		return
	}

	token, err := s.cfg.Auth.IssueToken(req.NodeID, fabric.Role(req.Role))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

type rpcErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleRPC(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, ferrors.NewBadRequest("malformed rpc envelope"))
		return
	}

	// spec S5: an auth failure on /rpc surfaces as the envelope's own
	// error field with HTTP 200, not a transport-level rejection.
	if authErr, ok := middleware.GetAuthError(c); ok {
		s.writeRPCError(c, req.ID, authErr)
		return
	}

	role, _ := middleware.GetRole(c)
	result, err := s.cfg.Dispatcher.Dispatch(c.Request.Context(), role, req.Method, req.Params)
	if err != nil {
		s.writeRPCError(c, req.ID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "id": req.ID})
}

// writeRPCError renders err as the RPC envelope's error field with HTTP
// 200 (spec §4.1: `/rpc` errors are taxonomic, carried in the body, not
// the transport status line) and counts revocation denials.
func (s *Server) writeRPCError(c *gin.Context, id string, err error) {
	fe, ok := ferrors.As(err)
	if !ok {
		fe = ferrors.NewInternal(err.Error())
	}
	if fe.Code == ferrors.AuthRevoked && s.cfg.Metrics != nil {
		s.cfg.Metrics.IncAuthRevokedDenial()
	}
	c.JSON(http.StatusOK, gin.H{
		"error": rpcErrorBody{Code: string(fe.Code), Message: fe.Message},
		"id":    id,
	})
}

// handleGossipPull serves GET /gossip/pull?since=<vector>: the caller's
// JSON-encoded {node_id -> heartbeat_version} summary arrives in the
// query string, and the response carries every record newer than it plus
// this node's own summary for the push-back leg.
func (s *Server) handleGossipPull(c *gin.Context) {
	summary := map[string]uint64{}
	if since := c.Query("since"); since != "" {
		if err := json.Unmarshal([]byte(since), &summary); err != nil {
			writeError(c, ferrors.NewBadRequest("malformed since vector"))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"records": s.cfg.Gossip.RecordsNewerThan(summary),
		"summary": s.cfg.Gossip.Summary(),
	})
}

type gossipPushRequest struct {
	Records map[string]fabric.NodeRecord `json:"records"`
}

func (s *Server) handleGossipPush(c *gin.Context) {
	var req gossipPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, ferrors.NewBadRequest("malformed gossip push body"))
		return
	}
	s.cfg.Gossip.Merge(req.Records)
	c.JSON(http.StatusOK, gin.H{"merged": len(req.Records)})
}

func (s *Server) handleLongPollGet(c *gin.Context) {
	clientID := c.Param("client_id")
	lastID, _ := strconv.ParseUint(c.Query("last_id"), 10, 64)
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.LongPoll)
	defer cancel()
	messages := s.cfg.Mailbox.PollSince(ctx, clientID, lastID)
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type longPollPushRequest struct {
	Sender  string          `json:"sender"`
	Message json.RawMessage `json:"message"`
}

func (s *Server) handleLongPollPush(c *gin.Context) {
	clientID := c.Param("client_id")
	var req longPollPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, ferrors.NewBadRequest("malformed long-poll push body"))
		return
	}
	sender := req.Sender
	if sender == "" {
		sender, _ = middleware.GetNodeID(c)
	}
	msg := s.cfg.Mailbox.Push(clientID, sender, req.Message)
	c.JSON(http.StatusOK, gin.H{"enqueued": true, "id": msg.ID})
}

func writeError(c *gin.Context, err error) {
	fe, ok := ferrors.As(err)
	if !ok {
		fe = ferrors.NewInternal(err.Error())
	}
	c.JSON(fe.HTTPStatus(), gin.H{"error": rpcErrorBody{Code: string(fe.Code), Message: fe.Message}})
}
