// Package server is the HTTP boundary: bearer-token identity parsing,
// routing, and thin handlers that marshal requests/responses around
// internal/substrate (C5), internal/fabric (C6) and internal/admin (C11).
// Beyond parsing the token, the only authorization done here is the
// admin-token check on the ops routes and the curator/ACL-delete check in
// DeleteRecordAPI; every other visibility/ACL/role check is enforced
// inside substrate itself.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/rcrt/internal/admin"
	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/fabric"
	"github.com/rakunlabs/rcrt/internal/substrate"
)

// Server wires the RCRT HTTP surface onto one substrate/fabric/admin
// instance. Holds no per-tenant state of its own.
type Server struct {
	config config.Server

	server *ada.Server

	substrate *substrate.Substrate
	fabric    *fabric.Fabric
	admin     *admin.Admin
}

// New builds the router and registers every route in the external
// interface: records, subscriptions, ACL, secrets, and ops.
func New(_ context.Context, cfg config.Server, sub *substrate.Substrate, fab *fabric.Fabric, adm *admin.Admin) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:    cfg,
		server:    mux,
		substrate: sub,
		fabric:    fab,
		admin:     adm,
	}

	if cfg.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", cfg.BasePath)
	}

	baseGroup := mux.Group(cfg.BasePath)

	if cfg.ForwardAuth != nil {
		slog.Info("forward auth enabled", "url", cfg.ForwardAuth.Address)
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}
	baseGroup.Use(s.identityMiddleware())

	// Records.
	baseGroup.POST("/records", s.CreateRecordAPI)
	baseGroup.GET("/records", s.ListRecordsAPI)
	baseGroup.GET("/records/search", s.SearchRecordsAPI)
	baseGroup.POST("/records/batch-transform", s.BatchTransformAPI)
	baseGroup.GET("/records/*/full", s.GetRecordFullAPI)
	baseGroup.GET("/records/*/history", s.GetRecordHistoryAPI)
	baseGroup.POST("/records/*/subscribe", s.SubscribeRecordAPI)
	baseGroup.POST("/records/*/unsubscribe", s.UnsubscribeRecordAPI)
	baseGroup.GET("/records/*", s.GetRecordAPI)
	baseGroup.PATCH("/records/*", s.UpdateRecordAPI)
	baseGroup.DELETE("/records/*", s.DeleteRecordAPI)

	// Selectors / subscriptions / event stream.
	baseGroup.POST("/subscriptions/selectors", s.CreateSelectorAPI)
	baseGroup.GET("/subscriptions/selectors/*", s.GetSelectorAPI)
	baseGroup.PUT("/subscriptions/selectors/*", s.UpdateSelectorAPI)
	baseGroup.DELETE("/subscriptions/selectors/*", s.DeleteSelectorAPI)
	baseGroup.GET("/events/stream", s.EventStreamAPI)

	// ACL.
	baseGroup.POST("/acl/grant", s.GrantACLAPI)
	baseGroup.POST("/acl/revoke", s.RevokeACLAPI)

	// Secrets.
	baseGroup.POST("/secrets", s.CreateSecretAPI)
	baseGroup.GET("/secrets", s.ListSecretsAPI)
	baseGroup.POST("/secrets/*/decrypt", s.DecryptSecretAPI)
	baseGroup.PUT("/secrets/*", s.UpdateSecretAPI)
	baseGroup.DELETE("/secrets/*", s.DeleteSecretAPI)

	// Tenants / agents: thin provisioning endpoints. See DESIGN.md's Open
	// Question decision — tenancy and agent identity are enforced purely
	// through Record.OwnerID/bearer claims, so these exist only to let an
	// operator register roles/webhooks/HMAC secrets up front.
	baseGroup.POST("/tenants/*", s.CreateTenantAPI)
	baseGroup.GET("/tenants", s.ListTenantsAPI)
	baseGroup.POST("/agents/*", s.CreateAgentAPI)
	baseGroup.POST("/agents/*/webhooks", s.RegisterAgentWebhookAPI)
	baseGroup.POST("/agents/*/secret", s.RotateAgentSecretAPI)

	// Ops: health and metrics are open; DLQ and purge sit behind the
	// admin-token bearer check.
	baseGroup.GET("/health", func(w http.ResponseWriter, r *http.Request) { s.admin.HealthHandler(w, r) })
	baseGroup.Handle("/metrics", s.admin.MetricsHandler())

	opsGroup := baseGroup.Group("")
	opsGroup.Use(s.adminAuthMiddleware())
	opsGroup.GET("/dlq", func(w http.ResponseWriter, r *http.Request) { s.admin.ListDLQHandler(w, r) })
	opsGroup.POST("/dlq/*/retry", func(w http.ResponseWriter, r *http.Request) { s.admin.RetryDLQHandler(w, r) })
	opsGroup.DELETE("/dlq/*", func(w http.ResponseWriter, r *http.Request) { s.admin.DeleteDLQHandler(w, r) })
	opsGroup.POST("/admin/purge", func(w http.ResponseWriter, r *http.Request) { s.admin.PurgeHandler(w, r) })

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// adminAuthMiddleware protects /dlq/* and /admin/* the same way the
// original gateway protected its settings API: a bearer token matched
// against a single configured secret. If no admin_token is configured,
// those routes are rejected outright rather than silently left open.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if auth == "" || token == auth || token != s.config.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
