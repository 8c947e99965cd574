package router

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/handlers"
	"github.com/pagemesh/pagemesh/internal/config"
	"github.com/pagemesh/pagemesh/internal/jobstore"
	"github.com/pagemesh/pagemesh/services"
)

// NewGinRouter wires the stores, the escalation engine and the HTTP handlers
// onto one gin engine. The API server schedules and cancels jobs; the worker
// binary is the only thing that executes them.
func NewGinRouter(pg *sql.DB, rdb *redis.Client, logger *logrus.Logger) *gin.Engine {
	r := gin.Default()

	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	engine, scheduler, incidents, policies, apiKeys, issuer, audit := buildServices(pg, rdb, logger)

	incidentHandler := handlers.NewIncidentHandler(incidents, engine, logger)
	policyHandler := handlers.NewPolicyHandler(policies)
	actionHandler := handlers.NewActionHandler(issuer, apiKeys, incidents, engine, audit, logger)
	workflowHandler := handlers.NewWorkflowHandler(scheduler)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.POST("/incidents", incidentHandler.CreateIncident)
		api.GET("/incidents/:id", incidentHandler.GetIncident)
		api.POST("/incidents/:id/acknowledge", incidentHandler.AcknowledgeIncident)
		api.POST("/incidents/:id/resolve", incidentHandler.ResolveIncident)
		api.POST("/incidents/:id/reassign", incidentHandler.ReassignIncident)
		api.POST("/incidents/:id/escalate", incidentHandler.EscalateIncident)

		api.GET("/escalation/stats", incidentHandler.GetEscalationStats)

		api.POST("/policies", policyHandler.CreatePolicy)
		api.GET("/policies", policyHandler.ListPolicies)
		api.GET("/policies/:id", policyHandler.GetPolicy)
		api.DELETE("/policies/:id", policyHandler.DeletePolicy)

		api.POST("/workflows/:id/trigger", workflowHandler.TriggerWorkflow)
		api.GET("/workflows/stats", workflowHandler.GetWorkflowStats)

		// Both verbs: GET serves the one-tap links in emails and push data,
		// POST serves API-key integrations.
		api.GET("/actions/:action", actionHandler.HandleAction)
		api.POST("/actions/:action", actionHandler.HandleAction)
	}

	return r
}

// buildServices assembles the engine stack behind the HTTP surface.
func buildServices(pg *sql.DB, rdb *redis.Client, logger *logrus.Logger) (
	*services.EscalationEngine,
	*services.WorkflowScheduler,
	*db.IncidentStore,
	*db.PolicyStore,
	*db.APIKeyStore,
	*services.ActionTokenIssuer,
	*db.AuditStore,
) {
	incidents := db.NewIncidentStore(pg)
	policies := db.NewPolicyStore(pg)
	notifications := db.NewNotificationStore(pg)
	onCall := db.NewOnCallStore(pg)
	apiKeys := db.NewAPIKeyStore(pg)
	audit := db.NewAuditStore(pg, logger)

	issuer := services.NewActionTokenIssuer(config.App.ActionTokenSecret, config.App.PublicURL, 24*time.Hour)

	registry := services.NewChannelRegistry()
	for _, ch := range []services.NotificationChannel{
		services.NewEmailChannel(notifications, issuer, config.App.SMTP),
		services.NewChatChannel(notifications, issuer, config.App.Telegram),
		services.NewPushChannel(notifications, issuer, config.App.PushGateway, logger),
		services.NewSMSChannel(notifications, config.App.Twilio),
		services.NewVoiceChannel(notifications, config.App.Twilio),
	} {
		if err := registry.Register(ch); err != nil {
			logger.WithError(err).Fatal("duplicate notification channel registration")
		}
	}

	sendTimeout := time.Duration(config.App.Workers.ChannelTimeoutSeconds) * time.Second
	dispatcher := services.NewDispatcher(registry, notifications, logger, sendTimeout)

	jobs := jobstore.NewRedisStore(rdb)
	engine := services.NewEscalationEngine(
		incidents, policies,
		services.NewDBTargetResolver(onCall),
		notifications, jobs, dispatcher, audit, logger)
	scheduler := services.NewWorkflowScheduler(jobs, audit, logger)

	return engine, scheduler, incidents, policies, apiKeys, issuer, audit
}
