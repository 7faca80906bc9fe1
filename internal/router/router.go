package router

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/attendance-kiosk/api/swagger"
	"github.com/noah-isme/attendance-kiosk/internal/handler"
	"github.com/noah-isme/attendance-kiosk/internal/middleware"
	"github.com/noah-isme/attendance-kiosk/internal/service"
	"github.com/noah-isme/attendance-kiosk/pkg/config"
	"github.com/noah-isme/attendance-kiosk/pkg/logger"
	corsmiddleware "github.com/noah-isme/attendance-kiosk/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/attendance-kiosk/pkg/middleware/requestid"
)

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	Config  *config.Config
	Logger  *zap.Logger
	Ledger  *service.AttendanceLedger
	Reports *service.ReportService
	Auth    *service.AdminAuthService
	Metrics *service.MetricsService
	Checks  map[string]handler.ReadinessCheck
}

// New builds the gin engine serving the kiosk pages and the JSON API.
func New(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	r := gin.New()
	r.UseRawPath = true
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(middleware.Metrics(deps.Metrics, "/health", "/ready", "/metrics"))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	metricsHandler := handler.NewMetricsHandler(deps.Metrics, deps.Checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	kiosk := handler.NewKioskHandler(deps.Ledger, deps.Reports, deps.Auth, cfg.Env == config.EnvProduction, deps.Logger)
	r.GET("/", kiosk.Index)
	r.POST("/checkin/:id", kiosk.CheckIn)
	r.POST("/guest", kiosk.Guest)
	r.GET("/admin", kiosk.Admin)
	r.POST("/admin", kiosk.Login)
	r.POST("/admin/logout", kiosk.Logout)
	r.GET("/download.csv", kiosk.Download)

	admin := r.Group("/admin", middleware.RequireAdminSession(deps.Auth, "/admin"))
	admin.POST("/add-student", middleware.Audit(deps.Logger, "roster.add"), kiosk.AddStudent)
	admin.POST("/delete/:id", middleware.Audit(deps.Logger, "roster.remove"), kiosk.DeleteStudent)
	admin.POST("/mark-missing-absent", middleware.Audit(deps.Logger, "attendance.absences"), kiosk.MarkMissingAbsent)
	admin.POST("/retract", middleware.Audit(deps.Logger, "attendance.retract"), kiosk.Retract)
	admin.GET("/report.pdf", kiosk.ReportPDF)

	api := r.Group(cfg.APIPrefix, middleware.WithResponseMeta())
	requireAdmin := middleware.RequireAdmin(deps.Auth)

	authHandler := handler.NewAuthHandler(deps.Auth)
	api.POST("/auth/admin", authHandler.AdminLogin)

	students := handler.NewStudentHandler(deps.Ledger)
	api.GET("/students", students.List)
	api.POST("/students", requireAdmin, middleware.Audit(deps.Logger, "roster.add"), students.Create)
	api.DELETE("/students/:id", requireAdmin, middleware.Audit(deps.Logger, "roster.remove"), students.Delete)

	attendance := handler.NewAttendanceHandler(deps.Ledger, deps.Reports, deps.Auth)
	api.POST("/checkins", attendance.CheckIn)
	api.POST("/guests", attendance.Guest)
	api.GET("/attendance/today", attendance.Today)
	api.GET("/attendance/board", attendance.Board)
	api.GET("/attendance/present/:id", attendance.Present)

	adminAPI := api.Group("/attendance", requireAdmin)
	adminAPI.POST("", middleware.Audit(deps.Logger, "attendance.record"), attendance.Record)
	adminAPI.DELETE("", middleware.Audit(deps.Logger, "attendance.retract"), attendance.Retract)
	adminAPI.POST("/absences", middleware.Audit(deps.Logger, "attendance.absences"), attendance.MarkAbsences)
	adminAPI.GET("/history", attendance.History)
	adminAPI.GET("/export", attendance.Export)
	adminAPI.POST("/export/link", attendance.ExportLink)
	adminAPI.GET("/report", attendance.Report)

	return r
}
