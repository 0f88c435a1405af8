package dependency

import (
	"proctorhub-monitoring-svc/src/clients"
	"proctorhub-monitoring-svc/src/internal/admin"
	"proctorhub-monitoring-svc/src/internal/aggregator"
	"proctorhub-monitoring-svc/src/internal/config"
	"proctorhub-monitoring-svc/src/internal/monitoring"
	"proctorhub-monitoring-svc/src/internal/realtime"

	"github.com/gin-gonic/gin"
)

type Manager struct {
	Router            *gin.Engine
	Config            *config.Configuration
	Mongodb           *clients.MongoDB
	Redis             *clients.RedisClient
	RabbitMQ          *clients.RabbitMQ
	Directory         *clients.DirectoryClient
	Bus               *realtime.Bus
	Bridge            *realtime.Bridge
	StreamHandler     *realtime.StreamHandler
	ViewCache         aggregator.ViewCache
	MonitoringService monitoring.Service
	MonitoringHandler monitoring.Handler
	AggregatorService aggregator.Service
	AggregatorHandler aggregator.Handler
	AdminService      admin.Service
	AdminHandler      admin.Handler
}

func NewDependencyManager(router *gin.Engine,
	mongodb *clients.MongoDB,
	redisClient *clients.RedisClient,
	rabbitMQ *clients.RabbitMQ,
	cfg *config.Configuration) *Manager {

	directory := clients.NewDirectoryClient(cfg, redisClient.Client)

	bus := realtime.NewBus(cfg.Monitoring.SubscriberBuffer)
	bridge := realtime.NewBridge(bus, rabbitMQ.Channel, &cfg.Queue)
	streamHandler := realtime.NewStreamHandler(bus, cfg)

	viewCache := aggregator.NewViewCache(redisClient.Client, cfg)

	monitoringRepo := monitoring.NewRepository(mongodb, &cfg.Database)
	monitoringService := monitoring.NewService(monitoringRepo, directory, bridge, cfg)
	monitoringHandler := monitoring.NewHandler(cfg, monitoringService)

	aggregatorService := aggregator.NewService(monitoringRepo, viewCache, directory, cfg)
	aggregatorHandler := aggregator.NewHandler(cfg, aggregatorService)

	adminService := admin.NewService(monitoringRepo, bridge, viewCache)
	adminHandler := admin.NewHandler(cfg, adminService)

	return &Manager{
		Router:            router,
		Config:            cfg,
		Mongodb:           mongodb,
		Redis:             redisClient,
		RabbitMQ:          rabbitMQ,
		Directory:         directory,
		Bus:               bus,
		Bridge:            bridge,
		StreamHandler:     streamHandler,
		ViewCache:         viewCache,
		MonitoringService: monitoringService,
		MonitoringHandler: monitoringHandler,
		AggregatorService: aggregatorService,
		AggregatorHandler: aggregatorHandler,
		AdminService:      adminService,
		AdminHandler:      adminHandler,
	}
}
