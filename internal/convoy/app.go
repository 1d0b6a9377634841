package convoy

import (
	"context"

	"git.fleetops.dev/dispatch/golang/convoy/internal/call"
	"git.fleetops.dev/dispatch/golang/convoy/internal/circuitbreak"
	"git.fleetops.dev/dispatch/golang/convoy/internal/database"
	"git.fleetops.dev/dispatch/golang/convoy/internal/driver"
	"git.fleetops.dev/dispatch/golang/convoy/internal/elevenlabs"
	"git.fleetops.dev/dispatch/golang/convoy/internal/healthchecker"
	"git.fleetops.dev/dispatch/golang/convoy/internal/kafka"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"git.fleetops.dev/dispatch/golang/convoy/internal/minio"
	"git.fleetops.dev/dispatch/golang/convoy/internal/realtime"
	"git.fleetops.dev/dispatch/golang/convoy/internal/reconcile"
	"git.fleetops.dev/dispatch/golang/convoy/internal/schedule"
	"git.fleetops.dev/dispatch/golang/convoy/internal/transcription"
	"git.fleetops.dev/dispatch/golang/convoy/internal/webhook"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Convoy struct {
	DBConn               *gorm.DB
	MinioClient          *minio.MinioClient
	KafkaProducer        *kafka.Producer
	CallService          *call.CallService
	Manager              *realtime.Manager
	WebhookServer        *webhook.Server
	ReconcileWorker      *reconcile.ReconcileWorker
	HealthCheckerService *healthchecker.Healthchecker
}

func NewApp(ctxCancelFun context.CancelFunc) (*Convoy, error) {
	logging.Logger.Info("[NewApp] Initializing Convoy application...")

	healthcheckerService := healthchecker.NewService(ctxCancelFun)

	logging.Logger.Info("[NewApp] Health checker service created")

	dbConn, err := database.NewDatabase()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to initialize database", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Database connection established")

	minioClient, err := minio.NewMinioClient()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to initialize Minio client", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Minio client created")

	kafkaProducer, err := kafka.NewProducer()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create Kafka producer", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Kafka producer created")

	callRepository := call.NewCallRepository(dbConn)
	transcriptionRepository := transcription.NewTranscriptionRepository(dbConn)
	scheduledCallRepository := schedule.NewScheduledCallRepository(dbConn)
	driverRepository := driver.NewDriverRepository(dbConn)

	elevenLabsService := elevenlabs.NewService()

	callService := call.NewService(callRepository, elevenLabsService, kafkaProducer, minioClient)

	logging.Logger.Info("[NewApp] Call service created")

	manager := realtime.NewManager(callRepository, transcriptionRepository)

	handler := webhook.NewHandler(callRepository, transcriptionRepository, manager, callService, callService)
	webhookServer := webhook.NewServer(handler, manager)

	logging.Logger.Info("[NewApp] Webhook server created")

	reconcileService := reconcile.NewService(
		callRepository,
		callService,
		scheduledCallRepository,
		driverRepository,
		elevenLabsService,
		manager,
		kafkaProducer,
	)

	reconcileWorker, err := reconcile.NewWorker(reconcileService)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create reconcile worker", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Reconcile worker created")

	logging.Logger.Info("[NewApp] Initializing circuit breakers...")
	circuitbreak.Init()
	logging.Logger.Info("[NewApp] Circuit breakers initialized")

	return &Convoy{
		DBConn:               dbConn,
		MinioClient:          minioClient,
		KafkaProducer:        kafkaProducer,
		CallService:          callService,
		Manager:              manager,
		WebhookServer:        webhookServer,
		ReconcileWorker:      reconcileWorker,
		HealthCheckerService: healthcheckerService,
	}, nil
}

func (app *Convoy) Run(ctx context.Context) error {
	logging.Logger.Info("[Run] Starting app goroutines...")

	logging.Logger.Info("[Run] Starting health checker monitor goroutine")

	go app.HealthCheckerService.Monitor()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logging.Logger.Info("[Run] Starting reconcile worker")
		app.ReconcileWorker.Run(groupCtx)

		return nil
	})

	group.Go(func() error {
		logging.Logger.Info("[Run] Starting webhook server (BLOCKING)")

		return app.WebhookServer.Run(groupCtx)
	})

	err := group.Wait()
	if err != nil {
		logging.Logger.Error("[Run] App goroutine returned error", zap.Error(err))
	}

	app.shutdown()

	return err
}

func (app *Convoy) shutdown() {
	logging.Logger.Info("[Run] Closing Kafka producer...")

	err := app.KafkaProducer.Close()
	if err != nil {
		logging.Logger.Error("[Run] Failed to close producer", zap.String("error", err.Error()))
	} else {
		logging.Logger.Info("[Run] Kafka producer closed successfully")
	}

	logging.Logger.Info("[Run] ===== App shutdown complete =====")
}
