package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"consent-otp-service/internal/audit"
	"consent-otp-service/internal/bucketing"
	"consent-otp-service/internal/client"
	"consent-otp-service/internal/config"
	"consent-otp-service/internal/encryption"
	"consent-otp-service/internal/hashing"
	"consent-otp-service/internal/model"
	"consent-otp-service/internal/repository/memory"
	redisrepo "consent-otp-service/internal/repository/redis"
	"consent-otp-service/internal/repository/scylla"
	"consent-otp-service/internal/sender"
	"consent-otp-service/internal/service"
	"consent-otp-service/internal/tls"
	"consent-otp-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies. Every
// backend is optional and gated by its Enabled flag; a development
// instance with nothing enabled runs fully in memory.
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Domain wiring
	store       model.Store
	resendCache *redisrepo.ResendCache
	exporter    *audit.Exporter
	otpService  *service.OTPService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()
	factory.initializeDomain()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("scylla_enabled", cfg.Scylla.Enabled),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes enabled external service clients with
// health checks. In development a failing backend degrades to a warning.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if f.config.Redis.Enabled {
		if redisClient, err := client.NewRedisClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = redisClient
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			}
		}
	}

	if f.config.Scylla.Enabled {
		if scyllaClient, err := scylla.NewScyllaClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = scyllaClient
			if err := f.scyllaClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			}
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Elasticsearch.Enabled {
		if esClient, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = esClient
		}
	}

	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chClient
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)
	f.encryptionManager = encryption.NewEncryptionManager(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	if f.config.IsProduction() && f.config.Hashing.PepperSecret == "" {
		f.hasher.StartPepperRotation()
	}
}

// initializeDomain picks the store, wires the senders and assembles the
// orchestrator.
func (f *Factory) initializeDomain() {
	if f.scyllaClient != nil {
		f.store = scylla.NewStore(f.scyllaClient, f.bucketingManager)
		util.Info("Using ScyllaDB consent store")
	} else {
		f.store = memory.NewStore()
		util.Warn("Using in-memory consent store; state does not survive restarts")
	}

	if f.redisClient != nil {
		f.resendCache = redisrepo.NewResendCache(f.redisClient)
	}

	if f.kafkaProducer != nil || f.clickhouseClient != nil || f.esClient != nil {
		f.exporter = audit.NewExporter(f.config,
			f.kafkaProducer, f.clickhouseClient, f.esClient, f.bucketingManager)
	}

	var senders []sender.Sender
	if twilioSender, err := sender.NewTwilioSender(f.config); err != nil {
		util.Warn("SMS sender unavailable", util.ErrorField(err))
	} else {
		senders = append(senders, twilioSender)
	}
	if emailSender, err := sender.NewEmailSender(f.config); err != nil {
		util.Warn("Email sender unavailable", util.ErrorField(err))
	} else {
		senders = append(senders, emailSender)
	}

	f.otpService = service.NewOTPService(f.config, f.store, f.hasher,
		f.encryptionManager, senders, f.exporter, f.resendCache, nil)
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if err := f.store.HealthCheck(ctx); err != nil {
		healthErrors["store"] = err
	}

	if f.config.Redis.Enabled {
		if f.redisClient != nil {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				healthErrors["redis"] = err
			}
		} else {
			healthErrors["redis"] = fmt.Errorf("redis client not initialized")
		}
	}

	if f.config.Elasticsearch.Enabled {
		if f.esClient != nil {
			if err := f.esClient.HealthCheck(); err != nil {
				healthErrors["elasticsearch"] = err
			}
		} else {
			healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
		}
	}

	if f.config.Clickhouse.Enabled {
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				healthErrors["clickhouse"] = err
			}
		} else {
			healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
		}
	}

	if f.config.Kafka.Enabled && f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Kafka is best-effort; an unhealthy broker never fails readiness.
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Store() model.Store {
	return f.store
}

func (f *Factory) OTPService() *service.OTPService {
	return f.otpService
}
