package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"behavior-guard/internal/audit"
	"behavior-guard/internal/bucketing"
	"behavior-guard/internal/client"
	"behavior-guard/internal/config"
	"behavior-guard/internal/encryption"
	"behavior-guard/internal/escalation"
	"behavior-guard/internal/repository"
	"behavior-guard/internal/repository/local"
	rediscache "behavior-guard/internal/repository/redis"
	"behavior-guard/internal/repository/scylla"
	"behavior-guard/internal/service"
	"behavior-guard/internal/tls"
	"behavior-guard/internal/util"
)

// store is what either storage backend provides.
type store interface {
	repository.ProfileStore
	repository.AnomalyStore
	repository.SignificantEventStore
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	localStore       *local.Store
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Repositories
	store          store
	anomalyLog     *audit.Log
	elasticSink    *audit.ElasticSink
	policy         *escalation.Policy
	rateLimits     *rediscache.RateLimitCache
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory(cfg *config.Config) (*Factory, error) {
	factory := &Factory{
		config: cfg,
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := factory.initializeManagers(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeClients(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeRepositories(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage_backend", cfg.Storage.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled),
		util.Bool("elasticsearch_enabled", cfg.Elastic.Enabled),
	)

	return factory, nil
}

// initializeManagers initializes encryption and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	em, err := encryption.NewEncryptionManager(f.config, kmsClient)
	if err != nil {
		return err
	}
	f.encryptionManager = em
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Bool("encryption_enabled", f.encryptionManager.Enabled()),
		util.Int("user_buckets", f.bucketingManager.GetUserBuckets()),
	)
	return nil
}

// initializeClients initializes external service clients with health checks.
// Redis and the storage backend are required; the sinks are optional and only
// fatal in production.
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error

	// Redis
	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	util.Info("Redis client initialized and healthy")

	// Storage backend
	switch f.config.Storage.Backend {
	case "scylla":
		scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("scylla health check: %w", err)
		}
		util.Info("ScyllaDB client initialized and healthy")
	default:
		localStore, err := local.Open(f.config.Storage.BuntDBPath, f.config.Scoring.HistoryLimit, f.encryptionManager)
		if err != nil {
			return fmt.Errorf("buntdb: %w", err)
		}
		f.localStore = localStore
		util.Info("Embedded store opened", util.String("path", f.config.Storage.BuntDBPath))
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elastic.Enabled {
		if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = esClient
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chClient
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeRepositories builds the stores, the audit log with its sinks,
// and the escalation policy.
func (f *Factory) initializeRepositories(ctx context.Context) error {
	if f.scyllaClient != nil {
		f.store = scylla.NewProfileRepository(f.scyllaClient, f.bucketingManager, f.encryptionManager, f.config.Scoring.HistoryLimit)
	} else {
		f.store = f.localStore
	}

	var sinks []audit.Sink
	if f.clickhouseClient != nil {
		sink := audit.NewClickHouseSink(f.clickhouseClient)
		if err := sink.EnsureSchema(ctx); err != nil {
			util.Warn("ClickHouse schema setup failed, sink disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, sink)
		}
	}
	if f.esClient != nil {
		sink := audit.NewElasticSink(f.esClient, f.config.Elastic.Index)
		if err := sink.EnsureIndex(ctx); err != nil {
			util.Warn("Elasticsearch index setup failed, sink disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, sink)
			f.elasticSink = sink
		}
	}
	f.anomalyLog = audit.NewLog(f.store, util.Get(), sinks...)

	var publisher audit.Publisher = audit.NewLogPublisher(util.Get())
	if f.kafkaProducer != nil {
		publisher = audit.NewKafkaPublisher(f.kafkaProducer)
	}

	esc := f.config.Escalation
	f.policy = escalation.NewPolicy(
		rediscache.NewEscalationCache(f.redisClient, esc.MaxWarnings, esc.ResetOnNormal, esc.StateTTL),
		rediscache.NewLockoutCache(f.redisClient),
		rediscache.NewNavigationCache(f.redisClient, esc.StateTTL),
		publisher,
		esc,
		util.Get(),
	)

	f.rateLimits = rediscache.NewRateLimitCache(f.redisClient)

	util.Info("Repositories initialized",
		util.Int("audit_sinks", len(sinks)),
		util.Bool("kafka_decisions", f.kafkaProducer != nil),
	)
	return nil
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		var searcher service.AnomalySearcher
		if f.elasticSink != nil {
			searcher = f.elasticSink
		}
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.store,
			f.store,
			f.anomalyLog,
			searcher,
			f.policy,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthChecks returns a check per initialized dependency.
func (f *Factory) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"redis":   f.redisClient.HealthCheck,
		"storage": f.store.HealthCheck,
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	return checks
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.anomalyLog != nil {
			f.anomalyLog.Flush()
			util.Info("Pending audit sink writes flushed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.localStore != nil {
			if err := f.localStore.Close(); err != nil {
				util.Error("Failed to close embedded store", util.ErrorField(err))
			} else {
				util.Info("Embedded store closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

// RateLimits is the shared sliding-window limiter.
func (f *Factory) RateLimits() *rediscache.RateLimitCache {
	return f.rateLimits
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
