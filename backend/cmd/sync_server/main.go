package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"syncServer/backend/config"
	"syncServer/backend/internal/auth"
	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/changefeed"
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/httpapi/handlers"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

// openStore 按 store.driver 构造存储和对应的变更流
func openStore(ctx context.Context, cfg *config.Config, instanceID string) (store.Store, store.ChangeSource, error) {
	switch cfg.Store.Driver {
	case "mongo":
		m, err := store.NewMongo(ctx, store.MongoOptions{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, nil, err
		}
		return m, m, nil
	case "mysql":
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, nil, err
		}
		// MySQL 没有原生变更流，由 CDC 管道写入 Kafka，每个实例独立消费
		src := changefeed.NewKafkaSource(cfg.Kafka.Brokers, cfg.Kafka.CDCTopic, cfg.Kafka.GroupID, instanceID)
		return store.NewMySQL(db), src, nil
	default:
		m := store.NewMemory()
		return m, m, nil
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("sync server %s (%s), store=%s", buildVersion, buildCommit, cfg.Store.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instanceID := cfg.Running.InstanceID
	if instanceID == "" {
		instanceID = ulid.Make().String()
	}

	st, src, err := openStore(ctx, cfg, instanceID)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close(context.Background())

	// === Kafka Producer：PATCH_APPLIED 事件，尽力而为 ===
	var events collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(8),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		defer dispatcher.Close()
		events = dispatcher
	}

	// === Redis：在线状态 + 跨实例广播 ===
	hubOpt := ws.HubOptions{}
	var relay *cache.Relay
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()

		relay = cache.NewRelay(rdb, instanceID)
		hubOpt.Presence = cache.NewRedisPresence(rdb)
		hubOpt.Relay = relay
	}

	bridge := changefeed.NewBridge(src, st, changefeed.BridgeOptions{})
	go func() {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("change feed stopped: %v", err)
		}
	}()

	replicator := collab.NewReplicator(st, collab.ReplicatorOptions{
		PersistDelay:       cfg.Sync.PersistDelay,
		PersistEveryDeltas: cfg.Sync.PersistEveryDeltas,
	})
	hubOpt.Feed = bridge
	hubOpt.Replicas = replicator
	hub := ws.NewHub(hubOpt)
	replicator.OnSnapshot(hub.BroadcastSnapshot)

	if relay != nil {
		go func() {
			if err := relay.Subscribe(ctx, hub.HandleRelay); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("relay subscribe stopped: %v", err)
			}
		}()
	}

	verifier := auth.NewVerifier(cfg.Auth.Secret)
	manager := ws.NewManager(hub, ws.Services{
		Store:      st,
		Mutator:    collab.NewMutator(st, events),
		Replicator: replicator,
		Sem:        collab.NewSemaphoreControl(cfg.Sync.MaxInflightUpdates),
	}, verifier, ws.Options{
		SendQueueSize:       cfg.Sync.SendQueueSize,
		MaxMessageBytes:     cfg.Sync.MaxMessageBytes,
		PongWait:            cfg.Sync.PongWait,
		MaxUpdatesPerWindow: cfg.Sync.MaxUpdatesPerSec,
		RateWindow:          time.Second,
		PresenceTTL:         cfg.Sync.PresenceTTL,
		AllowedOrigins:      cfg.Running.AllowedOrigins,
	})

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match"},
		ExposeHeaders:    []string{"Content-Length", "ETag"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// 路由
	collabGroup := r.Group("/collab")
	collabGroup.GET("/ws", manager.WebSocketConnect)

	var members store.WorkspaceStore
	if cfg.Auth.RequireHTTP {
		members = st
	}
	api := r.Group("/api", auth.Middleware(verifier, cfg.Auth.RequireHTTP))
	handlers.NewSnapshotHandler(replicator, members).Register(api)
	r.GET("/healthz", handlers.Health(bridge.Ready))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()
	log.Printf("listening on %s", srv.Addr)

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	// 未落盘的 CRDT 状态最后写一次
	if err := replicator.Flush(shutdownCtx); err != nil {
		log.Printf("flush crdt state error: %v", err)
	}
}
