// Package main provides the Blueprint Manager entry point: it wires the
// Chain Event Source, the manager reconciler, the VM Hypervisor
// supervisor, the Remote Deployment Registry, and the Health Monitor
// together, and serves an admin HTTP surface for readiness and
// introspection.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tangle-network/blueprint-core/internal/chainsource"
	"github.com/tangle-network/blueprint-core/internal/config"
	"github.com/tangle-network/blueprint-core/internal/healthmonitor"
	"github.com/tangle-network/blueprint-core/internal/hypervisor"
	"github.com/tangle-network/blueprint-core/internal/logging"
	"github.com/tangle-network/blueprint-core/internal/manager"
	"github.com/tangle-network/blueprint-core/internal/remotedeploy"
	"github.com/tangle-network/blueprint-core/internal/resolvers"
)

func main() {
	operator := flag.String("operator", "", "this node's operator address, for the operator-service contract-state scan")
	configPath := flag.String("config", "", "path to a CONFIG_FILE YAML document (overrides the CONFIG_FILE env var)")
	registrationBlueprint := flag.Uint64("registration-blueprint-id", 0, "blueprint ID to run in registration mode, when registration mode is enabled in config")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("manager", cfg.Logging.Level, cfg.Logging.Format)

	os.Exit(run(cfg, *operator, *registrationBlueprint, logger))
}

func run(cfg *config.Config, operator string, registrationBlueprintID uint64, logger *logging.Logger) int {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcProvider := chainsource.NewEVMRPCProvider(cfg.Chain.HTTPRPCURL, "", map[chainsource.EventKind]string{})
	readProvider := chainsource.NewEthReadProvider(rpcProvider, "")
	metadata := chainsource.NewMetadataProvider(readProvider)

	source := chainsource.New(chainsource.Config{
		Provider:      rpcProvider,
		Confirmations: cfg.Chain.Confirmations,
		StepBlocks:    cfg.Chain.StepBlocks,
		PollInterval:  time.Duration(cfg.Chain.PollInterval) * time.Second,
		Logger:        logger,
	})

	supervisor := hypervisor.NewSupervisor(hypervisor.Config{
		RuntimeDirRoot: cfg.Manager.ServiceRuntimeDir,
		CacheDirRoot:   cfg.Manager.ServiceRuntimeDir + "/cache",
	})

	mgr := manager.New(manager.Config{
		Metadata:                metadata,
		Supervisor:              supervisor,
		ResolverOptions:         resolvers.Options{AllowUncheckedAttestations: cfg.Manager.AllowUncheckedAttestations},
		RegistrationMode:        cfg.Manager.RegistrationMode,
		RegistrationBlueprintID: registrationBlueprintID,
		LocalBuildFallbackEnabled: cfg.Manager.LocalBuildFallback,
		CacheRoot:                 cfg.Manager.ServiceRuntimeDir + "/cache",
		StopGrace:                 time.Duration(cfg.Manager.ShutdownGraceSecs) * time.Second,
		Operator:                  operator,
		Logger:                    logger,
	})

	azureAdapter, err := remotedeploy.NewAzureAdapter(cfg.Remote.AzureSubscriptionID, cfg.Remote.AzureResourceGroup, "eastus")
	var adapters map[string]remotedeploy.CloudProviderAdapter
	if err != nil {
		logger.WithError(err).Warn("manager: azure adapter unavailable, remote deployment disabled")
		adapters = map[string]remotedeploy.CloudProviderAdapter{}
	} else {
		adapters = map[string]remotedeploy.CloudProviderAdapter{"azure": azureAdapter}
	}

	registry := remotedeploy.NewRegistry(adapters, logger)
	ttl := remotedeploy.NewTTLManager(nil, logger)
	ttl.Start(time.Duration(cfg.Remote.TTLCheckIntervalSecs) * time.Second)
	defer ttl.Stop()
	go remotedeploy.RunExpiryHandler(rootCtx, ttl, registry)

	health := healthmonitor.New(healthmonitor.Config{
		CheckInterval:          time.Duration(cfg.Health.IntervalSecs) * time.Second,
		MaxConsecutiveFailures: uint32(cfg.Health.MaxConsecutiveFailures),
		AutoRecover:            cfg.Health.AutoRecover,
	}, registry, logger)
	health.Start(rootCtx)
	defer health.Stop()

	initCtx, initCancel := context.WithTimeout(rootCtx, 30*time.Second)
	var snapshot []chainsource.ProtocolEvent
	if ev, err := source.Initialize(initCtx); err != nil {
		logger.WithError(err).Warn("manager: chain source initial poll failed, starting with an empty snapshot")
	} else if ev != nil {
		snapshot = append(snapshot, *ev)
	}
	initCancel()

	if err := mgr.Initialize(rootCtx, snapshot); err != nil {
		logger.WithError(err).Error("manager: startup reconciliation failed")
		return 1
	}

	events := source.Subscribe(rootCtx)
	go func() {
		for ev := range events {
			mgr.HandleEvent(rootCtx, ev)
		}
	}()

	adminServer := newAdminServer(cfg.Manager.AdminListenAddr, mgr, source, registry, ttl, metadata, readProvider)
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("manager: admin server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.WithFields(nil).Info("manager: shutting down")
	source.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Manager.ShutdownGraceSecs)*time.Second)
	defer shutdownCancel()
	_ = adminServer.Shutdown(shutdownCtx)
	mgr.Shutdown(shutdownCtx)

	return 0
}

func newAdminServer(addr string, mgr *manager.Manager, source *chainsource.Source, registry *remotedeploy.Registry, ttl *remotedeploy.TTLManager, metadata *chainsource.MetadataProvider, readProvider *chainsource.EthReadProvider) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		if !source.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "reason": "chain source unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/blueprints", func(c *gin.Context) {
		c.JSON(http.StatusOK, mgr.ActiveBlueprints())
	})
	router.GET("/remote-deployments", func(c *gin.Context) {
		c.JSON(http.StatusOK, registry.List())
	})

	router.GET("/blueprints/:blueprint_id/jobs", func(c *gin.Context) {
		blueprintID, err := strconv.ParseUint(c.Param("blueprint_id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid blueprint_id"})
			return
		}
		jobs, missingHashSources, err := metadata.JobSchema(c.Request.Context(), blueprintID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobs":                 jobs,
			"missing_hash_sources": missingHashSources,
		})
	})

	type jobSubmitRequest struct {
		Job        uint32 `json:"job"`
		PayloadHex string `json:"payload_hex"`
	}
	router.POST("/services/:service_id/jobs", func(c *gin.Context) {
		serviceID, err := strconv.ParseUint(c.Param("service_id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid service_id"})
			return
		}
		var req jobSubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		payload, err := hex.DecodeString(strings.TrimPrefix(req.PayloadHex, "0x"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload_hex must be hex-encoded"})
			return
		}
		callID, err := readProvider.RequestJobCall(c.Request.Context(), serviceID, req.Job, payload)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"call_id": callID})
	})

	type terminateRequest struct {
		BlueprintID uint64 `json:"blueprint_id"`
		ServiceID   uint64 `json:"service_id"`
	}
	router.POST("/remote-deployments/terminate", func(c *gin.Context) {
		var req terminateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		key := remotedeploy.Key{BlueprintID: req.BlueprintID, ServiceID: req.ServiceID}
		ttl.Unregister(key)
		if err := registry.Cleanup(c.Request.Context(), key); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "terminated"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{Addr: addr, Handler: router}
}
