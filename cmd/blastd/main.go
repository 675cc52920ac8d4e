package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	appconfig "github.com/wyatt727/fartlooper/internal/config"
	"github.com/wyatt727/fartlooper/internal/controller"
	"github.com/wyatt727/fartlooper/internal/descriptor"
	"github.com/wyatt727/fartlooper/internal/discovery"
	"github.com/wyatt727/fartlooper/internal/discovery/mdnsdisc"
	"github.com/wyatt727/fartlooper/internal/discovery/portscan"
	"github.com/wyatt727/fartlooper/internal/discovery/ssdp"
	"github.com/wyatt727/fartlooper/internal/events"
	"github.com/wyatt727/fartlooper/internal/media"
	"github.com/wyatt727/fartlooper/internal/netinfo"
	"github.com/wyatt727/fartlooper/internal/orchestrator"
	"github.com/wyatt727/fartlooper/internal/rules"
	"github.com/wyatt727/fartlooper/internal/soap"
	"github.com/wyatt727/fartlooper/pkg/config"
	"github.com/wyatt727/fartlooper/pkg/logging"
	"github.com/wyatt727/fartlooper/pkg/monitoring"
	"github.com/wyatt727/fartlooper/pkg/server"
	"github.com/wyatt727/fartlooper/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("blastd")
	config.LoadEnv(logger)

	logger.WithField("version", version.Version).Info("Starting blastd")

	blastCfg := appconfig.FromEnv()
	rulesPath := config.GetEnv("RULES_PATH", "rules.json")

	// Monitoring.
	healthChecker := monitoring.NewHealthChecker("blastd", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("blastd", version.Version, version.GitCommit)
	healthChecker.AddCheck("network", monitoring.ProbeHealthCheck("routable ipv4", func() error {
		_, err := netinfo.RoutableIPv4()
		return err
	}))
	healthChecker.AddCheck("rules", monitoring.FileHealthCheck("rule store", rulesPath))

	// Event bus and metrics wiring.
	bus := events.NewBus(logger)
	foundTotal, duplicatesTotal, _ := metricsCollector.CreateDiscoveryMetrics()
	attemptsTotal, outcomesTotal, deviceLatency := metricsCollector.CreateBlastMetrics()
	go func() {
		id, ch := bus.Subscribe(128)
		defer bus.Unsubscribe(id)
		for ev := range ch {
			switch typed := ev.(type) {
			case events.RendererFound:
				foundTotal.WithLabelValues(string(typed.Renderer.Source)).Inc()
			case events.RendererAttempt:
				attemptsTotal.WithLabelValues(string(typed.Step)).Inc()
			case events.RendererOutcome:
				outcomesTotal.WithLabelValues(string(typed.Result)).Inc()
				deviceLatency.WithLabelValues(string(typed.Result)).Observe(float64(typed.LatencyMS) / 1000)
			}
		}
	}()

	// Rule store + evaluator with hot reload.
	store := rules.NewStore(logger, rulesPath)
	evaluator := rules.NewEvaluator(logger, rules.SystemClock())
	if loaded, err := store.Load(); err != nil {
		logger.WithError(err).Warn("Rule store unreadable; starting with no rules")
	} else {
		evaluator.SetRules(loaded)
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		if err := store.Watch(watchCtx, evaluator.SetRules); err != nil && watchCtx.Err() == nil {
			logger.WithError(err).Warn("Rule watcher exited")
		}
	}()

	// Pipeline: media origin + SOAP control + discovery bus.
	origin := media.NewServer(logger)
	soapClient := soap.NewClient(logger)
	descClient := descriptor.NewClient()

	discoveryBus := discovery.NewBus(logger, discovery.WithProgress(func(p discovery.Progress) {
		if p.Duplicate {
			duplicatesTotal.WithLabelValues(string(p.Source)).Inc()
		}
		bus.Publish(events.DiscoveryProgress{Source: p.Source, Seen: p.Seen, New: p.New})
	}))
	discover := func(ctx context.Context) <-chan discovery.Renderer {
		var discoverers []discovery.Discoverer
		if blastCfg.SourceEnabled(discovery.SourceSSDP) {
			discoverers = append(discoverers, ssdp.New(logger))
		}
		if blastCfg.SourceEnabled(discovery.SourceMDNS) {
			discoverers = append(discoverers, mdnsdisc.New(logger, blastCfg.MDNSServiceTypes))
		}
		if blastCfg.SourceEnabled(discovery.SourcePortScan) {
			discoverers = append(discoverers, portscan.New(logger, blastCfg.PortScanPorts))
		}
		return discoveryBus.DiscoverAll(ctx, discoverers)
	}

	orch := orchestrator.New(logger, blastCfg, origin, soapClient, descClient, discover)
	ctrl := controller.New(logger, orch, evaluator, bus, rules.SystemClock())

	// API router.
	router := server.SetupServiceRouter(logger, "blastd", healthChecker, metricsCollector)
	registerRoutes(router, logger, ctrl, evaluator, store, bus)

	srvCfg := server.DefaultConfig("blastd", "18020")
	if err := server.Start(srvCfg, router, logger, func(context.Context) {
		ctrl.Stop()
		stopWatch()
	}); err != nil {
		logger.WithError(err).Fatal("Server exited")
	}
}

type blastRequest struct {
	ClipPath string `json:"clip_path"`
	ClipURL  string `json:"clip_url"`
}

type triggerRequest struct {
	Action   string `json:"action"`
	ClipPath string `json:"clip_path"`
	ClipURL  string `json:"clip_url"`
}

type networkRequest struct {
	Kind string `json:"kind"`
	SSID string `json:"ssid"`
}

func registerRoutes(router *gin.Engine, logger logging.Logger, ctrl *controller.Controller, evaluator *rules.Evaluator, store *rules.Store, bus *events.Bus) {
	v1 := router.Group("/v1")

	v1.POST("/blast", func(c *gin.Context) {
		var req blastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		startPipeline(c, ctrl, rules.ActionStartBlast, req.ClipPath, req.ClipURL)
	})

	v1.POST("/trigger", func(c *gin.Context) {
		var req triggerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		switch req.Action {
		case rules.ActionStartBlast, rules.ActionRunClip, rules.ActionAutoBlast, rules.ActionDiscoverOnly:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action " + req.Action})
			return
		}
		startPipeline(c, ctrl, req.Action, req.ClipPath, req.ClipURL)
	})

	v1.POST("/stop", func(c *gin.Context) {
		ctrl.Stop()
		c.JSON(http.StatusOK, gin.H{"stopped": true})
	})

	v1.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctrl.Status())
	})

	v1.GET("/renderers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"renderers": ctrl.Status().LastRenderers})
	})

	v1.GET("/rules", func(c *gin.Context) {
		c.JSON(http.StatusOK, evaluator.Rules())
	})

	v1.PUT("/rules", func(c *gin.Context) {
		var ruleSet []rules.Rule
		if err := c.ShouldBindJSON(&ruleSet); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := store.Save(ruleSet); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		evaluator.SetRules(ruleSet)
		c.JSON(http.StatusOK, gin.H{"rules": len(ruleSet)})
	})

	// Network transitions come from the platform shell; rule evaluation
	// is edge-triggered on them.
	v1.POST("/network", func(c *gin.Context) {
		var req networkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		state := netinfo.NetworkState{Kind: netinfo.LinkKind(req.Kind), SSID: req.SSID}
		ctrl.OnNetworkChange(state)
		c.JSON(http.StatusOK, gin.H{"evaluated": true})
	})

	router.GET("/events", events.WSHandler(bus, logger))
}

func startPipeline(c *gin.Context, ctrl *controller.Controller, action, clipPath, clipURL string) {
	var clip media.ClipSource
	if action != rules.ActionDiscoverOnly {
		resolved, err := controller.ClipFromAction(rules.BlastAction{Type: action, ClipPath: clipPath, ClipURL: clipURL})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		clip = resolved
	}

	if err := ctrl.Start(action, clip); err != nil {
		status := http.StatusInternalServerError
		if err == controller.ErrBusy {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"action": action})
}
