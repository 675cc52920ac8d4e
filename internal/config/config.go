package config

import (
	"time"

	"github.com/wyatt727/fartlooper/internal/discovery"
	"github.com/wyatt727/fartlooper/internal/discovery/mdnsdisc"
	"github.com/wyatt727/fartlooper/internal/discovery/portscan"
	"github.com/wyatt727/fartlooper/pkg/config"
)

// BlastConfig carries the knobs for one blast run.
type BlastConfig struct {
	// TotalBudget bounds the whole pipeline; expiry cancels in-flight
	// tasks and stops accepting new renderers.
	TotalBudget time.Duration

	// DiscoveryBudget bounds the discovery session inside TotalBudget.
	DiscoveryBudget time.Duration

	// PerDeviceTimeout is each renderer task's wall-clock budget.
	PerDeviceTimeout time.Duration

	// SoapRetryCount is the retry limit per SOAP step (Set and Play each
	// get their own bucket).
	SoapRetryCount int

	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay time.Duration

	PortScanPorts    []int
	MDNSServiceTypes []string
	EnabledSources   []discovery.Source

	// OriginGrace keeps the media origin alive after the pipeline
	// settles; some renderers buffer only a few seconds and fetch lazily.
	OriginGrace time.Duration
}

// DefaultBlastConfig returns the documented defaults.
func DefaultBlastConfig() BlastConfig {
	return BlastConfig{
		TotalBudget:      8000 * time.Millisecond,
		DiscoveryBudget:  3500 * time.Millisecond,
		PerDeviceTimeout: 4000 * time.Millisecond,
		SoapRetryCount:   2,
		RetryBaseDelay:   250 * time.Millisecond,
		PortScanPorts:    portscan.DefaultPorts,
		MDNSServiceTypes: mdnsdisc.DefaultServiceTypes,
		EnabledSources: []discovery.Source{
			discovery.SourceSSDP,
			discovery.SourceMDNS,
			discovery.SourcePortScan,
		},
		OriginGrace: 0,
	}
}

// FromEnv materializes the blast config from the environment.
func FromEnv() BlastConfig {
	cfg := DefaultBlastConfig()
	cfg.TotalBudget = config.GetEnvDuration("BLAST_TOTAL_BUDGET", cfg.TotalBudget)
	cfg.DiscoveryBudget = config.GetEnvDuration("BLAST_DISCOVERY_BUDGET", cfg.DiscoveryBudget)
	cfg.PerDeviceTimeout = config.GetEnvDuration("BLAST_PER_DEVICE_TIMEOUT", cfg.PerDeviceTimeout)
	cfg.SoapRetryCount = config.GetEnvInt("BLAST_SOAP_RETRY_COUNT", cfg.SoapRetryCount)
	cfg.RetryBaseDelay = config.GetEnvDuration("BLAST_RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	cfg.PortScanPorts = config.GetEnvInts("BLAST_PORT_SCAN_PORTS", cfg.PortScanPorts)
	cfg.MDNSServiceTypes = config.GetEnvStrings("BLAST_MDNS_SERVICE_TYPES", cfg.MDNSServiceTypes)
	cfg.OriginGrace = config.GetEnvDuration("ORIGIN_GRACE", cfg.OriginGrace)

	sources := config.GetEnvStrings("BLAST_ENABLED_SOURCES", nil)
	if len(sources) > 0 {
		enabled := make([]discovery.Source, 0, len(sources))
		for _, s := range sources {
			switch discovery.Source(s) {
			case discovery.SourceSSDP, discovery.SourceMDNS, discovery.SourcePortScan:
				enabled = append(enabled, discovery.Source(s))
			}
		}
		if len(enabled) > 0 {
			cfg.EnabledSources = enabled
		}
	}
	return cfg
}

// SourceEnabled reports whether a discovery source participates.
func (c BlastConfig) SourceEnabled(s discovery.Source) bool {
	for _, enabled := range c.EnabledSources {
		if enabled == s {
			return true
		}
	}
	return false
}
