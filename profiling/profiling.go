package profiling

import (
	"fmt"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/battery-guard/config"
)

// Profiler wraps the Pyroscope profiler
type Profiler struct {
	profiler *pyroscope.Profiler
	logger   *zap.Logger
}

// ProfileTypes maps the enabled profile flags to Pyroscope profile types
func ProfileTypes(cfg *config.ProfilingConfig) []pyroscope.ProfileType {
	var types []pyroscope.ProfileType
	if cfg.CPUProfile {
		types = append(types, pyroscope.ProfileCPU)
	}
	if cfg.HeapProfile {
		types = append(types,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		)
	}
	if cfg.GoroutineProfile {
		types = append(types, pyroscope.ProfileGoroutines)
	}
	return types
}

// Start pushes profiles to Pyroscope. It returns nil when profiling is disabled.
func Start(cfg *config.ProfilingConfig, logger *zap.Logger) (*Profiler, error) {
	if !cfg.Enabled {
		logger.Info("profiling is disabled")
		return nil, nil
	}

	tags := map[string]string{}
	for k, v := range cfg.Tags {
		tags[k] = v
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   cfg.ApplicationName,
		ServerAddress:     cfg.ServerAddress,
		BasicAuthUser:     cfg.BasicAuthUser,
		BasicAuthPassword: cfg.BasicAuthPassword,
		TenantID:          cfg.TenantID,
		Tags:              tags,
		ProfileTypes:      ProfileTypes(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Pyroscope profiler: %w", err)
	}

	logger.Info("Pyroscope profiler started",
		zap.String("server_address", cfg.ServerAddress),
		zap.String("application_name", cfg.ApplicationName),
	)
	return &Profiler{profiler: profiler, logger: logger}, nil
}

// Stop flushes and stops the profiler
func (p *Profiler) Stop() error {
	if p == nil || p.profiler == nil {
		return nil
	}
	if err := p.profiler.Stop(); err != nil {
		return fmt.Errorf("profiler stop: %w", err)
	}
	p.logger.Info("Pyroscope profiler stopped")
	return nil
}
