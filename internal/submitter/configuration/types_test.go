package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/jobsubmitter/internal/common"
	commonconfig "github.com/armadaproject/jobsubmitter/internal/common/config"
	"github.com/armadaproject/jobsubmitter/internal/submitter/backend"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

func TestDefaultConfig(t *testing.T) {
	var config Configuration
	_, err := common.LoadConfig(&config, "../../../config/jobsubmitter", nil, "JOBSUBMITTER_TEST")
	require.NoError(t, err)
	require.NoError(t, commonconfig.Validate(config))

	assert.Equal(t, 5*time.Minute, config.CyclePeriod)
	assert.Equal(t, 500, config.MaxJobsPerCycle)
	assert.Equal(t, 500, config.PackageSize)
	assert.Equal(t, model.DefaultDrainExemptTaskTypes, config.DrainExemptTaskTypes)
	assert.False(t, config.StrictDrain)
	assert.Equal(t, RedisRegistry, config.Registry.Mode)
	assert.Equal(t, "condor", config.Backend.Default)
	require.Len(t, config.Backend.Cli, 1)
	assert.Equal(t, 100, config.Backend.Cli[0].ChunkSize)
	assert.False(t, config.UsesNats())
}

func TestUsesNats(t *testing.T) {
	tests := map[string]struct {
		config   Configuration
		expected bool
	}{
		"nothing": {
			config: Configuration{},
		},
		"alerts": {
			config:   Configuration{Alerts: AlertsConfig{Subject: "alerts"}},
			expected: true,
		},
		"nats backend": {
			config: Configuration{Backend: BackendConfig{Nats: []backend.NatsConfig{
				{Name: "gateway", SubjectPrefix: "grid"},
			}}},
			expected: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.config.UsesNats())
		})
	}
}
