package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadAppliesDefaultsWithNoEnvSet(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "worker", cfg.Fabric.Role)
	assert.Equal(t, 3, cfg.Fabric.GossipFanout)
	assert.Equal(t, 30*time.Second, cfg.Fabric.AliveThreshold)
	assert.Equal(t, 90*time.Second, cfg.Fabric.DeadThreshold)
	assert.Equal(t, int64(1_000_000), cfg.Fabric.BaseChunkSize)
	assert.Equal(t, 64, cfg.Fabric.BroadcastMaxInFlight)
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	t.Setenv("NODE_ROLE", "coordinator")
	t.Setenv("GOSSIP_FANOUT", "7")
	t.Setenv("BASE_CHUNK_SIZE", "5000000")

	cfg := Load()

	assert.Equal(t, "coordinator", cfg.Fabric.Role)
	assert.Equal(t, 7, cfg.Fabric.GossipFanout)
	assert.Equal(t, int64(5_000_000), cfg.Fabric.BaseChunkSize)
}

func TestGetEnvIntFallsBackOnNonNumericValue(t *testing.T) {
	t.Setenv("GOSSIP_FANOUT", "not-a-number")
	assert.Equal(t, 3, getEnvInt("GOSSIP_FANOUT", 3))
}

func TestGetEnvFallsBackWhenUnset(t *testing.T) {
	assert.Equal(t, "default", getEnv("FABRICD_TEST_UNSET_KEY", "default"))
}
