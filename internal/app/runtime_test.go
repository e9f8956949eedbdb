package app

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/51f0x/personal-kanban/internal/config"
)

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "node-1", InstanceName(config.BrokerConfig{Consumer: "node-1"}))

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "kanban"
	}
	assert.Equal(t, host, InstanceName(config.BrokerConfig{}))
	assert.Equal(t, InstanceName(config.BrokerConfig{}), InstanceName(config.BrokerConfig{}))
}
