package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vortexlab/tetracer/config"
)

func TestNewIntegrator(t *testing.T) {
	rk4, err := NewIntegrator(config.IntegrationRK4)
	require.NoError(t, err)
	assert.Equal(t, 4, rk4.NumStages)
	src, err := rk4.KernelSource()
	require.NoError(t, err)
	assert.Contains(t, src, "@compute")

	fe, err := NewIntegrator(config.IntegrationFE)
	require.NoError(t, err)
	assert.Equal(t, 1, fe.NumStages)

	_, err = NewIntegrator(config.IntegrationRK45)
	assert.Error(t, err)

	_, err = NewIntegrator("midpoint")
	assert.Error(t, err)
}
