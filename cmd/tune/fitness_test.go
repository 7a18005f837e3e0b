package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pthm-cable/pbf/config"
	"github.com/pthm-cable/pbf/telemetry"
)

func TestParamVectorRoundTrip(t *testing.T) {
	pv := NewParamVector()
	def := pv.DefaultVector()
	assert.InDeltaSlice(t, def, pv.Denormalize(pv.Normalize(def)), 1e-9)

	cfg := config.Default()
	assert.Equal(t, def, pv.ExtractFromConfig(cfg))

	pv.ApplyToConfig(cfg, []float64{-1, 10, 0.01, 0.7})
	assert.Equal(t, 10.0, cfg.Solver.LambdaEpsilon)
	assert.Equal(t, 0.3, cfg.Solver.ScorrK)
	assert.Equal(t, 0.01, cfg.Fluid.ViscosityStrength)
	assert.Equal(t, 0.7, cfg.Fluid.CollisionDamping)
}

func window(start, end int32, density, ke float64) telemetry.WindowStats {
	return telemetry.WindowStats{
		WindowStartFrame: start,
		WindowEndFrame:   end,
		Particles:        100,
		DensityMean:      density,
		KineticEnergy:    ke,
		ConstraintFirst:  0.2,
		ConstraintLast:   0.1,
	}
}

func TestScoreRun(t *testing.T) {
	failed := scoreRun(&runResult{failed: true})
	assert.True(t, math.IsInf(failed.fitness, 1))

	short := scoreRun(&runResult{rho0: 600, windows: []telemetry.WindowStats{window(0, 10, 600, 0)}})
	assert.True(t, math.IsInf(short.fitness, 1))

	good := scoreRun(&runResult{rho0: 600, windows: []telemetry.WindowStats{
		window(0, 10, 900, 50), window(10, 20, 700, 10),
		window(20, 30, 610, 0), window(30, 40, 590, 0),
	}})
	assert.InDelta(t, 10.0/600, good.densityError, 1e-9)
	assert.InDelta(t, 10.0/600, good.fitness, 1e-9)

	bad := scoreRun(&runResult{rho0: 600, windows: []telemetry.WindowStats{
		window(0, 10, 900, 50), window(10, 20, 700, 10),
		window(20, 30, 800, 100), window(30, 40, 800, 100),
	}})
	assert.Greater(t, bad.fitness, good.fitness)
}
