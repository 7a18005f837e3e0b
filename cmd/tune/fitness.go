package main

import (
	"math"
	"sync"

	"github.com/pthm-cable/pbf/config"
	"github.com/pthm-cable/pbf/sim"
	"github.com/pthm-cable/pbf/telemetry"
)

// Fitness weights.
const (
	weightDensity   = 1.0  // mean relative density error past warmup
	weightNonFinite = 10.0 // per discarded correction per frame
	weightDiverge   = 5.0  // constraint error that grew across iterations
	weightEnergy    = 0.01 // kinetic energy per particle in the last window

	warmupWindows = 2 // skip the initial collapse
)

// FitnessEvaluator runs headless simulations and computes fitness.
type FitnessEvaluator struct {
	params      *ParamVector
	frames      int
	seeds       []int64
	baseConfig  *config.Config
	statsWindow int

	mu          sync.Mutex
	lastError   float64 // density error from most recent Evaluate call
	lastNonFin  int
	bestFitness float64
}

// NewFitnessEvaluator creates a new evaluator.
func NewFitnessEvaluator(params *ParamVector, frames int, seeds []int64, baseCfg *config.Config) *FitnessEvaluator {
	return &FitnessEvaluator{
		params:      params,
		frames:      frames,
		seeds:       seeds,
		baseConfig:  baseCfg,
		statsWindow: 30,
		bestFitness: math.Inf(1),
	}
}

// LastDensityError returns the density error from the most recent evaluation.
func (fe *FitnessEvaluator) LastDensityError() float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastError
}

// LastNonFinite returns the non-finite count from the most recent evaluation.
func (fe *FitnessEvaluator) LastNonFinite() int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastNonFin
}

// runResult holds the results from a single simulation run.
type runResult struct {
	windows []telemetry.WindowStats
	rho0    float64
	failed  bool
}

// seedResult holds the result from one seed evaluation.
type seedResult struct {
	fitness      float64
	densityError float64
	nonFinite    int
}

// Evaluate computes fitness for a parameter vector (lower = better).
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	results := make([]seedResult, len(fe.seeds))
	var wg sync.WaitGroup

	for i, seed := range fe.seeds {
		wg.Add(1)
		go func(idx int, s int64) {
			defer wg.Done()
			r := fe.runSimulation(x, s)
			results[idx] = scoreRun(r)
		}(i, seed)
	}
	wg.Wait()

	var totalFitness, totalError float64
	var totalNonFinite int
	for _, r := range results {
		totalFitness += r.fitness
		totalError += r.densityError
		totalNonFinite += r.nonFinite
	}

	n := float64(len(fe.seeds))
	avgFitness := totalFitness / n

	fe.mu.Lock()
	fe.bestFitness = math.Min(fe.bestFitness, avgFitness)
	fe.lastError = totalError / n
	fe.lastNonFin = totalNonFinite
	fe.mu.Unlock()

	return avgFitness
}

// runSimulation executes a single headless simulation run.
func (fe *FitnessEvaluator) runSimulation(x []float64, seed int64) *runResult {
	cfg := fe.baseConfig.Clone()
	fe.params.ApplyToConfig(cfg, x)
	// Seeds run concurrently; each gets one worker
	cfg.Parallel.Workers = 1

	result := &runResult{rho0: cfg.Fluid.TargetDensity}
	s, err := sim.New(sim.Options{
		Config:      cfg,
		Seed:        seed,
		StatsWindow: fe.statsWindow,
		StatsCallback: func(stats telemetry.WindowStats) {
			result.windows = append(result.windows, stats)
		},
	})
	if err != nil {
		result.failed = true
		return result
	}
	defer s.Close()

	if err := s.Run(fe.frames); err != nil {
		result.failed = true
	}
	return result
}

// scoreRun turns window statistics into a scalar fitness.
func scoreRun(r *runResult) seedResult {
	if r.failed || len(r.windows) <= warmupWindows {
		return seedResult{fitness: math.Inf(1)}
	}

	valid := r.windows[warmupWindows:]
	var densityErr, diverge float64
	var nonFinite, frames int
	for _, w := range valid {
		densityErr += math.Abs(w.DensityMean-r.rho0) / r.rho0
		if w.ConstraintFirst > 0 && w.ConstraintLast > w.ConstraintFirst {
			diverge += (w.ConstraintLast - w.ConstraintFirst) / w.ConstraintFirst
		}
		nonFinite += w.NonFinite
		frames += int(w.WindowEndFrame - w.WindowStartFrame)
	}
	n := float64(len(valid))
	densityErr /= n
	diverge /= n

	last := valid[len(valid)-1]
	energy := 0.0
	if last.Particles > 0 {
		energy = last.KineticEnergy / float64(last.Particles)
	}

	fitness := weightDensity*densityErr +
		weightNonFinite*float64(nonFinite)/float64(max(frames, 1)) +
		weightDiverge*diverge +
		weightEnergy*energy

	return seedResult{fitness: fitness, densityError: densityErr, nonFinite: nonFinite}
}
