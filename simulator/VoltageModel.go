package simulator

import "math"

// DC pack voltage model: sigmoid-shaped open-circuit voltage from state of charge.

const (
	DefaultCellCount = 108

	cellVoltageMin = 3.2
	cellVoltageMax = 4.2

	// European three-phase line voltage for AC connectors.
	ACGridVoltageV = 400.0
)

var Sqrt3 = math.Sqrt(3)

// CellOCV computes a single cell's open-circuit voltage from the state of
// charge expressed as a fraction in [0, 1].
func CellOCV(soc float64) float64 {
	plateau := 0.95 - 0.25/(1+math.Exp(20*(soc-0.5)))
	return cellVoltageMin + (cellVoltageMax-cellVoltageMin)*plateau
}

// PackVoltageV computes the DC pack voltage for a state of charge percentage.
// SoC is clamped to [0, 100] before evaluation.
func PackVoltageV(socPct float64, cells int) float64 {
	soc := math.Max(0, math.Min(100, socPct)) / 100.0
	return CellOCV(soc) * float64(cells)
}

// ACPowerToCurrentA converts three-phase power to per-phase current,
// I = P / (sqrt(3) * 400V).
func ACPowerToCurrentA(powerW float64) float64 {
	return powerW / (Sqrt3 * ACGridVoltageV)
}

// ACCurrentToPowerW converts per-phase current to three-phase power,
// P = sqrt(3) * 400V * I.
func ACCurrentToPowerW(currentA float64) float64 {
	return Sqrt3 * ACGridVoltageV * currentA
}
