// Package impact estimates the energy and carbon footprint of token usage.
// The methodology follows EcoLogits-style per-token energy profiles combined
// with regional grid carbon-intensity figures.
package impact

import "strings"

// EnergyProfile holds per-token energy figures for one model family, in Wh.
type EnergyProfile struct {
	EnergyPerInputToken  float64 // Wh per input token
	EnergyPerOutputToken float64 // Wh per output token
	BaseEnergy           float64 // Wh base cost per request
}

// Estimate is the environmental footprint of some amount of usage.
type Estimate struct {
	EnergyWh        float64 `json:"energy_wh"`
	CO2Grams        float64 `json:"co2_grams"`
	CarbonIntensity float64 `json:"carbon_intensity_gco2_kwh"`
	Region          string  `json:"region"`
}

var (
	sonnetProfile = EnergyProfile{EnergyPerInputToken: 0.0001, EnergyPerOutputToken: 0.0003, BaseEnergy: 0.01}
	haikuProfile  = EnergyProfile{EnergyPerInputToken: 0.00005, EnergyPerOutputToken: 0.00015, BaseEnergy: 0.005}
	opusProfile   = EnergyProfile{EnergyPerInputToken: 0.0002, EnergyPerOutputToken: 0.0005, BaseEnergy: 0.02}
)

// regionalIntensity maps region identifiers to gCO2/kWh grid estimates.
var regionalIntensity = map[string]float64{
	"us-west-1":      350,
	"us-west-2":      380,
	"us-east-1":      420,
	"us-east-2":      450,
	"eu-west-1":      300,
	"eu-central-1":   400,
	"ap-southeast-1": 500,
	"ap-northeast-1": 350,
}

// DefaultIntensity is the global-average fallback in gCO2/kWh.
const DefaultIntensity = 400

// ProfileFor returns the energy profile for a model name. Unknown models get
// the mid-size (Sonnet-class) profile.
func ProfileFor(modelName string) EnergyProfile {
	name := strings.ToLower(modelName)
	switch {
	case strings.Contains(name, "haiku"):
		return haikuProfile
	case strings.Contains(name, "opus"):
		return opusProfile
	default:
		return sonnetProfile
	}
}

// CarbonIntensity returns the grid intensity for a region identifier,
// falling back to the global average.
func CarbonIntensity(region string) float64 {
	if v, ok := regionalIntensity[strings.ToLower(strings.TrimSpace(region))]; ok {
		return v
	}
	return DefaultIntensity
}

// EnergyWh estimates energy consumption in watt-hours for a request count
// and token totals under the given model's profile.
func EnergyWh(modelName string, inputTokens, outputTokens, requests int64) float64 {
	p := ProfileFor(modelName)
	return float64(inputTokens)*p.EnergyPerInputToken +
		float64(outputTokens)*p.EnergyPerOutputToken +
		float64(requests)*p.BaseEnergy
}

// EstimateUsage converts token totals into an environmental estimate for a
// region. When several models contributed to the totals, the caller picks a
// representative model name (the estimates are coarse by nature).
func EstimateUsage(modelName, region string, inputTokens, outputTokens, requests int64) Estimate {
	energy := EnergyWh(modelName, inputTokens, outputTokens, requests)
	intensity := CarbonIntensity(region)
	return Estimate{
		EnergyWh:        energy,
		CO2Grams:        energy / 1000 * intensity,
		CarbonIntensity: intensity,
		Region:          normalizeRegion(region),
	}
}

func normalizeRegion(region string) string {
	region = strings.ToLower(strings.TrimSpace(region))
	if _, ok := regionalIntensity[region]; ok {
		return region
	}
	return "default"
}
