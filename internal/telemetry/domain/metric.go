package telemetry

import "strings"

// Metric describes a recognized payload key.
type Metric struct {
	Key     string
	Unit    string
	Boolean bool
}

var metricCatalog = buildCatalog(
	Metric{Key: "Temperature", Unit: "°C"},
	Metric{Key: "Humidity", Unit: "%"},
	Metric{Key: "CO2", Unit: "ppm"},
	Metric{Key: "CO", Unit: "ppm"},
	Metric{Key: "Gas", Unit: "ppm"},
	Metric{Key: "PM10", Unit: "µg/m³"},
	Metric{Key: "PM25", Unit: "µg/m³"},
	Metric{Key: "Illuminance", Unit: "lx"},
	Metric{Key: "Noise", Unit: "dB"},
	Metric{Key: "Vibration", Unit: "mm/s"},
	Metric{Key: "WaterLevel", Unit: "cm"},
	Metric{Key: "Voltage", Unit: "V"},
	Metric{Key: "Current", Unit: "A"},
	Metric{Key: "Battery", Unit: "%"},
	Metric{Key: "Smoke", Boolean: true},
	Metric{Key: "Fire", Boolean: true},
	Metric{Key: "Leak", Boolean: true},
	Metric{Key: "Door", Boolean: true},
	Metric{Key: "Motion", Boolean: true},
)

var metricAliases = map[string]string{
	"pm2.5":       "pm25",
	"pm2_5":       "pm25",
	"temp":        "temperature",
	"flood":       "leak",
	"water_level": "waterlevel",
}

func buildCatalog(metrics ...Metric) map[string]Metric {
	catalog := make(map[string]Metric, len(metrics))
	for _, m := range metrics {
		catalog[strings.ToLower(m.Key)] = m
	}
	return catalog
}

// LookupMetric resolves a payload key case-insensitively to its canonical metric.
func LookupMetric(key string) (Metric, bool) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if alias, ok := metricAliases[normalized]; ok {
		normalized = alias
	}
	metric, ok := metricCatalog[normalized]
	return metric, ok
}
