package config

import (
	_ "embed"
)

// GeoFallback is the static region/department/commune snapshot served when the
// geographic registry cannot be reached. It uses the registry's own JSON shape.
//
//go:embed geo_fallback.json
var GeoFallback []byte
