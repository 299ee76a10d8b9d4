package selfmodify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlCatalogFile is the operator-authored seed format for bootstrapping a
// fresh service catalog: a flat list of service ids and starting prices,
// without any of the runtime performance counters ServicePerformance also
// carries. Unlike the JSON catalog snapshot (machine-written, round-tripped
// verbatim by RunDailyPriceLoop), this file is meant to be hand-edited.
type yamlCatalogFile struct {
	Services []struct {
		ServiceID   string `yaml:"service_id"`
		PriceMicros int64  `yaml:"price_micros"`
	} `yaml:"services"`
}

// ImportCatalogSeed reads a YAML seed file and returns the ServicePerformance
// rows it describes, each starting at zero orders/revenue. Intended for
// first-boot bootstrapping only: New already ignores a nil/empty services
// slice, and this never overwrites an existing persisted catalog.json.
func ImportCatalogSeed(path string) ([]ServicePerformance, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("selfmodify: read catalog seed %s: %w", path, err)
	}
	var wire yamlCatalogFile
	if err := yaml.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("selfmodify: parse catalog seed %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(wire.Services))
	out := make([]ServicePerformance, 0, len(wire.Services))
	for _, svc := range wire.Services {
		if svc.ServiceID == "" {
			return nil, fmt.Errorf("selfmodify: catalog seed %s has an entry with an empty service_id", path)
		}
		if _, dup := seen[svc.ServiceID]; dup {
			return nil, fmt.Errorf("selfmodify: catalog seed %s repeats service_id %q", path, svc.ServiceID)
		}
		if svc.PriceMicros <= 0 {
			return nil, fmt.Errorf("selfmodify: catalog seed %s: service %q has a non-positive price", path, svc.ServiceID)
		}
		seen[svc.ServiceID] = struct{}{}
		out = append(out, ServicePerformance{ServiceID: svc.ServiceID, PriceMicros: svc.PriceMicros})
	}
	return out, nil
}
