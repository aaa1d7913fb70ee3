package defaults

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestConfigYAML_Parses(t *testing.T) {
	var doc map[string]any
	if err := yaml.Unmarshal(ConfigYAML, &doc); err != nil {
		t.Fatalf("example config is not valid YAML: %v", err)
	}
	for _, key := range []string{"listen", "database", "models", "engine", "finance"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("example config missing %q section", key)
		}
	}
}
