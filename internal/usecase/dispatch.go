package usecase

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoutingRule maps a title fragment to an agent.
type RoutingRule struct {
	Match string `yaml:"match"`
	Agent string `yaml:"agent"`
}

// RoutingTable resolves the agent responsible for a backlog item from its
// title. Rules are matched in order, case-insensitively, on substring.
type RoutingTable struct {
	Rules   []RoutingRule `yaml:"rules"`
	Default string        `yaml:"default"`
}

// DefaultRoutingTable is the built-in title mapping.
func DefaultRoutingTable() RoutingTable {
	return RoutingTable{
		Rules: []RoutingRule{
			{Match: "collect requirements", Agent: "requirements_manager"},
			{Match: "run checks", Agent: "dev_worker"},
			{Match: "produce report", Agent: "test_worker"},
			{Match: "test", Agent: "test_worker"},
		},
		Default: "dev_worker",
	}
}

// LoadRoutingTable reads an override table from a YAML file. An empty path
// returns the default table.
func LoadRoutingTable(path string) (RoutingTable, error) {
	if path == "" {
		return DefaultRoutingTable(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return RoutingTable{}, fmt.Errorf("op=routing.Load path=%s: %w", path, err)
	}
	var table RoutingTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return RoutingTable{}, fmt.Errorf("op=routing.Load path=%s: %w", path, err)
	}
	if table.Default == "" {
		table.Default = DefaultRoutingTable().Default
	}
	return table, nil
}

// Route returns the agent target for an item title.
func (t RoutingTable) Route(title string) string {
	lower := strings.ToLower(title)
	for _, rule := range t.Rules {
		if strings.Contains(lower, strings.ToLower(rule.Match)) {
			return rule.Agent
		}
	}
	return t.Default
}
