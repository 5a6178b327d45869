package testfixtures

import (
	"fmt"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/adapter"
)

// RegisterDriver wires the "testfixtures" driver into reg: driver_config
// must carry a "table" key naming one of s's tables ("users_all", "groups",
// "groupmembers"). Intended for demo/smoke-test wiring in cmd/hermes-server,
// not production use.
func RegisterDriver(reg *adapter.Registry, s *Scenario) {
	reg.Register("testfixtures", func(sourceName string, raw map[string]any) (adapter.Adapter, error) {
		table, _ := raw["table"].(string)
		switch table {
		case "users_all":
			return s.Users, nil
		case "groups":
			return s.Groups, nil
		case "groupmembers":
			return s.Memberships, nil
		default:
			return nil, fmt.Errorf("testfixtures: unknown table %q for source %q", table, sourceName)
		}
	})
}
