package config

import (
	"fmt"
	"os"
)

// Template is a starter controller config with one tenant, one UE and one
// preloaded trigger.
const Template = `[controller]
id = "measctl"
agent_addr = ":4433"
http_addr = ":8888"
schedule = "@every 2s"
cors_origins = ["http://localhost:3000"]
callback_timeout = "5s"

[session]
read_timeout = "30s"
write_timeout = "5s"
heartbeat_interval = "5s"
dead_after = "15s"
outbox_size = 256

[[tenants]]
id = "52313ecb-9d00-4b7d-b873-b55d3d9ada26"
name = "default"

  [[tenants.ues]]
  imsi = 222930100001114
  rnti = 71
  enb_id = 1
  cell_id = 1

[[triggers]]
tenant = "default"
imsi = 222930100001114

  [[triggers.measurements]]
  earfcn = 1750
  interval = 2000
  max_cells = 2
  max_meas = 2
`

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}
