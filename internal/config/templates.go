package config

import (
	"fmt"
	"os"
)

func Template() string {
	return defaultTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o600)
}

const defaultTemplate = `log_level = "info"
conn_types = [
  "Backchannel",
  "Local AT",
  "Remote AT",
  "Modem Status",
  "Transmit Status",
  "16-bit Data",
  "64-bit Data",
  "16-bit I/O",
  "64-bit I/O",
]

[daemon]
listen_addr = ":7700"
admin_addr = ":7701"
max_connections = 1024
max_payload_bytes = 4096
admin_token = ""

[client]
address = "127.0.0.1:7700"
timeout = "10s"
tx_buf_size = 1024
queue_depth = 8
dial_timeout = "5s"
write_timeout = "5s"
max_dial_attempts = 5
`
