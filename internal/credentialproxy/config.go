package credentialproxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// ReadConfig reads the single JSON configuration line the supervisor
// writes to the proxy process's stdin at startup, per spec.md §4.3.
func ReadConfig(r io.Reader) (Config, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Config{}, fmt.Errorf("credential-proxy: read config: %w", err)
		}
		return Config{}, fmt.Errorf("credential-proxy: no config line on stdin")
	}
	var cfg Config
	if err := json.Unmarshal(scanner.Bytes(), &cfg); err != nil {
		return Config{}, fmt.Errorf("credential-proxy: parse config: %w", err)
	}
	return cfg, nil
}

// WriteReady writes the ready signal line to w once every route is
// listening.
func WriteReady(w io.Writer, ports []int) error {
	enc := json.NewEncoder(w)
	return enc.Encode(ReadyMessage{Status: "ready", Ports: ports})
}
