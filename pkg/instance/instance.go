package instance

import (
	"os"

	"github.com/angelmondragon/charforge-backend/pkg/env"
)

// GetID identifies the running replica in logs and lock ownership.
// CHARFORGE_INSTANCE_ID wins, then the platform's DYNO name, then the hostname.
func GetID() string {
	if id := env.Get("CHARFORGE_INSTANCE_ID", env.Get("DYNO", "")); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
