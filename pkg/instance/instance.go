package instance

import (
	"os"

	"github.com/angelmondragon/multimart-backend/pkg/env"
)

const fallbackID = "worker-0"

// GetID identifies this process among replicas. An explicit worker id wins,
// then the hostname.
func GetID() string {
	if id := env.First("", "MULTIMART_WORKER_ID", "WORKER_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackID
}
