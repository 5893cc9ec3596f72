package cmd

import (
	"strings"

	"github.com/weftworks/weft/pkg/persistence"
	"github.com/weftworks/weft/pkg/persistence/file"
	"github.com/weftworks/weft/pkg/persistence/memory"
)

// NewPersistence picks a backend from the database URL scheme. file:// paths
// (or bare paths) use the JSON file store; memory:// keeps everything
// in-process, which is only useful for tests and local experiments.
func NewPersistence(databaseURL string) persistence.Persistence {
	switch parseProvider(databaseURL) {
	case "memory":
		return memory.NewPersistence()
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}
}

func parseProvider(databaseURL string) string {
	parts := strings.SplitN(databaseURL, "://", 2)
	if len(parts) < 2 {
		return "file"
	}

	return parts[0]
}
