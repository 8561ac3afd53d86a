package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/dukex/devicehub/pkg/persistence/file"
	"github.com/dukex/devicehub/pkg/persistence/memory"
	"github.com/dukex/devicehub/pkg/persistence/postgresql"
	"github.com/dukex/devicehub/pkg/persistence/sqlite"
)

var supportedPersistenceProviders = []string{"postgres", "postgresql", "sqlite", "file", "memory"}

// NewPersistence opens the store selected by the scheme of databaseURL.
// SQL stores apply pending migrations while opening.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider, err := parsePersistenceProvider(databaseURL)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "Opening persistence", "provider", provider)

	var store persistence.Persistence

	switch provider {
	case "postgres", "postgresql":
		store, err = postgresql.NewPersistence(ctx, logger, databaseURL)
	case "sqlite":
		store, err = sqlite.NewPersistence(ctx, logger, databaseURL)
	case "file":
		store, err = file.NewPersistence(databaseURL)
	default:
		store = memory.NewPersistence()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open %s persistence: %w", provider, err)
	}

	return store, nil
}

func parsePersistenceProvider(databaseURL string) (string, error) {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "", fmt.Errorf("database URL %q has no scheme, expected one of %v", databaseURL, supportedPersistenceProviders)
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider, nil
		}
	}

	return "", fmt.Errorf("unsupported persistence provider %q, expected one of %v", provider, supportedPersistenceProviders)
}
