package legacy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/driftchat/drift-sync/internal/notify"
	"github.com/driftchat/drift-sync/internal/syncdoc"
)

// Hydrate imports the legacy database into the document. It is a no-op when
// the document already has chats (a cache snapshot or a peer supplied them),
// when no legacy database exists, or when the legacy database holds no
// records at all, which makes it safe to call on every startup. All records land in a single transaction so observers see one
// populated document rather than a trickle.
func Hydrate(ctx context.Context, dbPath string, doc *syncdoc.Doc, notifier *notify.Notifier, log *slog.Logger) (bool, error) {
	if doc == nil {
		return false, errors.New("nil document")
	}
	if log == nil {
		log = slog.Default()
	}

	if doc.Len(syncdoc.CollectionChats) > 0 {
		log.Debug("hydration skipped, document already has chats")
		return false, nil
	}

	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return false, nil
	}
	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			log.Debug("hydration skipped, no legacy database", "path", dbPath)
			return false, nil
		}
		return false, err
	}

	store, err := Open(dbPath)
	if err != nil {
		return false, fmt.Errorf("open legacy database: %w", err)
	}
	defer store.Close()

	chats, err := store.Chats(ctx)
	if err != nil {
		return false, err
	}
	messages, err := store.Messages(ctx)
	if err != nil {
		return false, err
	}
	conversations, err := store.Conversations(ctx)
	if err != nil {
		return false, err
	}
	customModels, err := store.CustomModels(ctx)
	if err != nil {
		return false, err
	}
	customisations, err := store.Customisations(ctx)
	if err != nil {
		return false, err
	}

	total := len(chats) + len(messages) + len(conversations) + len(customModels) + len(customisations)
	if total == 0 {
		log.Debug("hydration skipped, legacy database is empty", "path", dbPath)
		return false, nil
	}

	err = doc.Transact(func(tx *syncdoc.Tx) error {
		for _, c := range chats {
			if err := tx.Set(syncdoc.CollectionChats, c.ID, c); err != nil {
				return err
			}
		}
		for _, m := range messages {
			if err := tx.Set(syncdoc.CollectionMessages, m.ID, m); err != nil {
				return err
			}
		}
		for _, c := range conversations {
			if err := tx.Set(syncdoc.CollectionConversations, c.ID, c); err != nil {
				return err
			}
		}
		for _, m := range customModels {
			if err := tx.Set(syncdoc.CollectionModels, m.ID, m); err != nil {
				return err
			}
		}
		for _, c := range customisations {
			if err := tx.Set(syncdoc.CollectionCustomisation, c.ID, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("import legacy records: %w", err)
	}

	log.Info("legacy database imported",
		"chats", len(chats),
		"messages", len(messages),
		"conversations", len(conversations),
		"custom_models", len(customModels))
	if notifier != nil {
		if len(chats) > 0 {
			notifier.Success(fmt.Sprintf("Imported %d chats from this device's previous database.", len(chats)))
		} else {
			// Settings-only databases (custom models, personalisation) still
			// deserve a heads-up.
			notifier.Success("Imported settings from this device's previous database.")
		}
	}
	return true, nil
}
