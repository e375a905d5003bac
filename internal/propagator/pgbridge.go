package propagator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ddworken/lookupguard/shared"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const NotifyChannel = "lookupguard_changes"

// PostgresNotifier publishes change events with pg_notify so that every server process attached
// to the same database sees them.
type PostgresNotifier struct {
	db *gorm.DB
}

func NewPostgresNotifier(db *gorm.DB) *PostgresNotifier {
	return &PostgresNotifier{db: db}
}

func (n *PostgresNotifier) PublishChange(ctx context.Context, evt shared.ChangeEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	tx := n.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", NotifyChannel, string(payload))
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return nil
}

// ListenPostgres forwards notifications sent by PostgresNotifier into bus until ctx is cancelled.
func ListenPostgres(ctx context.Context, dsn string, bus *Bus, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "pgbridge")
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).WithField("event", ev).Warn("postgres listener event")
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	go func() {
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				if n == nil {
					// Sent after a reconnect. Notifications during the outage are lost.
					log.Warn("postgres listener reconnected")
					continue
				}
				evt, err := decodeNotification(n.Extra)
				if err != nil {
					log.WithError(err).Warn("dropping undecodable notification")
					continue
				}
				if err := bus.PublishChange(ctx, evt); err != nil {
					log.WithError(err).Warn("failed to republish notification")
				}
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()
	return nil
}

func decodeNotification(payload string) (shared.ChangeEvent, error) {
	var evt shared.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return evt, fmt.Errorf("failed to decode notification: %w", err)
	}
	if evt.Table == "" {
		return evt, fmt.Errorf("notification %#v has no table", payload)
	}
	return evt, nil
}
