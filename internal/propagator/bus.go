package propagator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ddworken/lookupguard/shared"
	"github.com/sirupsen/logrus"
)

const topicPrefix = "lookupguard.changes."

func topic(table shared.Table) string {
	return topicPrefix + string(table)
}

// Bus fans change events out to every session in this process. Publishing blocks until each
// subscriber has taken the event, which keeps per-publisher ordering intact.
type Bus struct {
	pubSub *gochannel.GoChannel
	log    logrus.FieldLogger
}

func NewBus(log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NewStdLogger(false, false),
	)
	return &Bus{pubSub: pubSub, log: log.WithField("component", "propagator")}
}

func (b *Bus) PublishChange(ctx context.Context, evt shared.ChangeEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	id := evt.Id
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set("address", evt.Address)
	msg.Metadata.Set("op", string(evt.Op))
	msg.SetContext(ctx)
	if err := b.pubSub.Publish(topic(evt.Table), msg); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Subscribe streams the changes of one table until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, table shared.Table) (<-chan shared.ChangeEvent, error) {
	messages, err := b.pubSub.Subscribe(ctx, topic(table))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", table, err)
	}

	events := make(chan shared.ChangeEvent)
	go func() {
		defer close(events)

		for msg := range messages {
			var evt shared.ChangeEvent
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				b.log.WithError(err).WithField("message_id", msg.UUID).Warn("dropping undecodable change event")
				msg.Ack()
				continue
			}

			select {
			case events <- evt:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()

	return events, nil
}

func (b *Bus) Close() error {
	return b.pubSub.Close()
}
