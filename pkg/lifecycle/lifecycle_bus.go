package lifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"
)

const PipelineStateTopic = "pipeline_state"

// State values published over the bus.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

// Transition is published whenever a pipeline changes state.
type Transition struct {
	PipelineName string `json:"pipelineName"`
	State        string `json:"state"`
}

// Bus is a typed wrapper over the process-wide event bus used to decouple
// pipeline lifecycle notifications from their observers.
type Bus[MessageType any] interface {
	Subscribe(topic string, handler func(message MessageType) error, transactional bool) error
	Publish(topic string, message MessageType) error
}

type BusImpl[MessageType any] struct {
	eventBus EventBus.Bus
	logger   *zap.Logger
}

func NewBus[MessageType any](eventBus EventBus.Bus, logger *zap.Logger) Bus[MessageType] {
	return &BusImpl[MessageType]{
		eventBus: eventBus,
		logger:   logger,
	}
}

func (b *BusImpl[MessageType]) Subscribe(
	topic string,
	handler func(message MessageType) error,
	transactional bool,
) error {
	err := b.eventBus.SubscribeAsync(
		topic,
		func(arg string) {
			var message MessageType
			err := json.Unmarshal([]byte(arg), &message)
			if err != nil {
				b.logger.Error("Failed to unmarshal message during subscription of topic",
					zap.String("topic", topic),
					zap.Error(err),
				)
				return
			}
			err = handler(message)
			if err != nil {
				b.logger.Error("Failed to handle message during subscription of topic",
					zap.String("topic", topic),
					zap.Error(err),
				)
			}
		},
		transactional,
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return nil
}

func (b *BusImpl[MessageType]) Publish(topic string, message MessageType) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message during publishing of topic %s: %w", topic, err)
	}
	b.eventBus.Publish(topic, string(messageBytes))
	return nil
}
