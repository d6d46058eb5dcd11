package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarmapp "sensorguard-cloud/internal/alarms/application"
	alarms "sensorguard-cloud/internal/alarms/domain"
)

func TestKafkaSink_PublishesVisibleAndCleared(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var msg alarmapp.AlarmMessage
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		if msg.EventID != "evt-1" || msg.Level != alarms.LevelDanger {
			return errors.New("unexpected message")
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	sink, err := NewKafkaSink(producer, WithTopic("alarms.test"))
	require.NoError(t, err)
	defer sink.Close()

	created := sampleOutcome(alarmapp.OutcomeCreated)
	sent, err := sink.Publish(context.Background(), created)
	require.NoError(t, err)
	assert.True(t, sent)

	sameLevel := sampleOutcome(alarmapp.OutcomeUpdated)
	sameLevel.PreviousLevel = alarms.LevelDanger
	sent, err = sink.Publish(context.Background(), sameLevel)
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = sink.Publish(context.Background(), sampleOutcome(alarmapp.OutcomeCleared))
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestKafkaSink_ReportsProducerFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink, err := NewKafkaSink(producer)
	require.NoError(t, err)
	defer sink.Close()

	_, err = sink.Publish(context.Background(), sampleOutcome(alarmapp.OutcomeCreated))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestNewKafkaSink_RequiresProducer(t *testing.T) {
	_, err := NewKafkaSink(nil)
	assert.Error(t, err)
}
