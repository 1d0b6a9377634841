package healthchecker

import (
	"git.fleetops.dev/dispatch/golang/convoy/internal/config"
	"git.fleetops.dev/dispatch/golang/convoy/internal/kafka"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var healtcheckerMsg = "healthchecker msg"

func CheckKafkaProducer() error {
	kafkaProducer, err := kafka.NewProducer()
	if err != nil {
		logging.Logger.Error("failed to create new kafka producer client", zap.String("error", err.Error()))
		return err
	}

	_, _, err = kafkaProducer.SendMessage(
		config.Conf.KafkaCallEventsTopic,
		[]byte(uuid.New().String()),
		[]byte(healtcheckerMsg),
	)

	return err
}
