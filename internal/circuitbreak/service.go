package circuitbreak

import "git.fleetops.dev/dispatch/golang/convoy/internal/logging"

var CircuitBreakChan chan string

const (
	ElevenLabsService    = "elevenlabs"
	DBService            = "database"
	MinioService         = "minio"
	KafkaProducerService = "kafka_producer"
)

func Init() {
	CircuitBreakChan = make(chan string)
}

func TriggerError(service string) {
	if CircuitBreakChan == nil {
		logging.Logger.Fatal("convoy app is not created")
	}

	CircuitBreakChan <- service
}
