package healthchecker

import (
	"bytes"
	"context"

	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"git.fleetops.dev/dispatch/golang/convoy/internal/minio"
	"go.uber.org/zap"
)

var probeObjectKey = "healthcheck/probe.json"

func CheckMinio() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	minioClient, err := minio.NewMinioClient()
	if err != nil {
		logging.Logger.Error("failed to create new minio client", zap.String("error", err.Error()))
		return err
	}

	buf := bytes.NewBufferString(`{"probe":true}`)

	_, err = minioClient.Upload(ctx, buf, probeObjectKey)
	if err != nil {
		return err
	}

	_, err = minioClient.Download(ctx, probeObjectKey)
	if err != nil {
		return err
	}

	return nil
}
