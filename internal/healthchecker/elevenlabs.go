package healthchecker

import (
	"context"
	"errors"

	"git.fleetops.dev/dispatch/golang/convoy/internal/elevenlabs"
)

var probeConversationID = "healthcheck_probe"

// CheckElevenLabs probes vendor reachability. A vendor-side 404 or rejection
// for the probe id still proves the API is reachable; only transport failures
// count as unhealthy.
func CheckElevenLabs() error {
	elevenLabsService := elevenlabs.NewService()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := elevenLabsService.GetConversation(ctx, probeConversationID)
	if errors.Is(err, elevenlabs.ErrConversationNotFound) || errors.Is(err, elevenlabs.ErrVendorRejected) {
		return nil
	}

	return err
}
