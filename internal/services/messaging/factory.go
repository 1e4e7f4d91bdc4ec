package messaging

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/interfaces"
)

// Transport names accepted in messaging.transport
const (
	TransportSignalCLI  = "signal-cli"
	TransportSignalREST = "signal-rest"
)

// NewMessenger creates the configured transport
func NewMessenger(config common.MessagingConfig, logger arbor.ILogger) (interfaces.Messenger, error) {
	switch config.Transport {
	case TransportSignalCLI, "":
		messenger, err := NewSignalCLI(config.Account, config.SignalCLI, logger)
		if err != nil {
			return nil, err
		}
		return messenger, nil
	case TransportSignalREST:
		messenger, err := NewSignalREST(config.Account, config.SignalREST, logger)
		if err != nil {
			return nil, err
		}
		return messenger, nil
	default:
		return nil, fmt.Errorf("unsupported messaging transport: %s", config.Transport)
	}
}
