package transfer

import (
	"context"

	"github.com/italolelis/assetfetch/internal/telemetry"
	"github.com/italolelis/assetfetch/internal/transport"
)

// InstrumentedTransport wraps a transport.Transport with telemetry.
type InstrumentedTransport struct {
	transport  transport.Transport
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedTransport creates a new instrumented transport.
func NewInstrumentedTransport(tr transport.Transport, tel *telemetry.Telemetry, clientType string) *InstrumentedTransport {
	return &InstrumentedTransport{
		transport:  tr,
		telemetry:  tel,
		clientType: clientType,
	}
}

// NewTransfer issues a fresh transfer with telemetry.
func (t *InstrumentedTransport) NewTransfer(url string, d transport.Delegate) (transport.Handle, error) {
	var result transport.Handle

	var err error

	instrumentedErr := t.telemetry.InstrumentClientOperation(context.Background(), t.clientType, "new_transfer", func(ctx context.Context) error {
		result, err = t.transport.NewTransfer(url, d)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// ResumeTransfer rebuilds a transfer from a continuation token with telemetry.
func (t *InstrumentedTransport) ResumeTransfer(token []byte, d transport.Delegate) (transport.Handle, error) {
	var result transport.Handle

	var err error

	instrumentedErr := t.telemetry.InstrumentClientOperation(context.Background(), t.clientType, "resume_transfer", func(ctx context.Context) error {
		result, err = t.transport.ResumeTransfer(token, d)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
