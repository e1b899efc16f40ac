package protocol

import "context"

// TriggerCallback receives one raw trigger input from a source. The payload
// is normalized by the trigger intake before anything else happens to it.
type TriggerCallback func(ctx context.Context, raw any) error

// TriggerSource is a long-running producer of trigger inputs, such as the
// cron scheduler or the upstream-completion queue consumer.
type TriggerSource interface {
	Start(ctx context.Context, callback TriggerCallback) error
	Stop(ctx context.Context) error
}
