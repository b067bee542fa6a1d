package adapter

import "context"

// Alerter notifies operators about conditions that need attention.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}
