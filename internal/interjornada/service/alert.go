package service

import "context"

// Alerter delivers operator notifications. Delivery is best effort; the
// caller never waits on or retries a failed alert.
type Alerter interface {
	Alert(ctx context.Context, subject, detail string)
}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, string, string) {}

func alerterOrNop(a Alerter) Alerter {
	if a == nil {
		return nopAlerter{}
	}
	return a
}
