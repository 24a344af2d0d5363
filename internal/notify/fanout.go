package notify

import (
	"context"
	"log"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/service"
)

// Log writes every alert to the server log.
type Log struct{ Logger *log.Logger }

func (l Log) Alert(_ context.Context, subject, detail string) {
	l.Logger.Printf("ALERT %s: %s", subject, detail)
}

// Fanout delivers each alert to every non-nil alerter in order.
type Fanout []service.Alerter

func (f Fanout) Alert(ctx context.Context, subject, detail string) {
	for _, a := range f {
		if a != nil {
			a.Alert(ctx, subject, detail)
		}
	}
}
