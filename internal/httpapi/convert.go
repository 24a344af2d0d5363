package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/service"
)

// ── Status ───────────────────────────────────────────────────────────────────

func statusToProto(st Status) (*structpb.Struct, error) {
	w := st.Worker
	worker := map[string]any{
		"last_synced_id":     w.LastSyncedID,
		"consecutive_errors": w.ConsecutiveErrors,
		"resets":             w.Resets,
		"gaps":               w.Gaps,
		"ingested":           w.Ingested,
		"running":            w.Running,
		"fail_stopped":       w.FailStopped,
		"last_error":         w.LastError,
	}
	if !w.LastTick.IsZero() {
		worker["last_tick"] = w.LastTick.UTC().Format(time.RFC3339)
	}

	return structpb.NewStruct(map[string]any{
		"worker":              worker,
		"restart_recommended": st.RestartRecommended,
		"auth_failures":       st.AuthFailures,
		"server_time":         st.ServerTime.UTC().Format(time.RFC3339),
	})
}

// ── Manual events ────────────────────────────────────────────────────────────

// manualEventFromProto decodes a google.protobuf.Struct carrying the JSON
// field names of service.ManualEvent.
func manualEventFromProto(r *http.Request) (service.ManualEvent, error) {
	var s structpb.Struct
	if err := readProto(r, &s); err != nil {
		return service.ManualEvent{}, err
	}
	raw, err := s.MarshalJSON()
	if err != nil {
		return service.ManualEvent{}, err
	}
	var m service.ManualEvent
	if err := json.Unmarshal(raw, &m); err != nil {
		return service.ManualEvent{}, err
	}
	return m, nil
}
