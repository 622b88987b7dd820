package runtime

import (
	"net/http"
	"time"

	"github.com/drblury/chirpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chirpflow/internal/runtime/metrics"
)

// PathStats serves the instance snapshot next to /metrics.
const PathStats = "/stats"

// Stats is the JSON document served on PathStats.
type Stats struct {
	InstanceID       string           `json:"instance_id"`
	PubSubSystem     string           `json:"pubsub_system"`
	StoreBackend     string           `json:"store_backend"`
	Uptime           string           `json:"uptime"`
	LocalConnections int              `json:"local_connections"`
	OpenStreams      int              `json:"open_streams"`
	Delivery         metrics.Snapshot `json:"delivery"`
	Resource         ResourceUsage    `json:"resource"`
}

// Stats returns a point-in-time snapshot of this instance.
func (s *Service) Stats() Stats {
	return Stats{
		InstanceID:       s.Conf.InstanceID,
		PubSubSystem:     s.Conf.PubSubSystem,
		StoreBackend:     s.Conf.StoreBackend,
		Uptime:           time.Since(s.startedAt).Round(time.Second).String(),
		LocalConnections: s.registry.Len(),
		OpenStreams:      s.listener.OpenTaps(),
		Delivery:         s.metrics.GetSnapshot(),
		Resource:         s.resources.Snapshot(),
	}
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	data, err := jsoncodec.Marshal(s.Stats())
	if err != nil {
		s.Logger.Error("Failed to encode stats", err, nil)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
