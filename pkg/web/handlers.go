package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ntsync/ntsync-go/pkg/connection"
	"github.com/ntsync/ntsync-go/pkg/topic"
)

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	State      string   `json:"state"`
	Connected  bool     `json:"connected"`
	Address    string   `json:"address,omitempty"`
	ServerTime int64    `json:"server_time,omitempty"`
	Topics     []string `json:"topics"`
	Pending    int      `json:"pending_writes"`
	Clients    int      `json:"ws_clients"`
}

// TopicResponse is returned by topic reads.
type TopicResponse struct {
	Topic     string      `json:"topic"`
	Value     topic.Value `json:"value"`
	Timestamp int64       `json:"timestamp"`
	Origin    string      `json:"origin"`
	Active    bool        `json:"active"`
}

type connectRequest struct {
	Address string `json:"address"`
}

type writeRequest struct {
	Value *topic.Value `json:"value"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.engine.State()
	resp := StatusResponse{
		State:     state.String(),
		Connected: state == connection.StateConnected,
		Address:   s.engine.Address(),
		Topics:    []string{},
		Pending:   s.engine.Pending(),
		Clients:   s.hub.ClientCount(),
	}
	if resp.Connected {
		resp.ServerTime = s.engine.ServerTime()
	}
	for _, name := range s.engine.Topics() {
		resp.Topics = append(resp.Topics, name.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Address == "" {
		writeBadRequest(w, "address is required")
		return
	}
	if err := s.engine.Connect(r.Context(), req.Address); err != nil {
		writeEngineError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.engine.Disconnect()
	s.handleStatus(w, r)
}

func (s *Server) handleListTopics(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Snapshot()
	out := make([]TopicResponse, 0, len(snap))
	for name, entry := range snap {
		out = append(out, s.topicResponse(name, entry))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	name, ok := topicParam(w, r)
	if !ok {
		return
	}
	entry, found := s.engine.Get(name)
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no cached value for "+name.String())
		return
	}
	writeJSON(w, http.StatusOK, s.topicResponse(name, entry))
}

func (s *Server) handlePutTopic(w http.ResponseWriter, r *http.Request) {
	name, ok := topicParam(w, r)
	if !ok {
		return
	}
	var req writeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeBadRequest(w, "body must be {\"value\": boolean|number|string}")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}
	if err := s.engine.Write(r.Context(), name, *req.Value); err != nil {
		writeEngineError(w, err)
		return
	}
	entry, _ := s.engine.Get(name)
	writeJSON(w, http.StatusOK, s.topicResponse(name, entry))
}

func (s *Server) topicResponse(name topic.Name, e topic.Entry) TopicResponse {
	return TopicResponse{
		Topic:     name.String(),
		Value:     e.Value,
		Timestamp: e.Timestamp,
		Origin:    e.Origin.String(),
		Active:    s.engine.Active(name),
	}
}

// topicParam extracts the topic name from the wildcard route segment. The
// leading slash is restored, so /api/v1/topics/Foo/Bar reads "/Foo/Bar".
func topicParam(w http.ResponseWriter, r *http.Request) (topic.Name, bool) {
	name, err := topic.ParseName("/" + chi.URLParam(r, "*"))
	if err != nil || name == "/" {
		writeError(w, http.StatusBadRequest, "INVALID_TOPIC", "topic name is required")
		return "", false
	}
	return name, true
}
