// Package remotetest provides an in-memory intervention API for tests and
// the demo mode of the local service.
package remotetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/clock"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/remote"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/storage"
)

// Record is one server-side intervention entity.
type Record struct {
	ServerID     string
	Kind         models.InterventionKind
	Fields       map[string]any
	Attachments  []remote.AttachmentMeta
	LastModified time.Time
	LastLocalID  string
	Writes       int
}

// Delivery is one accepted write, in acceptance order.
type Delivery struct {
	LocalID   string
	ServerID  string
	Kind      models.InterventionKind
	CreatedAt time.Time
	Fields    map[string]any
}

// Fault alters the handling of one upcoming submit request.
type Fault struct {
	// Status replies with this code without touching state.
	Status int
	// Malformed replies 200 with a body that is not JSON.
	Malformed bool
	// AcceptThenHang commits the write, then holds the response until the
	// client gives up, as when a reply is lost after the server committed.
	AcceptThenHang bool
}

// Server is an idempotent in-memory implementation of the remote API.
type Server struct {
	mu        sync.Mutex
	clock     clock.Clock
	token     string
	down      bool
	records   map[string]*Record
	byLocalID map[string]string
	delivered []Delivery
	faults    []Fault
	requests  int
	seq       int
}

// NewServer creates an empty Server. A non-empty token is required as a
// bearer token on every request.
func NewServer(clk clock.Clock, token string) *Server {
	return &Server{
		clock:     clk,
		token:     token,
		records:   make(map[string]*Record),
		byLocalID: make(map[string]string),
	}
}

// Seed stores an existing entity.
func (s *Server) Seed(serverID string, kind models.InterventionKind, fields map[string]any, lastModified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[serverID] = &Record{ServerID: serverID, Kind: kind, Fields: fields, LastModified: lastModified}
}

func (r *Record) attachmentHashes() map[string]string {
	if len(r.Attachments) == 0 {
		return nil
	}
	hashes := make(map[string]string, len(r.Attachments))
	for _, a := range r.Attachments {
		hashes[a.Label] = a.Hash
	}
	return hashes
}

// Get returns a copy of an entity.
func (s *Server) Get(serverID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[serverID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Delete drops an entity, as an administrator would.
func (s *Server) Delete(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, serverID)
}

// Deliveries returns the accepted writes in order.
func (s *Server) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.delivered...)
}

// Requests returns how many submit requests arrived.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Inject queues faults for the next submit requests.
func (s *Server) Inject(faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, faults...)
}

// SetDown makes every endpoint answer 503.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Handler returns the HTTP handler serving /health and /api/interventions.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/interventions", s.handleSubmit)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	down := s.down
	var fault Fault
	if len(s.faults) > 0 {
		fault = s.faults[0]
		s.faults = s.faults[1:]
	}
	s.mu.Unlock()

	switch {
	case down:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance"})
		return
	case s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	case fault.Status != 0:
		writeJSON(w, fault.Status, map[string]string{"error": "injected failure"})
		return
	}

	payload, status, err := s.readSubmission(r)
	if err != nil {
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != payload.LocalID {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "idempotency key does not match localId"})
		return
	}

	serverID, conflict := s.apply(payload)
	if conflict != nil {
		writeJSON(w, http.StatusConflict, conflict)
		return
	}

	switch {
	case fault.Malformed:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"serverId":`)
	case fault.AcceptThenHang:
		<-r.Context().Done()
	default:
		writeJSON(w, http.StatusCreated, remote.Acceptance{ServerID: serverID})
	}
}

// readSubmission parses and checks the multipart body. Every attachment
// listed in the payload must arrive with matching size and hash.
func (s *Server) readSubmission(r *http.Request) (*remote.Payload, int, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	var payload remote.Payload
	if err := json.Unmarshal([]byte(r.FormValue("payload")), &payload); err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("decode payload: %w", err)
	}
	form, err := models.DecodeForm(payload.Kind, payload.Fields)
	if err == nil {
		err = models.ValidateForm(form)
	}
	if err != nil {
		return nil, http.StatusUnprocessableEntity, err
	}

	files := r.MultipartForm.File["attachment"]
	if len(files) != len(payload.Attachments) {
		return nil, http.StatusUnprocessableEntity,
			fmt.Errorf("payload lists %d attachments, body has %d", len(payload.Attachments), len(files))
	}
	for i, fh := range files {
		meta := payload.Attachments[i]
		if fh.Filename != meta.Label {
			return nil, http.StatusUnprocessableEntity, fmt.Errorf("attachment %d is %q, want %q", i, fh.Filename, meta.Label)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		hash, err := storage.CalculateHashFromReader(f)
		f.Close()
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		if hash != meta.Hash || fh.Size != meta.Size {
			return nil, http.StatusUnprocessableEntity, fmt.Errorf("attachment %s content does not match its hash", meta.Label)
		}
	}
	return &payload, 0, nil
}

type conflictReply struct {
	Reason      string             `json:"reason"`
	ServerState models.ServerState `json:"serverState"`
}

// apply commits the write, or reports why it conflicts. A replayed
// local id returns the original server id without writing again.
func (s *Server) apply(p *remote.Payload) (string, *conflictReply) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byLocalID[p.LocalID]; ok {
		return id, nil
	}

	now := s.clock.Now().UTC()
	var rec *Record
	if p.ServerID != "" {
		existing, ok := s.records[p.ServerID]
		if !ok {
			return "", &conflictReply{
				Reason:      "target entity no longer exists",
				ServerState: models.ServerState{ServerID: p.ServerID, Missing: true},
			}
		}
		changedSince := existing.LastModified.After(p.CreatedAt)
		acknowledged := !p.BaseVersion.IsZero() && !existing.LastModified.After(p.BaseVersion)
		if changedSince && !acknowledged {
			return "", &conflictReply{
				Reason: "record modified since capture",
				ServerState: models.ServerState{
					ServerID:     existing.ServerID,
					LastModified: existing.LastModified,
					Fields:       existing.Fields,
					Attachments:  existing.attachmentHashes(),
				},
			}
		}
		rec = existing
	} else {
		s.seq++
		rec = &Record{ServerID: fmt.Sprintf("srv-%d", s.seq), Kind: p.Kind}
		s.records[rec.ServerID] = rec
	}

	rec.Fields = p.Fields
	rec.Attachments = p.Attachments
	rec.LastModified = now
	rec.LastLocalID = p.LocalID
	rec.Writes++
	s.byLocalID[p.LocalID] = rec.ServerID
	s.delivered = append(s.delivered, Delivery{
		LocalID:   p.LocalID,
		ServerID:  rec.ServerID,
		Kind:      p.Kind,
		CreatedAt: p.CreatedAt,
		Fields:    p.Fields,
	})
	return rec.ServerID, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
