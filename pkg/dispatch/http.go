package dispatch

import (
	"encoding/json"
	"net/http"
)

// envelope is the uniform response shape documented in spec §6:
// {success, message, data, error}.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

// Server is the thin net/http adapter over a Dispatcher (§6's
// EXPANSION): it accepts and returns Go values at the Dispatcher
// boundary and has no other dependency on the control plane's internals.
type Server struct {
	dispatcher *Dispatcher
	mux        *http.ServeMux
}

// NewServer builds the route table described in SPEC_FULL.md §6.
func NewServer(dispatcher *Dispatcher) *Server {
	s := &Server{dispatcher: dispatcher, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /servers", s.createServer)
	s.mux.HandleFunc("DELETE /servers/{name}", s.deleteServer)
	s.mux.HandleFunc("GET /servers", s.listServers)
	s.mux.HandleFunc("GET /servers/{name}/health", s.serverHealth)
	s.mux.HandleFunc("POST /servers/{name}/connect", s.connectServer)
	s.mux.HandleFunc("POST /servers/{name}/disconnect", s.disconnectServer)
	s.mux.HandleFunc("POST /tasks", s.createTask)
	s.mux.HandleFunc("GET /tasks/{id}", s.taskStatus)
	s.mux.HandleFunc("DELETE /tasks/{id}", s.cleanupTask)
	s.mux.HandleFunc("POST /tasks/{id}/cancel", s.cancelTask)
	s.mux.HandleFunc("GET /tasks/queue", s.queueStatus)
	s.mux.HandleFunc("GET /builders", s.listBuilders)
}

type createServerRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
	KeyPath  string `json:"key_path,omitempty"`
}

func (s *Server) createServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	kind, ok := PlatformKind(req.Kind)
	if !ok {
		kind = Kind(req.Kind)
	}

	w2 := Worker{
		Name: req.Name,
		Kind: kind,
		Conn: ConnConfig{Host: req.Host, Port: req.Port, User: req.User, Password: req.Password, KeyPath: req.KeyPath},
	}
	if err := s.dispatcher.RegisterWorker(w2); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeOK(w, map[string]string{"name": req.Name})
}

func (s *Server) deleteServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.dispatcher.DeregisterWorker(r.Context(), name); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.dispatcher.ClusterStatus())
}

func (s *Server) serverHealth(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	status, err := s.dispatcher.balancer.WorkerStatus(name)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeOK(w, status)
}

func (s *Server) connectServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.dispatcher.ConnectWorker(r.Context(), name); err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) disconnectServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.dispatcher.DisconnectWorker(r.Context(), name); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeOK(w, nil)
}

type createTaskRequest struct {
	Platform    string      `json:"platform"`
	EntryScript string      `json:"entry_script"`
	Workspace   string      `json:"workspace"`
	Priority    int         `json:"priority"`
	Config      BuildConfig `json:"config"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	job, err := s.dispatcher.Create(req.Platform, req.EntryScript, req.Workspace, Priority(req.Priority), req.Config)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, job.Snapshot())
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.dispatcher.Status(id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeOK(w, snap)
}

func (s *Server) cleanupTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.dispatcher.Cleanup(id); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.dispatcher.Cancel(id); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.dispatcher.QueueStatus())
}

func (s *Server) listBuilders(w http.ResponseWriter, r *http.Request) {
	writeOK(w, []BuilderKind{BuilderPyInstaller, BuilderCxFreeze, BuilderPy2App, BuilderPy2Exe})
}
