package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/wakeup/internal/dialplan"
	"github.com/flowpbx/wakeup/internal/pbx"
)

type pbxStatusResponse struct {
	Host      string          `json:"host"`
	Connected bool            `json:"connected"`
	System    *pbx.SystemInfo `json:"system,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// handlePBXStatus reports the control channel state and, when reachable,
// the switch version, uptime and channel count. An unreachable PBX is a
// normal status, not an error.
func (s *Server) handlePBXStatus(w http.ResponseWriter, r *http.Request) {
	resp := pbxStatusResponse{Host: s.cfg.PBXHost}
	info, err := s.pbx.SystemInfo(r.Context())
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.System = info
	}
	resp.Connected = s.pbx.Channel().IsConnected()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePBXTest(w http.ResponseWriter, r *http.Request) {
	if err := s.service.TestPBXConnection(r.Context()); err != nil {
		s.writeServiceError(w, r, "pbx test", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.pbx.Peers(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "list peers", err)
		return
	}
	if peers == nil {
		peers = []pbx.Peer{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleExtensionStatus(w http.ResponseWriter, r *http.Request) {
	ext := chi.URLParam(r, "ext")
	if errMsg := validateExtension("ext", ext); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	status, err := s.pbx.ExtensionStatus(r.Context(), ext)
	if err != nil {
		s.writeServiceError(w, r, "extension status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"extension": ext, "status": status})
}

// dialplanParams builds the wake-up context from the running configuration.
// The redis push is rendered only in redis signal mode.
func (s *Server) dialplanParams() dialplan.Params {
	p := dialplan.Params{
		Context: s.cfg.ServiceContext,
		TempDir: s.cfg.RemoteTempDir,
		Snoozes: dialplan.DefaultSnoozes(),
	}
	if s.cfg.SignalMode == "redis" {
		p.RedisAddr = s.cfg.RedisAddr
	}
	return p
}

func (s *Server) handleInstallDialplan(w http.ResponseWriter, r *http.Request) {
	p := s.dialplanParams()
	if err := s.dialplan.Install(r.Context(), p); err != nil {
		s.writeServiceError(w, r, "install dialplan", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installed": true, "context": p.Context})
}

func (s *Server) handleVerifyDialplan(w http.ResponseWriter, r *http.Request) {
	ok, err := s.dialplan.Verify(r.Context(), s.cfg.ServiceContext)
	if err != nil {
		s.writeServiceError(w, r, "verify dialplan", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loaded": ok, "context": s.cfg.ServiceContext})
}
