package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/av-coders/avlink/internal/device"
	"github.com/av-coders/avlink/internal/transport"
)

// sendRequest is the body of POST /devices/{id}/send.
// Raw is base64 in JSON.
type sendRequest struct {
	Hex    string `json:"hex,omitempty"`
	Text   string `json:"text,omitempty"`
	Raw    []byte `json:"raw,omitempty"`
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
}

// actionResponse acknowledges a send or lifecycle request.
type actionResponse struct {
	Status   string                    `json:"status"`
	DeviceID string                    `json:"device_id"`
	Action   string                    `json:"action"`
	State    transport.ConnectionState `json:"state"`
	Queued   int                       `json:"queued"`
}

// handleListDevices returns all devices, optionally filtered by
// ?transport= and ?state=.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	kind := strings.ToLower(r.URL.Query().Get("transport"))
	state := strings.ToLower(r.URL.Query().Get("state"))

	devices := make([]device.Info, 0, s.registry.Count())
	for _, d := range s.registry.List() {
		info := d.Info()
		if kind != "" && info.Transport != kind {
			continue
		}
		if state != "" && info.State.String() != state {
			continue
		}
		devices = append(devices, info)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d.Info())
}

// handleSend forwards a payload to the device. The response is 202: the
// payload was handed to the transport, which sends or queues it.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	cmd := device.Command{
		Hex:    req.Hex,
		Text:   req.Text,
		Raw:    req.Raw,
		Method: req.Method,
		Path:   req.Path,
	}
	if err := d.Send(cmd); err != nil {
		if errors.Is(err, device.ErrInvalidCommand) {
			writeValidationError(w, err.Error())
			return
		}
		writeInternalError(w, "send failed")
		return
	}

	s.logger.Debug("command accepted", "device_id", d.ID, "request_id", r.Context().Value(ctxKeyRequestID))
	s.writeAction(w, d, "send")
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "connect", transport.Connection.Connect)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "disconnect", transport.Connection.Disconnect)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "reconnect", transport.Connection.Reconnect)
}

// lifecycle runs a non-blocking connection operation and reports the state
// observed immediately afterwards.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, action string, op func(transport.Connection)) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	op(d.Conn)

	caller := ""
	if c := claimsFromContext(r.Context()); c != nil {
		caller = c.Subject
	}
	s.logger.Info("device lifecycle requested", "device_id", d.ID, "action", action, "caller", caller)
	s.writeAction(w, d, action)
}

func (s *Server) writeAction(w http.ResponseWriter, d *device.Device, action string) {
	stats := d.Conn.Stats()
	writeJSON(w, http.StatusAccepted, actionResponse{
		Status:   "accepted",
		DeviceID: d.ID,
		Action:   action,
		State:    stats.State,
		Queued:   stats.Queued,
	})
}

func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	id := chi.URLParam(r, "id")
	d, err := s.registry.Get(id)
	if err != nil {
		writeNotFound(w, "device not found: "+id)
		return nil, false
	}
	return d, true
}
