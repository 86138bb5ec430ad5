package incidentlog

import (
    "encoding/json"
    "errors"
    "net/http"

    "go.uber.org/zap"

    "meshalert/pkg/protocol"
)

// CreateRequest is the POST body for reporting an emergency.
type CreateRequest struct {
    SenderName string            `json:"sender_name"`
    Text       string            `json:"text"`
    Location   protocol.Location `json:"location"`
}

// UpdateRequest is the PUT body for changing an incident's status.
type UpdateRequest struct {
    Status string `json:"status"`
}

type errorBody struct {
    Error string `json:"error"`
}

// Handler builds the HTTP API for a store.
func Handler(s *Store) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("POST /api/emergencies", func(w http.ResponseWriter, r *http.Request) {
        var req CreateRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json body"})
            return
        }
        if req.Text == "" {
            writeJSON(w, http.StatusBadRequest, errorBody{Error: "text is required"})
            return
        }
        in, err := s.Create(Incident{
            SenderName: req.SenderName,
            Text:       req.Text,
            Location:   req.Location,
        })
        if err != nil {
            zap.L().Error("create incident", zap.Error(err))
            writeJSON(w, http.StatusInternalServerError, errorBody{Error: "storage failure"})
            return
        }
        zap.L().Info("incident reported",
            zap.String("id", in.ID),
            zap.String("sender", in.SenderName))
        writeJSON(w, http.StatusCreated, in)
    })
    mux.HandleFunc("GET /api/emergencies", func(w http.ResponseWriter, r *http.Request) {
        writeJSON(w, http.StatusOK, s.List())
    })
    mux.HandleFunc("PUT /api/emergencies/{id}", func(w http.ResponseWriter, r *http.Request) {
        var req UpdateRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json body"})
            return
        }
        in, err := s.UpdateStatus(r.PathValue("id"), req.Status)
        switch {
        case errors.Is(err, ErrNotFound):
            writeJSON(w, http.StatusNotFound, errorBody{Error: "incident not found"})
        case errors.Is(err, ErrBadStatus):
            writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
        case err != nil:
            zap.L().Error("update incident", zap.String("id", r.PathValue("id")), zap.Error(err))
            writeJSON(w, http.StatusInternalServerError, errorBody{Error: "storage failure"})
        default:
            writeJSON(w, http.StatusOK, in)
        }
    })
    return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}
