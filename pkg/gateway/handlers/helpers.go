package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vox-go/vox-relay/pkg/core"
	"github.com/vox-go/vox-relay/pkg/gateway/apierror"
	"github.com/vox-go/vox-relay/pkg/gateway/config"
	"github.com/vox-go/vox-relay/pkg/gateway/mw"
)

const maxBodyBytes = 1 << 20

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCoreErrorJSON(w http.ResponseWriter, reqID string, coreErr *core.Error, status int) {
	if coreErr != nil && coreErr.RequestID == "" {
		coreErr.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: coreErr})
}

func writeErrorFrom(w http.ResponseWriter, r *http.Request, err error) {
	reqID := requestIDFromContext(r.Context())
	coreErr, status := apierror.FromError(err, reqID)
	writeCoreErrorJSON(w, reqID, coreErr, status)
}

// wsOriginAllowed gates WebSocket upgrades with the same origin policy the
// CORS layer applies to plain HTTP. Non-browser clients send no Origin and
// are always allowed.
func wsOriginAllowed(cfg config.Config, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || cfg.AllowsAllOrigins() {
		return true
	}
	for _, allowed := range cfg.CORSAllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
