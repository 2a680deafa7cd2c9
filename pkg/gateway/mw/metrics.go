package mw

import (
	"net/http"
	"time"

	"github.com/vox-go/vox-relay/pkg/gateway/metrics"
)

// Metrics records per-endpoint request counts and latency. The endpoint
// label is the mux pattern that matched the request, so path parameters do
// not blow up the label cardinality. ServeMux sets r.Pattern in place during
// routing; it is readable once next returns.
func Metrics(m *metrics.Metrics, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := metrics.NewResponseWriter(w)
		next.ServeHTTP(rw, r)
		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.RecordRequest(endpoint, rw.StatusString(), time.Since(start))
	})
}
