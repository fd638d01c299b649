package api

import (
	"net/http"
)

// Service identifies the API in the root document.
const (
	ServiceName    = "autofeed-api"
	ServiceVersion = "0.1.0"
)

// Routes holds the handler groups mounted by NewMux.
type Routes struct {
	Listings *ListingHandlers
	Feeds    *FeedHandlers
	Health   *HealthHandlers
	Metrics  http.Handler // optional, mounted at /metrics
}

// NewMux registers every API route. Unknown paths answer with the JSON
// not_found envelope.
func NewMux(routes Routes) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /listings", routes.Listings.ListListings)
	mux.HandleFunc("POST /listings/{id}/views", routes.Listings.RecordView)

	mux.HandleFunc("POST /feed/sessions", routes.Feeds.CreateSession)
	mux.HandleFunc("GET /feed/sessions/{id}", routes.Feeds.GetSession)
	mux.HandleFunc("DELETE /feed/sessions/{id}", routes.Feeds.DeleteSession)
	mux.HandleFunc("POST /feed/sessions/{id}/next", routes.Feeds.NextPage)
	mux.HandleFunc("PUT /feed/sessions/{id}/query", routes.Feeds.ReplaceQuery)

	mux.HandleFunc("GET /health", routes.Health.Health)
	mux.HandleFunc("GET /ready", routes.Health.Ready)
	if routes.Metrics != nil {
		mux.Handle("GET /metrics", routes.Metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]string{
			"service": ServiceName,
			"version": ServiceVersion,
		})
	})

	return mux
}
