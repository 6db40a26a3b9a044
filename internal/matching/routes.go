package matching

import (
	"github.com/gorilla/mux"
)

// RegisterRoutes mounts the API. Admin routes exist only when admin is set.
func RegisterRoutes(router *mux.Router, handler *Handler, admin *AdminMiddleware) {
	api := router.PathPrefix("/api/v1").Subrouter()

	// Candidates
	api.HandleFunc("/matches/potential", handler.GetPotentialMatches).Methods("GET")
	api.HandleFunc("/matrix/compatible", handler.GetCompatibleMatrix).Methods("GET")

	// Interactions and matches
	api.HandleFunc("/interactions", handler.RecordInteraction).Methods("POST")
	api.HandleFunc("/matches", handler.GetMatches).Methods("GET")
	api.HandleFunc("/matches/received-likes", handler.GetReceivedLikes).Methods("GET")
	api.HandleFunc("/matches/{userId}/unlike", handler.Unlike).Methods("POST")

	// Scores and learned preferences
	api.HandleFunc("/compatibility/{userId}", handler.GetCompatibility).Methods("GET")
	api.HandleFunc("/preferences", handler.GetPreferences).Methods("GET")

	if admin == nil {
		return
	}
	ops := api.PathPrefix("/admin").Subrouter()
	ops.Use(admin.Authenticate)
	ops.HandleFunc("/cache/clear", handler.ClearCache).Methods("POST")
	ops.HandleFunc("/stats", handler.GetPerformanceStats).Methods("GET")
}
