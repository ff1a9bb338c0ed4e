// Package adminapi exposes a read-only operational surface over the
// cluster controller's in-memory state: the routing table, a channel's
// URL-selector fitness snapshot, and correlation-directory sizes. GET-only,
// no auth; meant for operators and dashboards rather than end users.
package adminapi

import (
	"net/http"

	"github.com/baechuer/clustercontroller/internal/replycaller"
	"github.com/baechuer/clustercontroller/internal/router"
	"github.com/baechuer/clustercontroller/internal/urlselector"
	"github.com/go-chi/chi/v5"
)

type Handler struct {
	router   *router.Router
	selector *urlselector.Selector
	replies  *replycaller.Directory
}

func NewHandler(r *router.Router, selector *urlselector.Selector, replies *replycaller.Directory) *Handler {
	return &Handler{router: r, selector: selector, replies: replies}
}

type routeView struct {
	ParticipantID   string `json:"participant_id"`
	AddressKind     int    `json:"address_kind"`
	GloballyVisible bool   `json:"globally_visible"`
	Sticky          bool   `json:"sticky"`
	ExpiryUnixMilli int64  `json:"expiry_unix_milli"`
}

// Routes lists every entry currently in the routing table.
func (h *Handler) Routes(w http.ResponseWriter, r *http.Request) {
	snapshots := h.router.Snapshot()
	views := make([]routeView, 0, len(snapshots))
	for _, s := range snapshots {
		views = append(views, routeView{
			ParticipantID:   s.ParticipantID,
			AddressKind:     int(s.Address.Kind),
			GloballyVisible: s.GloballyVisible,
			Sticky:          s.Sticky,
			ExpiryUnixMilli: s.Expiry.UnixMilli(),
		})
	}
	data(w, r, http.StatusOK, views)
}

type urlFitnessView struct {
	URL     string  `json:"url"`
	Fitness float64 `json:"fitness"`
}

// URLSelectorSnapshot reports the current fitness ranking for one channel.
func (h *Handler) URLSelectorSnapshot(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")
	if channelID == "" {
		fail(w, r, http.StatusBadRequest, "request.invalid", "channelId is required")
		return
	}

	urls, fitness, ok := h.selector.Snapshot(channelID)
	if !ok {
		fail(w, r, http.StatusNotFound, "channel.unknown", "no URL-selector state for this channel yet")
		return
	}

	views := make([]urlFitnessView, len(urls))
	for i := range urls {
		views[i] = urlFitnessView{URL: urls[i], Fitness: fitness[i]}
	}
	data(w, r, http.StatusOK, views)
}

type directoryStatsView struct {
	RoutingTableEntries int `json:"routing_table_entries"`
	ReplyCallersPending int `json:"reply_callers_pending"`
}

// DirectoryStats reports the size of the routing table and the
// reply-caller correlation directory, useful for spotting leaks.
func (h *Handler) DirectoryStats(w http.ResponseWriter, r *http.Request) {
	data(w, r, http.StatusOK, directoryStatsView{
		RoutingTableEntries: h.router.RoutingTableLen(),
		ReplyCallersPending: h.replies.Len(),
	})
}
