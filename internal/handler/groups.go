package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/signaldetect/maude/internal/registry"
	"github.com/signaldetect/maude/internal/store"
	"github.com/signaldetect/maude/internal/types"
)

// GroupsHandler serves the entity-group registry endpoints.
type GroupsHandler struct {
	Registry *registry.Registry
	Store    store.Store
}

// NewGroupsHandler builds a GroupsHandler.
func NewGroupsHandler(reg *registry.Registry, st store.Store) *GroupsHandler {
	return &GroupsHandler{Registry: reg, Store: st}
}

// List handles GET /api/entity-groups.
func (h *GroupsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entityType := types.EntityType(q.Get("entity_type"))
	includeBuiltIn := q.Get("include_built_in") != "false"
	activeOnly := q.Get("active_only") == "true"

	groups, err := h.Registry.List(r.Context(), entityType, includeBuiltIn, activeOnly)
	if err != nil {
		writeAPIError(w, types.NewStoreUnavailable(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// Get handles GET /api/entity-groups/{id}.
func (h *GroupsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	g, apiErr := h.Registry.Get(r.Context(), id.String())
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Create handles POST /api/entity-groups.
func (h *GroupsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var g types.EntityGroup
	if err := decodeJSON(r, &g); err != nil {
		writeError(w, http.StatusBadRequest, string(types.ErrBadRequest), "decoding request body: "+err.Error())
		return
	}
	created, apiErr := h.Registry.Create(r.Context(), g)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// Update handles PUT /api/entity-groups/{id}.
func (h *GroupsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var patch types.EntityGroup
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, string(types.ErrBadRequest), "decoding request body: "+err.Error())
		return
	}
	updated, apiErr := h.Registry.Update(r.Context(), id.String(), patch)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Delete handles DELETE /api/entity-groups/{id}.
func (h *GroupsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if apiErr := h.Registry.Delete(r.Context(), id.String()); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Activate handles POST /api/entity-groups/{id}/activate.
func (h *GroupsHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	g, apiErr := h.Registry.Activate(r.Context(), id.String())
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Deactivate handles POST /api/entity-groups/{id}/deactivate.
func (h *GroupsHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	g, apiErr := h.Registry.Deactivate(r.Context(), id.String())
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// SuggestName handles GET /api/entity-groups/suggest-name?members=a,b,c&entity_type=manufacturer.
func (h *GroupsHandler) SuggestName(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	members := splitCSV(q.Get("members"))
	name, count, apiErr := h.Registry.SuggestName(r.Context(), members, types.EntityType(q.Get("entity_type")))
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"display_name": name,
		"member_count": count,
		"summary":      registry.MemberSummary(count),
	})
}

// AvailableEntities handles GET /api/entity-groups/available-entities.
func (h *GroupsHandler) AvailableEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	level := levelForEntityType(q.Get("entity_type"))
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entities, err := h.Registry.AvailableEntities(r.Context(), h.Store, level, limit)
	if err != nil {
		writeAPIError(w, types.NewStoreUnavailable(err.Error()))
		return
	}

	if search := strings.ToLower(strings.TrimSpace(q.Get("search"))); search != "" {
		filtered := make([]types.AvailableEntity, 0, len(entities))
		for _, e := range entities {
			if strings.Contains(strings.ToLower(e.Value), search) {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
	}

	writeJSON(w, http.StatusOK, entities)
}

// levelForEntityType maps the wire entity_type query value (the
// EntityType enum: manufacturer/brand/generic_name) to the DrillLevel the
// store and registry key aggregation by, defaulting to manufacturer.
func levelForEntityType(entityType string) types.DrillLevel {
	switch types.EntityType(entityType) {
	case types.EntityBrand:
		return types.LevelBrand
	case types.EntityGenericName:
		return types.LevelGeneric
	default:
		return types.LevelManufacturer
	}
}
