package handler

import (
	"net/http"

	"github.com/sakif/code-executor/internal/toolchain"
)

// ToolchainLister is the part of the toolchain registry the handler reads.
type ToolchainLister interface {
	List() []toolchain.Spec
}

// CapacityReporter is the part of the admission pool the health check reads.
type CapacityReporter interface {
	InFlight() int
	Size() int
}

// LanguageInfo describes one supported language to clients.
type LanguageInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Compiled bool   `json:"compiled"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	InFlight int    `json:"inFlight"`
	Capacity int    `json:"capacity"`
}

// InfoHandler serves the read-only endpoints.
type InfoHandler struct {
	toolchains ToolchainLister
	capacity   CapacityReporter
}

func NewInfoHandler(toolchains ToolchainLister, capacity CapacityReporter) *InfoHandler {
	return &InfoHandler{toolchains: toolchains, capacity: capacity}
}

// HandleLanguages lists the registered toolchains sorted by id.
func (h *InfoHandler) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	specs := h.toolchains.List()
	langs := make([]LanguageInfo, 0, len(specs))
	for _, spec := range specs {
		name := spec.Name
		if name == "" {
			name = spec.Language
		}
		langs = append(langs, LanguageInfo{ID: spec.Language, Name: name, Compiled: spec.Compiled()})
	}
	writeJSON(w, http.StatusOK, langs)
}

// HandleHealth reports liveness and current load.
func (h *InfoHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		InFlight: h.capacity.InFlight(),
		Capacity: h.capacity.Size(),
	})
}
