package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/lifecycle"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/rollout"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

func variantParam(r *http.Request, fallback string) string {
	if v := r.URL.Query().Get("variant"); v != "" {
		return v
	}
	return fallback
}

// --- Drift ---

func (s *Server) handleDriftDetect(w http.ResponseWriter, r *http.Request) {
	variant := variantParam(r, s.deps.Config.DefaultVariant)
	report, err := s.deps.Drift.Detect(variant)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, report)
}

func (s *Server) handleDriftClearCache(w http.ResponseWriter, r *http.Request) {
	variant := r.URL.Query().Get("variant")
	s.deps.Drift.ClearCache(variant)
	scope := variant
	if scope == "" {
		scope = "all"
	}
	writeData(w, http.StatusOK, map[string]string{"status": "cleared", "scope": scope})
}

// --- Retraining ---

func (s *Server) handleRetrainingCheck(w http.ResponseWriter, r *http.Request) {
	variant := variantParam(r, s.deps.Config.DefaultVariant)
	should, reason, err := s.deps.Retraining.ShouldRetrain(variant)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"variant":       variant,
		"shouldRetrain": should,
		"reason":        reason,
	})
}

type retrainingStartRequest struct {
	Variant string `json:"variant"`
}

func (s *Server) handleRetrainingStart(w http.ResponseWriter, r *http.Request) {
	var req retrainingStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Variant == "" {
		req.Variant = s.deps.Config.DefaultVariant
	}

	report, err := s.deps.Retraining.Start(r.Context(), req.Variant)
	if err != nil {
		if report != nil {
			// The run itself failed; the session record carries the outcome.
			writeJSON(w, http.StatusOK, envelope{Success: false, Data: report, Error: err.Error()})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, report)
}

type retrainingFinalizeRequest struct {
	SessionID      string `json:"sessionId"`
	Promote        bool   `json:"promote"`
	ShadowAnalysis string `json:"shadowAnalysis"`
}

func (s *Server) handleRetrainingFinalize(w http.ResponseWriter, r *http.Request) {
	var req retrainingFinalizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	if err := s.deps.Retraining.Finalize(req.SessionID, req.Promote, req.ShadowAnalysis); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "finalized"})
}

// --- Versions ---

type versionView struct {
	Variant     string  `json:"variant"`
	Version     int     `json:"version"`
	IsActive    bool    `json:"isActive"`
	Tags        *string `json:"tags,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	ActivatedAt *string `json:"activatedAt,omitempty"`
}

func toVersionView(v *store.ModelVersion) versionView {
	return versionView{
		Variant:     v.Variant,
		Version:     v.Version,
		IsActive:    v.IsActive,
		Tags:        v.Tags,
		CreatedAt:   v.CreatedAt,
		ActivatedAt: v.ActivatedAt,
	}
}

type versionRegisterRequest struct {
	Variant      string            `json:"variant"`
	SystemPrompt string            `json:"systemPrompt"`
	Metadata     map[string]string `json:"metadata"`
}

func (s *Server) handleVersionRegister(w http.ResponseWriter, r *http.Request) {
	var req versionRegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Variant == "" || req.SystemPrompt == "" {
		writeError(w, http.StatusBadRequest, "variant and systemPrompt are required")
		return
	}

	v, err := s.deps.Registry.Register(req.Variant, req.SystemPrompt, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, toVersionView(v))
}

type versionRequest struct {
	Variant string `json:"variant"`
	Version int    `json:"version"`
}

func (s *Server) handleVersionActivate(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Variant == "" || req.Version < 1 {
		writeError(w, http.StatusBadRequest, "variant and version are required")
		return
	}

	if err := s.deps.Registry.Activate(req.Variant, req.Version); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"variant": req.Variant, "activeVersion": req.Version})
}

func (s *Server) handleVersionRollback(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Variant == "" {
		writeError(w, http.StatusBadRequest, "variant is required")
		return
	}

	target, err := s.deps.Registry.Rollback(req.Variant)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNoRollbackTarget) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, toVersionView(target))
}

type versionTagRequest struct {
	Variant     string `json:"variant"`
	Version     int    `json:"version"`
	Tag         string `json:"tag"`
	Description string `json:"description"`
}

func (s *Server) handleVersionTag(w http.ResponseWriter, r *http.Request) {
	var req versionTagRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Variant == "" || req.Version < 1 || req.Tag == "" {
		writeError(w, http.StatusBadRequest, "variant, version, and tag are required")
		return
	}

	if err := s.deps.Registry.Tag(req.Variant, req.Version, req.Tag, req.Description); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "tagged"})
}

func (s *Server) handleVersionActive(w http.ResponseWriter, r *http.Request) {
	variant := variantParam(r, s.deps.Config.DefaultVariant)
	v, err := s.deps.Registry.Active(variant)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "no active version for variant")
		return
	}
	writeData(w, http.StatusOK, toVersionView(v))
}

func (s *Server) handleVersionList(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Registry.List(r.URL.Query().Get("variant"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]versionView, 0, len(versions))
	for i := range versions {
		out = append(out, toVersionView(&versions[i]))
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleVersionCompare(w http.ResponseWriter, r *http.Request) {
	variant := variantParam(r, s.deps.Config.DefaultVariant)
	a, errA := strconv.Atoi(r.URL.Query().Get("a"))
	b, errB := strconv.Atoi(r.URL.Query().Get("b"))
	if errA != nil || errB != nil {
		writeError(w, http.StatusBadRequest, "query params a and b must be version numbers")
		return
	}

	cmp, err := s.deps.Registry.Compare(variant, a, b)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, cmp)
}

// handleVersionDiff returns the two prompts side by side; the metric diff
// lives under /lifecycle/versions/compare.
func (s *Server) handleVersionDiff(w http.ResponseWriter, r *http.Request) {
	variant := variantParam(r, s.deps.Config.DefaultVariant)
	a, errA := strconv.Atoi(r.URL.Query().Get("a"))
	b, errB := strconv.Atoi(r.URL.Query().Get("b"))
	if errA != nil || errB != nil {
		writeError(w, http.StatusBadRequest, "query params a and b must be version numbers")
		return
	}

	type promptView struct {
		Version      int    `json:"version"`
		SystemPrompt string `json:"systemPrompt"`
	}
	out := make([]promptView, 0, 2)
	for _, version := range []int{a, b} {
		v, err := s.deps.Store.GetVersion(variant, version)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if v == nil {
			writeError(w, http.StatusNotFound, "version not found")
			return
		}
		out = append(out, promptView{Version: v.Version, SystemPrompt: v.SystemPrompt})
	}
	writeData(w, http.StatusOK, map[string]any{
		"variant": variant,
		"a":       out[0],
		"b":       out[1],
	})
}

// --- Shadow testing ---

type shadowStartRequest struct {
	PrimaryVariant string  `json:"primaryVariant"`
	ShadowVariant  string  `json:"shadowVariant"`
	SampleRate     float64 `json:"sampleRate"`
}

func (s *Server) handleShadowStart(w http.ResponseWriter, r *http.Request) {
	var req shadowStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PrimaryVariant == "" || req.ShadowVariant == "" {
		writeError(w, http.StatusBadRequest, "primaryVariant and shadowVariant are required")
		return
	}
	if req.SampleRate <= 0 || req.SampleRate > 1 {
		writeError(w, http.StatusBadRequest, "sampleRate must be in (0, 1]")
		return
	}

	s.deps.Shadow.Configure(&rollout.ShadowConfig{
		PrimaryVariant: req.PrimaryVariant,
		ShadowVariant:  req.ShadowVariant,
		SampleRate:     req.SampleRate,
	})
	writeData(w, http.StatusOK, map[string]string{"status": "shadowing"})
}

func (s *Server) handleShadowStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Shadow.Configure(nil)
	writeData(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleShadowStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Shadow.Config()
	if cfg == nil {
		writeData(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"active":         true,
		"primaryVariant": cfg.PrimaryVariant,
		"shadowVariant":  cfg.ShadowVariant,
		"sampleRate":     cfg.SampleRate,
	})
}

// handleShadowPromote ends a shadow test once the candidate passes every
// promotion gate. The caller then activates the winning version through the
// lifecycle endpoints.
func (s *Server) handleShadowPromote(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Shadow.Config()
	if cfg == nil {
		writeError(w, http.StatusNotFound, "no shadow test active")
		return
	}
	report, err := s.deps.Shadow.CheckPromotion(cfg.PrimaryVariant, cfg.ShadowVariant)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !report.Ready {
		writeJSON(w, http.StatusConflict, envelope{Success: false, Data: report, Error: "promotion gates not met"})
		return
	}
	s.deps.Shadow.Configure(nil)
	writeData(w, http.StatusOK, report)
}

// handleShadowRollback discards the candidate and stops mirroring.
func (s *Server) handleShadowRollback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Shadow.Config() == nil {
		writeError(w, http.StatusNotFound, "no shadow test active")
		return
	}
	s.deps.Shadow.Configure(nil)
	writeData(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

func (s *Server) shadowPair(r *http.Request) (string, string, bool) {
	cfg := s.deps.Shadow.Config()
	primary := r.URL.Query().Get("primary")
	shadow := r.URL.Query().Get("shadow")
	if primary == "" || shadow == "" {
		if cfg == nil {
			return "", "", false
		}
		primary, shadow = cfg.PrimaryVariant, cfg.ShadowVariant
	}
	return primary, shadow, true
}

func (s *Server) handleShadowPromotionCheck(w http.ResponseWriter, r *http.Request) {
	primary, shadow, ok := s.shadowPair(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "no shadow test active; pass primary and shadow query params")
		return
	}
	report, err := s.deps.Shadow.CheckPromotion(primary, shadow)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, report)
}

func (s *Server) handleShadowAnalysis(w http.ResponseWriter, r *http.Request) {
	primary, shadow, ok := s.shadowPair(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "no shadow test active; pass primary and shadow query params")
		return
	}
	comparisons, err := s.deps.Store.ListShadowComparisons(primary, shadow, 50)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	stats, err := s.deps.Store.GetShadowStats(primary, shadow)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"stats":       stats,
		"comparisons": comparisons,
	})
}

// --- Canary deployment ---

type canaryStartRequest struct {
	CanaryVariant string `json:"canaryVariant"`
	StableVariant string `json:"stableVariant"`
}

func (s *Server) handleCanaryStart(w http.ResponseWriter, r *http.Request) {
	var req canaryStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CanaryVariant == "" {
		writeError(w, http.StatusBadRequest, "canaryVariant is required")
		return
	}
	if req.StableVariant == "" {
		req.StableVariant = s.deps.Config.DefaultVariant
	}

	if err := s.deps.Canary.Start(req.CanaryVariant, req.StableVariant); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, s.deps.Canary.Status())
}

type canaryStopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCanaryStop(w http.ResponseWriter, r *http.Request) {
	var req canaryStopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual stop"
	}
	if err := s.deps.Canary.Rollback(req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleCanaryPromote(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Canary.Promote(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, s.deps.Canary.Status())
}

func (s *Server) handleCanaryRollback(w http.ResponseWriter, r *http.Request) {
	var req canaryStopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual rollback"
	}
	if err := s.deps.Canary.Rollback(req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

func (s *Server) handleCanaryStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.deps.Canary.Status())
}

func (s *Server) handleCanaryHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Canary.Status()
	gates := rollout.Gates()
	healthy := !status.Active || status.CanaryErrRate <= gates.MaxErrorRate
	writeData(w, http.StatusOK, map[string]any{
		"active":  status.Active,
		"healthy": healthy,
		"status":  status,
	})
}

func (s *Server) handleCanaryValidation(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"gates":  rollout.Gates(),
		"status": s.deps.Canary.Status(),
	})
}

func (s *Server) handleCanaryStages(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"stages": rollout.Stages(),
		"status": s.deps.Canary.Status(),
	})
}

func (s *Server) handleCanaryMetrics(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.ListCanaryEvents(50)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"status": s.deps.Canary.Status(),
		"events": events,
	})
}
