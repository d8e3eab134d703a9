package web

import (
	"net/http"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/engine"
)

type chatStartRequest struct {
	Variant string `json:"variant"`
}

type chatStartResponse struct {
	SessionID      string `json:"sessionId"`
	ConversationID int64  `json:"conversationId"`
	Variant        string `json:"variant"`
	WelcomeMessage string `json:"welcomeMessage"`
}

func (s *Server) handleChatStart(w http.ResponseWriter, r *http.Request) {
	var req chatStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Variant == "" {
		req.Variant = s.deps.Config.DefaultVariant
	}

	sessionID, conversationID, welcome, err := s.deps.Engine.StartConversation(req.Variant)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	conv, err := s.deps.Store.GetConversationBySession(sessionID)
	if err != nil || conv == nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, chatStartResponse{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Variant:        conv.Variant,
		WelcomeMessage: welcome,
	})
}

type chatMessageRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	var req chatMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "sessionId and message are required")
		return
	}

	reply, err := s.deps.Engine.Chat(r.Context(), req.SessionID, req.Message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if reply.Blocked {
		// Safety blocks are outcomes, not errors, but they signal refusal.
		writeJSON(w, http.StatusForbidden, envelope{Success: false, Data: reply, Error: reply.Reason})
		return
	}
	writeData(w, http.StatusOK, reply)
}

type chatBookRequest struct {
	SessionID string `json:"sessionId"`
	engine.BookingRequest
}

func (s *Server) handleChatBook(w http.ResponseWriter, r *http.Request) {
	var req chatBookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.CustomerName == "" {
		writeError(w, http.StatusBadRequest, "sessionId and customerName are required")
		return
	}

	id, err := s.deps.Engine.Book(req.SessionID, req.BookingRequest)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"appointmentId": id})
}

type chatEndRequest struct {
	SessionID    string `json:"sessionId"`
	Satisfaction *int   `json:"satisfaction"`
}

func (s *Server) handleChatEnd(w http.ResponseWriter, r *http.Request) {
	var req chatEndRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if req.Satisfaction != nil && (*req.Satisfaction < 1 || *req.Satisfaction > 5) {
		writeError(w, http.StatusBadRequest, "satisfaction must be between 1 and 5")
		return
	}

	if err := s.deps.Engine.End(req.SessionID, req.Satisfaction); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	turns, err := s.deps.Engine.History(sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, turns)
}

type variantAnalytics struct {
	Variant         string  `json:"variant"`
	Conversations   int     `json:"conversations"`
	Bookings        int     `json:"bookings"`
	Escalations     int     `json:"escalations"`
	BookingRate     float64 `json:"bookingRate"`
	TotalCostUSD    float64 `json:"totalCostUSD"`
	TotalTokens     int64   `json:"totalTokens"`
	AvgSatisfaction float64 `json:"avgSatisfaction"`
}

func (s *Server) handleChatAnalytics(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Store.GetVariantAnalytics()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]variantAnalytics, 0, len(rows))
	for _, a := range rows {
		v := variantAnalytics{
			Variant:         a.Variant,
			Conversations:   a.Conversations,
			Bookings:        a.Bookings,
			Escalations:     a.Escalations,
			TotalCostUSD:    a.TotalCostUSD,
			TotalTokens:     a.TotalTokens,
			AvgSatisfaction: a.AvgSatisfaction,
		}
		if a.Conversations > 0 {
			v.BookingRate = float64(a.Bookings) / float64(a.Conversations)
		}
		out = append(out, v)
	}
	writeData(w, http.StatusOK, out)
}
