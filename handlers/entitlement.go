package handlers

import (
	"net/http"
	"time"

	"omniplex.app/billing/internal/logger"
	"omniplex.app/billing/models"
)

type EntitlementResponse struct {
	IsPro            bool       `json:"isPro"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd"`
}

// Entitlement serves the authoritative entitlement for an email. The
// storefront queries this instead of trusting the presence of a
// session_id in a redirect URL. Unknown emails read as free tier.
func (s *Server) Entitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	email := r.URL.Query().Get("email")
	if email == "" {
		writeErrorResponse(w, http.StatusBadRequest, "email query parameter is required")
		return
	}

	response := EntitlementResponse{
		IsPro:  false,
		Status: models.StatusNone,
	}

	customer, err := s.Storage.FindCustomerByEmail(ctx, email)
	if err != nil {
		logger.Error("Entitlement customer lookup failed", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to load entitlement")
		return
	}

	if customer != nil {
		entitlement, err := s.Storage.GetEntitlement(ctx, customer.ID)
		if err != nil {
			logger.Error("Entitlement lookup failed", map[string]interface{}{
				"error":       err.Error(),
				"customer_id": customer.ID,
			})
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to load entitlement")
			return
		}

		if entitlement != nil {
			response.IsPro = entitlement.IsPro()
			response.Status = entitlement.Status
			if !entitlement.CurrentPeriodEnd.IsZero() {
				periodEnd := entitlement.CurrentPeriodEnd
				response.CurrentPeriodEnd = &periodEnd
			}
		}
	}

	writeJSON(w, http.StatusOK, response)
}
