package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Dan9191/bank-cards/internal/middleware"
	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/Dan9191/bank-cards/internal/query"
	"github.com/Dan9191/bank-cards/internal/service"
	"github.com/Dan9191/bank-cards/internal/statement"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	svc *service.Service
	log *logrus.Logger
	now func() time.Time
}

func NewHandler(svc *service.Service, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, log: log, now: time.Now}
}

// NewRouter registers every route behind request logging; /api routes also
// require a bearer token.
func NewRouter(h *Handler, jwtSecret string) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(h.log))
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(jwtSecret))

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireAdmin)
	admin.HandleFunc("/users", h.ListUsers).Methods("GET")
	admin.HandleFunc("/users", h.CreateUser).Methods("POST")
	admin.HandleFunc("/users/{userId:[0-9]+}", h.GetUser).Methods("GET")
	admin.HandleFunc("/users/{userId:[0-9]+}", h.DeleteUser).Methods("DELETE")
	admin.HandleFunc("/users/{userId:[0-9]+}/cards", h.IssueCard).Methods("POST")
	admin.HandleFunc("/users/{userId:[0-9]+}/cards/{cardId:[0-9]+}", h.UpdateCard).Methods("PATCH")
	admin.HandleFunc("/users/{userId:[0-9]+}/cards/{cardId:[0-9]+}/block", h.BlockCard).Methods("POST")
	admin.HandleFunc("/cards", h.ListAllCards).Methods("GET")
	admin.HandleFunc("/cards/pending-block", h.ListPendingBlock).Methods("GET")
	admin.HandleFunc("/cards/expire", h.SweepExpired).Methods("POST")
	admin.HandleFunc("/cards/{cardId:[0-9]+}/status", h.SetStatus).Methods("PATCH")
	admin.HandleFunc("/cards/{cardId:[0-9]+}", h.DeleteCard).Methods("DELETE")

	user := api.PathPrefix("/users/{userId:[0-9]+}").Subrouter()
	user.Use(middleware.RequireOwner)
	user.HandleFunc("/cards", h.ListCards).Methods("GET")
	user.HandleFunc("/cards/{cardId:[0-9]+}", h.GetCard).Methods("GET")
	user.HandleFunc("/cards/{cardId:[0-9]+}/block-request", h.RequestBlock).Methods("POST")
	user.HandleFunc("/cards/{cardId:[0-9]+}/transactions", h.History).Methods("GET")
	user.HandleFunc("/cards/{cardId:[0-9]+}/statement.xml", h.Statement).Methods("GET")
	user.HandleFunc("/transfers", h.Transfer).Methods("POST")

	return r
}

type issueCardRequest struct {
	CardNumber     string           `json:"card_number"`
	ExpirationDate string           `json:"expiration_date"`
	Balance        *decimal.Decimal `json:"balance"`
}

type updateCardRequest struct {
	CardNumber     *string          `json:"card_number"`
	ExpirationDate *string          `json:"expiration_date"`
	Balance        *decimal.Decimal `json:"balance"`
}

type transferRequest struct {
	FromCardID  int64           `json:"from_card_id"`
	ToCardID    int64           `json:"to_card_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IssueCard handles card creation for a user
func (h *Handler) IssueCard(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}

	var req issueCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	expiry, err := parseDate(req.ExpirationDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	card, err := h.svc.IssueCard(r.Context(), userID, models.CardRequest{
		CardNumber:     req.CardNumber,
		ExpirationDate: expiry,
		Balance:        req.Balance,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

// GetCard returns one card of the user
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	cardID, ok := pathID(w, r, "cardId")
	if !ok {
		return
	}

	card, err := h.svc.GetCard(r.Context(), userID, cardID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// ListCards returns a filtered page of the user's cards
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	q := r.URL.Query()

	filter := query.ForOwner(userID)
	if raw := q.Get("status"); raw != "" {
		status, ok := models.ParseCardStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		filter = filter.WithStatus(status)
	}
	if raw := q.Get("expirationBefore"); raw != "" {
		d, err := parseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = filter.WithExpirationBefore(d)
	}
	if raw := q.Get("minBalance"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid minBalance %q", raw))
			return
		}
		filter = filter.WithMinBalance(v)
	}
	if raw := q.Get("maxBalance"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid maxBalance %q", raw))
			return
		}
		filter = filter.WithMaxBalance(v)
	}

	page, err := pageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cards, err := h.svc.ListCards(r.Context(), filter, page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

// RequestBlock records the user's request to block a card
func (h *Handler) RequestBlock(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	cardID, ok := pathID(w, r, "cardId")
	if !ok {
		return
	}

	if err := h.svc.RequestBlock(r.Context(), userID, cardID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Transfer moves money between two cards of the user
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tx, err := h.svc.Transfer(r.Context(), userID, models.TransferRequest{
		FromCardID:  req.FromCardID,
		ToCardID:    req.ToCardID,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// History returns a page of the card's transactions, newest first
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	cardID, ok := pathID(w, r, "cardId")
	if !ok {
		return
	}

	page, err := pageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	txns, err := h.svc.History(r.Context(), userID, cardID, page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

// Statement renders the card and a page of its transactions as XML
func (h *Handler) Statement(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	cardID, ok := pathID(w, r, "cardId")
	if !ok {
		return
	}

	page, err := pageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	card, err := h.svc.GetCard(r.Context(), userID, cardID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	txns, err := h.svc.History(r.Context(), userID, cardID, page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	doc, err := statement.Render(*card, txns.Items, h.now())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", statement.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// UpdateCard applies a partial update to a card
func (h *Handler) UpdateCard(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	cardID, ok := pathID(w, r, "cardId")
	if !ok {
		return
	}

	var req updateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	upd := models.CardUpdate{CardNumber: req.CardNumber, Balance: req.Balance}
	if req.ExpirationDate != nil {
		d, err := parseDate(*req.ExpirationDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		upd.ExpirationDate = &d
	}

	if err := h.svc.UpdateCard(r.Context(), userID, cardID, upd); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	card, err := h.svc.GetCard(r.Context(), userID, cardID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// BlockCard blocks a card of the user
func (h *Handler) BlockCard(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	cardID, ok := pathID(w, r, "cardId")
	if !ok {
		return
	}

	if err := h.svc.BlockCard(r.Context(), userID, cardID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetStatus overrides a card's status
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	cardID, ok := pathID(w, r, "cardId")
	if !ok {
		return
	}
	raw := r.URL.Query().Get("status")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	if err := h.svc.SetStatus(r.Context(), cardID, models.CardStatus(raw)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteCard removes a card
func (h *Handler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	cardID, ok := pathID(w, r, "cardId")
	if !ok {
		return
	}

	if err := h.svc.DeleteCard(r.Context(), cardID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAllCards returns every card
func (h *Handler) ListAllCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.svc.ListAllCards(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

// ListPendingBlock returns the cards waiting for an operator block
func (h *Handler) ListPendingBlock(w http.ResponseWriter, r *http.Request) {
	cards, err := h.svc.ListPendingBlock(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

// SweepExpired runs the expiry sweep on demand
func (h *Handler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.SweepExpired(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// pathID parses a numeric route variable, answering 400 when it does not
// fit an int64.
// ListUsers returns a page of users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := pageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	users, err := h.svc.ListUsers(r.Context(), page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// CreateUser registers a card owner
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req models.UserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := h.svc.CreateUser(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// GetUser returns one user
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	user, err := h.svc.GetUser(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// DeleteUser removes a user without cards
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	if err := h.svc.DeleteUser(r.Context(), userID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", name, raw))
		return 0, false
	}
	return id, true
}

func parseDate(raw string) (time.Time, error) {
	d, err := time.Parse(models.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", raw)
	}
	return d, nil
}

func pageRequest(r *http.Request) (models.PageRequest, error) {
	var p models.PageRequest
	q := r.URL.Query()
	for key, dst := range map[string]*int{"page": &p.Page, "size": &p.Size} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p, fmt.Errorf("invalid %s %q", key, raw)
		}
		*dst = n
	}
	if p.Page > models.MaxPage {
		return p, fmt.Errorf("page must not exceed %d", models.MaxPage)
	}
	return p, nil
}
