package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Dan9191/bank-cards/internal/middleware"
	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/Dan9191/bank-cards/internal/repository"
	"github.com/Dan9191/bank-cards/internal/service"
	"github.com/Dan9191/bank-cards/internal/utils"
	"github.com/beevik/etree"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const jwtSecret = "handler-test"

type api struct {
	t      *testing.T
	router *mux.Router
	store  *repository.MemoryStore
	alice  models.User
	bob    models.User
}

func newAPI(t *testing.T) *api {
	t.Helper()
	codec, err := utils.NewCardCodec([]byte("fedcba9876543210"))
	if err != nil {
		t.Fatal(err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := repository.NewMemoryStore()
	now := func() time.Time { return time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC) }
	svc := service.NewService(store, codec, log, service.Options{Now: now})
	h := NewHandler(svc, log)
	h.now = now

	return &api{
		t:      t,
		router: NewRouter(h, jwtSecret),
		store:  store,
		alice:  store.AddUser(models.User{Username: "alice", Email: "alice@example.com"}),
		bob:    store.AddUser(models.User{Username: "bob", Email: "bob@example.com"}),
	}
}

func (a *api) token(userID int64, role string) string {
	a.t.Helper()
	tok, err := middleware.GenerateToken(jwtSecret, userID, role, time.Hour)
	if err != nil {
		a.t.Fatal(err)
	}
	return tok
}

func (a *api) do(method, path, token, body string) *httptest.ResponseRecorder {
	a.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *api) admin() string { return a.token(100, middleware.RoleAdmin) }

func (a *api) issue(owner models.User, number, expiry, balance string) models.CardView {
	a.t.Helper()
	body := `{"card_number":"` + number + `","expiration_date":"` + expiry + `","balance":"` + balance + `"}`
	rec := a.do("POST", "/api/admin/users/"+itoa(owner.ID)+"/cards", a.admin(), body)
	if rec.Code != http.StatusCreated {
		a.t.Fatalf("issue: %d %s", rec.Code, rec.Body.String())
	}
	var card models.CardView
	decode(a.t, rec, &card)
	return card
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decode(t, rec, &body)
	return body["error"]
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	if rec := a.do("GET", "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
}

func TestIssueAndGetCard(t *testing.T) {
	a := newAPI(t)
	card := a.issue(a.alice, "4111111111111111", "2029-12-31", "100.00")
	if card.MaskedNumber != "**** **** **** 1111" || card.Status != models.CardStatusActive || card.ExpirationDate != "2029-12-31" {
		t.Errorf("issued card = %+v", card)
	}

	rec := a.do("GET", "/api/users/"+itoa(a.alice.ID)+"/cards/"+itoa(card.ID), a.token(a.alice.ID, middleware.RoleUser), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "4111111111111111") {
		t.Error("response leaked the full card number")
	}

	rec = a.do("GET", "/api/users/"+itoa(a.bob.ID)+"/cards/"+itoa(card.ID), a.token(a.bob.ID, middleware.RoleUser), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign card: %d", rec.Code)
	}

	rec = a.do("POST", "/api/admin/users/"+itoa(a.bob.ID)+"/cards", a.admin(),
		`{"card_number":"4111111111111111","expiration_date":"2029-12-31"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate number: %d", rec.Code)
	}
}

func TestIssueCard_Validation(t *testing.T) {
	a := newAPI(t)
	path := "/api/admin/users/" + itoa(a.alice.ID) + "/cards"
	tests := []struct {
		name   string
		path   string
		token  string
		body   string
		status int
	}{
		{"not admin", path, a.token(a.alice.ID, middleware.RoleUser), `{}`, http.StatusForbidden},
		{"bad json", path, a.admin(), `{`, http.StatusBadRequest},
		{"bad date", path, a.admin(), `{"card_number":"4111111111111111","expiration_date":"12/29"}`, http.StatusBadRequest},
		{"bad number", path, a.admin(), `{"card_number":"4111","expiration_date":"2029-12-31"}`, http.StatusBadRequest},
		{"negative balance", path, a.admin(), `{"card_number":"4111111111111111","expiration_date":"2029-12-31","balance":"-1"}`, http.StatusBadRequest},
		{"unknown owner", "/api/admin/users/999/cards", a.admin(), `{"card_number":"4111111111111111","expiration_date":"2029-12-31"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := a.do("POST", tt.path, tt.token, tt.body); rec.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestTransfer(t *testing.T) {
	a := newAPI(t)
	from := a.issue(a.alice, "4000000000000001", "2029-01-01", "100.00")
	to := a.issue(a.alice, "4000000000000002", "2029-01-01", "50.00")
	tok := a.token(a.alice.ID, middleware.RoleUser)
	path := "/api/users/" + itoa(a.alice.ID) + "/transfers"

	rec := a.do("POST", path, tok, `{"from_card_id":`+itoa(from.ID)+`,"to_card_id":`+itoa(to.ID)+`,"amount":"30.00","description":"rent"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("transfer: %d %s", rec.Code, rec.Body.String())
	}
	var tx models.TransactionView
	decode(t, rec, &tx)
	if !tx.Amount.Equal(decimal.NewFromInt(30)) || tx.FromCardID != from.ID {
		t.Errorf("transaction = %+v", tx)
	}

	rec = a.do("POST", path, tok, `{"from_card_id":`+itoa(from.ID)+`,"to_card_id":`+itoa(to.ID)+`,"amount":"500"}`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(errorMessage(t, rec), "insufficient funds") {
		t.Errorf("overdraw: %d %s", rec.Code, rec.Body.String())
	}

	rec = a.do("POST", "/api/admin/users/"+itoa(a.alice.ID)+"/cards/"+itoa(to.ID)+"/block", a.admin(), "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("block: %d %s", rec.Code, rec.Body.String())
	}
	rec = a.do("POST", path, tok, `{"from_card_id":`+itoa(from.ID)+`,"to_card_id":`+itoa(to.ID)+`,"amount":"1"}`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(errorMessage(t, rec), "BLOCKED") {
		t.Errorf("blocked destination: %d %s", rec.Code, rec.Body.String())
	}

	rec = a.do("GET", "/api/users/"+itoa(a.alice.ID)+"/cards/"+itoa(from.ID)+"/transactions", tok, "")
	var page models.Page[models.TransactionView]
	decode(t, rec, &page)
	if page.Total != 1 || len(page.Items) != 1 {
		t.Errorf("history = %+v", page)
	}
}

func TestListCards_Filters(t *testing.T) {
	a := newAPI(t)
	a.issue(a.alice, "4000000000000011", "2027-01-01", "5")
	rich := a.issue(a.alice, "4000000000000012", "2030-01-01", "500")
	a.issue(a.bob, "4000000000000013", "2030-01-01", "900")
	tok := a.token(a.alice.ID, middleware.RoleUser)
	base := "/api/users/" + itoa(a.alice.ID) + "/cards"

	rec := a.do("GET", base+"?minBalance=100&maxBalance=1000&page=0&size=10", tok, "")
	var page models.Page[models.CardView]
	decode(t, rec, &page)
	if page.Total != 1 || page.Items[0].ID != rich.ID {
		t.Errorf("balance filter = %+v", page)
	}

	rec = a.do("GET", base+"?expirationBefore=2028-01-01", tok, "")
	decode(t, rec, &page)
	if page.Total != 1 || page.Items[0].ID == rich.ID {
		t.Errorf("expiration filter = %+v", page)
	}

	for _, q := range []string{"?status=FROZEN", "?minBalance=lots", "?expirationBefore=soon", "?size=-1"} {
		if rec := a.do("GET", base+q, tok, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d", q, rec.Code)
		}
	}
}

func TestBlockRequestAndAdminFlow(t *testing.T) {
	a := newAPI(t)
	card := a.issue(a.alice, "4000000000000021", "2029-01-01", "1")
	tok := a.token(a.alice.ID, middleware.RoleUser)
	cardPath := "/api/users/" + itoa(a.alice.ID) + "/cards/" + itoa(card.ID)

	if rec := a.do("POST", cardPath+"/block-request", tok, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("block request: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do("POST", cardPath+"/block-request", tok, ""); rec.Code != http.StatusConflict {
		t.Errorf("repeated block request: %d", rec.Code)
	}

	rec := a.do("GET", "/api/admin/cards/pending-block", a.admin(), "")
	var pending []models.CardView
	decode(t, rec, &pending)
	if len(pending) != 1 || pending[0].ID != card.ID {
		t.Errorf("pending = %+v", pending)
	}

	status := "/api/admin/cards/" + itoa(card.ID) + "/status"
	if rec := a.do("PATCH", status+"?status=ACTIVE", a.admin(), ""); rec.Code != http.StatusNoContent {
		t.Errorf("override: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do("PATCH", status+"?status=GONE", a.admin(), ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown status: %d", rec.Code)
	}
	if rec := a.do("PATCH", status, a.admin(), ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing status: %d", rec.Code)
	}

	rec = a.do("PATCH", "/api/admin/users/"+itoa(a.alice.ID)+"/cards/"+itoa(card.ID), a.admin(), `{"expiration_date":"2031-06-30","balance":"9.99"}`)
	var updated models.CardView
	decode(t, rec, &updated)
	if rec.Code != http.StatusOK || updated.ExpirationDate != "2031-06-30" || !updated.Balance.Equal(decimal.RequireFromString("9.99")) {
		t.Errorf("update: %d %+v", rec.Code, updated)
	}

	rec = a.do("GET", "/api/admin/cards", a.admin(), "")
	var all []models.CardView
	decode(t, rec, &all)
	if len(all) != 1 {
		t.Errorf("all cards = %d", len(all))
	}

	if rec := a.do("DELETE", "/api/admin/cards/"+itoa(card.ID), a.admin(), ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete: %d", rec.Code)
	}
	if rec := a.do("DELETE", "/api/admin/cards/"+itoa(card.ID), a.admin(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: %d", rec.Code)
	}
}

func TestSweepExpired(t *testing.T) {
	a := newAPI(t)
	card := a.issue(a.alice, "4000000000000031", "2026-10-01", "1")

	rec := a.do("POST", "/api/admin/cards/expire", a.admin(), "")
	var out map[string]int
	decode(t, rec, &out)
	if rec.Code != http.StatusOK || out["expired"] != 1 {
		t.Errorf("sweep: %d %v", rec.Code, out)
	}

	stored, _ := a.store.FindCardByID(context.Background(), card.ID)
	if stored.Status != models.CardStatusExpired {
		t.Errorf("status = %s", stored.Status)
	}
}

func TestStatement(t *testing.T) {
	a := newAPI(t)
	from := a.issue(a.alice, "4000000000000041", "2029-01-01", "20")
	to := a.issue(a.alice, "4000000000000042", "2029-01-01", "0")
	tok := a.token(a.alice.ID, middleware.RoleUser)
	a.do("POST", "/api/users/"+itoa(a.alice.ID)+"/transfers", tok,
		`{"from_card_id":`+itoa(from.ID)+`,"to_card_id":`+itoa(to.ID)+`,"amount":"7.5"}`)

	rec := a.do("GET", "/api/users/"+itoa(a.alice.ID)+"/cards/"+itoa(from.ID)+"/statement.xml", tok, "")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/xml") {
		t.Fatalf("statement: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(rec.Body.Bytes()); err != nil {
		t.Fatal(err)
	}
	if got := doc.FindElement("//Totals/Debit").Text(); got != "7.50" {
		t.Errorf("debit = %q", got)
	}
	if got := doc.FindElement("//Card/Balance").Text(); got != "12.50" {
		t.Errorf("balance = %q", got)
	}
}

func TestErrorsHideInternals(t *testing.T) {
	h := &Handler{log: logrus.New()}
	h.log.SetOutput(io.Discard)

	rec := httptest.NewRecorder()
	h.writeServiceError(rec, httptest.NewRequest("GET", "/x", nil), service.ErrCrypto)
	if rec.Code != http.StatusInternalServerError || errorMessage(t, rec) != "internal error" {
		t.Errorf("crypto error: %d %s", rec.Code, rec.Body.String())
	}
}

func TestPageIndexOutOfRange(t *testing.T) {
	a := newAPI(t)
	card := a.issue(a.alice, "4000000000000051", "2029-01-01", "10")
	tok := a.token(a.alice.ID, middleware.RoleUser)
	base := "/api/users/" + itoa(a.alice.ID) + "/cards"

	for _, path := range []string{
		base,
		base + "/" + itoa(card.ID) + "/transactions",
		base + "/" + itoa(card.ID) + "/statement.xml",
	} {
		rec := a.do("GET", path+"?page=184467440737095516&size=100", tok, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s with overflowing page: %d %s", path, rec.Code, rec.Body.String())
		}
	}
	if rec := a.do("GET", "/api/admin/users?page=184467440737095516", a.admin(), ""); rec.Code != http.StatusBadRequest {
		t.Errorf("users with overflowing page: %d", rec.Code)
	}

	rec := a.do("GET", base+"?page="+strconv.Itoa(models.MaxPage)+"&size=100", tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("last page index: %d %s", rec.Code, rec.Body.String())
	}
	var page models.Page[models.CardView]
	decode(t, rec, &page)
	if len(page.Items) != 0 || page.Total != 1 {
		t.Errorf("last page index = %d items, total %d", len(page.Items), page.Total)
	}
}

func TestPathIDOverflow(t *testing.T) {
	a := newAPI(t)
	card := a.issue(a.alice, "4000000000000061", "2029-01-01", "10")
	const huge = "99999999999999999999"

	tests := []struct {
		method, path, token, body string
	}{
		{"DELETE", "/api/admin/cards/" + huge, a.admin(), ""},
		{"PATCH", "/api/admin/cards/" + huge + "/status?status=BLOCKED", a.admin(), ""},
		{"POST", "/api/admin/users/" + huge + "/cards", a.admin(), `{"card_number":"4000000000000062","expiration_date":"2029-01-01"}`},
		{"POST", "/api/admin/users/" + itoa(a.alice.ID) + "/cards/" + huge + "/block", a.admin(), ""},
		{"GET", "/api/admin/users/" + huge, a.admin(), ""},
		{"DELETE", "/api/admin/users/" + huge, a.admin(), ""},
		{"GET", "/api/users/" + itoa(a.alice.ID) + "/cards/" + huge, a.token(a.alice.ID, middleware.RoleUser), ""},
	}
	for _, tt := range tests {
		rec := a.do(tt.method, tt.path, tt.token, tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s %s: %d %s", tt.method, tt.path, rec.Code, rec.Body.String())
		}
	}

	stored, err := a.store.FindCardByID(context.Background(), card.ID)
	if err != nil || stored.Status != models.CardStatusActive {
		t.Errorf("card touched by a rejected request: %+v %v", stored, err)
	}
}

func TestUserAdmin(t *testing.T) {
	a := newAPI(t)

	rec := a.do("POST", "/api/admin/users", a.admin(), `{"username":"carol","email":"carol@example.com"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var carol models.User
	decode(t, rec, &carol)
	if carol.ID == 0 || carol.Username != "carol" {
		t.Errorf("created user = %+v", carol)
	}

	rejected := []struct {
		body string
		want int
	}{
		{`{"username":"carol","email":"carol2@example.com"}`, http.StatusConflict},
		{`{"username":"dave","email":"not-an-email"}`, http.StatusBadRequest},
		{`{"username":" ","email":"dave@example.com"}`, http.StatusBadRequest},
		{`{"username":`, http.StatusBadRequest},
	}
	for _, tt := range rejected {
		if rec := a.do("POST", "/api/admin/users", a.admin(), tt.body); rec.Code != tt.want {
			t.Errorf("create %s: %d, want %d", tt.body, rec.Code, tt.want)
		}
	}

	rec = a.do("GET", "/api/admin/users?size=2", a.admin(), "")
	var page models.Page[models.User]
	decode(t, rec, &page)
	if rec.Code != http.StatusOK || page.Total != 3 || len(page.Items) != 2 || page.Items[0].ID != a.alice.ID {
		t.Errorf("list: %d %+v", rec.Code, page)
	}

	rec = a.do("GET", "/api/admin/users/"+itoa(carol.ID), a.admin(), "")
	if rec.Code != http.StatusOK {
		t.Errorf("get: %d", rec.Code)
	}
	if rec := a.do("GET", "/api/admin/users/"+itoa(carol.ID), a.token(carol.ID, middleware.RoleUser), ""); rec.Code != http.StatusForbidden {
		t.Errorf("get as user: %d", rec.Code)
	}

	a.issue(carol, "4000000000000071", "2029-01-01", "0")
	if rec := a.do("DELETE", "/api/admin/users/"+itoa(carol.ID), a.admin(), ""); rec.Code != http.StatusConflict {
		t.Errorf("delete card owner: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do("DELETE", "/api/admin/users/"+itoa(a.bob.ID), a.admin(), ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do("GET", "/api/admin/users/"+itoa(a.bob.ID), a.admin(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("get deleted: %d", rec.Code)
	}
	if rec := a.do("DELETE", "/api/admin/users/"+itoa(a.bob.ID), a.admin(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("delete twice: %d", rec.Code)
	}
}
