package storefront

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dluong/bloomshop/pkg/models"
)

// fakeBackend is a minimal order-service the storefront talks to.
type fakeBackend struct {
	mu         sync.Mutex
	cart       []models.CartItem
	cartPuts   int
	orders     map[string]*models.Order
	nextNumber int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{orders: make(map[string]*models.Order)}
}

func (f *fakeBackend) server() *httptest.Server {
	r := mux.NewRouter()

	r.HandleFunc("/api/auth/login", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":       true,
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"user": map[string]string{
				"id": "u1", "email": "lan@example.com", "role": "customer",
			},
		})
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/cart", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(models.CartResponse{Success: true, Data: f.cart})
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/cart", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Items []models.CartItem `json:"items"`
		}
		json.NewDecoder(req.Body).Decode(&body)
		f.mu.Lock()
		f.cart = body.Items
		f.cartPuts++
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/admin/orders", func(w http.ResponseWriter, req *http.Request) {
		var body models.CreateOrderRequest
		json.NewDecoder(req.Body).Decode(&body)

		f.mu.Lock()
		f.nextNumber++
		order := &models.Order{
			ID:            "order-1",
			OrderNumber:   "DH000001",
			CustomerName:  body.CustomerName,
			CustomerInfo:  body.CustomerInfo,
			Items:         body.Items,
			TotalAmount:   body.TotalAmount,
			PaymentMethod: body.PaymentMethod,
			Status:        models.StatusPending,
		}
		f.orders[order.ID] = order
		f.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.OrderResponse{
			Success: true, OrderNumber: order.OrderNumber, Order: order,
		})
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/admin/my-orders", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		orders := make([]models.Order, 0, len(f.orders))
		for _, o := range f.orders {
			orders = append(orders, *o)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "orders": orders})
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/admin/orders/{id}/status", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Status models.OrderStatus `json:"status"`
		}
		json.NewDecoder(req.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		order, ok := f.orders[mux.Vars(req)["id"]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "message": "Order not found"})
			return
		}
		if !order.Status.CanTransitionTo(body.Status) {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "message": "illegal transition"})
			return
		}
		order.Status = body.Status
		json.NewEncoder(w).Encode(models.OrderResponse{Success: true, Order: order})
	}).Methods(http.MethodPut)

	return httptest.NewServer(r)
}

func (f *fakeBackend) serverCart() []models.CartItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cart
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type facade struct {
	router  *mux.Router
	cookies []*http.Cookie
	t       *testing.T
}

func newFacade(t *testing.T, backendURL string) *facade {
	t.Helper()
	manager := NewManager(backendURL, testLogger())
	handler := NewHandler(manager, testLogger())
	router := mux.NewRouter()
	handler.Routes(router)
	return &facade{router: router, t: t}
}

// do replays the session cookie like a browser would.
func (f *facade) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for _, c := range f.cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if cookies := w.Result().Cookies(); len(cookies) > 0 {
		f.cookies = cookies
	}
	return w
}

func roseBouquet() models.Product {
	return models.Product{ID: "p1", Name: "Rose bouquet", Price: 450000, Category: models.CategoryBirthday}
}

func addItemBody(p models.Product, qty int) map[string]interface{} {
	return map[string]interface{}{"product": p, "quantity": qty}
}

func TestCartFlowThroughFacade(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server()
	defer srv.Close()

	f := newFacade(t, srv.URL)

	w := f.do(http.MethodPost, "/cart/items", addItemBody(roseBouquet(), 1))
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/cart/items", addItemBody(roseBouquet(), 2))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Items       []models.CartItem `json:"items"`
		TotalItems  int               `json:"total_items"`
		TotalAmount int64             `json:"total_amount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, 3, resp.Items[0].Quantity)
	assert.Equal(t, 3, resp.TotalItems)
	assert.Equal(t, int64(1350000), resp.TotalAmount)
}

func TestAddItemRejectsZeroQuantity(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server()
	defer srv.Close()

	f := newFacade(t, srv.URL)
	w := f.do(http.MethodPost, "/cart/items", addItemBody(roseBouquet(), 0))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionCookiePersistsCart(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server()
	defer srv.Close()

	f := newFacade(t, srv.URL)
	f.do(http.MethodPost, "/cart/items", addItemBody(roseBouquet(), 2))

	w := f.do(http.MethodGet, "/cart", nil)
	var resp struct {
		TotalItems int `json:"total_items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TotalItems)

	// a fresh client without the cookie gets an empty cart
	other := newFacade(t, srv.URL)
	w = other.do(http.MethodGet, "/cart", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.TotalItems)
}

func TestCartSyncsToBackend(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server()
	defer srv.Close()

	f := newFacade(t, srv.URL)
	f.do(http.MethodPost, "/login", map[string]string{"email": "lan@example.com", "password": "secret"})
	f.do(http.MethodPost, "/cart/items", addItemBody(roseBouquet(), 2))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if items := backend.serverCart(); len(items) == 1 && items[0].Quantity == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cart never converged on the backend: %+v", backend.serverCart())
}

func TestCheckoutClearsCartAndReturnsOrderNumber(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server()
	defer srv.Close()

	f := newFacade(t, srv.URL)
	f.do(http.MethodPost, "/login", map[string]string{"email": "lan@example.com", "password": "secret"})
	f.do(http.MethodPost, "/cart/items", addItemBody(roseBouquet(), 2))

	w := f.do(http.MethodPost, "/checkout", map[string]interface{}{
		"customer_info": models.CustomerInfo{
			Name: "Lan Pham", Phone: "0901234567", Address: "12 Hang Bong",
		},
		"payment_method": models.PaymentCOD,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		OrderNumber string `json:"order_number"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "DH000001", resp.OrderNumber)

	w = f.do(http.MethodGet, "/cart", nil)
	var cartResp struct {
		TotalItems int `json:"total_items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cartResp))
	assert.Equal(t, 0, cartResp.TotalItems)
}

func TestCheckoutValidationBeforeNetwork(t *testing.T) {
	// no backend at all: validation failures must never reach the network
	f := newFacade(t, "http://127.0.0.1:1")

	f.do(http.MethodPost, "/cart/items", addItemBody(roseBouquet(), 1))
	w := f.do(http.MethodPost, "/checkout", map[string]interface{}{
		"customer_info":  models.CustomerInfo{Name: "Lan Pham"},
		"payment_method": models.PaymentCOD,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelRejectedForTerminalOrder(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server()
	defer srv.Close()

	f := newFacade(t, srv.URL)
	f.do(http.MethodPost, "/login", map[string]string{"email": "lan@example.com", "password": "secret"})
	f.do(http.MethodPost, "/cart/items", addItemBody(roseBouquet(), 1))
	w := f.do(http.MethodPost, "/checkout", map[string]interface{}{
		"customer_info": models.CustomerInfo{
			Name: "Lan Pham", Phone: "0901234567",
		},
		"payment_method": models.PaymentCOD,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	backend.mu.Lock()
	backend.orders["order-1"].Status = models.StatusCompleted
	backend.mu.Unlock()

	w = f.do(http.MethodPost, "/orders/order-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelPendingOrder(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server()
	defer srv.Close()

	f := newFacade(t, srv.URL)
	f.do(http.MethodPost, "/login", map[string]string{"email": "lan@example.com", "password": "secret"})
	f.do(http.MethodPost, "/cart/items", addItemBody(roseBouquet(), 1))
	w := f.do(http.MethodPost, "/checkout", map[string]interface{}{
		"customer_info": models.CustomerInfo{
			Name: "Lan Pham", Phone: "0901234567",
		},
		"payment_method": models.PaymentBank,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodPost, "/orders/order-1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	backend.mu.Lock()
	status := backend.orders["order-1"].Status
	backend.mu.Unlock()
	assert.Equal(t, models.StatusCancelled, status)
}

func TestLoginHydratesCartFromBackend(t *testing.T) {
	backend := newFakeBackend()
	backend.cart = []models.CartItem{{
		ID: "line-1", Product: roseBouquet(), Quantity: 4,
	}}
	srv := backend.server()
	defer srv.Close()

	f := newFacade(t, srv.URL)
	w := f.do(http.MethodPost, "/login", map[string]string{"email": "lan@example.com", "password": "secret"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/cart", nil)
	var resp struct {
		TotalItems int `json:"total_items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.TotalItems)
}

func TestLogoutClearsCart(t *testing.T) {
	backend := newFakeBackend()
	srv := backend.server()
	defer srv.Close()

	f := newFacade(t, srv.URL)
	f.do(http.MethodPost, "/login", map[string]string{"email": "lan@example.com", "password": "secret"})
	f.do(http.MethodPost, "/cart/items", addItemBody(roseBouquet(), 2))

	w := f.do(http.MethodPost, "/logout", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/cart", nil)
	var resp struct {
		TotalItems int `json:"total_items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.TotalItems)
}
