package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costbook/internal/core/id"
	"costbook/internal/domain/ledger"
	"costbook/internal/infrastructure/http/v1/middleware"
)

// Stub repositories cover the handler plumbing only; chain semantics are
// tested in the ledger package.

type stubMovements struct {
	products   []id.ID
	listFilter ledger.MovementFilter
}

func (s *stubMovements) Append(context.Context, *ledger.Movement) error { return nil }
func (s *stubMovements) GetByInvoiceProduct(context.Context, id.ID, id.ID) (*ledger.Movement, error) {
	return nil, nil
}
func (s *stubMovements) GetPredecessor(context.Context, id.ID, ledger.Key) (*ledger.Movement, error) {
	return nil, nil
}
func (s *stubMovements) GetChainFrom(context.Context, id.ID, ledger.Key) ([]ledger.Movement, error) {
	return nil, nil
}
func (s *stubMovements) Overwrite(context.Context, *ledger.Movement) error { return nil }
func (s *stubMovements) Remove(context.Context, id.ID) error               { return nil }
func (s *stubMovements) ListByProduct(_ context.Context, _ id.ID, filter ledger.MovementFilter) ([]ledger.Movement, error) {
	s.listFilter = filter
	return nil, nil
}
func (s *stubMovements) ListProductIDs(context.Context) ([]id.ID, error) { return s.products, nil }

type stubPositions struct{}

func (stubPositions) Get(context.Context, id.ID, time.Time) (*ledger.PositionSnapshot, error) {
	return nil, nil
}
func (stubPositions) LatestAsOf(context.Context, id.ID, time.Time) (*ledger.PositionSnapshot, error) {
	return nil, nil
}
func (stubPositions) Latest(context.Context, id.ID) (*ledger.PositionSnapshot, error) {
	return nil, nil
}
func (stubPositions) ListRange(context.Context, id.ID, time.Time, time.Time) ([]ledger.PositionSnapshot, error) {
	return nil, nil
}
func (stubPositions) UpsertBatch(context.Context, []ledger.PositionSnapshot) error { return nil }

type stubLocker struct{}

func (stubLocker) AcquireProductLock(context.Context, id.ID) error { return nil }

type passTx struct{}

func (passTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestRouter(t *testing.T, movements *stubMovements) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := ledger.NewEngine(movements, stubPositions{}, stubLocker{}, passTx{})
	service := ledger.NewService(engine, movements, stubPositions{})
	handler := NewLedgerHandler(NewBaseHandler(), service, nil)

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	handler.RegisterRoutes(router.Group("/api/v1/ledger"), func(c *gin.Context) { c.Next() })
	handler.RegisterAdminRoutes(router.Group("/api/v1/admin"))
	return router
}

func TestRecomputeBindsChunkedBody(t *testing.T) {
	productA, productB := id.New(), id.New()
	router := newTestRouter(t, &stubMovements{products: []id.ID{productA, productB}})

	body := bytes.NewBufferString(fmt.Sprintf(`{"productId":%q}`, productA))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/recompute", body)
	req.Header.Set("Content-Type", "application/json")
	// Chunked transfer encoding: length unknown up front.
	req.ContentLength = -1

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Products int `json:"products"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Products, "body narrows the repair to one product")
}

func TestRecomputeEmptyBodyRepairsAllProducts(t *testing.T) {
	router := newTestRouter(t, &stubMovements{products: []id.ID{id.New(), id.New()}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/recompute", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Products int `json:"products"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Products)
}

func TestApplyMutationCreateRespondsWithMovementID(t *testing.T) {
	router := newTestRouter(t, &stubMovements{})

	body := bytes.NewBufferString(fmt.Sprintf(
		`{"invoiceId":%q,"productId":%q,"action":"create","delta":5,"unitCost":"2.00"}`,
		id.New(), id.New()))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ledger/mutations", body)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	_, err := id.Parse(resp.ID)
	assert.NoError(t, err)
}

func TestGetMovementsQueryBinding(t *testing.T) {
	movements := &stubMovements{}
	router := newTestRouter(t, movements)

	// Missing productId is rejected.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ledger/movements", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	url := fmt.Sprintf("/api/v1/ledger/movements?productId=%s&fromDate=2025-03-01T00:00:00Z&limit=10",
		id.New())
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NotNil(t, movements.listFilter.FromDate)
	assert.True(t, movements.listFilter.FromDate.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, movements.listFilter.ToDate)
	assert.Equal(t, 10, movements.listFilter.Limit)
}
