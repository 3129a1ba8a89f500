package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	exportjobdomain "github.com/smallbiznis/conversa/internal/exportjob/domain"
	pricingdomain "github.com/smallbiznis/conversa/internal/pricing/domain"
	transactiondomain "github.com/smallbiznis/conversa/internal/transaction/domain"
)

type fakeExportService struct {
	startResp *exportjobdomain.StartExportResponse
	startErr  error
	job       *exportjobdomain.ExportJob
	txn       *transactiondomain.WalletTransaction
	jobErr    error
	jobs      []exportjobdomain.ExportJob
	total     int64

	lastLocationID string
	lastJobID      snowflake.ID
	startCalls     int
}

func (f *fakeExportService) StartExport(ctx context.Context, req exportjobdomain.StartExportRequest) (*exportjobdomain.StartExportResponse, error) {
	f.startCalls++
	f.lastLocationID = req.LocationID
	_ = ctx
	return f.startResp, f.startErr
}

func (f *fakeExportService) Run(ctx context.Context, jobID snowflake.ID) error {
	_ = ctx
	_ = jobID
	return nil
}

func (f *fakeExportService) ProcessBatch(ctx context.Context, jobID snowflake.ID) (*exportjobdomain.ExportJob, error) {
	_ = ctx
	_ = jobID
	return f.job, f.jobErr
}

func (f *fakeExportService) Status(ctx context.Context, locationID string, jobID snowflake.ID) (*exportjobdomain.JobStatus, error) {
	f.lastLocationID = locationID
	f.lastJobID = jobID
	_ = ctx
	if f.jobErr != nil {
		return nil, f.jobErr
	}
	return &exportjobdomain.JobStatus{Job: f.job, Transaction: f.txn}, nil
}

func (f *fakeExportService) List(ctx context.Context, locationID string, page, size int) ([]exportjobdomain.ExportJob, int64, error) {
	f.lastLocationID = locationID
	_ = ctx
	_ = page
	_ = size
	return f.jobs, f.total, f.jobErr
}

func (f *fakeExportService) Pause(ctx context.Context, locationID string, jobID snowflake.ID) (*exportjobdomain.ExportJob, error) {
	f.lastLocationID = locationID
	f.lastJobID = jobID
	_ = ctx
	return f.job, f.jobErr
}

func (f *fakeExportService) Resume(ctx context.Context, locationID string, jobID snowflake.ID) (*exportjobdomain.ExportJob, error) {
	f.lastLocationID = locationID
	f.lastJobID = jobID
	_ = ctx
	return f.job, f.jobErr
}

func (f *fakeExportService) SweepStale(ctx context.Context) (int, int, error) {
	_ = ctx
	return 0, 0, nil
}

func newExportTestRouter(svc exportjobdomain.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)

	srv := &Server{exportJobSvc: svc}
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/exports", srv.ExportStartRateLimit(), srv.StartExport)
	router.GET("/exports", srv.ListExports)
	router.GET("/exports/:id", srv.GetExport)
	router.POST("/exports/:id/pause", srv.PauseExport)
	router.POST("/exports/:id/resume", srv.ResumeExport)
	return router
}

func TestStartExportAccepted(t *testing.T) {
	svc := &fakeExportService{
		startResp: &exportjobdomain.StartExportResponse{
			Job:              &exportjobdomain.ExportJob{ID: snowflake.ID(42), LocationID: "loc-1", Status: exportjobdomain.StatusPending},
			TransactionID:    snowflake.ID(7),
			FinalAmountCents: 3825,
		},
	}
	router := newExportTestRouter(svc)

	body := `{"location_id":"loc-1","kind":"conversations","format":"jsonl","start_date":"2026-01-01T00:00:00Z","end_date":"2026-02-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/exports", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.startCalls != 1 {
		t.Fatalf("expected one StartExport call, got %d", svc.startCalls)
	}
	if svc.lastLocationID != "loc-1" {
		t.Fatalf("expected location loc-1, got %q", svc.lastLocationID)
	}

	var decoded exportjobdomain.StartExportResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.FinalAmountCents != 3825 {
		t.Fatalf("expected final amount 3825, got %d", decoded.FinalAmountCents)
	}
}

func TestStartExportMissingLocationReturns400(t *testing.T) {
	svc := &fakeExportService{}
	router := newExportTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/exports", bytes.NewBufferString(`{"kind":"conversations"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if svc.startCalls != 0 {
		t.Fatal("expected StartExport not to be called")
	}
}

func TestStartExportInsufficientFundsReturns402(t *testing.T) {
	svc := &fakeExportService{startErr: pricingdomain.ErrInsufficientFunds}
	router := newExportTestRouter(svc)

	body := `{"location_id":"loc-1","kind":"conversations","format":"jsonl"}`
	req := httptest.NewRequest(http.MethodPost, "/exports", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d: %s", resp.Code, resp.Body.String())
	}

	var decoded errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Error.Type != "insufficient_funds" {
		t.Fatalf("expected insufficient_funds error type, got %q", decoded.Error.Type)
	}
}

func TestGetExportReturnsJobAndTransaction(t *testing.T) {
	svc := &fakeExportService{
		job: &exportjobdomain.ExportJob{
			ID:            snowflake.ID(42),
			LocationID:    "loc-1",
			TransactionID: snowflake.ID(7),
			Status:        exportjobdomain.StatusProcessing,
		},
		txn: &transactiondomain.WalletTransaction{
			ID:               snowflake.ID(7),
			LocationID:       "loc-1",
			Status:           transactiondomain.StatusCharged,
			FinalAmountCents: 3825,
		},
	}
	router := newExportTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/exports/42?location_id=loc-1", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var decoded exportjobdomain.JobStatus
	if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Job == nil || decoded.Job.ID != snowflake.ID(42) {
		t.Fatalf("expected job 42 in response, got %+v", decoded.Job)
	}
	if decoded.Transaction == nil {
		t.Fatal("expected the wallet transaction in the response")
	}
	if decoded.Transaction.Status != transactiondomain.StatusCharged {
		t.Fatalf("expected charged transaction, got %q", decoded.Transaction.Status)
	}
	if decoded.Transaction.FinalAmountCents != 3825 {
		t.Fatalf("expected final amount 3825, got %d", decoded.Transaction.FinalAmountCents)
	}
}

func TestGetExportUnknownJobReturns404(t *testing.T) {
	svc := &fakeExportService{jobErr: exportjobdomain.ErrNotFound}
	router := newExportTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/exports/12345?location_id=loc-1", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestGetExportInvalidIDReturns400(t *testing.T) {
	svc := &fakeExportService{}
	router := newExportTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/exports/not-a-number?location_id=loc-1", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestListExportsRequiresLocation(t *testing.T) {
	svc := &fakeExportService{}
	router := newExportTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/exports", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestListExportsReturnsPage(t *testing.T) {
	svc := &fakeExportService{
		jobs: []exportjobdomain.ExportJob{
			{ID: snowflake.ID(2), LocationID: "loc-1", Status: exportjobdomain.StatusCompleted},
			{ID: snowflake.ID(1), LocationID: "loc-1", Status: exportjobdomain.StatusFailed},
		},
		total: 2,
	}
	router := newExportTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/exports?location_id=loc-1&page=1&size=10", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var decoded listExportsResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Total != 2 || len(decoded.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got total=%d len=%d", decoded.Total, len(decoded.Jobs))
	}
}

func TestPauseExportConflictReturns409(t *testing.T) {
	svc := &fakeExportService{jobErr: exportjobdomain.ErrNotPausable}
	router := newExportTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/exports/12345/pause?location_id=loc-1", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestResumeExportDispatchFailureReturns503(t *testing.T) {
	svc := &fakeExportService{jobErr: exportjobdomain.ErrDispatchFailed}
	router := newExportTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/exports/12345/resume?location_id=loc-1", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
}
