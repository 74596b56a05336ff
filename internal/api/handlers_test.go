package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/telemedicine-scheduling/internal/appointment"
	"github.com/hackgods/telemedicine-scheduling/internal/clock"
	"github.com/hackgods/telemedicine-scheduling/internal/config"
	"github.com/hackgods/telemedicine-scheduling/internal/notify"
	redisclient "github.com/hackgods/telemedicine-scheduling/internal/redis"
)

const testSecret = "test-secret"

type testServer struct {
	handler http.Handler
	clk     *clock.Manual
	events  *notify.Recorder
	doctor  appointment.Principal
	patient appointment.Principal
	system  appointment.Principal
}

func newTestServer(t *testing.T, rc RouterConfig) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.StoreDriver = config.StoreMemory

	ts := &testServer{
		// Monday.
		clk:     clock.NewManual(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)),
		events:  &notify.Recorder{},
		doctor:  appointment.Principal{UserID: uuid.New(), Role: appointment.RoleDoctor},
		patient: appointment.Principal{UserID: uuid.New(), Role: appointment.RolePatient},
		system:  appointment.Principal{UserID: uuid.Nil, Role: appointment.RoleSystem},
	}
	rc.Service = appointment.NewService(
		appointment.NewMemoryRepository(),
		redisclient.NewLocalLocker(),
		ts.events,
		ts.clk,
		cfg,
		zap.NewNop(),
	)
	rc.Logger = zap.NewNop()
	ts.handler = NewRouter(rc)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, as *appointment.Principal) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set("X-User-ID", as.UserID.String())
		req.Header.Set("X-User-Role", string(as.Role))
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func (ts *testServer) openTuesday(t *testing.T, times ...string) {
	t.Helper()
	rec := ts.do(t, http.MethodPut, "/availability", map[string]any{
		"days": []map[string]any{
			{"date": "2024-01-02", "mode": "video", "slots": times},
		},
	}, &ts.doctor)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) holdTuesday(t *testing.T, p appointment.Principal, at string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, http.MethodPost, "/appointments/hold", map[string]any{
		"doctor_id": ts.doctor.UserID,
		"date":      "2024-01-02",
		"time":      at,
		"mode":      "video",
	}, &p)
}

func (ts *testServer) bookTuesday(t *testing.T, at string) AppointmentResponse {
	t.Helper()
	rec := ts.holdTuesday(t, ts.patient, at)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	hold := decode[HoldResponse](t, rec)

	rec = ts.do(t, http.MethodPost, "/appointments", map[string]any{
		"hold_token":      hold.HoldToken,
		"patient_details": map[string]any{"name": "Jane Roe", "problem": "cough"},
		"fee":             "0",
	}, &ts.patient)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[AppointmentResponse](t, rec)
}

func TestBookingFlow(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.openTuesday(t, "10:00", "11:00")

	rec := ts.do(t, http.MethodGet, "/availability?doctor_id="+ts.doctor.UserID.String()+"&from=2024-01-02", nil, &ts.patient)
	require.Equal(t, http.StatusOK, rec.Code)
	avail := decode[[]AvailabilityResponse](t, rec)
	require.Len(t, avail, 1)
	assert.True(t, avail[0].Available)
	assert.Equal(t, []SlotStateResponse{{Time: "10:00", Free: true}, {Time: "11:00", Free: true}}, avail[0].Slots)

	appt := ts.bookTuesday(t, "10:00")
	assert.Equal(t, "scheduled", appt.Status)
	assert.Equal(t, "waived", appt.PaymentStatus)
	assert.Equal(t, ts.patient.UserID, appt.PatientID)

	rec = ts.do(t, http.MethodGet, "/availability?doctor_id="+ts.doctor.UserID.String()+"&from=2024-01-02&to=2024-01-02", nil, &ts.patient)
	avail = decode[[]AvailabilityResponse](t, rec)
	assert.False(t, avail[0].Slots[0].Free)
	assert.True(t, avail[0].Slots[1].Free)

	rec = ts.do(t, http.MethodGet, "/appointments/"+appt.ID.String(), nil, &ts.doctor)
	require.Equal(t, http.StatusOK, rec.Code)

	stranger := appointment.Principal{UserID: uuid.New(), Role: appointment.RolePatient}
	rec = ts.do(t, http.MethodGet, "/appointments/"+appt.ID.String(), nil, &stranger)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/appointments?scope=upcoming", nil, &ts.patient)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AppointmentResponse](t, rec), 1)

	assert.Equal(t, []string{notify.EventAppointmentCreated}, ts.events.Types())
}

func TestHold_Conflict(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.openTuesday(t, "10:00")

	rec := ts.holdTuesday(t, ts.patient, "10:00")
	require.Equal(t, http.StatusCreated, rec.Code)

	other := appointment.Principal{UserID: uuid.New(), Role: appointment.RolePatient}
	rec = ts.holdTuesday(t, other, "10:00")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_unavailable", decode[ErrorResponse](t, rec).Error)
}

func TestReleaseHold_FreesSlot(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.openTuesday(t, "10:00")

	rec := ts.holdTuesday(t, ts.patient, "10:00")
	require.Equal(t, http.StatusCreated, rec.Code)
	hold := decode[HoldResponse](t, rec)
	other := appointment.Principal{UserID: uuid.New(), Role: appointment.RolePatient}

	// someone else's release leaves the hold in place
	rec = ts.do(t, http.MethodDelete, "/appointments/hold/"+hold.HoldToken, nil, &other)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.holdTuesday(t, other, "10:00")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/appointments/hold/"+hold.HoldToken, nil, &ts.patient)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.holdTuesday(t, other, "10:00")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestBook_ExpiredHold(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.openTuesday(t, "10:00")

	rec := ts.holdTuesday(t, ts.patient, "10:00")
	require.Equal(t, http.StatusCreated, rec.Code)
	hold := decode[HoldResponse](t, rec)

	ts.clk.Advance(time.Hour)

	rec = ts.do(t, http.MethodPost, "/appointments", map[string]any{
		"hold_token":      hold.HoldToken,
		"patient_details": map[string]any{"name": "Jane Roe"},
		"fee":             "0",
	}, &ts.patient)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "hold_expired", decode[ErrorResponse](t, rec).Error)
}

func TestUpdateStatus_CompletionNeedsDiagnosis(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.openTuesday(t, "10:00")
	appt := ts.bookTuesday(t, "10:00")
	path := "/appointments/" + appt.ID.String()

	rec := ts.do(t, http.MethodPatch, path+"/status", map[string]any{"status": "completed"}, &ts.doctor)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode[ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodPatch, path+"/status", map[string]any{"status": "in-progress"}, &ts.patient)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodPatch, path+"/status", map[string]any{
		"status":  "completed",
		"summary": map[string]any{"diagnosis": "viral pharyngitis", "follow_up_requested": true},
	}, &ts.doctor)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "completed", done.Status)
	require.NotNil(t, done.Summary)
	assert.Equal(t, "viral pharyngitis", done.Summary.Diagnosis)

	rec = ts.do(t, http.MethodGet, path+"/follow-up-eligibility", nil, &ts.patient)
	require.Equal(t, http.StatusOK, rec.Code)
	e := decode[EligibilityResponse](t, rec)
	assert.False(t, e.Eligible)
	assert.Equal(t, appointment.ReasonTooEarly, e.Reason)
	assert.Equal(t, 10, e.RequiredWorkingDays)

	rec = ts.do(t, http.MethodPatch, path+"/status", map[string]any{"status": "cancelled", "reason": "late"}, &ts.doctor)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdatePayment_SystemOnly(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.openTuesday(t, "10:00")

	rec := ts.holdTuesday(t, ts.patient, "10:00")
	require.Equal(t, http.StatusCreated, rec.Code)
	hold := decode[HoldResponse](t, rec)

	rec = ts.do(t, http.MethodPost, "/appointments", map[string]any{
		"hold_token":      hold.HoldToken,
		"patient_details": map[string]any{"name": "Jane Roe"},
		"fee":             "499.00",
	}, &ts.patient)
	require.Equal(t, http.StatusCreated, rec.Code)
	appt := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "pending-payment", appt.Status)

	path := "/appointments/" + appt.ID.String() + "/payment"
	rec = ts.do(t, http.MethodPatch, path, map[string]any{"payment_status": "paid"}, &ts.patient)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPatch, path, map[string]any{"payment_status": "paid"}, &ts.system)
	require.Equal(t, http.StatusOK, rec.Code)
	paid := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "scheduled", paid.Status)
	assert.Equal(t, "paid", paid.PaymentStatus)
}

func TestReschedule_OverHTTP(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.openTuesday(t, "10:00", "15:00")
	appt := ts.bookTuesday(t, "10:00")

	rec := ts.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/reschedule", map[string]any{
		"date": "2024-01-02",
		"time": "15:00",
	}, &ts.patient)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[RescheduleResponse](t, rec)
	assert.Equal(t, "cancelled", res.Previous.Status)
	assert.Equal(t, "15:00", res.Appointment.Time)
	require.NotNil(t, res.Appointment.RescheduledFrom)
	assert.Equal(t, appt.ID, *res.Appointment.RescheduledFrom)

	rec = ts.do(t, http.MethodGet, "/appointments/"+res.Appointment.ID.String()+"/chain", nil, &ts.patient)
	require.Equal(t, http.StatusOK, rec.Code)
	chain := decode[[]AppointmentResponse](t, rec)
	require.Len(t, chain, 2)
	assert.Equal(t, appt.ID, chain[0].ID)
}

func TestBadInput(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   string
	}{
		{"malformed id", http.MethodGet, "/appointments/not-a-uuid", nil, "invalid_appointment_id"},
		{"missing doctor", http.MethodGet, "/availability?from=2024-01-02", nil, "invalid_doctor_id"},
		{"bad mode", http.MethodPost, "/appointments/hold", map[string]any{
			"doctor_id": uuid.New(), "date": "2024-01-02", "time": "10:00", "mode": "phone",
		}, "validation_error"},
		{"bad time", http.MethodPost, "/appointments/hold", map[string]any{
			"doctor_id": uuid.New(), "date": "2024-01-02", "time": "25:00", "mode": "video",
		}, "validation_error"},
		{"missing name", http.MethodPost, "/appointments", map[string]any{
			"hold_token": "abc", "patient_details": map[string]any{},
		}, "validation_error"},
		{"unknown scope", http.MethodGet, "/appointments?scope=someday", nil, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body, &ts.patient)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Error)
		})
	}

	t.Run("unparseable body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/appointments/hold", strings.NewReader("{"))
		req.Header.Set("X-User-ID", ts.patient.UserID.String())
		req.Header.Set("X-User-Role", "patient")
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request_body", decode[ErrorResponse](t, rec).Error)
	})
}

func TestAuth_Headers(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})

	rec := ts.do(t, http.MethodGet, "/appointments", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	admin := appointment.Principal{UserID: uuid.New(), Role: "admin"}
	rec = ts.do(t, http.MethodGet, "/appointments", nil, &admin)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/appointments", nil, &ts.patient)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func signToken(t *testing.T, secret, subject, role string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuth_BearerToken(t *testing.T) {
	ts := newTestServer(t, RouterConfig{Validator: NewTokenValidator(testSecret)})
	patient := ts.patient.UserID.String()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + signToken(t, testSecret, patient, "patient", time.Hour), http.StatusOK},
		{"wrong secret", "Bearer " + signToken(t, "other", patient, "patient", time.Hour), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, testSecret, patient, "patient", -time.Minute), http.StatusUnauthorized},
		{"unknown role", "Bearer " + signToken(t, testSecret, patient, "nurse", time.Hour), http.StatusUnauthorized},
		{"not a uuid", "Bearer " + signToken(t, testSecret, "jane", "patient", time.Hour), http.StatusUnauthorized},
		{"missing scheme", signToken(t, testSecret, patient, "patient", time.Hour), http.StatusUnauthorized},
		{"empty", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/appointments", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			// Gateway headers are ignored once tokens are required.
			req.Header.Set("X-User-ID", patient)
			req.Header.Set("X-User-Role", "patient")

			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHealth(t *testing.T) {
	down := func(context.Context) error { return errors.New("connection refused") }
	up := func(context.Context) error { return nil }

	tests := []struct {
		name       string
		checks     []Check
		wantCode   int
		wantStatus string
	}{
		{"all up", []Check{{Name: "postgres", Critical: true, Ping: up}, {Name: "redis", Ping: up}}, http.StatusOK, "ok"},
		{"optional down", []Check{{Name: "postgres", Critical: true, Ping: up}, {Name: "redis", Ping: down}}, http.StatusOK, "degraded"},
		{"critical down", []Check{{Name: "postgres", Critical: true, Ping: down}, {Name: "redis", Ping: up}}, http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, RouterConfig{Checks: tt.checks, Version: "1.2.3"})

			rec := ts.do(t, http.MethodGet, "/health/live", nil, nil)
			assert.Equal(t, http.StatusOK, rec.Code)

			rec = ts.do(t, http.MethodGet, "/health/ready", nil, nil)
			assert.Equal(t, tt.wantCode, rec.Code)
			resp := decode[ReadinessResponse](t, rec)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "1.2.3", resp.Version)
			assert.Len(t, resp.Dependencies, 2)
		})
	}
}

func TestMetrics_Exposed(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	ts.openTuesday(t, "10:00")

	require.Equal(t, http.StatusCreated, ts.holdTuesday(t, ts.patient, "10:00").Code)
	other := appointment.Principal{UserID: uuid.New(), Role: appointment.RolePatient}
	require.Equal(t, http.StatusConflict, ts.holdTuesday(t, other, "10:00").Code)

	rec := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body, `slot_hold_attempts_total{outcome="held"} 1`)
	assert.Contains(t, body, `slot_hold_attempts_total{outcome="slot_unavailable"} 1`)
	assert.Contains(t, body, `route="/appointments/hold"`)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, RouterConfig{RateLimit: 1})

	rec := ts.do(t, http.MethodGet, "/appointments", nil, &ts.patient)
	require.Equal(t, http.StatusOK, rec.Code)

	limited := 0
	for i := 0; i < 5; i++ {
		if ts.do(t, http.MethodGet, "/appointments", nil, &ts.patient).Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Positive(t, limited)

	// Health probes sit outside the limited group.
	rec = ts.do(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS_Preflight(t *testing.T) {
	ts := newTestServer(t, RouterConfig{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/appointments/hold", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORS_WildcardWithoutCredentials(t *testing.T) {
	ts := newTestServer(t, RouterConfig{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodOptions, "/appointments/hold", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}
