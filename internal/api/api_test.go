package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/device"
	"classattend/internal/lock"
	"classattend/internal/queue"
)

type fixture struct {
	router *gin.Engine
	store  *attendance.MemoryStore
	svc    *attendance.Service
	queue  *queue.InMemory
	issuer auth.Issuer
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		store: attendance.NewMemoryStore(),
		queue: queue.NewInMemory(8),
		now:   time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.issuer = auth.Issuer{Name: "test", Key: "secret", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour}

	for _, id := range []string{"s1", "s2", "s3"} {
		f.store.PutStudent(attendance.Student{ID: id, Name: "Student " + id})
	}
	f.store.PutSubject(attendance.Subject{ID: "math", Name: "Math", StartTime: "08:00", EndTime: "09:00", Order: 1})
	f.store.PutSubject(attendance.Subject{ID: "art", Name: "Art", Order: 2})

	f.svc = attendance.NewService(attendance.Config{
		Store:    f.store,
		Locker:   lock.NewLocal(),
		Now:      clock,
		Location: time.UTC,
	})
	f.router = NewRouter(Deps{
		Service: f.svc,
		Devices: device.NewRegistry(device.NewMemoryStore(), f.issuer),
		Issuer:  f.issuer,
		Queue:   f.queue,
		Health:  map[string]HealthFunc{"db": func(context.Context) bool { return true }},
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","db":true}`, w.Body.String())
}

func TestRecordLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/records/start", gin.H{"student_id": "s1"}, "")
	assert.Equal(t, http.StatusConflict, w.Code, "no subject active yet")

	w = f.do(t, http.MethodPost, "/v1/subjects/math/activate", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	f.now = f.now.Add(2 * time.Minute)
	w = f.do(t, http.MethodPost, "/v1/records/start", gin.H{"student_id": "s1"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode[attendance.Record](t, w)
	assert.Equal(t, attendance.StatusLate, rec.Status)
	assert.Equal(t, attendance.BreakBudget, rec.BreakTime)

	w = f.do(t, http.MethodPost, "/v1/records/start", gin.H{"record_id": rec.ID}, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/v1/records/"+rec.ID+"/pause", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[attendance.Record](t, w).Paused)

	w = f.do(t, http.MethodPost, "/v1/records/"+rec.ID+"/pause", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/v1/records/"+rec.ID+"/resume", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/records/"+rec.ID+"/stop", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode[attendance.Record](t, w).TimeEnd)

	w = f.do(t, http.MethodPost, "/v1/records/"+rec.ID+"/resume", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/v1/records/missing/stop", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotStartedRecord(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/subjects/math/activate", nil, "").Code)

	roster := decode[struct {
		Roster []attendance.RosterEntry `json:"roster"`
	}](t, f.do(t, http.MethodGet, "/v1/roster", nil, ""))
	require.Len(t, roster.Roster, 3)
	require.NotNil(t, roster.Roster[0].Record)
	assert.Equal(t, attendance.StateNotStarted, roster.Roster[0].State)

	w := f.do(t, http.MethodPost, "/v1/records/"+roster.Roster[0].Record.ID+"/pause", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/subjects/math/activate", nil, "").Code)

	w := f.do(t, http.MethodPut, "/v1/students/s2/status", gin.H{"status": "sleeping"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/v1/students/s2/status", gin.H{"status": "excused"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, attendance.StatusExcused, decode[attendance.Record](t, w).Status)

	w = f.do(t, http.MethodPut, "/v1/students/nobody/status", gin.H{"status": "PRESENT"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubjectWithoutScheduleCannotActivate(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/subjects/art/activate", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodPost, "/v1/subjects/nope/activate", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutoAdjustEndpoint(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/subjects/math/activate", nil, "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/records/start", gin.H{"student_id": "s1"}, "").Code)

	// provisional PRESENT at start; at 10 minutes the sweep demotes to ABSENT
	f.now = f.now.Add(10 * time.Minute)
	w := f.do(t, http.MethodPost, "/v1/subjects/math/auto-adjust", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, attendance.SweepResult{Checked: 1, Updated: 1}, decode[attendance.SweepResult](t, w))

	f.now = f.now.Add(35 * time.Minute)
	w = f.do(t, http.MethodPost, "/v1/subjects/math/auto-adjust", nil, "")
	assert.Equal(t, attendance.SweepResult{Checked: 1, Updated: 1}, decode[attendance.SweepResult](t, w))

	w = f.do(t, http.MethodPost, "/v1/subjects/math/auto-adjust", nil, "")
	assert.Equal(t, attendance.SweepResult{Checked: 1, Updated: 0}, decode[attendance.SweepResult](t, w))

	w = f.do(t, http.MethodPost, "/v1/subjects/math/auto-adjust", gin.H{"day": "02/03/2026"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutoAdjustChunkedBody(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/subjects/math/activate", nil, "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/records/start", gin.H{"student_id": "s1"}, "").Code)

	f.now = f.now.Add(10 * time.Minute)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/subjects/math/auto-adjust", nil, "").Code)

	// 30 of 60 minutes only passes with the lowered threshold from the body
	f.now = f.now.Add(20 * time.Minute)
	req := httptest.NewRequest(http.MethodPost, "/v1/subjects/math/auto-adjust", bytes.NewBufferString(`{"min_percentage":50}`))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = -1
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, attendance.SweepResult{Checked: 1, Updated: 1}, decode[attendance.SweepResult](t, w))
}

func TestSubjectsAndRosterErrors(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/subjects", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Subjects []attendance.Subject `json:"subjects"`
	}](t, w)
	require.Len(t, list.Subjects, 2)
	assert.Equal(t, "math", list.Subjects[0].ID)
	assert.Equal(t, "art", list.Subjects[1].ID)

	w = f.do(t, http.MethodGet, "/v1/roster?subject_id=art", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "art has no duration")
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/subjects/math/activate", nil, "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/subjects/deactivate", nil, "").Code)

	_, err := f.store.ActiveSubject(context.Background())
	assert.ErrorIs(t, err, attendance.ErrNoActiveSubject)
}

func TestStandbyEndpoints(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Detect(context.Background(), "s3", f.now)
	require.NoError(t, err)
	require.Equal(t, attendance.DetectStandby, res.Outcome)

	list := decode[struct {
		Standby []attendance.StandbyStudent `json:"standby"`
	}](t, f.do(t, http.MethodGet, "/v1/standby", nil, ""))
	require.Len(t, list.Standby, 1)
	assert.Equal(t, "s3", list.Standby[0].StudentID)

	path := "/v1/standby/" + list.Standby[0].ID
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, path, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, path, nil, "").Code)
}

func TestDeviceFlowAndDetections(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/detections", gin.H{"student_id": "s1"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/v1/devices/register", gin.H{"device_id": "kiosk-1"}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	pair := decode[auth.TokenPair](t, w)

	w = f.do(t, http.MethodPost, "/v1/detections", gin.H{}, pair.AccessToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/detections", gin.H{"student_id": "s1"}, pair.AccessToken)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := f.queue.Consume(ctx)
	require.NoError(t, err)
	msg := <-msgs
	det, err := msg.Detection()
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1", det.DeviceID)
	assert.Equal(t, "s1", det.StudentID)

	w = f.do(t, http.MethodPost, "/v1/devices/refresh", gin.H{"refresh_token": pair.RefreshToken}, "")
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/v1/devices/refresh", gin.H{"refresh_token": pair.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
