package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"execbot/internal/storage"
	logx "execbot/pkg/logx"
)

type attemptLog map[string][]storage.AttemptRecord

func (a attemptLog) Attempts(_ context.Context, proposal string, limit int) ([]storage.AttemptRecord, error) {
	recs := a[proposal]
	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}

func TestStatusRequiresToken(t *testing.T) {
	s := New(Config{Enabled: true, Token: "secret"}, func() any { return map[string]int{"timers": 3} }, nil, logx.Nop())
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer: code = %d", rec.Code)
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got["timers"] != 3 {
		t.Fatalf("body = %s err=%v", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz code = %d", rec.Code)
	}
}

func TestAttempts(t *testing.T) {
	log := attemptLog{"0x01": {{Proposal: "0x01", Outcome: "sent"}, {Proposal: "0x01", Outcome: "confirmed"}}}
	h := New(Config{Enabled: true}, nil, log, logx.Nop()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/attempts?proposal=0x01&limit=1", nil))
	var recs []storage.AttemptRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0].Outcome != "confirmed" {
		t.Fatalf("recs = %+v", recs)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/attempts", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing proposal: code = %d", rec.Code)
	}
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected refusal")
	}
	if !isLoopbackAddr("127.0.0.1:6060") || !isLoopbackAddr("localhost:1") || isLoopbackAddr(":6060") {
		t.Fatal("isLoopbackAddr")
	}
}

func TestServeGivesUpWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	s := New(Config{Enabled: true, Addr: ln.Addr().String(), MaxRestarts: 1}, nil, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for s.sup.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if s.sup.Err() == nil {
		t.Fatal("listener kept restarting")
	}
	if c := s.sup.Counters(); c.Started == 0 {
		t.Fatalf("counters = %+v", c)
	}
}
