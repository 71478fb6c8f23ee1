package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goodtune/playgate/internal/access"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestResolver_Check(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Expected API key to be sent, got %q", r.Header.Get("Authorization"))
		}
		switch r.URL.Path {
		case "/codes/4573-DTE2-R232":
			if r.URL.Query().Get("user_id") != "u-1" {
				t.Errorf("Expected user_id, got %q", r.URL.RawQuery)
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"found": true,
				"grant": map[string]interface{}{"grant_id": "t-1", "max_seats": 2, "used_seats": 0},
			})
		default:
			http.NotFound(w, r)
		}
	})

	r, err := NewResolver(access.KindTrial, Config{BaseURL: srv.URL, APIKey: "secret"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	res, err := r.Check(context.Background(), "4573-DTE2-R232", "u-1")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !res.Found || res.Grant == nil || res.Grant.MaxSeats != 2 {
		t.Fatalf("Unexpected result %+v", res)
	}
	if res.Grant.Kind != access.KindTrial {
		t.Errorf("Expected kind to default to trial, got %s", res.Grant.Kind)
	}

	res, err = r.Check(context.Background(), "UNKNOWN", "u-1")
	if err != nil {
		t.Fatalf("Check of unknown code failed: %v", err)
	}
	if res.Found || res.Reason != access.ReasonNotFound {
		t.Errorf("Expected 404 to mean not recognized, got %+v", res)
	}
}

func TestResolver_TransientFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{not json"))
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.handler)
			r, _ := NewResolver(access.KindPurchase, Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, zerolog.Nop())

			_, err := r.Check(context.Background(), "CODE", "")
			if !errors.Is(err, access.ErrTransientNetwork) {
				t.Errorf("Expected transient error, got %v", err)
			}
		})
	}
}

func TestResolver_ConsumeIntent(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/codes/P-1/consume-intent" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"grant_id": "p-9", "max_seats": 5, "used_seats": 1})
	})

	r, _ := NewResolver(access.KindPurchase, Config{BaseURL: srv.URL}, zerolog.Nop())
	grant, err := r.ConsumeIntent(context.Background(), "P-1")
	if err != nil {
		t.Fatalf("ConsumeIntent failed: %v", err)
	}
	if grant.GrantID != "p-9" || grant.Kind != access.KindPurchase || grant.Remaining() != 4 {
		t.Errorf("Unexpected grant %+v", grant)
	}
}

func TestContent(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/levels":
			writeJSON(w, http.StatusOK, map[string]interface{}{"levels": []int{1, 2}})
		case "/levels/1/questions":
			if r.URL.Query().Get("audience") != "B2B" || r.URL.Query().Get("grant_id") != "g-1" {
				t.Errorf("Expected demo parameters, got %q", r.URL.RawQuery)
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"questions": []map[string]interface{}{
					{"id": "q1", "card_id": "c1", "answers": []map[string]interface{}{{"id": "a", "weight": 4}}},
				},
			})
		case "/levels/2/questions":
			writeJSON(w, http.StatusOK, map[string]interface{}{"questions": []interface{}{}})
		default:
			http.NotFound(w, r)
		}
	})

	c, _ := NewContent(Config{BaseURL: srv.URL + "/"}, zerolog.Nop())
	ctx := context.Background()

	levels, err := c.AvailableLevels(ctx, "prod-1")
	if err != nil || len(levels) != 2 {
		t.Fatalf("Expected two levels, got %v %v", levels, err)
	}

	qs, err := c.Questions(ctx, 1, "prod-1", &Demo{Audience: "B2B", GrantID: "g-1"})
	if err != nil || len(qs) != 1 || qs[0].MaxPoints() != 4 {
		t.Fatalf("Unexpected questions %+v %v", qs, err)
	}

	for _, level := range []int{2, 3} {
		qs, err = c.Questions(ctx, level, "prod-1", nil)
		if err != nil {
			t.Fatalf("Questions(%d) failed: %v", level, err)
		}
		if len(qs) != 0 {
			t.Errorf("Expected empty set for level %d, got %d", level, len(qs))
		}
	}
}

func TestLedger(t *testing.T) {
	var seatCalls int
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/progress":
			writeJSON(w, http.StatusOK, map[string]interface{}{"status": "accepted"})
		case "/seats/CODE/consume":
			seatCalls++
			var req SeatRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("Failed to decode seat request: %v", err)
			}
			if seatCalls == 1 {
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"status": "accepted",
					"grant":  map[string]interface{}{"max_seats": 2, "used_seats": 1},
				})
				return
			}
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte("already consumed"))
		default:
			http.NotFound(w, r)
		}
	})

	l, _ := NewLedger(Config{BaseURL: srv.URL}, zerolog.Nop())
	ctx := context.Background()

	res, err := l.PostProgress(ctx, []byte(`{"level":1}`))
	if err != nil || res.Status != StatusAccepted {
		t.Fatalf("Expected accepted progress, got %+v %v", res, err)
	}

	if _, err := l.PostProgress(ctx, []byte("nope")); err == nil {
		t.Error("Expected invalid payload to be rejected")
	}

	res, err = l.ConsumeSeat(ctx, "CODE", SeatRequest{AttemptID: "a-1"})
	if err != nil || res.Status != StatusAccepted || res.Grant == nil || res.Grant.UsedSeats != 1 {
		t.Fatalf("Expected accepted seat with grant, got %+v %v", res, err)
	}

	res, err = l.ConsumeSeat(ctx, "CODE", SeatRequest{AttemptID: "a-1"})
	if err != nil {
		t.Fatalf("Expected conflict to be benign, got %v", err)
	}
	if res.Status != StatusAlreadyConsumed {
		t.Errorf("Expected already_consumed, got %s", res.Status)
	}
}

func TestNewBase_InvalidURL(t *testing.T) {
	if _, err := NewLedger(Config{BaseURL: "::nope"}, zerolog.Nop()); err == nil {
		t.Error("Expected invalid base URL to be rejected")
	}
}
