package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/flowpbx/wakeup/internal/calls"
	"github.com/flowpbx/wakeup/internal/rcc"
)

const concise101 = "PJSIP/101-00000007!wakeup-service!101!1!Up!Read!WAKEUP_DIGIT!999!!!3!12!(None)!1700000000.7\n"

func TestListAndHangupCalls(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("101", calls.Call{CallID: "101-aaa", AlarmID: 7, RoomNumber: "101"})
	env.ch.responses["asterisk -rx 'core show channels concise'"] = concise101

	rr := env.do(t, http.MethodGet, "/api/v1/calls", nil)
	wantStatus(t, rr, http.StatusOK)
	var active []calls.Call
	decode(t, rr, &active)
	if len(active) != 1 || active[0].Extension != "101" || active[0].AlarmID != 7 {
		t.Fatalf("active calls = %+v", active)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/calls/101/hangup", nil)
	wantStatus(t, rr, http.StatusOK)
	var ended calls.Call
	decode(t, rr, &ended)
	if ended.CallID != "101-aaa" {
		t.Errorf("ended = %+v", ended)
	}
	if !env.ch.ran("asterisk -rx 'channel request hangup PJSIP/101-00000007'") {
		t.Errorf("hangup not sent; commands = %q", env.ch.commands)
	}
	if env.registry.Count() != 0 {
		t.Error("call still registered after hangup")
	}

	rr = env.do(t, http.MethodGet, "/api/v1/call-logs?room=101", nil)
	var page struct {
		Items []callLogResponse `json:"items"`
	}
	decode(t, rr, &page)
	if len(page.Items) != 1 || page.Items[0].Status != "hangup" || page.Items[0].AlarmID != 7 {
		t.Errorf("call logs = %+v", page.Items)
	}
}

func TestHangupCallErrors(t *testing.T) {
	env := newTestEnv(t)

	wantStatus(t, env.do(t, http.MethodPost, "/api/v1/calls/abc/hangup", nil), http.StatusBadRequest)
	wantStatus(t, env.do(t, http.MethodPost, "/api/v1/calls/102/hangup", nil), http.StatusNotFound)

	env.registry.Register("103", calls.Call{CallID: "103-bbb", AlarmID: 9, RoomNumber: "103"})
	env.ch.failures["asterisk -rx 'core show channels concise'"] = &rcc.ConnectionError{
		Addr: "pbx.hotel.local:22", Op: "dial", Err: errors.New("connection refused"),
	}
	wantStatus(t, env.do(t, http.MethodPost, "/api/v1/calls/103/hangup", nil), http.StatusBadGateway)
	if env.registry.Count() != 1 {
		t.Error("failed hangup dropped the call from the registry")
	}
}

func TestListCallLogsPagination(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"?limit=abc", "?offset=-1", "?alarm_id=0", "?alarm_id=x"} {
		wantStatus(t, env.do(t, http.MethodGet, "/api/v1/call-logs"+q, nil), http.StatusBadRequest)
	}

	rr := env.do(t, http.MethodGet, "/api/v1/call-logs?limit=500", nil)
	wantStatus(t, rr, http.StatusOK)
	var page PaginatedResponse
	decode(t, rr, &page)
	if page.Limit != maxLimit || page.Total != 0 {
		t.Errorf("page = %+v", page)
	}
}
