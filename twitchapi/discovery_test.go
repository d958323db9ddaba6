package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/onnwee/chatfleet/testutil"
)

// rankedStreams builds count streams with ids "<prefix><i>" and logins "login_<prefix><i>".
func rankedStreams(prefix string, count int) ([]testutil.Stream, map[string]string) {
	streams := make([]testutil.Stream, count)
	logins := make(map[string]string, count)
	for i := range streams {
		id := fmt.Sprintf("%s%d", prefix, i)
		streams[i] = testutil.Stream{UserID: id, Login: "login_" + id, Viewers: 100000 - i}
		logins[id] = "login_" + id
	}
	return streams, logins
}

func newTestDiscovery(m *testutil.MockTwitchServer) *Discovery {
	return NewDiscovery("test-client-id", m.HelixURL(), 2*time.Second)
}

func TestTopChannelsSinglePage(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	streams, logins := rankedStreams("a", 5)
	m.MockStreamsPages([][]testutil.Stream{streams})
	m.MockUsers(logins)

	got := newTestDiscovery(m).TopChannels(context.Background(), 5)
	want := []string{"login_a0", "login_a1", "login_a2", "login_a3", "login_a4"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TopChannels mismatch (-want +got):\n%s", diff)
	}
}

func TestTopChannelsPaginates(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	p0, l0 := rankedStreams("a", 100)
	p1, l1 := rankedStreams("b", 100)
	p2, l2 := rankedStreams("c", 100)
	for k, v := range l1 {
		l0[k] = v
	}
	for k, v := range l2 {
		l0[k] = v
	}
	m.MockStreamsPages([][]testutil.Stream{p0, p1, p2})
	m.MockUsers(l0)

	got := newTestDiscovery(m).TopChannels(context.Background(), 250)
	if len(got) != 250 {
		t.Fatalf("len(TopChannels) = %d, want 250", len(got))
	}
	if got[0] != "login_a0" || got[100] != "login_b0" || got[249] != "login_c49" {
		t.Errorf("unexpected ordering: %q %q %q", got[0], got[100], got[249])
	}
	if n := m.Requests("/helix/streams"); n != 3 {
		t.Errorf("streams requests = %d, want 3", n)
	}
	if n := m.Requests("/helix/users"); n != 3 {
		t.Errorf("users requests = %d, want 3", n)
	}
}

func TestTopChannelsStopsWhenCursorEmpty(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	streams, logins := rankedStreams("a", 3)
	m.MockStreamsPages([][]testutil.Stream{streams})
	m.MockUsers(logins)

	got := newTestDiscovery(m).TopChannels(context.Background(), 10)
	if len(got) != 3 {
		t.Errorf("len(TopChannels) = %d, want 3 (API under-returned)", len(got))
	}
	if n := m.Requests("/helix/streams"); n != 1 {
		t.Errorf("streams requests = %d, want 1", n)
	}
}

func TestTopChannelsDedupesWithinPage(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockStreamsPages([][]testutil.Stream{{
		{UserID: "1", Login: "one"},
		{UserID: "2", Login: "two"},
		{UserID: "1", Login: "one"},
		{UserID: "3", Login: "three"},
	}})
	m.MockUsers(map[string]string{"1": "one", "2": "two", "3": "three"})

	got := newTestDiscovery(m).TopChannels(context.Background(), 4)
	if diff := cmp.Diff([]string{"one", "two", "three"}, got); diff != "" {
		t.Errorf("TopChannels mismatch (-want +got):\n%s", diff)
	}
}

func TestTopChannelsSkipsUnresolvedUsers(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockStreamsPages([][]testutil.Stream{{
		{UserID: "1", Login: "one"},
		{UserID: "2", Login: "banned"},
		{UserID: "3", Login: "three"},
	}})
	m.MockUsers(map[string]string{"1": "one", "3": "three"})

	got := newTestDiscovery(m).TopChannels(context.Background(), 3)
	if diff := cmp.Diff([]string{"one", "three"}, got); diff != "" {
		t.Errorf("TopChannels mismatch (-want +got):\n%s", diff)
	}
}

func TestTopChannelsFailureTruncates(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *testutil.MockTwitchServer)
		want  int
	}{
		{
			name: "streams endpoint errors on second page",
			setup: func(m *testutil.MockTwitchServer) {
				p0, l0 := rankedStreams("a", 100)
				m.MockUsers(l0)
				m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
					if r.URL.Query().Get("after") != "" {
						w.WriteHeader(http.StatusServiceUnavailable)
						return
					}
					w.Header().Set("Content-Type", "application/json")
					fmt.Fprint(w, `{"data":[`)
					for i, s := range p0 {
						if i > 0 {
							fmt.Fprint(w, ",")
						}
						fmt.Fprintf(w, `{"user_id":%q,"user_login":%q}`, s.UserID, s.Login)
					}
					fmt.Fprint(w, `],"pagination":{"cursor":"next"}}`)
				}
			},
			want: 100,
		},
		{
			name: "malformed first page",
			setup: func(m *testutil.MockTwitchServer) {
				m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Type", "application/json")
					fmt.Fprint(w, `{"data": [oops`)
				}
			},
			want: 0,
		},
		{
			name: "users lookup fails",
			setup: func(m *testutil.MockTwitchServer) {
				p0, _ := rankedStreams("a", 10)
				m.MockStreamsPages([][]testutil.Stream{p0})
				m.MockError("/helix/users", http.StatusInternalServerError)
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMockTwitchServer(t)
			tt.setup(m)
			got := newTestDiscovery(m).TopChannels(context.Background(), 300)
			if len(got) != tt.want {
				t.Errorf("len(TopChannels) = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestTopChannelsSendsClientIDOnly(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Client-Id"); got != "test-client-id" {
			t.Errorf("Client-Id header = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[],"pagination":{}}`)
	}

	if got := newTestDiscovery(m).TopChannels(context.Background(), 10); len(got) != 0 {
		t.Errorf("TopChannels() = %v, want empty", got)
	}
}

func TestTopChannelsZero(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	if got := newTestDiscovery(m).TopChannels(context.Background(), 0); len(got) != 0 {
		t.Errorf("TopChannels(0) = %v", got)
	}
	if n := m.Requests("/helix/streams"); n != 0 {
		t.Errorf("streams requests = %d, want 0", n)
	}
}
