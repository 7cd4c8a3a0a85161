package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewSessionWiresHostComponents(t *testing.T) {
	api := &fakeAPI{}
	ui := newRecordingUI()

	host, err := NewSession(SessionConfig{API: api, UI: ui, RoomID: 1, IsHost: true})
	require.NoError(t, err)
	require.NotNil(t, host.Knocks)
	parsed, err := uuid.Parse(host.ID)
	require.NoError(t, err)
	require.EqualValues(t, 7, parsed.Version())

	member, err := NewSession(SessionConfig{API: api, UI: ui, RoomID: 1})
	require.NoError(t, err)
	require.Nil(t, member.Knocks)
	require.NotEqual(t, host.ID, member.ID)

	_, err = NewSession(SessionConfig{UI: ui})
	require.ErrorIs(t, err, errMissingAPI)
}

func TestSessionLeavesWhenServerForgetsMember(t *testing.T) {
	api := &fakeAPI{
		activityAns: ActivityResult{Status: presence.StatusNotInRoom},
		reports:     []rooms.StatusReport{{Status: presence.StatusNotInRoom}},
	}
	ui := newRecordingUI()
	session, err := NewSession(SessionConfig{API: api, UI: ui, RoomID: 5})
	require.NoError(t, err)

	session.Start(context.Background())
	require.Eventually(t, func() bool { return len(ui.loungeVisits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	session.Stop()

	require.True(t, session.Activity.Stopped())
	require.Equal(t, []presence.ActivityType{presence.ActivitySystemStart}, api.activityTypes())
}

func TestAPIClientSendsSessionCookieAndMapsErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("duranu_session")
		if err != nil || cookie.Value != "signed" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":"error","message":"authentication required"}`))
			return
		}
		switch r.URL.Path {
		case "/api/rooms/2/status":
			_, _ = w.Write([]byte(`{"status":"removed","room_id":2,"reason":"flooding","issued_by":"Alice"}`))
		case "/api/rooms/2/knocks":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"status":"error","message":"host only"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	api, err := NewAPIClient(APIClientConfig{BaseURL: server.URL + "/api/", SessionToken: "signed"})
	require.NoError(t, err)
	ctx := context.Background()

	report, err := api.Status(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, presence.StatusRemoved, report.Status)
	require.Equal(t, "flooding", report.Reason)

	_, err = api.PendingKnocks(ctx, 2)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	require.Equal(t, "host only", apiErr.Message)

	anonymous, err := NewAPIClient(APIClientConfig{BaseURL: server.URL + "/api", SessionToken: "other"})
	require.NoError(t, err)
	_, err = anonymous.Status(ctx, 2)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = NewAPIClient(APIClientConfig{BaseURL: server.URL})
	require.ErrorIs(t, err, errMissingToken)
}
