package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/client"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/database"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/knocks"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/stream"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/sweeper"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "duranu-auth"
	testCookieName    = "duranu_session"
)

var (
	alice = auth.SessionSubject{UserID: "alice", DisplayName: "Alice"}
	bob   = auth.SessionSubject{UserID: "bob", DisplayName: "Bob"}
	carol = auth.SessionSubject{UserID: "carol", DisplayName: "Carol"}
	mod   = auth.SessionSubject{UserID: "mod", DisplayName: "Mod", Roles: []string{auth.RoleModerator}}
)

type serverEnv struct {
	handler http.Handler
	issuer  *auth.SessionIssuer
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Options{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "server.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	eventLog, err := events.NewLog(events.LogConfig{Database: db, Notifier: events.NewNotifier()})
	if err != nil {
		t.Fatalf("failed to build event log: %v", err)
	}
	knockService, err := knocks.NewService(knocks.ServiceConfig{Database: db, Events: eventLog})
	if err != nil {
		t.Fatalf("failed to build knock service: %v", err)
	}
	roomService, err := rooms.NewService(rooms.ServiceConfig{Database: db, Events: eventLog, Gatekeeper: knockService})
	if err != nil {
		t.Fatalf("failed to build rooms service: %v", err)
	}
	thresholds := rooms.Thresholds{
		AFKTimeout:              20 * time.Minute,
		MemberDisconnectTimeout: 80 * time.Minute,
		HostDisconnectTimeout:   80 * time.Minute,
	}
	dispatcher, err := stream.NewDispatcher(stream.Config{
		Events:             eventLog,
		Rooms:              roomService,
		Knocks:             knockService,
		Notifier:           eventLog.Notifier(),
		Thresholds:         thresholds,
		MaxIterations:      3,
		MaxEmptyIterations: 1,
		Sleeps:             stream.Sleeps{Short: time.Millisecond, Medium: time.Millisecond, Long: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	sweep, err := sweeper.New(sweeper.Config{
		Rooms:  roomService,
		Knocks: knockService,
		Events: eventLog,
		Timeouts: sweeper.Timeouts{
			AFK:              thresholds.AFKTimeout,
			MemberDisconnect: thresholds.MemberDisconnectTimeout,
			HostDisconnect:   thresholds.HostDisconnectTimeout,
			JoinGrace:        time.Minute,
			OnlineGrace:      2 * time.Minute,
			EventRetention:   24 * time.Hour,
		},
	})
	if err != nil {
		t.Fatalf("failed to build sweeper: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Rooms:      roomService,
		Knocks:     knockService,
		Dispatcher: dispatcher,
		Sweeper:    sweep,
		Sessions:   validator,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &serverEnv{handler: handler, issuer: issuer}
}

func (env *serverEnv) token(t *testing.T, subject auth.SessionSubject) string {
	t.Helper()
	signed, _, err := env.issuer.Issue(subject)
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}
	return signed
}

func (env *serverEnv) raw(t *testing.T, method, path string, subject *auth.SessionSubject, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if subject != nil {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: env.token(t, *subject)})
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func (env *serverEnv) call(t *testing.T, method, path string, subject auth.SessionSubject, body any) (int, map[string]any) {
	t.Helper()
	recorder := env.raw(t, method, path, &subject, body)
	payload := map[string]any{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode %s %s response %q: %v", method, path, recorder.Body.String(), err)
	}
	return recorder.Code, payload
}

func (env *serverEnv) createRoom(t *testing.T, owner auth.SessionSubject, body map[string]any) int64 {
	t.Helper()
	code, payload := env.call(t, http.MethodPost, "/rooms", owner, body)
	if code != http.StatusOK {
		t.Fatalf("room creation failed: %d %v", code, payload)
	}
	room, ok := payload["room"].(map[string]any)
	if !ok {
		t.Fatalf("room missing from response: %v", payload)
	}
	return int64(room["id"].(float64))
}

func roomPath(roomID int64, action string) string {
	return "/rooms/" + strconv.FormatInt(roomID, 10) + "/" + action
}

func expectFailure(t *testing.T, code int, payload map[string]any, wantCode int, wantMessage string) {
	t.Helper()
	if code != wantCode {
		t.Fatalf("unexpected status code: got %d, want %d (%v)", code, wantCode, payload)
	}
	if payload["status"] != statusError || payload["message"] != wantMessage {
		t.Fatalf("unexpected failure envelope: %v", payload)
	}
}

func TestRoomLifecycleOverHTTP(t *testing.T) {
	env := newServerEnv(t)

	anonymous := env.raw(t, http.MethodGet, "/rooms/1/status", nil, nil)
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected anonymous request to be rejected, got %d", anonymous.Code)
	}

	roomID := env.createRoom(t, alice, map[string]any{"name": "Lounge"})

	code, payload := env.call(t, http.MethodPost, roomPath(roomID, "join"), bob, nil)
	if code != http.StatusOK || payload["already_member"] != false {
		t.Fatalf("join failed: %d %v", code, payload)
	}

	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "activity"), bob, map[string]string{"activity_type": "heartbeat"})
	if code != http.StatusOK || payload["status"] != statusSuccess || payload["timestamp"] == nil {
		t.Fatalf("activity failed: %d %v", code, payload)
	}
	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "activity"), bob, map[string]string{"activity_type": "scrolling"})
	expectFailure(t, code, payload, http.StatusBadRequest, "invalid_activity_type")

	code, payload = env.call(t, http.MethodGet, roomPath(roomID, "status"), bob, nil)
	if code != http.StatusOK || payload["status"] != string(presence.StatusActive) || payload["room_name"] != "Lounge" {
		t.Fatalf("unexpected status: %d %v", code, payload)
	}

	code, payload = env.call(t, http.MethodGet, roomPath(roomID, "members"), alice, nil)
	if code != http.StatusOK {
		t.Fatalf("members failed: %d %v", code, payload)
	}
	if users := payload["users"].([]any); len(users) != 2 {
		t.Fatalf("expected two members, got %v", users)
	}

	code, payload = env.call(t, http.MethodGet, roomPath(roomID, "members"), carol, nil)
	expectFailure(t, code, payload, http.StatusForbidden, "not_in_room")

	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "leave"), bob, nil)
	if code != http.StatusOK || payload["removed"] != true || payload["room_deleted"] != false {
		t.Fatalf("leave failed: %d %v", code, payload)
	}

	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "activity"), bob, map[string]string{"activity_type": "heartbeat"})
	if code != http.StatusOK || payload["status"] != string(presence.StatusNotInRoom) {
		t.Fatalf("expected not_in_room answer, got %d %v", code, payload)
	}
	code, payload = env.call(t, http.MethodGet, roomPath(roomID, "status"), bob, nil)
	if code != http.StatusOK || payload["status"] != string(presence.StatusNotInRoom) {
		t.Fatalf("unexpected status after leave: %d %v", code, payload)
	}

	code, payload = env.call(t, http.MethodPost, "/rooms/abc/join", bob, nil)
	expectFailure(t, code, payload, http.StatusBadRequest, "invalid_room_id")
	code, payload = env.call(t, http.MethodPost, "/rooms/9999/join", bob, nil)
	expectFailure(t, code, payload, http.StatusNotFound, "room_not_found")
}

func TestLastHostLeavingDeletesRoom(t *testing.T) {
	env := newServerEnv(t)
	roomID := env.createRoom(t, alice, map[string]any{"name": "Solo"})

	code, payload := env.call(t, http.MethodPost, roomPath(roomID, "leave"), alice, nil)
	if code != http.StatusOK || payload["room_deleted"] != true {
		t.Fatalf("expected room teardown, got %d %v", code, payload)
	}
	code, payload = env.call(t, http.MethodGet, roomPath(roomID, "status"), alice, nil)
	if code != http.StatusOK || payload["status"] != string(presence.StatusRoomDeleted) {
		t.Fatalf("expected room_deleted status, got %d %v", code, payload)
	}
}

func TestKnockFlowMatchesClientContract(t *testing.T) {
	env := newServerEnv(t)
	roomID := env.createRoom(t, alice, map[string]any{"name": "Vault", "password": "hunter22", "allow_knocking": true})

	code, payload := env.call(t, http.MethodPost, roomPath(roomID, "join"), bob, nil)
	expectFailure(t, code, payload, http.StatusUnauthorized, "knock_required")

	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "knocks"), bob, nil)
	if code != http.StatusOK || payload["created"] != true {
		t.Fatalf("knock failed: %d %v", code, payload)
	}
	knockID := int64(payload["knock"].(map[string]any)["id"].(float64))

	server := httptest.NewServer(env.handler)
	defer server.Close()
	ctx := context.Background()
	hostAPI, err := client.NewAPIClient(client.APIClientConfig{BaseURL: server.URL, SessionToken: env.token(t, alice)})
	if err != nil {
		t.Fatalf("failed to build host client: %v", err)
	}
	guestAPI, err := client.NewAPIClient(client.APIClientConfig{BaseURL: server.URL, SessionToken: env.token(t, bob)})
	if err != nil {
		t.Fatalf("failed to build guest client: %v", err)
	}

	pending, err := hostAPI.PendingKnocks(ctx, roomID)
	if err != nil {
		t.Fatalf("host could not list knocks: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != knockID || pending[0].Status != knocks.StatusPending {
		t.Fatalf("unexpected pending knocks: %+v", pending)
	}

	var apiErr *client.APIError
	_, err = guestAPI.PendingKnocks(ctx, roomID)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden || apiErr.Message != "host_required" {
		t.Fatalf("expected host_required for guest, got %v", err)
	}

	if err := hostAPI.RespondKnock(ctx, roomID, knockID, true); err != nil {
		t.Fatalf("host could not accept knock: %v", err)
	}
	err = hostAPI.RespondKnock(ctx, roomID, knockID, false)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Message != "knock_already_handled" {
		t.Fatalf("expected second response to be rejected, got %v", err)
	}

	code, payload = env.call(t, http.MethodGet, roomPath(roomID, "knocks/"+strconv.FormatInt(knockID, 10)), bob, nil)
	if code != http.StatusOK || payload["knock"].(map[string]any)["status"] != string(knocks.StatusAccepted) {
		t.Fatalf("unexpected knock state: %d %v", code, payload)
	}
	code, payload = env.call(t, http.MethodGet, "/rooms/9999/knocks/"+strconv.FormatInt(knockID, 10), bob, nil)
	expectFailure(t, code, payload, http.StatusNotFound, "knock_not_found")

	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "join"), bob, nil)
	if code != http.StatusOK || payload["used_key"] != true {
		t.Fatalf("expected key-based entry, got %d %v", code, payload)
	}
}

func TestKickIsVisibleToRemovedClient(t *testing.T) {
	env := newServerEnv(t)
	roomID := env.createRoom(t, alice, map[string]any{"name": "Lounge"})
	if code, payload := env.call(t, http.MethodPost, roomPath(roomID, "join"), bob, nil); code != http.StatusOK {
		t.Fatalf("join failed: %d %v", code, payload)
	}

	code, payload := env.call(t, http.MethodPost, roomPath(roomID, "kick"), bob, map[string]string{"user_id": "alice"})
	expectFailure(t, code, payload, http.StatusForbidden, "host_required")
	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "kick"), alice, map[string]string{"reason": "flooding"})
	expectFailure(t, code, payload, http.StatusBadRequest, "user_id_required")

	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "kick"), alice, map[string]string{"user_id": "bob", "reason": "flooding"})
	if code != http.StatusOK || payload["removed"] != true {
		t.Fatalf("kick failed: %d %v", code, payload)
	}

	server := httptest.NewServer(env.handler)
	defer server.Close()
	guestAPI, err := client.NewAPIClient(client.APIClientConfig{BaseURL: server.URL, SessionToken: env.token(t, bob)})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	ctx := context.Background()
	report, err := guestAPI.Status(ctx, roomID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if report.Status != presence.StatusRemoved || report.Reason != "flooding" || report.IssuedBy != "Alice" {
		t.Fatalf("unexpected removal report: %+v", report)
	}
	result, err := guestAPI.ReportActivity(ctx, roomID, presence.ActivityHeartbeat)
	if err != nil {
		t.Fatalf("activity failed: %v", err)
	}
	if !result.NotInRoom() {
		t.Fatalf("expected not_in_room after kick, got %+v", result)
	}
}

func TestBanBlocksRejoin(t *testing.T) {
	env := newServerEnv(t)
	roomID := env.createRoom(t, alice, map[string]any{"name": "Lounge"})
	if code, payload := env.call(t, http.MethodPost, roomPath(roomID, "join"), bob, nil); code != http.StatusOK {
		t.Fatalf("join failed: %d %v", code, payload)
	}

	code, payload := env.call(t, http.MethodPost, roomPath(roomID, "ban"), alice, map[string]any{"user_id": "bob", "duration_minutes": -5})
	expectFailure(t, code, payload, http.StatusBadRequest, "invalid_duration")
	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "ban"), alice, map[string]any{"user_id": "bob", "reason": "spam", "duration_minutes": 30})
	if code != http.StatusOK || payload["removed"] != true {
		t.Fatalf("ban failed: %d %v", code, payload)
	}

	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "join"), bob, nil)
	expectFailure(t, code, payload, http.StatusForbidden, "banned")
	code, payload = env.call(t, http.MethodGet, roomPath(roomID, "status"), bob, nil)
	if code != http.StatusOK || payload["status"] != string(presence.StatusBanned) || payload["expires_at"] == nil {
		t.Fatalf("unexpected ban status: %d %v", code, payload)
	}
}

func TestHostControlsRoomFeatures(t *testing.T) {
	env := newServerEnv(t)
	roomID := env.createRoom(t, alice, map[string]any{"name": "Cinema"})
	if code, payload := env.call(t, http.MethodPost, roomPath(roomID, "join"), bob, nil); code != http.StatusOK {
		t.Fatalf("join failed: %d %v", code, payload)
	}

	code, payload := env.call(t, http.MethodPost, roomPath(roomID, "youtube"), alice, map[string]any{"video_id": "dQw4w9WgXcQ", "playing": true})
	expectFailure(t, code, payload, http.StatusConflict, "feature_disabled")

	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "settings"), bob, map[string]any{"youtube_enabled": true})
	expectFailure(t, code, payload, http.StatusForbidden, "host_required")
	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "settings"), alice, map[string]any{"youtube_enabled": true, "password": "opensesame"})
	if code != http.StatusOK {
		t.Fatalf("settings failed: %d %v", code, payload)
	}
	room := payload["room"].(map[string]any)
	if room["youtube_enabled"] != true || room["has_password"] != true {
		t.Fatalf("settings not applied: %v", room)
	}

	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "youtube"), alice, map[string]any{"video_id": "dQw4w9WgXcQ", "position_s": 12.5, "playing": true})
	if code != http.StatusOK {
		t.Fatalf("youtube update failed: %d %v", code, payload)
	}
	state := payload["youtube"].(map[string]any)
	if state["video_id"] != "dQw4w9WgXcQ" || state["playing"] != true {
		t.Fatalf("unexpected youtube state: %v", state)
	}
}

func TestMessagesAndPrivateMessages(t *testing.T) {
	env := newServerEnv(t)
	roomID := env.createRoom(t, alice, map[string]any{"name": "Lounge"})
	if code, payload := env.call(t, http.MethodPost, roomPath(roomID, "join"), bob, nil); code != http.StatusOK {
		t.Fatalf("join failed: %d %v", code, payload)
	}

	code, payload := env.call(t, http.MethodPost, roomPath(roomID, "messages"), bob, map[string]string{"message": "   "})
	expectFailure(t, code, payload, http.StatusBadRequest, "empty_message")
	code, payload = env.call(t, http.MethodPost, roomPath(roomID, "messages"), bob, map[string]string{"message": "hello <script>alert(1)</script>room"})
	if code != http.StatusOK {
		t.Fatalf("message failed: %d %v", code, payload)
	}
	if body := payload["message"].(map[string]any)["body"]; body != "hello room" {
		t.Fatalf("expected sanitized body, got %v", body)
	}

	code, payload = env.call(t, http.MethodPost, "/private-messages", bob, map[string]string{"recipient_user_id": "nobody", "message": "psst"})
	expectFailure(t, code, payload, http.StatusNotFound, "recipient_not_found")
	code, payload = env.call(t, http.MethodPost, "/private-messages", bob, map[string]string{"recipient_user_id": "alice", "message": "psst"})
	if code != http.StatusOK {
		t.Fatalf("private message failed: %d %v", code, payload)
	}
	code, payload = env.call(t, http.MethodGet, "/private-messages", alice, nil)
	if code != http.StatusOK {
		t.Fatalf("private message listing failed: %d %v", code, payload)
	}
	if messages := payload["messages"].([]any); len(messages) != 1 {
		t.Fatalf("expected one private message, got %v", messages)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	env := newServerEnv(t)
	roomID := env.createRoom(t, alice, map[string]any{"name": "Lounge"})
	if code, payload := env.call(t, http.MethodPost, roomPath(roomID, "activity"), alice, map[string]string{"activity_type": "page_focus"}); code != http.StatusOK {
		t.Fatalf("activity failed: %d %v", code, payload)
	}

	health := env.raw(t, http.MethodGet, "/healthz", nil, nil)
	if health.Code != http.StatusOK {
		t.Fatalf("health check failed: %d", health.Code)
	}

	code, payload := env.call(t, http.MethodGet, "/presence/online", bob, nil)
	if code != http.StatusOK {
		t.Fatalf("online listing failed: %d %v", code, payload)
	}
	if users := payload["users"].([]any); len(users) != 1 {
		t.Fatalf("expected alice online, got %v", users)
	}

	code, payload = env.call(t, http.MethodPost, "/presence/sweep", bob, nil)
	expectFailure(t, code, payload, http.StatusForbidden, "staff_required")
	code, payload = env.call(t, http.MethodPost, "/presence/sweep", mod, nil)
	if code != http.StatusOK {
		t.Fatalf("sweep failed: %d %v", code, payload)
	}
	summary := payload["summary"].(map[string]any)
	if summary["users_disconnected"] != float64(0) || summary["failures"] != float64(0) {
		t.Fatalf("unexpected sweep summary: %v", summary)
	}
}

func readFrames(t *testing.T, recorder *httptest.ResponseRecorder) []stream.Frame {
	t.Helper()
	if contentType := recorder.Header().Get("Content-Type"); contentType != ndjsonContentType {
		t.Fatalf("unexpected content type %q", contentType)
	}
	var frames []stream.Frame
	scanner := bufio.NewScanner(recorder.Body)
	for scanner.Scan() {
		var frame stream.Frame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			t.Fatalf("failed to decode frame %q: %v", scanner.Text(), err)
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		t.Fatalf("expected frames, got none")
	}
	return frames
}

func TestStreamServesSnapshotThenResumesFromWatermark(t *testing.T) {
	env := newServerEnv(t)
	roomID := env.createRoom(t, alice, map[string]any{"name": "Lounge"})
	if code, payload := env.call(t, http.MethodPost, roomPath(roomID, "join"), bob, nil); code != http.StatusOK {
		t.Fatalf("join failed: %d %v", code, payload)
	}

	recorder := env.raw(t, http.MethodGet, roomPath(roomID, "stream"), &bob, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("stream failed: %d %s", recorder.Code, recorder.Body.String())
	}
	frames := readFrames(t, recorder)
	snapshot := frames[0]
	if snapshot.Type != presence.FrameRoomData || snapshot.LastEventID <= 0 || len(snapshot.Users) != 2 {
		t.Fatalf("unexpected snapshot frame: %+v", snapshot)
	}
	connectionID, err := uuid.Parse(snapshot.ConnectionID)
	if err != nil || connectionID.Version() != 7 {
		t.Fatalf("expected v7 connection id, got %q", snapshot.ConnectionID)
	}
	if snapshot.InactivityStatus == nil || snapshot.InactivityStatus.IsHost {
		t.Fatalf("expected member inactivity status, got %+v", snapshot.InactivityStatus)
	}
	last := frames[len(frames)-1]
	if last.Type != presence.FrameReconnect || last.Reason != stream.ReasonIdle {
		t.Fatalf("expected idle reconnect, got %+v", last)
	}

	code, payload := env.call(t, http.MethodPost, roomPath(roomID, "messages"), alice, map[string]string{"message": "welcome"})
	if code != http.StatusOK {
		t.Fatalf("message failed: %d %v", code, payload)
	}

	resumed := env.raw(t, http.MethodGet, roomPath(roomID, "stream")+"?last_event_id="+strconv.FormatInt(last.LastEventID, 10), &bob, nil)
	frames = readFrames(t, resumed)
	first := frames[0]
	if first.Type != presence.FrameRoomData || first.LastEventID <= last.LastEventID {
		t.Fatalf("expected new events after watermark, got %+v", first)
	}
	for _, event := range first.Events {
		if event.ID <= last.LastEventID {
			t.Fatalf("event %d replayed below watermark %d", event.ID, last.LastEventID)
		}
	}
	if len(first.Messages) == 0 || first.Messages[len(first.Messages)-1].Body != "welcome" {
		t.Fatalf("expected message sub-resource, got %+v", first.Messages)
	}
}

func TestStreamRejectsNonMembersAndBadWatermarks(t *testing.T) {
	env := newServerEnv(t)
	roomID := env.createRoom(t, alice, map[string]any{"name": "Lounge"})

	frames := readFrames(t, env.raw(t, http.MethodGet, roomPath(roomID, "stream"), &carol, nil))
	if len(frames) != 1 || frames[0].Type != presence.FrameReconnect || frames[0].Reason != stream.ReasonNotInRoom {
		t.Fatalf("expected single not_in_room reconnect, got %+v", frames)
	}

	code, payload := env.call(t, http.MethodGet, roomPath(roomID, "stream")+"?last_event_id=-3", alice, nil)
	expectFailure(t, code, payload, http.StatusBadRequest, "invalid_last_event_id")
}
