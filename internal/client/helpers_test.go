package client

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/knocks"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
)

type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(delta)
	c.mu.Unlock()
}

type recordingUI struct {
	mu         sync.Mutex
	modals     []RemovalNotice
	countdowns []time.Duration
	lounge     []string
	shown      map[int64]int
	dismissed  []int64
}

func newRecordingUI() *recordingUI {
	return &recordingUI{shown: map[int64]int{}}
}

func (u *recordingUI) ShowRemovalModal(notice RemovalNotice) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.modals = append(u.modals, notice)
}

func (u *recordingUI) UpdateCountdown(remaining time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.countdowns = append(u.countdowns, remaining)
}

func (u *recordingUI) NavigateToLounge(notice string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lounge = append(u.lounge, notice)
}

func (u *recordingUI) ShowKnock(knock knocks.Request, offset int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.shown[knock.ID] = offset
}

func (u *recordingUI) DismissKnock(knockID int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dismissed = append(u.dismissed, knockID)
}

func (u *recordingUI) modalCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.modals)
}

func (u *recordingUI) loungeVisits() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.lounge...)
}

func (u *recordingUI) lastCountdown() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.countdowns) == 0 {
		return -1
	}
	return u.countdowns[len(u.countdowns)-1]
}

func (u *recordingUI) offsets() map[int64]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	copied := make(map[int64]int, len(u.shown))
	for id, offset := range u.shown {
		copied[id] = offset
	}
	return copied
}

func (u *recordingUI) dismissedIDs() []int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int64(nil), u.dismissed...)
}

// fakeAPI scripts the server answers a session sees.
type fakeAPI struct {
	mu          sync.Mutex
	activity    []presence.ActivityType
	activityAns ActivityResult
	reports     []rooms.StatusReport
	statusErr   error
	statusCalls int
	leaves      int
	pending     []knocks.Request
	responses   map[int64]bool
}

func (f *fakeAPI) ReportActivity(_ context.Context, _ int64, activity presence.ActivityType) (ActivityResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, activity)
	answer := f.activityAns
	if answer.Status == "" {
		answer.Status = presence.StatusSuccess
	}
	return answer, nil
}

func (f *fakeAPI) Status(context.Context, int64) (rooms.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return rooms.StatusReport{}, f.statusErr
	}
	if len(f.reports) == 0 {
		return rooms.StatusReport{Status: presence.StatusActive}, nil
	}
	report := f.reports[0]
	if len(f.reports) > 1 {
		f.reports = f.reports[1:]
	}
	return report, nil
}

func (f *fakeAPI) Leave(context.Context, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeAPI) PendingKnocks(context.Context, int64) ([]knocks.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]knocks.Request(nil), f.pending...), nil
}

func (f *fakeAPI) RespondKnock(_ context.Context, _ int64, knockID int64, accept bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.responses == nil {
		f.responses = map[int64]bool{}
	}
	f.responses[knockID] = accept
	return nil
}

func (f *fakeAPI) setPending(pending ...knocks.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = pending
}

func (f *fakeAPI) activityTypes() []presence.ActivityType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presence.ActivityType(nil), f.activity...)
}

func (f *fakeAPI) leaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaves
}
