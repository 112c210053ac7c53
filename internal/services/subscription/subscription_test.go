package subscription

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/database"
)

func setupService(t *testing.T) *Service {
	t.Helper()

	db, err := database.New(models.DatabaseConfig{
		Type:         models.SQLite,
		FilePath:     ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	svc, err := NewService(db)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestSubscribeAndList(t *testing.T) {
	svc := setupService(t)

	sub, err := svc.Subscribe("user-1", "12345", "some creator", []string{"browser", "email"})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if sub.NotifyMethods != "browser,email" {
		t.Errorf("NotifyMethods = %q", sub.NotifyMethods)
	}
	if got := Methods(sub); len(got) != 2 || got[0] != "browser" || got[1] != "email" {
		t.Errorf("Methods() = %v", got)
	}

	subs, err := svc.List("user-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(subs) != 1 || subs[0].CreatorID != "12345" {
		t.Errorf("List() = %+v, want the one subscription", subs)
	}
	if subs[0].LastVideoID != "" {
		t.Errorf("fresh subscription has LastVideoID %q, want empty", subs[0].LastVideoID)
	}
}

func TestSubscribeDuplicate(t *testing.T) {
	svc := setupService(t)

	if _, err := svc.Subscribe("user-1", "12345", "some creator", nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := svc.Subscribe("user-1", "12345", "some creator", nil); !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("duplicate Subscribe() error = %v, want ErrAlreadySubscribed", err)
	}

	// A different user can track the same creator.
	if _, err := svc.Subscribe("user-2", "12345", "some creator", nil); err != nil {
		t.Errorf("Subscribe() for second user error = %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	svc := setupService(t)

	sub, _ := svc.Subscribe("user-1", "12345", "some creator", nil)

	if err := svc.Unsubscribe("user-2", sub.ID); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Unsubscribe() by non-owner error = %v, want ErrSubscriptionNotFound", err)
	}
	if err := svc.Unsubscribe("user-1", sub.ID); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if err := svc.Unsubscribe("user-1", sub.ID); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("second Unsubscribe() error = %v, want ErrSubscriptionNotFound", err)
	}
}

type fakePlatform struct {
	videos map[string]*models.CreatorVideo
	err    error
	calls  int
}

func (f *fakePlatform) LatestVideo(ctx context.Context, creatorID string) (*models.CreatorVideo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.videos[creatorID], nil
}

type fakeNotifier struct {
	enqueued []string
	methods  [][]string
}

func (f *fakeNotifier) Enqueue(userID, kind, title, body string, payload map[string]any, methods []string) error {
	f.enqueued = append(f.enqueued, body)
	f.methods = append(f.methods, methods)
	return nil
}

func TestPollerFirstObservationIsSilent(t *testing.T) {
	svc := setupService(t)
	svc.Subscribe("user-1", "12345", "some creator", nil)

	platform := &fakePlatform{videos: map[string]*models.CreatorVideo{
		"12345": {VideoID: "BV1old", Title: "old upload"},
	}}
	notifier := &fakeNotifier{}
	poller := NewPoller(svc, platform, notifier, time.Millisecond)

	// First cycle sees the creator for the first time: record, stay quiet.
	newVideos, err := poller.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if newVideos != 0 || len(notifier.enqueued) != 0 {
		t.Errorf("first cycle: new=%d notifications=%v, want silence", newVideos, notifier.enqueued)
	}

	subs, _ := svc.List("user-1")
	if subs[0].LastVideoID != "BV1old" {
		t.Errorf("LastVideoID = %q, want BV1old recorded silently", subs[0].LastVideoID)
	}
	if subs[0].LastCheckedAt == nil {
		t.Error("LastCheckedAt not set")
	}
}

func TestPollerNotifiesOnNewVideo(t *testing.T) {
	svc := setupService(t)
	svc.Subscribe("user-1", "12345", "some creator", []string{"browser", "email"})

	platform := &fakePlatform{videos: map[string]*models.CreatorVideo{
		"12345": {VideoID: "BV1old", Title: "old upload"},
	}}
	notifier := &fakeNotifier{}
	poller := NewPoller(svc, platform, notifier, time.Millisecond)

	poller.CheckAll(context.Background())

	// Same video again: nothing to say.
	newVideos, _ := poller.CheckAll(context.Background())
	if newVideos != 0 || len(notifier.enqueued) != 0 {
		t.Fatalf("unchanged cycle: new=%d notifications=%v", newVideos, notifier.enqueued)
	}

	platform.videos["12345"] = &models.CreatorVideo{VideoID: "BV1new", Title: "fresh upload"}
	newVideos, err := poller.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if newVideos != 1 {
		t.Errorf("newVideos = %d, want 1", newVideos)
	}
	if len(notifier.enqueued) != 1 || notifier.enqueued[0] != "fresh upload" {
		t.Errorf("notifications = %v, want the fresh upload", notifier.enqueued)
	}
	if len(notifier.methods[0]) != 2 {
		t.Errorf("methods = %v, want both configured methods passed through", notifier.methods[0])
	}

	subs, _ := svc.List("user-1")
	if subs[0].LastVideoID != "BV1new" {
		t.Errorf("LastVideoID = %q, want BV1new", subs[0].LastVideoID)
	}
}

func TestPollerSurvivesPlatformErrors(t *testing.T) {
	svc := setupService(t)
	svc.Subscribe("user-1", "12345", "creator a", nil)

	platform := &fakePlatform{err: errors.New("upstream unavailable")}
	notifier := &fakeNotifier{}
	poller := NewPoller(svc, platform, notifier, time.Millisecond)

	newVideos, err := poller.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll() error = %v, want per-creator errors swallowed", err)
	}
	if newVideos != 0 {
		t.Errorf("newVideos = %d, want 0", newVideos)
	}
	// One retry per creator on transient errors.
	if platform.calls != 2 {
		t.Errorf("platform calls = %d, want 2 (initial + one retry)", platform.calls)
	}
}

func TestSignWBI(t *testing.T) {
	params := url.Values{}
	params.Set("mid", "12345")
	params.Set("pn", "1")

	signed := signWBI(params, "653657f524a547ac981ded72ea172057", "6e4909c702f846728e64f6007736a338")

	if signed.Get("wts") == "" {
		t.Error("wts not set")
	}
	if len(signed.Get("w_rid")) != 32 {
		t.Errorf("w_rid = %q, want 32 hex chars", signed.Get("w_rid"))
	}
	// The input is not mutated.
	if params.Get("w_rid") != "" || params.Get("wts") != "" {
		t.Error("signWBI mutated its input")
	}
}

func TestParseWBIKeys(t *testing.T) {
	img, sub, err := parseWBIKeys(
		"https://i0.hdslb.com/bfs/wbi/653657f524a547ac981ded72ea172057.png",
		"https://i0.hdslb.com/bfs/wbi/6e4909c702f846728e64f6007736a338.png",
	)
	if err != nil {
		t.Fatalf("parseWBIKeys() error = %v", err)
	}
	if img != "653657f524a547ac981ded72ea172057" || sub != "6e4909c702f846728e64f6007736a338" {
		t.Errorf("keys = %q, %q", img, sub)
	}

	if _, _, err := parseWBIKeys("", ""); err == nil {
		t.Error("parseWBIKeys() with empty urls succeeded, want error")
	}
}
