package subscription

import (
	"context"
	"fmt"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/retry"
)

// pollPace spaces out platform requests so a long subscription list does
// not trip the platform's own rate limiting.
const pollPace = 2 * time.Second

// Notifier queues one notification per configured method.
type Notifier interface {
	Enqueue(userID, kind, title, body string, payload map[string]any, methods []string) error
}

// Poller walks every subscription and queues a notification when a tracked
// creator has published since the last check. The first observation of a
// creator is recorded silently so a fresh subscribe does not announce an
// old upload.
type Poller struct {
	service  *Service
	platform Platform
	notifier Notifier
	pace     time.Duration
}

func NewPoller(service *Service, platform Platform, notifier Notifier, pace time.Duration) *Poller {
	if pace <= 0 {
		pace = pollPace
	}
	return &Poller{
		service:  service,
		platform: platform,
		notifier: notifier,
		pace:     pace,
	}
}

// CheckAll runs one poll cycle and returns how many new videos were found.
func (p *Poller) CheckAll(ctx context.Context) (int, error) {
	subs, err := p.service.All()
	if err != nil {
		return 0, err
	}
	fiberlog.Infof("checking %d creator subscriptions", len(subs))

	newVideos := 0
	for i, sub := range subs {
		if i > 0 {
			select {
			case <-ctx.Done():
				return newVideos, ctx.Err()
			case <-time.After(p.pace):
			}
		}

		found, err := p.checkOne(ctx, &sub)
		if err != nil {
			fiberlog.Errorf("check for creator %s failed: %v", sub.CreatorID, err)
			continue
		}
		if found {
			newVideos++
		}
	}

	fiberlog.Infof("video check completed, %d new videos", newVideos)
	return newVideos, nil
}

func (p *Poller) checkOne(ctx context.Context, sub *models.CreatorSubscription) (bool, error) {
	var latest *models.CreatorVideo
	err := retry.Do(ctx, retry.Config{MaxAttempts: 2, BaseDelay: 2 * time.Second}, "latest video fetch", func() error {
		var fetchErr error
		latest, fetchErr = p.platform.LatestVideo(ctx, sub.CreatorID)
		return fetchErr
	})
	if err != nil {
		return false, err
	}
	if latest == nil || latest.VideoID == sub.LastVideoID {
		return false, nil
	}

	if err := p.service.recordCheck(sub.ID, latest.VideoID); err != nil {
		return false, fmt.Errorf("failed to record check: %w", err)
	}

	// An empty stored id means this creator was never observed before.
	if sub.LastVideoID == "" {
		return false, nil
	}

	fiberlog.Infof("new video from %s: %s", sub.CreatorName, latest.Title)
	err = p.notifier.Enqueue(
		sub.UserID,
		"new_video",
		fmt.Sprintf("%s 发布了新视频", sub.CreatorName),
		latest.Title,
		map[string]any{
			"video_url":    latest.URL,
			"video_id":     latest.VideoID,
			"video_title":  latest.Title,
			"video_cover":  latest.Cover,
			"creator_name": sub.CreatorName,
		},
		Methods(sub),
	)
	if err != nil {
		return false, fmt.Errorf("failed to queue notification: %w", err)
	}
	return true, nil
}
