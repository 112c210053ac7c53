package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/vidsum/vidsum-api/internal/models"
)

const (
	defaultAPIBase = "https://api.bilibili.com"

	// The space endpoints refuse requests without browser-looking headers.
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	wbiKeyTTL = 12 * time.Hour
)

// Platform reports a creator's most recent upload. The poller depends on
// this, not on the concrete client.
type Platform interface {
	LatestVideo(ctx context.Context, creatorID string) (*models.CreatorVideo, error)
}

// Creator is one search result.
type Creator struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Fans   int    `json:"fans"`
	Videos int    `json:"videos"`
	Sign   string `json:"sign"`
}

// BilibiliClient talks to the bilibili web API. Space listing endpoints
// require WBI-signed queries; the key pair comes from the nav endpoint and
// is cached until it ages out.
type BilibiliClient struct {
	apiBase    string
	httpClient *http.Client

	mu          sync.Mutex
	imgKey      string
	subKey      string
	keysFetched time.Time
}

func NewBilibiliClient(apiBase string) *BilibiliClient {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &BilibiliClient{
		apiBase:    apiBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *BilibiliClient) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.apiBase + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Referer", "https://www.bilibili.com")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request to %s returned status %d", path, resp.StatusCode)
	}

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	// Decode the payload before judging the code: some endpoints report a
	// non-zero code while still carrying usable data, and callers that
	// tolerate that inspect out alongside the returned error.
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil && envelope.Code == 0 {
			return fmt.Errorf("failed to decode payload from %s: %w", path, err)
		}
	}
	if envelope.Code != 0 {
		return fmt.Errorf("api %s returned code %d: %s", path, envelope.Code, envelope.Message)
	}
	return nil
}

func (c *BilibiliClient) wbiKeys(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.imgKey != "" && time.Since(c.keysFetched) < wbiKeyTTL {
		return c.imgKey, c.subKey, nil
	}

	var nav struct {
		WbiImg struct {
			ImgURL string `json:"img_url"`
			SubURL string `json:"sub_url"`
		} `json:"wbi_img"`
	}
	// The nav endpoint reports code -101 (not logged in) while still
	// carrying the wbi_img block, so the error is only fatal when no keys
	// came back at all.
	if err := c.getJSON(ctx, "/x/web-interface/nav", nil, &nav); err != nil && nav.WbiImg.ImgURL == "" {
		return "", "", fmt.Errorf("failed to fetch wbi keys: %w", err)
	}

	imgKey, subKey, err := parseWBIKeys(nav.WbiImg.ImgURL, nav.WbiImg.SubURL)
	if err != nil {
		return "", "", err
	}
	c.imgKey, c.subKey, c.keysFetched = imgKey, subKey, time.Now()
	return imgKey, subKey, nil
}

// SearchCreators looks up creators by display name.
func (c *BilibiliClient) SearchCreators(ctx context.Context, keyword string, limit int) ([]Creator, error) {
	if limit <= 0 {
		limit = 10
	}
	params := url.Values{}
	params.Set("keyword", keyword)
	params.Set("search_type", "bili_user")
	params.Set("page", "1")
	params.Set("page_size", strconv.Itoa(limit))

	var data struct {
		Result []struct {
			Mid    int64  `json:"mid"`
			Uname  string `json:"uname"`
			Upic   string `json:"upic"`
			Fans   int    `json:"fans"`
			Videos int    `json:"videos"`
			Usign  string `json:"usign"`
		} `json:"result"`
	}
	if err := c.getJSON(ctx, "/x/web-interface/search/type", params, &data); err != nil {
		return nil, err
	}

	creators := make([]Creator, 0, len(data.Result))
	for _, item := range data.Result {
		creators = append(creators, Creator{
			ID:     strconv.FormatInt(item.Mid, 10),
			Name:   item.Uname,
			Avatar: item.Upic,
			Fans:   item.Fans,
			Videos: item.Videos,
			Sign:   item.Usign,
		})
	}
	return creators, nil
}

// LatestVideo returns the creator's newest upload, or nil when the creator
// has no videos.
func (c *BilibiliClient) LatestVideo(ctx context.Context, creatorID string) (*models.CreatorVideo, error) {
	imgKey, subKey, err := c.wbiKeys(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("mid", creatorID)
	params.Set("pn", "1")
	params.Set("ps", "1")
	params.Set("order", "pubdate")

	var data struct {
		List struct {
			Vlist []struct {
				Bvid    string `json:"bvid"`
				Title   string `json:"title"`
				Pic     string `json:"pic"`
				Created int64  `json:"created"`
			} `json:"vlist"`
		} `json:"list"`
	}
	if err := c.getJSON(ctx, "/x/space/wbi/arc/search", signWBI(params, imgKey, subKey), &data); err != nil {
		return nil, err
	}
	if len(data.List.Vlist) == 0 {
		return nil, nil
	}

	v := data.List.Vlist[0]
	return &models.CreatorVideo{
		VideoID:     v.Bvid,
		Title:       v.Title,
		Cover:       v.Pic,
		URL:         "https://www.bilibili.com/video/" + v.Bvid,
		PublishedAt: v.Created,
	}, nil
}
