package detector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ppeguard/ppeguard/pkg/types"
)

const defaultBaseURL = "https://detect.roboflow.com"

// ErrNoImage is returned when an Image carries no source.
var ErrNoImage = errors.New("detector: image has no url, base64 or data")

// Image is the input to Detect. Exactly one source is used, in the order
// URL, Base64, Data.
type Image struct {
	URL    string
	Base64 string // may carry a data URL prefix ("data:image/jpeg;base64,")
	Data   []byte
}

// Detector produces a DetectionResult for an image.
type Detector interface {
	Detect(ctx context.Context, img Image) (types.DetectionResult, error)
}

// Config configures the Roboflow client.
type Config struct {
	APIKey  string
	Project string
	Version string
	BaseURL string
	Timeout time.Duration

	// Classes maps each category to the model class names that count as it.
	// Defaults to DefaultClasses.
	Classes map[types.Category][]string
}

// DefaultClasses returns the stock alias table.
func DefaultClasses() map[types.Category][]string {
	return map[types.Category][]string{
		types.Helmet: {"helmet", "hardhat", "hard_hat", "safety_helmet"},
		types.Mask:   {"mask", "face_mask", "respirator", "n95"},
		types.Gloves: {"gloves", "safety_gloves", "work_gloves"},
		types.Jacket: {"jacket", "safety_jacket", "high_visibility", "hi_vis", "vest"},
	}
}

// Prediction is one object the model found.
type Prediction struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

type inferResponse struct {
	Predictions []Prediction `json:"predictions"`
}

// Client calls the Roboflow hosted inference API.
type Client struct {
	endpoint string
	apiKey   string
	classes  map[types.Category][]string
	hc       *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("detector: api key is empty")
	}
	if cfg.Project == "" || cfg.Version == "" {
		return nil, fmt.Errorf("detector: project and version are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.Classes) == 0 {
		cfg.Classes = DefaultClasses()
	}
	return &Client{
		endpoint: fmt.Sprintf("%s/%s/%s", strings.TrimRight(cfg.BaseURL, "/"),
			url.PathEscape(cfg.Project), url.PathEscape(cfg.Version)),
		apiKey:  cfg.APIKey,
		classes: cfg.Classes,
		hc:      &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Detect runs inference on img and maps the predictions onto categories.
func (c *Client) Detect(ctx context.Context, img Image) (types.DetectionResult, error) {
	var req *http.Request
	var err error

	q := url.Values{"api_key": {c.apiKey}}
	switch {
	case img.URL != "":
		q.Set("image", img.URL)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	case img.Base64 != "" || len(img.Data) > 0:
		payload := stripDataURL(img.Base64)
		if payload == "" {
			payload = base64.StdEncoding.EncodeToString(img.Data)
		}
		form := url.Values{"image": {payload}}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?"+q.Encode(),
			strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		return nil, ErrNoImage
	}
	if err != nil {
		return nil, fmt.Errorf("detector: build request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector: inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("detector: inference failed with HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("detector: decode response: %w", err)
	}
	return Classify(out.Predictions, c.classes), nil
}

// Classify maps predictions onto categories. Every category in classes is
// present in the result; those without a matching prediction are reported
// as not detected.
func Classify(preds []Prediction, classes map[types.Category][]string) types.DetectionResult {
	res := make(types.DetectionResult, len(classes))
	for cat := range classes {
		res[cat] = types.Detection{}
	}
	for _, p := range preds {
		name := strings.ToLower(strings.TrimSpace(p.Class))
		if negative(name) {
			continue
		}
		for cat, aliases := range classes {
			if !matches(name, aliases) {
				continue
			}
			cur := res[cat]
			if !cur.Detected || p.Confidence > cur.Confidence {
				res[cat] = types.Detection{Detected: true, Confidence: clamp(p.Confidence)}
			}
		}
	}
	return res
}

// negativePrefixes mark classes that report PPE as absent ("NO-Hardhat",
// "no_vest", "without mask").
var negativePrefixes = []string{"no-", "no_", "no ", "not-", "not_", "not ", "without"}

func negative(class string) bool {
	for _, p := range negativePrefixes {
		if strings.HasPrefix(class, p) {
			return true
		}
	}
	return false
}

func matches(class string, aliases []string) bool {
	for _, a := range aliases {
		if a != "" && strings.Contains(class, strings.ToLower(a)) {
			return true
		}
	}
	return false
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// stripDataURL removes a "data:...;base64," prefix.
func stripDataURL(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return s
}
