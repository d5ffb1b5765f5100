// Package metadata provides a client for the Jikan REST API (an unofficial
// MyAnimeList API) used to enrich anime rows during data population. The
// engine itself never calls it; population steps receive it as an external
// collaborator and whatever it returns or raises is treated as an opaque
// population failure cause.
package metadata

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultBaseURL is the public Jikan v4 endpoint.
const DefaultBaseURL = "https://api.jikan.moe/v4"

// Anime is a single anime search result.
type Anime struct {
	// MALID is the MyAnimeList identifier.
	MALID int64

	// Title is the primary title. Titles carries every known title variant
	// (synonyms, English, Japanese) including the primary one.
	Title  string
	Titles []string

	// URL is the MyAnimeList page for the anime.
	URL string

	// ImageURL is a thumbnail image location.
	ImageURL string

	// Episodes is the number of episodes, zero when unknown.
	Episodes int

	// EpisodeDuration is the length of a single episode, zero when unknown.
	EpisodeDuration time.Duration

	// Synopsis is a free-text summary.
	Synopsis string

	// Status is the airing status, e.g. "Finished Airing" or "Not yet aired".
	Status string

	// Genres contains genre and theme names.
	Genres []string

	// Licensors contains licensor names (streaming services among them).
	Licensors []string
}

// ClientConfig contains configuration for Client. All fields are optional.
type ClientConfig struct {
	// BaseURL overrides the API endpoint, mostly for tests. Defaults to
	// DefaultBaseURL.
	BaseURL string

	// HTTPClient is the HTTP client to make requests with. Defaults to a
	// client with a 30 second timeout.
	HTTPClient *http.Client

	// Logger is the structured logger to use for logging purposes. If none is
	// specified, logs will be emitted to STDOUT with messages at warn level
	// or higher.
	Logger *slog.Logger
}

// Client is a Jikan API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient returns a new Jikan client. The config parameter may be omitted
// as nil.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = &ClientConfig{}
	}

	client := &Client{
		baseURL:    config.BaseURL,
		httpClient: config.HTTPClient,
		logger:     config.Logger,
	}
	if client.baseURL == "" {
		client.baseURL = DefaultBaseURL
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if client.logger == nil {
		client.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}))
	}

	return client
}

// SearchAnime queries the API for TV anime matching the given name, walking
// every page of results. Underscores in the name are treated as spaces so
// that sanitised key forms can be passed directly.
func (c *Client) SearchAnime(ctx context.Context, name string) ([]Anime, error) {
	var allAnime []Anime

	for page := 1; ; page++ {
		body, err := c.getPage(ctx, name, page)
		if err != nil {
			return nil, err
		}

		for _, entry := range gjson.GetBytes(body, "data").Array() {
			allAnime = append(allAnime, animeFromResult(entry))
		}

		if !gjson.GetBytes(body, "pagination.has_next_page").Bool() {
			break
		}
	}

	c.logger.DebugContext(ctx, "jikan: Search finished",
		slog.String("name", name),
		slog.Int("results", len(allAnime)))

	return allAnime, nil
}

func (c *Client) getPage(ctx context.Context, name string, page int) ([]byte, error) {
	query := url.Values{
		"q":        {strings.ReplaceAll(name, "_", " ")},
		"type":     {"tv"},
		"order_by": {"start_date"},
		"page":     {strconv.Itoa(page)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/anime?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error querying anime metadata API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading anime metadata API response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anime metadata API returned status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("anime metadata API returned invalid JSON")
	}

	return body, nil
}

func animeFromResult(entry gjson.Result) Anime {
	anime := Anime{
		MALID:    entry.Get("mal_id").Int(),
		Title:    entry.Get("title").String(),
		URL:      entry.Get("url").String(),
		ImageURL: entry.Get("images.jpg.image_url").String(),
		Episodes: int(entry.Get("episodes").Int()),
		Synopsis: entry.Get("synopsis").String(),
		Status:   entry.Get("status").String(),
	}

	for _, title := range entry.Get("titles.#.title").Array() {
		anime.Titles = append(anime.Titles, title.String())
	}
	for _, genre := range entry.Get("genres.#.name").Array() {
		anime.Genres = append(anime.Genres, genre.String())
	}
	for _, theme := range entry.Get("themes.#.name").Array() {
		anime.Genres = append(anime.Genres, theme.String())
	}
	for _, licensor := range entry.Get("licensors.#.name").Array() {
		anime.Licensors = append(anime.Licensors, licensor.String())
	}

	// Durations come back in prose form like "24 min per ep".
	if duration := entry.Get("duration").String(); duration != "" {
		if minutes, err := strconv.Atoi(strings.TrimSuffix(duration, " min per ep")); err == nil {
			anime.EpisodeDuration = time.Duration(minutes) * time.Minute
		}
	}

	return anime
}
