package populate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/anitrack/anitrackmigrate/anidriver"
	"github.com/anitrack/anitrackmigrate/internal/levenshtein"
	"github.com/anitrack/anitrackmigrate/internal/util/textutil"
	"github.com/anitrack/anitrackmigrate/metadata"
)

// Anime returns a registry with the population steps of the anitrack schema
// line.
func Anime() *Registry {
	registry := NewRegistry()
	registry.Register(0, 2, v2CreatePopulate)
	registry.Register(0, 3, v3CreatePopulate)
	registry.Register(1, 2, v1ToV2UpgradePopulate)
	return registry
}

// Lookup data for the normalized schema. The v2 creation lists are shorter
// than the upgrade-era ones because upgrades encountered legacy rows with
// genres the original schema never anticipated.
var (
	v2CreateGenres = []string{
		"Action", "Adventure", "Comedy", "Drama", "Ecchi", "Fan Service", "Fantasy",
		"Harem", "Historical", "Horror", "Isekai", "Magic", "Martial Arts", "Mecha",
		"Mystery", "Romance", "School", "Sci-Fi", "Shonen", "Slice of Life", "Supernatural",
	}

	v1ToV2UpgradeGenres = []string{
		"Action", "Adventure", "Comedy", "Drama", "Ecchi", "Fan Service", "Fantasy",
		"Gore", "Harem", "Historical", "Horror", "Isekai", "Magic", "Martial Arts",
		"Mecha", "Methodology", "Mystery", "Psychological", "Reincarnation", "Romance",
		"School", "Sci-Fi", "Shonen", "Slice of Life", "Supernatural", "Super Power",
		"Suspense", "Survival",
	}

	contentStatuses = []string{"Completed", "Dropped", "Queue"}
)

type streamService struct {
	name      string
	domainURL *string
}

func streamServices(includeOther bool) []streamService {
	domain := func(url string) *string { return &url }

	services := []streamService{
		{"AnimeLab", domain("https://www.animelab.com")},
		{"Crunchyroll", domain("https://www.crunchyroll.com")},
		{"Funimation", domain("https://www.funimation.com")},
		{"HiDive", domain("https://www.hidive.com")},
		{"Netflix", domain("https://www.netflix.com")},
	}
	if includeOther {
		services = append(services, streamService{"Other", nil})
	}
	return services
}

// v2CreatePopulate seeds the lookup tables of a freshly created v2 database.
func v2CreatePopulate(ctx context.Context, env *Env) error {
	env.Logger.InfoContext(ctx, "Populating the database lookup tables with initial data")
	return seedLookupTables(ctx, env, v2CreateGenres, streamServices(true))
}

// v3CreatePopulate seeds the v2 lookup tables plus the content status lookup
// introduced in v3.
func v3CreatePopulate(ctx context.Context, env *Env) error {
	if err := v2CreatePopulate(ctx, env); err != nil {
		return err
	}

	for _, status := range contentStatuses {
		if err := env.Exec.Exec(ctx, "INSERT INTO content_status (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", status); err != nil {
			return fmt.Errorf("error seeding content status %q: %w", status, err)
		}
	}
	return nil
}

// v1ToV2UpgradePopulate transforms the legacy flat anime table into the
// normalized v2 schema: names are sanitised, free-text service and genre
// fields are resolved against lookup tables, and when a metadata collaborator
// is available, seasons, episodes and watch history are reconstructed from
// catalog lookups. Migrated rows are removed as they're processed and the
// legacy table is dropped at the end.
func v1ToV2UpgradePopulate(ctx context.Context, env *Env) error {
	env.Logger.InfoContext(ctx, "Populating the database lookup tables with initial data")
	if err := seedLookupTables(ctx, env, v1ToV2UpgradeGenres, streamServices(false)); err != nil {
		return err
	}

	env.Logger.InfoContext(ctx, "Starting data transformation for anime table")
	if err := migrateLegacyAnime(ctx, env); err != nil {
		return err
	}

	if err := env.Exec.Exec(ctx, "DROP TABLE IF EXISTS anime_old"); err != nil {
		return fmt.Errorf("error dropping legacy anime table: %w", err)
	}

	env.Logger.InfoContext(ctx, "Data population and transformations completed")
	return nil
}

func seedLookupTables(ctx context.Context, env *Env, genres []string, services []streamService) error {
	for _, genre := range genres {
		if err := env.Exec.Exec(ctx, "INSERT INTO genre (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", genre); err != nil {
			return fmt.Errorf("error seeding genre %q: %w", genre, err)
		}
	}

	for _, service := range services {
		if err := env.Exec.Exec(ctx,
			"INSERT INTO stream_service (name, domain_url) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING",
			service.name, service.domainURL,
		); err != nil {
			return fmt.Errorf("error seeding stream service %q: %w", service.name, err)
		}
	}

	return nil
}

// genreSplitPattern splits the legacy comma separated genres field.
var genreSplitPattern = regexp.MustCompile(`,\s*`)

// legacyAnime is a row of the v1 flat anime table.
type legacyAnime struct {
	id           int64
	name         string
	seasons      int
	episodes     int
	timesWatched int
	service      string
	watchDate    any
	genres       string
}

func migrateLegacyAnime(ctx context.Context, env *Env) error {
	// Collect the legacy rows up front: the session holds a single connection
	// and the per-row transformation below issues its own queries.
	legacyRows, err := fetchLegacyAnime(ctx, env.Exec)
	if err != nil {
		return err
	}

	for _, legacy := range legacyRows {
		displayName := legacy.name
		name := textutil.SanitiseCommon(legacy.name)

		animeID, err := upsertAnime(ctx, env, name, displayName)
		if err != nil {
			return err
		}

		// Resolve the legacy free-text service and genre fields against the
		// lookup tables.
		if legacy.service != "" {
			if err := linkService(ctx, env, animeID, legacy.service); err != nil {
				return err
			}
		}
		if legacy.genres != "" {
			for _, genre := range genreSplitPattern.Split(legacy.genres, -1) {
				if err := linkGenre(ctx, env, animeID, genre); err != nil {
					return err
				}
			}
		}

		if env.Metadata == nil {
			env.Logger.WarnContext(ctx, "No metadata collaborator configured; skipping season and episode enrichment",
				slog.String("anime", displayName))
		} else {
			migrated, err := enrichFromMetadata(ctx, env, animeID, name, displayName, legacy)
			if err != nil {
				return err
			}
			if !migrated {
				// Leave the legacy row in place for manual follow-up.
				continue
			}
		}

		if err := env.Exec.Exec(ctx, "DELETE FROM anime_old WHERE id = $1", legacy.id); err != nil {
			return fmt.Errorf("error removing migrated legacy row %d: %w", legacy.id, err)
		}
		env.Logger.InfoContext(ctx, "Anime migrated and removed from legacy table",
			slog.String("anime", displayName))
	}

	return nil
}

func fetchLegacyAnime(ctx context.Context, exec anidriver.Executor) ([]legacyAnime, error) {
	rows, err := exec.Query(ctx,
		"SELECT id, name, season, episode, times_watched, service, watch_date, genres FROM anime_old")
	if err != nil {
		return nil, fmt.Errorf("error reading legacy anime rows: %w", err)
	}
	defer rows.Close()

	var legacyRows []legacyAnime
	for rows.Next() {
		var legacy legacyAnime
		if err := rows.Scan(&legacy.id, &legacy.name, &legacy.seasons, &legacy.episodes,
			&legacy.timesWatched, &legacy.service, &legacy.watchDate, &legacy.genres); err != nil {
			return nil, fmt.Errorf("error scanning legacy anime row: %w", err)
		}
		legacyRows = append(legacyRows, legacy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading legacy anime rows: %w", err)
	}

	return legacyRows, nil
}

// upsertAnime returns the id of the anime with the given key name, inserting
// it if it doesn't exist yet.
func upsertAnime(ctx context.Context, env *Env, name, displayName string) (int64, error) {
	var animeID int64
	err := env.Exec.QueryRow(ctx, "SELECT id FROM anime WHERE name = $1 LIMIT 1", name).Scan(&animeID)
	switch {
	case err == nil:
		return animeID, nil
	case !errors.Is(err, anidriver.ErrNoRows):
		return 0, fmt.Errorf("error looking up anime %q: %w", name, err)
	}

	env.Logger.DebugContext(ctx, "Adding anime", slog.String("anime", displayName))
	err = env.Exec.QueryRow(ctx,
		"INSERT INTO anime (name, display_name) VALUES ($1, $2) RETURNING id",
		name, displayName,
	).Scan(&animeID)
	if err != nil {
		return 0, fmt.Errorf("error inserting anime %q: %w", name, err)
	}
	return animeID, nil
}

func linkService(ctx context.Context, env *Env, animeID int64, service string) error {
	var serviceID int64
	err := env.Exec.QueryRow(ctx, "SELECT id FROM stream_service WHERE name = $1", service).Scan(&serviceID)
	if err != nil {
		if errors.Is(err, anidriver.ErrNoRows) {
			env.Logger.WarnContext(ctx, "Service not found in the stream_service table",
				slog.String("service", service))
			return nil
		}
		return fmt.Errorf("error looking up stream service %q: %w", service, err)
	}

	if err := env.Exec.Exec(ctx,
		"INSERT INTO anime_stream_service (anime_id, stream_service_id) VALUES ($1, $2) ON CONFLICT (anime_id, stream_service_id) DO NOTHING",
		animeID, serviceID,
	); err != nil {
		return fmt.Errorf("error linking anime %d to service %q: %w", animeID, service, err)
	}
	return nil
}

func linkGenre(ctx context.Context, env *Env, animeID int64, genre string) error {
	// A common misspelling in legacy data.
	if genre == "Sci Fi" {
		genre = "Sci-Fi"
	}

	var genreID int64
	err := env.Exec.QueryRow(ctx, "SELECT id FROM genre WHERE name = $1", genre).Scan(&genreID)
	if err != nil {
		if errors.Is(err, anidriver.ErrNoRows) {
			env.Logger.WarnContext(ctx, "Genre not found in the genre table", slog.String("genre", genre))
			return nil
		}
		return fmt.Errorf("error looking up genre %q: %w", genre, err)
	}

	if err := env.Exec.Exec(ctx,
		"INSERT INTO anime_genre (anime_id, genre_id) VALUES ($1, $2) ON CONFLICT (anime_id, genre_id) DO NOTHING",
		animeID, genreID,
	); err != nil {
		return fmt.Errorf("error linking anime %d to genre %q: %w", animeID, genre, err)
	}
	return nil
}

// seasonOrPartSuffixPattern matches season/part suffixes in sanitised titles,
// like "season_2" in "spice_and_wolf_season_2".
var seasonOrPartSuffixPattern = regexp.MustCompile(`(season|part)_[0-9]`)

// titleSimilarityThreshold is the minimum similarity ratio between a
// sanitised legacy name and a metadata result title for the result to count
// as a match.
const titleSimilarityThreshold = 0.7

// relatedAnime reports whether a metadata result is plausibly the same show
// as the sanitised legacy name.
func relatedAnime(result metadata.Anime, name string) bool {
	// A show that hasn't aired can't have been watched.
	if result.Status == "Not yet aired" {
		return false
	}

	score := 0.0
	for _, title := range result.Titles {
		cleanTitle := textutil.PatternReplace(textutil.Strip(title), "_", seasonOrPartSuffixPattern)
		score = max(score, levenshtein.Ratio(name, cleanTitle))
	}

	return score >= titleSimilarityThreshold
}

// enrichFromMetadata reconstructs seasons, episodes and watch history for a
// legacy anime row from metadata catalog results, one result per season.
// Returns false without error when the catalog doesn't have enough seasons
// for the row, in which case the caller keeps the legacy row for manual
// follow-up.
func enrichFromMetadata(ctx context.Context, env *Env, animeID int64, name, displayName string, legacy legacyAnime) (bool, error) {
	env.Logger.DebugContext(ctx, "Querying metadata catalog for anime", slog.String("anime", name))
	allResults, err := env.Metadata.SearchAnime(ctx, name)
	if err != nil {
		return false, fmt.Errorf("error searching metadata for %q: %w", displayName, err)
	}

	var results []metadata.Anime
	for _, result := range allResults {
		if relatedAnime(result, name) {
			results = append(results, result)
		}
	}

	if len(results) == 0 {
		return false, fmt.Errorf("no matching anime results found for %q in metadata catalog", displayName)
	}
	if len(results) < legacy.seasons {
		env.Logger.WarnContext(ctx, "More recorded seasons than results in metadata catalog",
			slog.String("anime", displayName))
		return false, nil
	}

	remainingEpisodes := legacy.episodes
	for i := 0; i < legacy.seasons; i++ {
		seasonResult := results[i]

		seasonID, err := upsertSeason(ctx, env, animeID, seasonResult, i+1)
		if err != nil {
			return false, err
		}

		for _, licensor := range seasonResult.Licensors {
			if licensor == "" {
				continue
			}
			if err := linkService(ctx, env, animeID, licensor); err != nil {
				return false, err
			}
		}

		watchedThisSeason := min(seasonResult.Episodes, remainingEpisodes)
		if watchedThisSeason <= 0 {
			continue // ran out of watched episodes to record history for
		}

		completion := float64(watchedThisSeason) / float64(seasonResult.Episodes)
		for j := 0; j < legacy.timesWatched; j++ {
			if err := env.Exec.Exec(ctx,
				"INSERT INTO watch_history (anime_id, season_id, date, eps_watched, completion_percentage) VALUES ($1, $2, $3, $4, $5)",
				animeID, seasonID, legacy.watchDate, watchedThisSeason, completion,
			); err != nil {
				return false, fmt.Errorf("error recording watch history for %q: %w", displayName, err)
			}
		}
		remainingEpisodes -= watchedThisSeason
	}

	return true, nil
}

// upsertSeason returns the id of the given season number, creating the season
// and its episodes from a metadata result if it doesn't exist yet. Genres
// from the metadata result are linked either way.
func upsertSeason(ctx context.Context, env *Env, animeID int64, seasonResult metadata.Anime, seasonNumber int) (int64, error) {
	for _, genre := range seasonResult.Genres {
		if err := linkGenre(ctx, env, animeID, genre); err != nil {
			return 0, err
		}
	}

	var seasonID int64
	err := env.Exec.QueryRow(ctx,
		"SELECT id FROM season WHERE anime_id = $1 AND number = $2", animeID, seasonNumber,
	).Scan(&seasonID)
	switch {
	case err == nil:
		return seasonID, nil
	case !errors.Is(err, anidriver.ErrNoRows):
		return 0, fmt.Errorf("error looking up season %d of anime %d: %w", seasonNumber, animeID, err)
	}

	env.Logger.DebugContext(ctx, "Adding season",
		slog.Int64("anime_id", animeID),
		slog.Int("season", seasonNumber))
	err = env.Exec.QueryRow(ctx,
		"INSERT INTO season (number, anime_id, myanimelist_url, thumbnail_url, mal_id, episode_count, ep_duration, summary) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id",
		seasonNumber, animeID, seasonResult.URL, seasonResult.ImageURL, seasonResult.MALID,
		seasonResult.Episodes, int(seasonResult.EpisodeDuration.Minutes()), seasonResult.Synopsis,
	).Scan(&seasonID)
	if err != nil {
		return 0, fmt.Errorf("error inserting season %d of anime %d: %w", seasonNumber, animeID, err)
	}

	if seasonResult.Episodes == 0 {
		env.Logger.WarnContext(ctx, "No episode data available for season",
			slog.Int64("anime_id", animeID),
			slog.Int("season", seasonNumber))
		return seasonID, nil
	}

	for episodeNumber := 1; episodeNumber <= seasonResult.Episodes; episodeNumber++ {
		if err := env.Exec.Exec(ctx,
			"INSERT INTO episode (anime_id, season_id, number) VALUES ($1, $2, $3) ON CONFLICT (season_id, number) DO NOTHING",
			animeID, seasonID, episodeNumber,
		); err != nil {
			return 0, fmt.Errorf("error inserting episode %d of season %d: %w", episodeNumber, seasonID, err)
		}
	}

	return seasonID, nil
}
