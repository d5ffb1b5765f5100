package textutil

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStrip(t *testing.T) {
	t.Parallel()

	require.Equal(t, "hello_world", Strip("Hello World!"))
	require.Equal(t, "special_characters", Strip("   Special  characters!@$"))
	require.Equal(t, "no_special_chars", Strip("No special chars"))
	require.Equal(t, "hello_world", Strip("hello_world"))
	require.Equal(t, "", Strip(""))
}

func TestStripWith(t *testing.T) {
	t.Parallel()

	require.Equal(t, "hello-world", StripWith("Hello World!", "-", DefaultStripChars))

	// Runs of the replacement collapse down to one occurrence.
	require.Equal(t, "hello_world", StripWith("Hello!!   World@@!!", "_", DefaultStripChars))

	// An empty replacement removes the characters outright.
	require.Equal(t, "helloworld", StripWith("Hello World!", "", DefaultStripChars))

	// Custom character sets.
	require.Equal(t, "hello world!", StripWith("abcHello World!", "", "abc"))
	require.Equal(t, "in", StripWith("Cabin", "", "abc"))
}

func TestSanitise(t *testing.T) {
	t.Parallel()

	require.Equal(t, "hello_world_example_test",
		Sanitise("Hello - World! @Example_Test", " -", "!@", "_"))
	require.Equal(t, "some_-_text_to_replace",
		Sanitise("Some - text to replace", " ", "", "_"))
	require.Equal(t, "remove these characters:",
		Sanitise("Remove these characters: !@#", "", "!@#", " "))
	require.Equal(t, "no_replacements_or_removals_here",
		Sanitise("No_replacements_or_removals_here", "", "", "_"))
}

func TestSanitiseCommon(t *testing.T) {
	t.Parallel()

	require.Equal(t, "common_sanitisation_test_this_is_text",
		SanitiseCommon("Common - Sanitisation | Test; This is #Text!"))
	require.Equal(t, "spice_and_wolf", SanitiseCommon("Spice and Wolf"))
	require.Equal(t, "", SanitiseCommon(""))
}

func TestPatternReplace(t *testing.T) {
	t.Parallel()

	seasonPattern := regexp.MustCompile(`(season|part)_[0-9]`)

	require.Equal(t, "spice_and_wolf", PatternReplace("spice_and_wolf_season_2", "_", seasonPattern))
	require.Equal(t, "unchanged_title", PatternReplace("unchanged_title", "_", seasonPattern))
	require.Equal(t, "spice_and_wolf", PatternReplace("spice_and_wolf_part_3", "", seasonPattern, regexp.MustCompile(`_$`)))
}

func TestCamelToSnake(t *testing.T) {
	t.Parallel()

	require.Equal(t, "camel_case", CamelToSnake("CamelCase"))
	require.Equal(t, "this_is_a_test", CamelToSnake("ThisIsATest"))
	require.Equal(t, "already_snake_case", CamelToSnake("already_snake_case"))
	require.Equal(t, "word", CamelToSnake("Word"))
	require.Equal(t, "camel_case123", CamelToSnake("CamelCase123"))
	require.Equal(t, "camel123_case", CamelToSnake("Camel123Case"))
	require.Equal(t, "", CamelToSnake(""))
	require.Equal(t, "a", CamelToSnake("A"))
}

func TestSnakeToCamel(t *testing.T) {
	t.Parallel()

	require.Equal(t, "snakeCase", SnakeToCamel("snake_case"))
	require.Equal(t, "thisIsATest", SnakeToCamel("this_is_a_test"))
	require.Equal(t, "CamelCase", SnakeToCamel("CamelCase"))
	require.Equal(t, "word", SnakeToCamel("word"))
	require.Equal(t, "snakeCase123", SnakeToCamel("snake_case_123"))
	require.Equal(t, "snake123Case", SnakeToCamel("snake_123_case"))
	require.Equal(t, "", SnakeToCamel(""))
}
