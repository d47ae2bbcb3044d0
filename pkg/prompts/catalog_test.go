package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	for _, name := range []string{Classification, SlotExtraction, InformationUpdate, Itinerary, TravelPlan, SupportTrip} {
		assert.Contains(t, c.Names(), name)
	}
}

func TestRender(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	t.Run("itinerary with preferences", func(t *testing.T) {
		system, user, err := c.Render(Itinerary, map[string]any{
			"Input":       "3 days in Kyoto",
			"Preferences": []string{"I love trekking", "vegetarian food"},
		})
		require.NoError(t, err)
		assert.Contains(t, system, "- I love trekking")
		assert.Contains(t, system, "- vegetarian food")
		assert.Contains(t, system, "No previous conversation.")
		assert.Equal(t, "3 days in Kyoto", user)
	})

	t.Run("itinerary without preferences", func(t *testing.T) {
		system, _, err := c.Render(Itinerary, map[string]any{"Input": "x"})
		require.NoError(t, err)
		assert.Contains(t, system, "No specific preferences recorded yet.")
	})

	t.Run("unknown entry", func(t *testing.T) {
		_, _, err := c.Render("weather", nil)
		assert.Error(t, err)
	})
}

func TestLoadOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
support_trip:
  system: "Support for {{.Input}}"
  user: "{{.Input}}"
`), 0644))

	c, err := Load(path)
	require.NoError(t, err)

	system, _, err := c.Render(SupportTrip, map[string]any{"Input": "lounges"})
	require.NoError(t, err)
	assert.Equal(t, "Support for lounges", system)

	// Entries absent from the override keep their embedded text.
	system, _, err = c.Render(Itinerary, map[string]any{"Input": "x"})
	require.NoError(t, err)
	assert.Contains(t, system, "expert travel planner")
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("itinerary:\n  system: \"{{.Input\"\n"), 0644))
	_, err = Load(bad)
	assert.Error(t, err)
}
