package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/tripmate/pkg/assistant"
	"github.com/harun/tripmate/pkg/policy"
)

const travelPolicy = `# Ground transport
Cab and taxi fares are reimbursed up to 50 USD per day with receipts.

# Flights
Economy class is required for flights under six hours.
`

func TestIngestAndQuery(t *testing.T) {
	configPath, dataDir := writeTestConfig(t)

	src := filepath.Join(t.TempDir(), "transport.md")
	require.NoError(t, os.WriteFile(src, []byte(travelPolicy), 0644))

	output, err := executeCommand(t, "--config", configPath, "ingest", src)
	require.NoError(t, err)
	assert.Contains(t, output, "Added 1 document(s)")
	assert.Contains(t, output, "Indexed 1 file(s)")
	assert.FileExists(t, filepath.Join(dataDir, "policies", "transport.md"))

	output, err = executeCommand(t, "--config", configPath, "query", "cab", "reimbursement")
	require.NoError(t, err)
	assert.Contains(t, output, "transport.md")
	assert.Contains(t, output, "Cab and taxi fares")

	t.Run("resync removes deleted documents", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(dataDir, "policies", "transport.md")))

		output, err := executeCommand(t, "--config", configPath, "ingest")
		require.NoError(t, err)
		assert.Contains(t, output, "removed 1 source(s)")

		output, err = executeCommand(t, "--config", configPath, "query", "cab")
		require.NoError(t, err)
		assert.Contains(t, output, "No relevant policy information found.")
	})

	t.Run("unsupported file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "policy.pdf")
		require.NoError(t, os.WriteFile(bad, []byte("%PDF"), 0644))

		_, err := executeCommand(t, "--config", configPath, "ingest", bad)
		assert.ErrorIs(t, err, policy.ErrUnsupportedDocument)
	})

	t.Run("query requires text", func(t *testing.T) {
		_, err := executeCommand(t, "--config", configPath, "query")
		assert.Error(t, err)
	})
}

func TestCopyPolicyDocs(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "emea"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "hotels.md"), []byte("hotels"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "emea", "rail.txt"), []byte("rail"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "emea", "notes.pdf"), []byte("skip"), 0644))

	dir := t.TempDir()
	copied, err := copyPolicyDocs(policy.NewLoader(), src, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, copied)

	base := filepath.Join(dir, filepath.Base(src))
	data, err := os.ReadFile(filepath.Join(base, "emea", "rail.txt"))
	require.NoError(t, err)
	assert.Equal(t, "rail", string(data))
	assert.NoFileExists(t, filepath.Join(base, "emea", "notes.pdf"))
}

func TestExportImport(t *testing.T) {
	configPath, _ := writeTestConfig(t)

	exportFile := filepath.Join(t.TempDir(), "memories.jsonl")
	lines := `{"id":"01J0000000000000000000000A","user_id":"u1","text":"I prefer aisle seats","kind":"preference","created_at":"2026-01-02T03:04:05Z"}
{"id":"01J0000000000000000000000B","user_id":"u1","text":"Requested travel plan: Paris in May","kind":"plan_request","created_at":"2026-01-02T03:05:05Z"}
`
	importFile := filepath.Join(t.TempDir(), "seed.jsonl")
	require.NoError(t, os.WriteFile(importFile, []byte(lines), 0600))

	output, err := executeCommand(t, "--config", configPath, "import", importFile)
	require.NoError(t, err)
	assert.Contains(t, output, "Imported 2 memory record(s)")

	output, err = executeCommand(t, "--config", configPath, "import", importFile)
	require.NoError(t, err)
	assert.Contains(t, output, "Imported 0 memory record(s)")

	output, err = executeCommand(t, "--config", configPath, "export", "--out", exportFile)
	require.NoError(t, err)
	assert.Contains(t, output, "Exported 2 memory record(s)")

	data, err := os.ReadFile(exportFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "I prefer aisle seats")
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 2)

	output, err = executeCommand(t, "--config", configPath, "query", "--user", "u1", "aisle seats")
	require.NoError(t, err)
	assert.Contains(t, output, "[preference]")
	assert.Contains(t, output, "I prefer aisle seats")

	t.Run("missing file", func(t *testing.T) {
		_, err := executeCommand(t, "--config", configPath, "import", filepath.Join(t.TempDir(), "nope.jsonl"))
		assert.Error(t, err)
	})
}

func TestChatRequiresCredentials(t *testing.T) {
	configPath, _ := writeTestConfig(t)

	_, err := executeCommand(t, "--config", configPath, "chat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no AI credentials configured")
}

type MockTurnHandler struct {
	mock.Mock
}

func (m *MockTurnHandler) HandleTurn(ctx context.Context, req assistant.TurnRequest) (*assistant.TurnResult, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*assistant.TurnResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func newChatCommand(input string) (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	out := &bytes.Buffer{}
	cmd.SetIn(strings.NewReader(input))
	cmd.SetOut(out)
	cmd.SetContext(context.Background())
	return cmd, out
}

func TestChatLoop(t *testing.T) {
	t.Run("one turn per line until exit", func(t *testing.T) {
		turns := &MockTurnHandler{}
		turns.On("HandleTurn", mock.Anything, assistant.TurnRequest{UserID: "ana", Input: "Plan 3 days in Porto"}).
			Return(&assistant.TurnResult{Text: "Day 1: Ribeira"}, nil).Once()
		turns.On("HandleTurn", mock.Anything, assistant.TurnRequest{UserID: "ana", Input: "I love seafood"}).
			Return(&assistant.TurnResult{Text: "Thank you for sharing! I've noted that: I love seafood"}, nil).Once()

		cmd, out := newChatCommand("Plan 3 days in Porto\n\n  I love seafood  \nexit\nnever sent\n")
		require.NoError(t, chatLoop(cmd, turns, "ana"))

		assert.Contains(t, out.String(), "Day 1: Ribeira")
		assert.Contains(t, out.String(), "I've noted that: I love seafood")
		turns.AssertExpectations(t)
		turns.AssertNumberOfCalls(t, "HandleTurn", 2)
	})

	t.Run("eof ends the loop", func(t *testing.T) {
		turns := &MockTurnHandler{}
		cmd, _ := newChatCommand("")
		require.NoError(t, chatLoop(cmd, turns, "ana"))
		turns.AssertNotCalled(t, "HandleTurn", mock.Anything, mock.Anything)
	})

	t.Run("turn error stops the loop", func(t *testing.T) {
		turns := &MockTurnHandler{}
		turns.On("HandleTurn", mock.Anything, mock.Anything).Return(nil, errors.New("queue closed"))

		cmd, _ := newChatCommand("hello\nagain\n")
		assert.EqualError(t, chatLoop(cmd, turns, "ana"), "queue closed")
		turns.AssertNumberOfCalls(t, "HandleTurn", 1)
	})
}
