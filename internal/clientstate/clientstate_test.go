package clientstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutateCreatesFileAndLoadReadsItBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path)

	err := store.Mutate(func(d *Document) {
		d.Tunnel = TunnelInfo{TunnelID: "t1", APIKey: "k1", LaptopName: "mac"}
	})
	require.NoError(t, err)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "t1", doc.Tunnel.TunnelID)
	assert.Equal(t, "k1", doc.Tunnel.APIKey)
	assert.WithinDuration(t, time.Now(), doc.LastUpdated, 5*time.Second)
}

func TestLoadOnMissingFileReturnsZeroDocument(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.json"))
	doc, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Tunnel.TunnelID)
	assert.Empty(t, doc.Sessions)
}

func TestMutateAppendsSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path)

	require.NoError(t, store.Mutate(func(d *Document) {
		d.Tunnel = TunnelInfo{TunnelID: "t1"}
	}))
	require.NoError(t, store.Mutate(func(d *Document) {
		d.Sessions = append(d.Sessions, SessionInfo{SessionID: "s1", Kind: "terminal", StartedAt: time.Now()})
	}))

	doc, err := store.Load()
	require.NoError(t, err)
	require.Len(t, doc.Sessions, 1)
	assert.Equal(t, "s1", doc.Sessions[0].SessionID)
	assert.Equal(t, "t1", doc.Tunnel.TunnelID)
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	seed := map[string]any{
		"tunnel":        TunnelInfo{TunnelID: "t1"},
		"sessions":      []SessionInfo{},
		"lastUpdated":   time.Now(),
		"futureFeature": map[string]any{"enabled": true},
	}
	data, err := json.Marshal(seed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	store := NewStore(path)
	require.NoError(t, store.Mutate(func(d *Document) {
		d.Tunnel.APIKey = "k2"
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Contains(t, out, "futureFeature")

	var feature map[string]bool
	require.NoError(t, json.Unmarshal(out["futureFeature"], &feature))
	assert.True(t, feature["enabled"])
}

func TestIndexRecordAndRecentSessions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	idx, err := NewIndex(dbPath)
	require.NoError(t, err)
	defer idx.Close()

	now := time.Now()
	require.NoError(t, idx.RecordSession("s1", "terminal", now))
	require.NoError(t, idx.RecordSession("s2", "recording", now.Add(time.Second)))
	require.NoError(t, idx.RecordSession("s1", "terminal", now.Add(2*time.Second)))

	sessions, err := idx.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s1", sessions[0].SessionID)
}
