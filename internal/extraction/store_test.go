package extraction_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Rhea/internal/extraction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *extraction.Store {
	t.Helper()

	store, err := extraction.NewStore(filepath.Join(t.TempDir(), "rhea.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })

	return store
}

func testRecord(settled time.Time) *extraction.Record {
	return &extraction.Record{
		ID:         uuid.New(),
		Key:        "https://example.com/watch/123|mp4|best",
		TargetURL:  "https://example.com/watch/123",
		Format:     "mp4",
		Quality:    "best",
		Status:     "COMPLETED[5]",
		Attempts:   1,
		OutputPath: "/tmp/rhea-output/output.mp4",
		SizeBytes:  1024,
		Checksum:   "ab12cd34",
		CreatedAt:  settled.Add(-time.Minute),
		SettledAt:  settled,
	}
}

func Test_Store_SaveAndFetchRecord(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	record := testRecord(time.Now().UTC())

	require.NoError(t, store.SaveExtraction(record))

	fetched, err := store.GetExtraction(record.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)

	assert.Equal(t, record.ID, fetched.ID)
	assert.Equal(t, record.TargetURL, fetched.TargetURL)
	assert.Equal(t, record.Status, fetched.Status)
	assert.Equal(t, record.SizeBytes, fetched.SizeBytes)
	assert.Equal(t, record.Checksum, fetched.Checksum)
	assert.WithinDuration(t, record.SettledAt, fetched.SettledAt, time.Second)
}

func Test_Store_GetExtraction_AbsentRecord(t *testing.T) {
	t.Parallel()

	fetched, err := openStore(t).GetExtraction(uuid.New())
	require.NoError(t, err)
	assert.Nil(t, fetched)
}

func Test_Store_SaveExtraction_ReplacesExistingRecord(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	record := testRecord(time.Now().UTC())
	require.NoError(t, store.SaveExtraction(record))

	record.Status = "FAILED[6]"
	record.FailureKind = "TRANSCODE_FAILURE[5]"
	record.FailureMessage = "Invalid data found when processing input"
	require.NoError(t, store.SaveExtraction(record))

	fetched, err := store.GetExtraction(record.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "FAILED[6]", fetched.Status)
	assert.Equal(t, "Invalid data found when processing input", fetched.FailureMessage)

	records, err := store.RecentExtractions(10)
	require.NoError(t, err)
	assert.Len(t, records, 1, "save must upsert, not duplicate")
}

func Test_Store_RecentExtractions_OrderedAndLimited(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	base := time.Now().UTC()

	var newest uuid.UUID
	for i := 0; i < 5; i++ {
		record := testRecord(base.Add(time.Duration(i) * time.Minute))
		require.NoError(t, store.SaveExtraction(record))
		newest = record.ID
	}

	records, err := store.RecentExtractions(3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, newest, records[0].ID, "most recently settled first")

	all, err := store.RecentExtractions(0)
	require.NoError(t, err)
	assert.Len(t, all, 5, "non-positive limit falls back to the default")
}
