package chatlog

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalith-99/commlink/internal/models"
)

func record(id string, channelID uuid.UUID, at time.Time) models.MessageRecord {
	return models.MessageRecord{
		ID:                id,
		ChannelID:         channelID,
		AuthorDisplayName: "Unit 12",
		AuthorBadge:       "D-12",
		Body:              "copy that",
		CreatedAt:         at,
	}
}

func TestAppendIdempotent(t *testing.T) {
	log := New()
	ch := uuid.New()
	rec := record("m1", ch, time.Unix(1000, 0))

	require.True(t, log.Append(rec))
	require.False(t, log.Append(rec))

	snap := log.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, rec, snap[0])
}

func TestAppendKeepsSortedOrder(t *testing.T) {
	log := New()
	ch := uuid.New()
	base := time.Unix(1000, 0)

	log.Append(record("m3", ch, base.Add(2*time.Second)))
	log.Append(record("m1", ch, base))
	log.Append(record("m2", ch, base.Add(time.Second)))

	snap := log.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "m1", snap[0].ID)
	assert.Equal(t, "m2", snap[1].ID)
	assert.Equal(t, "m3", snap[2].ID)
}

func TestAppendBreaksTimestampTiesByID(t *testing.T) {
	log := New()
	ch := uuid.New()
	at := time.Unix(1000, 0)

	log.Append(record("b", ch, at))
	log.Append(record("a", ch, at))
	log.Append(record("c", ch, at))

	snap := log.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)
	assert.Equal(t, "c", snap[2].ID)
}

// A backlog merged after live events must produce the same log as
// appending the union in any arrival order and sorting by (CreatedAt, ID).
func TestMergeBacklogCommutesWithLiveAppends(t *testing.T) {
	ch := uuid.New()
	base := time.Unix(1000, 0)

	var all []models.MessageRecord
	for i := 0; i < 20; i++ {
		all = append(all, record(string(rune('a'+i)), ch, base.Add(time.Duration(i)*time.Second)))
	}

	live := all[10:]
	backlog := all[:15] // overlaps live on [10,15)

	logA := New()
	for _, rec := range live {
		logA.Append(rec)
	}
	added := logA.MergeBacklog(backlog)
	assert.Equal(t, 10, added)

	logB := New()
	shuffled := append([]models.MessageRecord(nil), all...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	for _, rec := range shuffled {
		logB.Append(rec)
	}

	assert.Equal(t, logB.Snapshot(), logA.Snapshot())
}

func TestMergeBacklogRepeatSafe(t *testing.T) {
	log := New()
	ch := uuid.New()
	backlog := []models.MessageRecord{
		record("m1", ch, time.Unix(1000, 0)),
		record("m2", ch, time.Unix(1001, 0)),
	}

	require.Equal(t, 2, log.MergeBacklog(backlog))
	require.Equal(t, 0, log.MergeBacklog(backlog))
	assert.Equal(t, 2, log.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	log := New()
	ch := uuid.New()
	log.Append(record("m1", ch, time.Unix(1000, 0)))

	snap := log.Snapshot()
	snap[0].Body = "mutated"

	assert.Equal(t, "copy that", log.Snapshot()[0].Body)
}

func TestOnAppendSkipsDuplicates(t *testing.T) {
	log := New()
	ch := uuid.New()

	var seen []string
	log.OnAppend(func(rec models.MessageRecord) {
		seen = append(seen, rec.ID)
	})

	rec := record("m1", ch, time.Unix(1000, 0))
	log.Append(rec)
	log.Append(rec)

	assert.Equal(t, []string{"m1"}, seen)
}
