package transcript

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
	"github.com/MarcoPoloResearchLab/polychat/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "transcript.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Message{}, &users.User{}))
	require.NoError(t, db.Create(&users.User{ID: "user-1", Username: "U1", Email: "u1@example.com", PasswordHash: "x"}).Error)
	require.NoError(t, db.Create(&users.User{ID: "user-2", Username: "U2", Email: "u2@example.com", PasswordHash: "x"}).Error)

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewStore(StoreConfig{
		Database: db,
		Clock: func() time.Time {
			now = now.Add(time.Millisecond)
			return now
		},
	})
	require.NoError(t, err)
	return store, db
}

func TestAppendGeneratesIdentifiersWhenMissing(t *testing.T) {
	store, _ := newTestStore(t)

	stored, err := store.Append(context.Background(), Message{RoomID: "room-1", AuthorID: "user-1", Content: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.NotZero(t, stored.CreatedAtMilli)
}

func TestAppendKeepsAuthoritativeStamp(t *testing.T) {
	store, _ := newTestStore(t)

	stamped := Message{ID: "msg-1", RoomID: "room-1", AuthorID: "user-1", Content: "hi", CreatedAtMilli: 42}
	stored, err := store.Append(context.Background(), stamped)
	require.NoError(t, err)
	assert.Equal(t, stamped, stored)
}

func TestAppendRejectsEmptyContent(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Append(context.Background(), Message{RoomID: "room-1", AuthorID: "user-1", Content: "  "})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestHistoryReturnsOldestFirstWithSenders(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, Message{RoomID: "room-1", AuthorID: "user-1", Content: "first"})
	require.NoError(t, err)
	_, err = store.Append(ctx, Message{RoomID: "room-2", AuthorID: "user-1", Content: "elsewhere"})
	require.NoError(t, err)
	_, err = store.Append(ctx, Message{RoomID: "room-1", AuthorID: "user-2", Content: "second"})
	require.NoError(t, err)

	entries, err := store.History(ctx, "room-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Content)
	assert.Equal(t, "U1", entries[0].SenderUsername)
	assert.Equal(t, "second", entries[1].Content)
	assert.Equal(t, "user-2", entries[1].SenderID)
}

func TestHistoryBreaksTimestampTiesByID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, identifier := range []string{"msg-b", "msg-a", "msg-c"} {
		_, err := store.Append(ctx, Message{ID: identifier, RoomID: "room-1", AuthorID: "user-1", Content: identifier, CreatedAtMilli: 1000})
		require.NoError(t, err)
	}

	entries, err := store.History(ctx, "room-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"msg-a", "msg-b", "msg-c"}, []string{entries[0].ID, entries[1].ID, entries[2].ID})
}

func TestHistoryKeepsMostRecentWindow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for index := 0; index < DefaultHistoryLimit+5; index++ {
		_, err := store.Append(ctx, Message{RoomID: "room-1", AuthorID: "user-1", Content: fmt.Sprintf("m%03d", index)})
		require.NoError(t, err)
	}

	entries, err := store.History(ctx, "room-1", 500)
	require.NoError(t, err)
	require.Len(t, entries, DefaultHistoryLimit)
	assert.Equal(t, "m005", entries[0].Content)
	assert.Equal(t, fmt.Sprintf("m%03d", DefaultHistoryLimit+4), entries[len(entries)-1].Content)
}
