package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	iauth "github.com/objectwire/objectwire/internal/auth"
	"github.com/objectwire/objectwire/internal/database"
	"github.com/objectwire/objectwire/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestCleanupOrphanedSessions(t *testing.T) {
	db := openTestDB(t)

	client := &models.Client{Name: "alive", Secret: "secret"}
	require.NoError(t, db.Create(client).Error)

	kept := &models.Session{Token: "kept", ClientID: client.ID}
	orphan := &models.Session{Token: "orphan", ClientID: "00000000-0000-0000-0000-000000000000"}
	require.NoError(t, db.Create(kept).Error)
	require.NoError(t, db.Create(orphan).Error)

	removed, err := CleanupOrphanedSessions(context.Background(), db)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	var remaining []models.Session
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, "kept", remaining[0].Token)
}

func TestRunOnceExpiresIdleSessions(t *testing.T) {
	db := openTestDB(t)

	client := &models.Client{Name: "cli", Secret: "secret"}
	require.NoError(t, db.Create(client).Error)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions, err := iauth.NewSessionService(db, iauth.Config{Clock: func() time.Time { return now }})
	require.NoError(t, err)

	session, err := sessions.Login(context.Background(), iauth.LoginInput{
		ClientID:     client.ID,
		ClientSecret: client.Secret,
	})
	require.NoError(t, err)

	// Move the clock past the TTL and run all jobs once.
	now = now.Add(48 * time.Hour)
	cleaner := NewCleaner(db, sessions, WithSessionTTL(24*time.Hour), WithNow(func() time.Time { return now }))
	require.NoError(t, cleaner.RunOnce(context.Background()))

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("token = ?", session.Token).Count(&count).Error)
	require.Zero(t, count)
}

func TestStartRegistersJobs(t *testing.T) {
	db := openTestDB(t)
	sessions, err := iauth.NewSessionService(db, iauth.Config{})
	require.NoError(t, err)

	cleaner := NewCleaner(db, sessions)
	require.NoError(t, cleaner.Start())

	stop := cleaner.Stop()
	select {
	case <-stop.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
