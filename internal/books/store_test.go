package books_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"storyforge/internal/books"
	"storyforge/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"
)

func setupStore(t *testing.T) (*books.Store, *bun.DB) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	if _, err := bunDB.NewCreateTable().Model((*models.PersonalizedBook)(nil)).Exec(context.Background()); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	return &books.Store{Bun: bunDB}, bunDB
}

func testBook(userID string) *models.PersonalizedBook {
	return &models.PersonalizedBook{
		ID:         uuid.NewString(),
		TemplateID: "tpl-dragon",
		UserID:     userID,
		Title:      "The Dragon of Maple Street",
		ChildName:  "Mia",
		ChildAge:   6,
		Dedication: models.DedicationPlaceholder,
		Chapters: []models.Chapter{
			{Title: "A Strange Egg", Text: "Mia found an egg..."},
			{Title: "Hatching Day", Text: "It cracked open...", ImageLayout: models.LayoutFullScene},
		},
		Price:     24.99,
		CreatedAt: time.Now(),
	}
}

func TestCreateAndGetBook(t *testing.T) {
	store, bunDB := setupStore(t)
	defer bunDB.Close()

	book := testBook("user-1")
	assert.NoError(t, store.CreateBook(context.Background(), book))

	found, err := store.GetBookByID(context.Background(), book.ID)
	assert.NoError(t, err)
	assert.Equal(t, "Mia", found.ChildName)
	assert.Len(t, found.Chapters, 2)
	assert.False(t, found.IsPaid)

	_, err = store.GetBookByID(context.Background(), "non-existent")
	assert.ErrorIs(t, err, books.ErrBookNotFound)
}

func TestListBooksByOwner(t *testing.T) {
	store, bunDB := setupStore(t)
	defer bunDB.Close()

	assert.NoError(t, store.CreateBook(context.Background(), testBook("user-1")))
	assert.NoError(t, store.CreateBook(context.Background(), testBook("user-1")))
	assert.NoError(t, store.CreateBook(context.Background(), testBook("user-2")))

	list, err := store.ListBooksByOwner(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestMarkPaidIsOneShot(t *testing.T) {
	store, bunDB := setupStore(t)
	defer bunDB.Close()

	book := testBook("user-1")
	assert.NoError(t, store.CreateBook(context.Background(), book))

	paidAt := time.Now().UTC()
	flipped, err := store.MarkPaid(context.Background(), book.ID, "pi_1", paidAt)
	assert.NoError(t, err)
	assert.True(t, flipped)

	// Second settle loses and must not overwrite the payment id.
	flipped, err = store.MarkPaid(context.Background(), book.ID, "pi_2", time.Now().UTC())
	assert.NoError(t, err)
	assert.False(t, flipped)

	found, err := store.GetBookByID(context.Background(), book.ID)
	assert.NoError(t, err)
	assert.True(t, found.IsPaid)
	assert.Equal(t, "pi_1", found.PaymentID)
}

func TestUpdateChapters(t *testing.T) {
	store, bunDB := setupStore(t)
	defer bunDB.Close()

	book := testBook("user-1")
	assert.NoError(t, store.CreateBook(context.Background(), book))

	updated := []models.Chapter{{Title: "Rewritten", Text: "New text"}}
	assert.NoError(t, store.UpdateChapters(context.Background(), book.ID, updated))

	found, err := store.GetBookByID(context.Background(), book.ID)
	assert.NoError(t, err)
	assert.Len(t, found.Chapters, 1)
	assert.Equal(t, "Rewritten", found.Chapters[0].Title)

	assert.ErrorIs(t, store.UpdateChapters(context.Background(), "non-existent", updated), books.ErrBookNotFound)
}
