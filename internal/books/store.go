package books

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storyforge/internal/models"

	"github.com/uptrace/bun"
)

var (
	ErrBookNotFound = errors.New("personalized book not found")
	ErrAlreadyPaid  = errors.New("book is already paid")
	ErrNotBookOwner = errors.New("book belongs to another user")
)

type Store struct {
	Bun *bun.DB
}

func (s *Store) CreateBook(ctx context.Context, book *models.PersonalizedBook) error {
	_, err := s.Bun.NewInsert().Model(book).Exec(ctx)
	return err
}

func (s *Store) GetBookByID(ctx context.Context, id string) (*models.PersonalizedBook, error) {
	var book models.PersonalizedBook
	err := s.Bun.NewSelect().
		Model(&book).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, err
	}
	return &book, nil
}

func (s *Store) ListBooksByOwner(ctx context.Context, userID string) ([]models.PersonalizedBook, error) {
	var books []models.PersonalizedBook
	err := s.Bun.NewSelect().
		Model(&books).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return books, nil
}

// MarkPaid flips is_paid exactly once. The conditional WHERE makes the
// transition one-shot: a second call for the same book is a no-op and
// returns false.
func (s *Store) MarkPaid(ctx context.Context, bookID, paymentID string, paidAt time.Time) (bool, error) {
	res, err := s.Bun.NewUpdate().
		Model((*models.PersonalizedBook)(nil)).
		Set("is_paid = ?", true).
		Set("payment_id = ?", paymentID).
		Set("payment_date = ?", paidAt).
		Where("id = ? AND is_paid = ?", bookID, false).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to mark book %s paid: %w", bookID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UpdateChapters replaces chapter content. Administrative edits only; the
// rest of the book is immutable after creation.
func (s *Store) UpdateChapters(ctx context.Context, bookID string, chapters []models.Chapter) error {
	res, err := s.Bun.NewUpdate().
		Model((*models.PersonalizedBook)(nil)).
		Set("chapters = ?", chapters).
		Where("id = ?", bookID).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrBookNotFound
	}
	return nil
}
